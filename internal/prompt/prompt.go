// Package prompt asks a person for a replacement access token.
package prompt

import (
	"context"
	"sync"

	gateerrors "github.com/rcourtman/pulse-tokengate/internal/errors"
	"github.com/rcourtman/pulse-tokengate/internal/policy"
)

// ErrCancelled is returned when the person dismisses the prompt.
var ErrCancelled = gateerrors.ErrCancelled

// InvalidTokenNotice is shown the next time a prompt opens after a submitted
// token was rejected.
const InvalidTokenNotice = "Invalid token. Please try again."

// emptyTokenMessage is the inline validation error for blank submissions.
const emptyTokenMessage = "Please enter a token"

// Challenge describes what is being asked for.
type Challenge struct {
	Policy  policy.Policy
	Current string // value on file, used to pre-fill the input
	Notice  string // inline message to show when the prompt opens
}

// Result is a submitted token. The prompt never persists it; Remember tells
// the caller whether it should.
type Result struct {
	Token    string
	Remember bool
}

// Prompter blocks until the person submits a token or cancels. There is no
// timeout; only ctx can abort a pending prompt.
type Prompter interface {
	Request(ctx context.Context, ch Challenge) (Result, error)
}

// Func adapts a function to the Prompter interface.
type Func func(ctx context.Context, ch Challenge) (Result, error)

func (f Func) Request(ctx context.Context, ch Challenge) (Result, error) {
	return f(ctx, ch)
}

// Answer is one scripted response.
type Answer struct {
	Result Result
	Err    error
}

// Submit returns an answer that submits token.
func Submit(token string, remember bool) Answer {
	return Answer{Result: Result{Token: token, Remember: remember}}
}

// Cancel returns an answer that dismisses the prompt.
func Cancel() Answer {
	return Answer{Err: ErrCancelled}
}

// Scripted is a headless Prompter that replays queued answers and records
// every challenge it receives. Once the queue is empty it cancels.
type Scripted struct {
	// Block, when set, holds every Request until it is closed or the
	// request context ends.
	Block <-chan struct{}

	mu      sync.Mutex
	answers []Answer
	calls   []Challenge
}

// NewScripted returns a Scripted prompter with the given answers queued.
func NewScripted(answers ...Answer) *Scripted {
	return &Scripted{answers: answers}
}

func (s *Scripted) Request(ctx context.Context, ch Challenge) (Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, ch)
	s.mu.Unlock()

	if s.Block != nil {
		select {
		case <-s.Block:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.answers) == 0 {
		return Result{}, ErrCancelled
	}
	next := s.answers[0]
	s.answers = s.answers[1:]
	return next.Result, next.Err
}

// Calls returns the challenges received so far.
func (s *Scripted) Calls() []Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Challenge, len(s.calls))
	copy(out, s.calls)
	return out
}
