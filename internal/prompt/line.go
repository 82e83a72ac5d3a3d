package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rcourtman/pulse-tokengate/internal/tokenstore"
	"golang.org/x/term"
)

// Line prompts on a terminal, one line at a time. Input is read without echo
// when In is a TTY. End of input cancels.
//
// At most one read from In is in flight. A read left behind by a cancelled
// Request is not discarded: its line answers the next Request.
type Line struct {
	In  io.Reader
	Out io.Writer

	mu      sync.Mutex
	reader  *bufio.Reader
	reads   chan lineRead
	pending bool

	readPassword func(fd int) ([]byte, error)
	isTerminal   func(fd int) bool
}

// NewLine returns a line prompter reading from in and writing to out.
func NewLine(in io.Reader, out io.Writer) *Line {
	return &Line{
		In:           in,
		Out:          out,
		reads:        make(chan lineRead, 1),
		readPassword: term.ReadPassword,
		isTerminal:   term.IsTerminal,
	}
}

type lineRead struct {
	text string
	err  error
}

func (l *Line) Request(ctx context.Context, ch Challenge) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return l.run(ctx, ch)
}

func (l *Line) run(ctx context.Context, ch Challenge) (Result, error) {
	out := l.Out
	if out == nil {
		out = io.Discard
	}

	fmt.Fprintf(out, "\n%s\n", ch.Policy.DisplayTitle())
	if desc := strings.TrimSpace(ch.Policy.Description); desc != "" {
		fmt.Fprintln(out, desc)
	}
	if ch.Notice != "" {
		fmt.Fprintf(out, "! %s\n", ch.Notice)
	}

	current := ""
	if tokenstore.IsUsable(ch.Current) {
		current = strings.TrimSpace(ch.Current)
	}

	for {
		if current != "" {
			fmt.Fprintf(out, "Access token [Enter keeps %s]: ", tokenstore.Mask(current))
		} else {
			fmt.Fprint(out, "Access token: ")
		}

		line, err := l.next(ctx, out, true)
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return Result{}, ErrCancelled
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			return Result{}, fmt.Errorf("read token: %w", err)
		}

		token := strings.TrimSpace(line)
		if token == "" {
			token = current
		}
		if token == "" {
			fmt.Fprintf(out, "! %s\n", emptyTokenMessage)
			continue
		}

		remember, err := l.readRemember(ctx, out)
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return Result{}, ErrCancelled
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			return Result{}, fmt.Errorf("read remember choice: %w", err)
		}
		return Result{Token: token, Remember: remember}, nil
	}
}

// next returns the next line of input, starting a read only when none is
// already in flight. Cancelling ctx leaves the read running for the next call.
func (l *Line) next(ctx context.Context, out io.Writer, secret bool) (string, error) {
	if l.reads == nil {
		l.reads = make(chan lineRead, 1)
	}
	if !l.pending {
		l.pending = true
		go func() {
			var r lineRead
			if secret {
				r.text, r.err = l.readSecret(out)
			} else {
				r.text, r.err = l.readLine()
			}
			l.reads <- r
		}()
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-l.reads:
		l.pending = false
		return r.text, r.err
	}
}

func (l *Line) readSecret(out io.Writer) (string, error) {
	if file, ok := l.In.(*os.File); ok && l.isTerminal != nil && l.isTerminal(int(file.Fd())) {
		secret, err := l.readPassword(int(file.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return string(secret), nil
	}
	return l.readLine()
}

func (l *Line) readRemember(ctx context.Context, out io.Writer) (bool, error) {
	fmt.Fprint(out, "Remember this token (stored locally)? [Y/n]: ")
	answer, err := l.next(ctx, out, false)
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return !strings.HasPrefix(answer, "n"), nil
}

// readLine is only called from the single in-flight read goroutine.
func (l *Line) readLine() (string, error) {
	if l.In == nil {
		return "", io.EOF
	}
	if l.reader == nil {
		l.reader = bufio.NewReader(l.In)
	}
	line, err := l.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
