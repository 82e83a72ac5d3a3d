// Package broker gates outbound requests behind per-route access tokens. It
// attaches the held token, answers a 401 by asking for a replacement, retries
// once and evicts the token when the retry is rejected too.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	gateerrors "github.com/rcourtman/pulse-tokengate/internal/errors"
	"github.com/rcourtman/pulse-tokengate/internal/location"
	"github.com/rcourtman/pulse-tokengate/internal/metrics"
	"github.com/rcourtman/pulse-tokengate/internal/policy"
	"github.com/rcourtman/pulse-tokengate/internal/prompt"
	"github.com/rcourtman/pulse-tokengate/internal/tokenstore"
)

// Options configures a Broker.
type Options struct {
	// Policies maps paths to credentials. Nil uses policy.DefaultTable.
	Policies *policy.Table
	Store    tokenstore.Store
	Prompter prompt.Prompter
	Page     *location.Page

	// Transport is the network primitive used when Wrap or Client is given
	// none. Nil means http.DefaultTransport.
	Transport http.RoundTripper

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger

	// InheritPagePolicy governs requests whose own path matches no policy
	// with the policy of the current page path.
	InheritPagePolicy bool
}

// Broker holds the state shared by every gated request on a page. It is safe
// for concurrent use.
type Broker struct {
	policies  *policy.Table
	store     tokenstore.Store
	prompter  prompt.Prompter
	page      *location.Page
	transport http.RoundTripper
	logger    zerolog.Logger
	inherit   bool

	prompts singleflight.Group

	noticeMu sync.Mutex
	notices  map[string]string
}

// New validates opts and returns a Broker.
func New(opts Options) (*Broker, error) {
	if opts.Store == nil {
		return nil, errors.New("broker: token store is required")
	}
	if opts.Prompter == nil {
		return nil, errors.New("broker: prompter is required")
	}
	if opts.Page == nil {
		return nil, errors.New("broker: page is required")
	}

	policies := opts.Policies
	if policies == nil {
		policies = policy.DefaultTable()
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	logger := log.With().Str("component", "broker").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Broker{
		policies:  policies,
		store:     opts.Store,
		prompter:  opts.Prompter,
		page:      opts.Page,
		transport: transport,
		logger:    logger,
		inherit:   opts.InheritPagePolicy,
		notices:   make(map[string]string),
	}, nil
}

// Page returns the page the broker runs on.
func (b *Broker) Page() *location.Page {
	return b.page
}

// Policies returns the policy table in use.
func (b *Broker) Policies() *policy.Table {
	return b.policies
}

// Wrap decorates next so that every request passes through the gate. A nil
// next uses the broker's base transport.
func (b *Broker) Wrap(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = b.transport
	}
	return &gateTransport{broker: b, next: next}
}

// Client returns a copy of base whose transport is wrapped. A nil base is
// treated as an empty client.
func (b *Broker) Client(base *http.Client) *http.Client {
	client := &http.Client{}
	if base != nil {
		copied := *base
		client = &copied
	}
	client.Transport = b.Wrap(client.Transport)
	return client
}

// Resolve returns the policy governing path, falling back to the page policy
// when InheritPagePolicy is set.
func (b *Broker) Resolve(path string) (policy.Policy, bool) {
	if p, ok := b.policies.Resolve(path); ok {
		return p, true
	}
	if b.inherit {
		return b.policies.Resolve(b.page.Path())
	}
	return policy.Policy{}, false
}

// token returns the usable stored token for key, trimmed.
func (b *Broker) token(key string) (string, bool) {
	value, ok := tokenstore.Lookup(b.store, key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

// persist stores a token the person asked to remember. Failures are logged;
// they never change what the caller receives.
func (b *Broker) persist(logger zerolog.Logger, p policy.Policy, token string) {
	if err := b.store.Set(p.StorageKey, token); err != nil {
		logger.Warn().
			Err(gateerrors.WrapStorageError("persist", p.StorageKey, err)).
			Msg("Failed to persist token")
		return
	}
	logger.Debug().
		Str("storage_key", p.StorageKey).
		Str("token_fp", tokenstore.Fingerprint(token)).
		Msg("Persisted token")
}

// evict removes the token for p and queues the invalid-token notice for the
// next prompt on the same storage key.
func (b *Broker) evict(logger zerolog.Logger, p policy.Policy) {
	if err := b.store.Remove(p.StorageKey); err != nil {
		logger.Warn().
			Err(gateerrors.WrapStorageError("evict", p.StorageKey, err)).
			Msg("Failed to evict rejected token")
	}
	b.queueNotice(p.StorageKey, prompt.InvalidTokenNotice)
	metrics.RecordEviction(p.StorageKey)
	logger.Info().Str("storage_key", p.StorageKey).Msg("Evicted rejected token")
}

func (b *Broker) queueNotice(key, notice string) {
	b.noticeMu.Lock()
	defer b.noticeMu.Unlock()
	b.notices[key] = notice
}

func (b *Broker) takeNotice(key string) string {
	b.noticeMu.Lock()
	defer b.noticeMu.Unlock()
	notice := b.notices[key]
	delete(b.notices, key)
	return notice
}

// acquire asks for a replacement token. Concurrent callers for the same
// storage key share one prompt; a caller whose ctx ends stops waiting without
// affecting the others.
func (b *Broker) acquire(ctx context.Context, logger zerolog.Logger, p policy.Policy) (prompt.Result, error) {
	ch := b.prompts.DoChan(p.StorageKey, func() (interface{}, error) {
		current, _ := b.store.Get(p.StorageKey)
		challenge := prompt.Challenge{
			Policy:  p,
			Current: current,
			Notice:  b.takeNotice(p.StorageKey),
		}
		logger.Debug().Bool("notice", challenge.Notice != "").Msg("Opening credential prompt")

		result, err := b.prompter.Request(ctx, challenge)
		switch {
		case err == nil:
			result.Token = strings.TrimSpace(result.Token)
			if !tokenstore.IsUsable(result.Token) {
				metrics.RecordPrompt(p.Prefix, "cancelled")
				return prompt.Result{}, prompt.ErrCancelled
			}
			metrics.RecordPrompt(p.Prefix, "submitted")
			return result, nil
		case errors.Is(err, prompt.ErrCancelled):
			metrics.RecordPrompt(p.Prefix, "cancelled")
		default:
			metrics.RecordPrompt(p.Prefix, "error")
		}
		return prompt.Result{}, err
	})

	select {
	case <-ctx.Done():
		return prompt.Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return prompt.Result{}, res.Err
		}
		result, ok := res.Val.(prompt.Result)
		if !ok {
			return prompt.Result{}, fmt.Errorf("unexpected prompt result %T", res.Val)
		}
		return result, nil
	}
}
