package broker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateerrors "github.com/rcourtman/pulse-tokengate/internal/errors"
	"github.com/rcourtman/pulse-tokengate/internal/location"
	"github.com/rcourtman/pulse-tokengate/internal/mockgateway"
	"github.com/rcourtman/pulse-tokengate/internal/policy"
	"github.com/rcourtman/pulse-tokengate/internal/prompt"
	"github.com/rcourtman/pulse-tokengate/internal/tokenstore"
)

const publicPage = "https://gateway.example.com/lab-manager"

type fixture struct {
	gateway  *mockgateway.Gateway
	server   *httptest.Server
	store    *tokenstore.Memory
	prompter *prompt.Scripted
	broker   *Broker
	client   *http.Client
}

func newFixture(t *testing.T, pageURL string, answers ...prompt.Answer) *fixture {
	t.Helper()

	gateway := mockgateway.New(nil)
	server := httptest.NewServer(gateway)
	t.Cleanup(server.Close)

	page, err := location.NewPage(pageURL)
	require.NoError(t, err)

	nop := zerolog.Nop()
	f := &fixture{
		gateway:  gateway,
		server:   server,
		store:    tokenstore.NewMemory(),
		prompter: prompt.NewScripted(answers...),
	}
	f.broker, err = New(Options{
		Store:    f.store,
		Prompter: f.prompter,
		Page:     page,
		Logger:   &nop,
	})
	require.NoError(t, err)
	f.client = f.broker.Client(server.Client())
	return f
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	return f.client.Do(req)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func tokensSent(f *fixture) []string {
	var out []string
	for _, r := range f.gateway.Requests() {
		out = append(out, r.Token)
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	page, err := location.NewPage(publicPage)
	require.NoError(t, err)

	_, err = New(Options{Prompter: prompt.NewScripted(), Page: page})
	assert.Error(t, err)
	_, err = New(Options{Store: tokenstore.NewMemory(), Page: page})
	assert.Error(t, err)
	_, err = New(Options{Store: tokenstore.NewMemory(), Prompter: prompt.NewScripted()})
	assert.Error(t, err)

	b, err := New(Options{Store: tokenstore.NewMemory(), Prompter: prompt.NewScripted(), Page: page})
	require.NoError(t, err)
	assert.Equal(t, policy.DefaultTable().Len(), b.Policies().Len())
}

func TestUngovernedRequestPassesThrough(t *testing.T) {
	f := newFixture(t, publicPage)

	resp, err := f.get(t, "/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)

	assert.Empty(t, f.prompter.Calls())
	assert.Equal(t, []string{""}, tokensSent(f))
}

func TestStoredTokenIsAttachedWithoutMutatingCaller(t *testing.T) {
	f := newFixture(t, publicPage)
	f.gateway.Accept(policy.KeyLabManager, "good")
	require.NoError(t, f.store.Set(policy.KeyLabManager, "  good  "))

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/lab-manager/hosts", nil)
	require.NoError(t, err)
	req.Header.Set("X-Trace", "abc")

	resp, err := f.client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)

	assert.Equal(t, []string{"good"}, tokensSent(f))
	assert.Empty(t, req.Header.Get("X-Lab-Manager-Token"), "caller's request must not be modified")
	assert.Equal(t, "abc", req.Header.Get("X-Trace"))
	assert.Empty(t, f.prompter.Calls())
}

func TestPlaceholderTokenIsNeverSent(t *testing.T) {
	f := newFixture(t, publicPage, prompt.Cancel())
	require.NoError(t, f.store.Set(policy.KeyLabManager, "CHANGEME"))

	resp, err := f.get(t, "/lab-manager")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	readBody(t, resp)

	assert.Equal(t, []string{""}, tokensSent(f))
	calls := f.prompter.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "CHANGEME", calls[0].Current, "the prompt decides whether to pre-fill")
}

func TestAttachPreservesOtherHeaders(t *testing.T) {
	f := newFixture(t, publicPage)
	require.NoError(t, f.store.Set(policy.KeyTreasury, "treasury-secret"))

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Request-ID", "r-1")
	p, attached := f.broker.Attach("/wallet/balances", headers)
	require.True(t, attached)
	assert.Equal(t, "/wallet", p.Prefix)
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "r-1", headers.Get("X-Request-ID"))
	assert.Equal(t, "treasury-secret", headers.Get("X-Access-Token"))

	plain := HeaderMap{"content-type": "application/json"}
	_, attached = f.broker.Attach("/institution-config", plain)
	require.True(t, attached)
	assert.Equal(t, HeaderMap{
		"content-type":   "application/json",
		"X-Access-Token": "treasury-secret",
	}, plain)

	empty := HeaderMap{"accept": "*/*"}
	_, attached = f.broker.Attach("/status", empty)
	assert.False(t, attached)
	_, attached = f.broker.Attach("/lab-manager", empty)
	assert.False(t, attached, "no usable token stored for lab manager")
	assert.Equal(t, HeaderMap{"accept": "*/*"}, empty)
}

func TestRejectedRetryEvictsAndSurfacesAuthError(t *testing.T) {
	f := newFixture(t, publicPage, prompt.Submit("wrong", true), prompt.Cancel())
	require.NoError(t, f.store.Set(policy.KeyLabManager, "stale"))

	resp, err := f.get(t, "/lab-manager/hosts")
	require.Error(t, err)
	assert.Nil(t, resp)

	assert.True(t, errors.Is(err, gateerrors.ErrAuthenticationFailed))
	assert.True(t, gateerrors.IsAuthError(err))
	assert.Contains(t, err.Error(), "authentication failed: invalid token for Lab Manager Access")

	var gateErr *gateerrors.GateError
	require.True(t, errors.As(err, &gateErr))
	assert.Equal(t, http.StatusUnauthorized, gateErr.StatusCode)
	require.NotNil(t, gateErr.Response)
	assert.Contains(t, readBody(t, gateErr.Response), "unauthorized")

	assert.Equal(t, []string{"stale", "wrong"}, tokensSent(f), "exactly two sends")
	_, stored := f.store.Get(policy.KeyLabManager)
	assert.False(t, stored, "rejected token is evicted")

	calls := f.prompter.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "stale", calls[0].Current)
	assert.Empty(t, calls[0].Notice)

	// The next prompt for the same key opens with the invalid-token notice.
	resp, err = f.get(t, "/ops")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	readBody(t, resp)

	calls = f.prompter.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, prompt.InvalidTokenNotice, calls[1].Notice)
}

func TestSuccessfulRetryPersistsRememberedToken(t *testing.T) {
	f := newFixture(t, publicPage, prompt.Submit(" good ", true))
	f.gateway.Accept(policy.KeyLabManager, "good")

	resp, err := f.get(t, "/lab-manager/hosts")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "/lab-manager/hosts")

	value, ok := f.store.Get(policy.KeyLabManager)
	require.True(t, ok)
	assert.Equal(t, "good", value)

	// /ops shares the storage key, so no second prompt is needed.
	resp, err = f.get(t, "/ops/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)

	assert.Len(t, f.prompter.Calls(), 1)
	assert.Equal(t, []string{"", "good", "good"}, tokensSent(f))
}

func TestSuccessfulRetryWithoutRememberDropsRejectedToken(t *testing.T) {
	f := newFixture(t, publicPage, prompt.Submit("good", false))
	f.gateway.Accept(policy.KeyLabManager, "good")
	require.NoError(t, f.store.Set(policy.KeyLabManager, "stale"))

	resp, err := f.get(t, "/lab-manager")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)

	_, ok := f.store.Get(policy.KeyLabManager)
	assert.False(t, ok)
}

func TestCancelledPromptReturnsOriginal401(t *testing.T) {
	f := newFixture(t, publicPage, prompt.Cancel())

	resp, err := f.get(t, "/treasury/transfers")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), `"policy":"/treasury"`)

	assert.Len(t, f.gateway.Requests(), 1, "no retry after cancel")
	_, ok := f.store.Get(policy.KeyTreasury)
	assert.False(t, ok)
}

func TestPrompterFailureReturnsOriginal401(t *testing.T) {
	f := newFixture(t, publicPage, prompt.Answer{Err: errors.New("terminal unavailable")})

	resp, err := f.get(t, "/treasury")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	readBody(t, resp)
}

func TestPrivatePageBypassesPrompt(t *testing.T) {
	for _, pageURL := range []string{
		"http://192.168.1.10/lab-manager",
		"http://localhost:8080/lab-manager",
		"http://10.0.0.5/",
	} {
		f := newFixture(t, pageURL, prompt.Submit("unused", true))

		resp, err := f.get(t, "/lab-manager/hosts")
		require.NoError(t, err, pageURL)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, pageURL)
		readBody(t, resp)
		assert.Empty(t, f.prompter.Calls(), pageURL)
	}

	f := newFixture(t, "https://gateway.example.com/lab-manager", prompt.Cancel())
	resp, err := f.get(t, "/lab-manager/hosts")
	require.NoError(t, err)
	readBody(t, resp)
	assert.Len(t, f.prompter.Calls(), 1, "public host prompts")
}

func TestPrivatePageStillPromptsWhenStoredTokenIsRejected(t *testing.T) {
	f := newFixture(t, "http://192.168.1.10/lab-manager", prompt.Submit("good", true))
	f.gateway.Accept(policy.KeyLabManager, "good")
	require.NoError(t, f.store.Set(policy.KeyLabManager, "stale"))

	resp, err := f.get(t, "/lab-manager")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)
	assert.Len(t, f.prompter.Calls(), 1)
}

func TestForbiddenIsNotAChallenge(t *testing.T) {
	f := newFixture(t, publicPage)
	forbidden := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusForbidden,
			Body:       io.NopCloser(strings.NewReader("nope")),
			Header:     http.Header{},
			Request:    r,
		}, nil
	})
	client := &http.Client{Transport: f.broker.Wrap(forbidden)}

	resp, err := client.Get("https://gateway.example.com/lab-manager")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	readBody(t, resp)
	assert.Empty(t, f.prompter.Calls())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestTransportErrorsPropagateUnchanged(t *testing.T) {
	f := newFixture(t, publicPage, prompt.Submit("x", true))
	errBoom := errors.New("connection reset")
	var sends int32
	failing := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&sends, 1)
		return nil, errBoom
	})

	req, err := http.NewRequest(http.MethodGet, "https://gateway.example.com/lab-manager", nil)
	require.NoError(t, err)
	resp, err := f.broker.Wrap(failing).RoundTrip(req)
	assert.Nil(t, resp)
	assert.Same(t, errBoom, err)
	assert.False(t, gateerrors.IsAuthError(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&sends))
	assert.Empty(t, f.prompter.Calls())
}

func TestBodyIsReplayedOnRetry(t *testing.T) {
	f := newFixture(t, publicPage, prompt.Submit("ops-secret", true))
	f.gateway.Accept(policy.KeyOps, "ops-secret")

	// No GetBody: the gate must buffer the body itself.
	body := io.NopCloser(strings.NewReader(`{"mode":"wol"}`))
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/ops-api/hosts/node-1/wake", body)
	require.NoError(t, err)
	req.GetBody = nil

	resp, err := f.client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	readBody(t, resp)

	requests := f.gateway.Requests()
	require.Len(t, requests, 2)
	for _, r := range requests {
		assert.Equal(t, `{"mode":"wol"}`, r.Body)
	}
}

func TestContextCancellationDuringPrompt(t *testing.T) {
	f := newFixture(t, publicPage, prompt.Submit("late", true))
	block := make(chan struct{})
	defer close(block)
	f.prompter.Block = block

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/lab-manager", nil)
	require.NoError(t, err)

	resp, err := f.client.Do(req)
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Len(t, f.gateway.Requests(), 1)
}

func TestConcurrentChallengesShareOnePrompt(t *testing.T) {
	f := newFixture(t, publicPage)
	f.gateway.Accept(policy.KeyLabManager, "good")

	release := make(chan struct{})
	var prompts int32
	f.broker.prompter = prompt.Func(func(ctx context.Context, ch prompt.Challenge) (prompt.Result, error) {
		atomic.AddInt32(&prompts, 1)
		select {
		case <-release:
			return prompt.Result{Token: "good", Remember: true}, nil
		case <-ctx.Done():
			return prompt.Result{}, ctx.Err()
		}
	})

	const workers = 3
	var wg sync.WaitGroup
	statuses := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.get(t, "/lab-manager/hosts")
			if err != nil {
				return
			}
			statuses[i] = resp.StatusCode
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}(i)
	}

	require.Eventually(t, func() bool {
		return len(f.gateway.Requests()) == workers
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&prompts))
	for i, status := range statuses {
		assert.Equal(t, http.StatusOK, status, "worker %d", i)
	}
}

func TestInheritPagePolicy(t *testing.T) {
	page, err := location.NewPage(publicPage)
	require.NoError(t, err)
	store := tokenstore.NewMemory()
	require.NoError(t, store.Set(policy.KeyLabManager, "good"))

	nop := zerolog.Nop()
	b, err := New(Options{
		Store:             store,
		Prompter:          prompt.NewScripted(),
		Page:              page,
		Logger:            &nop,
		InheritPagePolicy: true,
	})
	require.NoError(t, err)

	var sent string
	capture := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		sent = r.Header.Get("X-Lab-Manager-Token")
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Header: http.Header{}, Request: r}, nil
	})

	resp, err := (&http.Client{Transport: b.Wrap(capture)}).Get("https://gateway.example.com/api/hosts")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "good", sent, "page policy governs an otherwise ungoverned path")

	headers := http.Header{}
	_, attached := b.Attach("/api/hosts", headers)
	assert.True(t, attached)
	assert.Equal(t, "good", headers.Get("X-Lab-Manager-Token"))
}

func TestClientKeepsBaseSettings(t *testing.T) {
	f := newFixture(t, publicPage)
	base := &http.Client{Timeout: 7 * time.Second}

	client := f.broker.Client(base)
	assert.Equal(t, 7*time.Second, client.Timeout)
	assert.Nil(t, base.Transport, "base client is not modified")
	_, ok := client.Transport.(*gateTransport)
	assert.True(t, ok)
}
