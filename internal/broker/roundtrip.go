package broker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	gateerrors "github.com/rcourtman/pulse-tokengate/internal/errors"
	"github.com/rcourtman/pulse-tokengate/internal/logging"
	"github.com/rcourtman/pulse-tokengate/internal/metrics"
	"github.com/rcourtman/pulse-tokengate/internal/policy"
	"github.com/rcourtman/pulse-tokengate/internal/prompt"
	"github.com/rcourtman/pulse-tokengate/internal/tokenstore"
)

// maxBufferedResponse caps how much of a 401 body is kept in memory while the
// prompt is open, and of a rejected retry carried on the returned error.
const maxBufferedResponse = 1 << 20

type gateTransport struct {
	broker *Broker
	next   http.RoundTripper
}

func (t *gateTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	b := t.broker
	path := b.requestPath(req)
	p, governed := b.Resolve(path)
	if !governed {
		metrics.RecordRequest("", metrics.OutcomePassed)
		return t.next.RoundTrip(req)
	}

	ctx, _ := logging.WithRequestID(req.Context(), "")
	logger := logging.FromContext(ctx, b.logger).With().
		Str("policy", p.Prefix).
		Str("path", path).
		Logger()

	body, err := replayableBody(req)
	if err != nil {
		metrics.RecordRequest(p.Prefix, metrics.OutcomeTransport)
		return nil, err
	}

	stored, hasToken := b.token(p.StorageKey)
	first, err := prepare(req.Clone(ctx), body, p, stored)
	if err != nil {
		metrics.RecordRequest(p.Prefix, metrics.OutcomeTransport)
		return nil, err
	}

	start := time.Now()
	resp, err := t.next.RoundTrip(first)
	if err != nil {
		metrics.RecordRequest(p.Prefix, metrics.OutcomeTransport)
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		metrics.RecordRequest(p.Prefix, metrics.OutcomePassed)
		return resp, nil
	}

	metrics.RecordChallenge(p.Prefix)
	if logging.IsLevelEnabled(zerolog.DebugLevel) {
		logger.Debug().
			Bool("had_token", hasToken).
			Str("token_fp", tokenstore.Fingerprint(stored)).
			Dur("elapsed", time.Since(start)).
			Msg("Request challenged")
	}

	if !hasToken && b.page.IsPrivate() {
		logger.Debug().Str("host", b.page.Host()).Msg("Private network page, passing 401 through")
		metrics.RecordRequest(p.Prefix, metrics.OutcomeBypassed)
		return resp, nil
	}

	// The prompt has no deadline. Release the connection and any per-send
	// timeout now; the caller may still get this 401 back.
	resp = bufferResponse(logger, resp)

	result, err := b.acquire(ctx, logger, p)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			resp.Body.Close()
			metrics.RecordRequest(p.Prefix, metrics.OutcomeAborted)
			return nil, ctxErr
		}
		if errors.Is(err, prompt.ErrCancelled) {
			logger.Info().Msg("Credential prompt cancelled")
			metrics.RecordRequest(p.Prefix, metrics.OutcomeCancelled)
		} else {
			logger.Warn().Err(err).Msg("Credential prompt failed")
			metrics.RecordRequest(p.Prefix, metrics.OutcomePromptFail)
		}
		return resp, nil
	}

	resp.Body.Close()

	retry, err := prepare(req.Clone(ctx), body, p, result.Token)
	if err != nil {
		metrics.RecordRequest(p.Prefix, metrics.OutcomeTransport)
		return nil, err
	}
	second, err := t.next.RoundTrip(retry)
	if err != nil {
		metrics.RecordRequest(p.Prefix, metrics.OutcomeTransport)
		return nil, err
	}

	if second.StatusCode == http.StatusUnauthorized {
		logger.Warn().
			Str("token_fp", tokenstore.Fingerprint(result.Token)).
			Msg("Replacement token rejected")
		buffered := bufferResponse(logger, second)
		b.evict(logger, p)
		metrics.RecordRequest(p.Prefix, metrics.OutcomeRejected)
		return nil, gateerrors.NewAuthError("retry", p.Prefix, p.DisplayTitle(), path, buffered)
	}

	if result.Remember {
		b.persist(logger, p, result.Token)
	} else if hasToken {
		// The stored value was just rejected; only drop it if nobody has
		// replaced it in the meantime.
		if current, ok := b.token(p.StorageKey); ok && current == stored {
			if err := b.store.Remove(p.StorageKey); err != nil {
				logger.Warn().
					Err(gateerrors.WrapStorageError("remove", p.StorageKey, err)).
					Msg("Failed to remove rejected token")
			}
		}
	}

	logger.Info().
		Int("status", second.StatusCode).
		Bool("remembered", result.Remember).
		Msg("Retry succeeded")
	metrics.RecordRequest(p.Prefix, metrics.OutcomeRetried)
	return second, nil
}

// requestPath returns the path a request targets. Relative URLs are resolved
// against the page; a missing URL falls back to the page path.
func (b *Broker) requestPath(req *http.Request) string {
	if req == nil || req.URL == nil {
		return b.page.Path()
	}
	if req.URL.IsAbs() || req.URL.Host != "" {
		if req.URL.Path == "" {
			return "/"
		}
		return req.URL.Path
	}
	return b.page.PathOf(req.URL.String())
}

// replayableBody returns a function producing fresh copies of the request
// body, buffering it when the caller did not provide GetBody. The caller's
// body is always consumed and closed.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		req.Body.Close()
		return req.GetBody, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

// prepare fills a cloned request with a fresh body and the policy header.
func prepare(out *http.Request, body func() (io.ReadCloser, error), p policy.Policy, token string) (*http.Request, error) {
	if body != nil {
		rc, err := body()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		out.Body = rc
		out.GetBody = body
	}
	if tokenstore.IsUsable(token) {
		if out.Header == nil {
			out.Header = make(http.Header)
		}
		out.Header.Set(p.Header, token)
	}
	return out, nil
}

// bufferResponse reads resp into memory so it outlives its connection. A read
// failure keeps whatever arrived before it.
func bufferResponse(logger zerolog.Logger, resp *http.Response) *http.Response {
	if resp.Body == nil {
		resp.Body = http.NoBody
		return resp
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedResponse))
	if err != nil {
		logger.Debug().Err(err).Int("status", resp.StatusCode).Msg("Failed to read response body")
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	resp.Header.Del("Content-Length")
	return resp
}
