package broker

import (
	"fmt"
	"strings"

	gateerrors "github.com/rcourtman/pulse-tokengate/internal/errors"
	"github.com/rcourtman/pulse-tokengate/internal/location"
	"github.com/rcourtman/pulse-tokengate/internal/metrics"
	"github.com/rcourtman/pulse-tokengate/internal/tokenstore"
)

// Load navigates the page to rawURL and runs the page-load token ingestion.
// It returns the visible URL, which never carries a token parameter.
func (b *Broker) Load(rawURL string) (string, error) {
	if err := b.page.Assign(rawURL); err != nil {
		return "", fmt.Errorf("load %q: %w", rawURL, err)
	}
	return b.Ingest()
}

// Ingest reads a token query parameter from the current page URL, stores it
// under the policy for the page path when it is usable, and strips it from
// the visible URL with a history replace.
func (b *Broker) Ingest() (string, error) {
	current := b.page.String()
	path := b.page.Path()
	p, governed := b.policies.Resolve(path)

	logger := b.logger.With().Str("path", path).Logger()
	if governed {
		logger = logger.With().Str("policy", p.Prefix).Logger()
	}

	if location.HasToken(current) {
		cleaned, token, err := location.StripToken(current)
		if err != nil {
			return current, fmt.Errorf("strip token from page url: %w", err)
		}
		token = strings.TrimSpace(token)

		switch {
		case !governed:
			logger.Debug().Msg("Token in URL for ungoverned path, discarding")
		case !tokenstore.IsUsable(token):
			logger.Debug().Msg("Unusable token in URL, discarding")
		default:
			if err := b.store.Set(p.StorageKey, token); err != nil {
				logger.Warn().
					Err(gateerrors.WrapStorageError("ingest", p.StorageKey, err)).
					Msg("Failed to store token from URL")
			} else {
				metrics.RecordURLTokenIngested(p.StorageKey)
				logger.Info().
					Str("storage_key", p.StorageKey).
					Str("token_fp", tokenstore.Fingerprint(token)).
					Msg("Stored token from URL")
			}
		}

		if err := b.page.Replace(cleaned); err != nil {
			return current, err
		}
	}

	if governed {
		_, stored := b.token(p.StorageKey)
		logger.Debug().
			Str("storage_key", p.StorageKey).
			Bool("token_stored", stored).
			Msg("Page loaded")
	}
	return b.page.String(), nil
}
