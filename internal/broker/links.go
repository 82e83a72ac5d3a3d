package broker

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/rcourtman/pulse-tokengate/internal/location"
	"github.com/rcourtman/pulse-tokengate/internal/logging"
	"github.com/rcourtman/pulse-tokengate/internal/metrics"
	"github.com/rcourtman/pulse-tokengate/internal/prompt"
)

// Navigation reports how a link click was handled.
type Navigation struct {
	// Action is one of the metrics.Navigation* values.
	Action string
	// Prevented is true when the default navigation was stopped.
	Prevented bool
	// URL is the visible page URL after the click, or "" when the page did
	// not move.
	URL string
}

// Click handles activation of a link to href. Links into a governed area
// carry the token as a query parameter so the destination page can pick it
// up on load.
func (b *Broker) Click(ctx context.Context, href string) (Navigation, error) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		metrics.RecordNavigation(metrics.NavigationIgnored)
		return Navigation{Action: metrics.NavigationIgnored}, nil
	}

	// Only links back to the page's own origin can be governed; a token is
	// never handed to another site.
	target, err := b.page.Resolve(href)
	if err != nil || !b.sameOrigin(target) {
		return b.follow(metrics.NavigationAllowed, false, href)
	}
	path := target.Path
	if path == "" {
		path = "/"
	}
	p, governed := b.policies.Resolve(path)
	if !governed {
		return b.follow(metrics.NavigationAllowed, false, href)
	}

	ctx, _ = logging.WithRequestID(ctx, "")
	logger := logging.FromContext(ctx, b.logger).With().Str("policy", p.Prefix).Str("href_path", path).Logger()

	if token, ok := b.token(p.StorageKey); ok {
		if location.HasToken(href) {
			return b.follow(metrics.NavigationAllowed, false, href)
		}
		return b.follow(metrics.NavigationAppended, true, location.WithToken(href, token))
	}

	if b.page.IsPrivate() {
		return b.follow(metrics.NavigationAllowed, false, href)
	}

	result, err := b.acquire(ctx, logger, p)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Navigation{}, ctxErr
		}
		if !errors.Is(err, prompt.ErrCancelled) {
			logger.Warn().Err(err).Msg("Credential prompt failed")
		}
		metrics.RecordNavigation(metrics.NavigationCancelled)
		return Navigation{Action: metrics.NavigationCancelled, Prevented: true}, nil
	}

	if result.Remember {
		b.persist(logger, p, result.Token)
	}
	return b.follow(metrics.NavigationPrompted, true, location.WithToken(href, result.Token))
}

func (b *Broker) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme+"://"+u.Host, b.page.Origin())
}

// follow performs the page load for a click.
func (b *Broker) follow(action string, prevented bool, target string) (Navigation, error) {
	metrics.RecordNavigation(action)
	visible, err := b.Load(target)
	if err != nil {
		return Navigation{Action: action, Prevented: prevented}, err
	}
	return Navigation{Action: action, Prevented: prevented, URL: visible}, nil
}
