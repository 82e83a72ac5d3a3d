// Package location models the page the broker runs on: its current URL and
// a session history that supports replace (no reload) and assign (navigate).
package location

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// TokenParam is the query parameter that carries a token on navigation.
const TokenParam = "token"

// Page is the current document location. It is safe for concurrent use.
type Page struct {
	mu      sync.RWMutex
	current *url.URL
	history []string
}

// NewPage returns a page positioned at rawURL, which must be absolute.
func NewPage(rawURL string) (*Page, error) {
	u, err := parseAbsolute(rawURL)
	if err != nil {
		return nil, err
	}
	return &Page{current: u, history: []string{u.String()}}, nil
}

func parseAbsolute(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("page url %q must be absolute", rawURL)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

// URL returns a copy of the current location.
func (p *Page) URL() *url.URL {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u := *p.current
	return &u
}

// String returns the visible URL.
func (p *Page) String() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.String()
}

// Path returns the current path.
func (p *Page) Path() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.Path
}

// Host returns the current host, including any port.
func (p *Page) Host() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.Host
}

// Origin returns scheme://host.
func (p *Page) Origin() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.Scheme + "://" + p.current.Host
}

// IsPrivate reports whether the page is served from a loopback or private
// network address.
func (p *Page) IsPrivate() bool {
	return IsPrivateHost(p.Host())
}

// Resolve parses ref relative to the page origin.
func (p *Page) Resolve(ref string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	return p.URL().ResolveReference(parsed), nil
}

// PathOf returns the path ref points at, falling back to the current page
// path when ref cannot be parsed.
func (p *Page) PathOf(ref string) string {
	u, err := p.Resolve(ref)
	if err != nil || u.Path == "" {
		return p.Path()
	}
	return u.Path
}

// Replace swaps the current history entry for rawURL without navigating.
func (p *Page) Replace(rawURL string) error {
	u, err := p.Resolve(rawURL)
	if err != nil {
		return fmt.Errorf("replace location: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = u
	p.history[len(p.history)-1] = u.String()
	return nil
}

// Assign navigates to rawURL, pushing a new history entry.
func (p *Page) Assign(rawURL string) error {
	u, err := p.Resolve(rawURL)
	if err != nil {
		return fmt.Errorf("assign location: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = u
	p.history = append(p.history, u.String())
	return nil
}

// History returns a copy of the session history, oldest first.
func (p *Page) History() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.history))
	copy(out, p.history)
	return out
}

// WithToken appends token=<escaped value> to href, keeping any fragment at
// the end.
func WithToken(href, token string) string {
	base, fragment := href, ""
	if idx := strings.IndexByte(href, '#'); idx != -1 {
		base, fragment = href[:idx], href[idx:]
	}
	separator := "?"
	if strings.Contains(base, "?") {
		separator = "&"
		if strings.HasSuffix(base, "?") || strings.HasSuffix(base, "&") {
			separator = ""
		}
	}
	return base + separator + TokenParam + "=" + url.QueryEscape(token) + fragment
}

// HasToken reports whether href already carries a token query parameter.
func HasToken(href string) bool {
	u, err := url.Parse(href)
	if err != nil {
		return strings.Contains(href, TokenParam+"=")
	}
	_, ok := u.Query()[TokenParam]
	return ok
}

// StripToken removes the token parameter from rawURL and returns the token
// value found, if any.
func StripToken(rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, "", err
	}
	if u.RawQuery == "" {
		return rawURL, "", nil
	}

	// Drop only the token pairs; everything else keeps its order and encoding.
	var (
		kept  []string
		token string
		found bool
	)
	for _, pair := range strings.Split(u.RawQuery, "&") {
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil || key != TokenParam {
			kept = append(kept, pair)
			continue
		}
		if !found {
			token, _ = url.QueryUnescape(rawValue)
			found = true
		}
	}
	if !found {
		return rawURL, "", nil
	}
	u.RawQuery = strings.Join(kept, "&")
	u.ForceQuery = false
	return u.String(), token, nil
}
