package broker

import (
	"github.com/rcourtman/pulse-tokengate/internal/policy"
)

// HeaderSetter is the part of a header collection the gate writes to.
// http.Header satisfies it, as does HeaderMap.
type HeaderSetter interface {
	Set(key, value string)
}

// HeaderMap is a plain header mapping for callers that do not build an
// http.Header. Keys are stored exactly as given.
type HeaderMap map[string]string

// Set adds or replaces one header.
func (m HeaderMap) Set(key, value string) {
	m[key] = value
}

// Attach writes the stored token for path into headers, leaving every other
// header untouched. It returns the governing policy and whether a token was
// written.
func (b *Broker) Attach(path string, headers HeaderSetter) (policy.Policy, bool) {
	p, ok := b.Resolve(path)
	if !ok || headers == nil {
		return p, false
	}
	token, ok := b.token(p.StorageKey)
	if !ok {
		return p, false
	}
	headers.Set(p.Header, token)
	return p, true
}
