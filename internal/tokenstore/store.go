// Package tokenstore persists access tokens by storage key.
package tokenstore

import (
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

// Store is a key-value medium for tokens. Set and Remove are idempotent.
// Get reports false when nothing is stored; read failures are reported the
// same way by implementations that can fail.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string) error
	Keys() []string
}

// placeholders are template defaults that must never count as a credential.
var placeholders = map[string]struct{}{
	"changeme":  {},
	"change_me": {},
}

// IsUsable reports whether value can be sent as a credential: non-empty after
// trimming, not "=", and not a placeholder sentinel in any letter case.
func IsUsable(value string) bool {
	token := strings.TrimSpace(value)
	if token == "" || token == "=" {
		return false
	}
	_, placeholder := placeholders[strings.ToLower(token)]
	return !placeholder
}

// Lookup returns the stored value for key only if it is usable.
func Lookup(store Store, key string) (string, bool) {
	if store == nil {
		return "", false
	}
	value, ok := store.Get(key)
	if !ok || !IsUsable(value) {
		return "", false
	}
	return value, true
}

// Fingerprint returns a short, stable digest of value that is safe to log.
func Fingerprint(value string) string {
	if value == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(value))
	return hex.EncodeToString(sum[:6])
}

// Mask hides all but the last four characters of a token.
func Mask(value string) string {
	if len(value) <= 4 {
		return strings.Repeat("•", len(value))
	}
	return strings.Repeat("•", 8) + value[len(value)-4:]
}

// Memory is an in-process Store that lives as long as the process.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	return value, ok
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for key := range m.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
