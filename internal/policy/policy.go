// Package policy maps gateway paths to the access token that guards them.
package policy

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Storage keys used by the default gateway table.
const (
	KeyLabManager = "dlabs_lab_manager_token"
	KeyTreasury   = "dlabs_treasury_token"
	KeyOps        = "dlabs_ops_token"
)

// Policy binds a path prefix to a token slot, the header that carries it and
// the text shown when the token has to be requested.
type Policy struct {
	Prefix      string `json:"prefix" yaml:"prefix" toml:"prefix" validate:"required,startswith=/"`
	StorageKey  string `json:"storageKey" yaml:"storageKey" toml:"storage_key" validate:"required,excludesall= "`
	Header      string `json:"header" yaml:"header" toml:"header" validate:"required,excludesall= :"`
	Cookie      string `json:"cookie,omitempty" yaml:"cookie,omitempty" toml:"cookie"`
	Title       string `json:"title" yaml:"title" toml:"title"`
	Description string `json:"description" yaml:"description" toml:"description"`
}

// DisplayTitle returns the title, falling back to the prefix.
func (p Policy) DisplayTitle() string {
	if title := strings.TrimSpace(p.Title); title != "" {
		return title
	}
	return p.Prefix
}

// Table is an immutable, ordered set of policies. Order is registration order
// and decides ties between prefixes of equal length.
type Table struct {
	policies []Policy
	prefixes []string // normalized, parallel to policies
}

var validate = validator.New()

// NewTable validates the given policies and returns a table that owns a copy
// of them.
func NewTable(policies []Policy) (*Table, error) {
	t := &Table{
		policies: make([]Policy, 0, len(policies)),
		prefixes: make([]string, 0, len(policies)),
	}
	for i, p := range policies {
		p.Prefix = strings.TrimSpace(p.Prefix)
		p.StorageKey = strings.TrimSpace(p.StorageKey)
		p.Header = strings.TrimSpace(p.Header)
		if err := validate.Struct(p); err != nil {
			return nil, fmt.Errorf("policy %d (%q): %w", i, p.Prefix, err)
		}
		t.policies = append(t.policies, p)
		t.prefixes = append(t.prefixes, NormalizePath(p.Prefix))
	}
	return t, nil
}

// MustNewTable is like NewTable but panics on invalid input. Intended for
// package-level defaults and tests.
func MustNewTable(policies []Policy) *Table {
	t, err := NewTable(policies)
	if err != nil {
		panic(err)
	}
	return t
}

// NormalizePath strips a single trailing slash, leaving the root path alone.
func NormalizePath(path string) string {
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return path[:len(path)-1]
	}
	return path
}

// Resolve returns the policy whose prefix is the longest match for path.
// Equal-length matches resolve to the first registered policy. An unmatched
// path means no policy applies; it is not an error.
func (t *Table) Resolve(path string) (Policy, bool) {
	if t == nil {
		return Policy{}, false
	}
	normalized := NormalizePath(path)
	best := -1
	bestLen := -1
	for i, prefix := range t.prefixes {
		if !strings.HasPrefix(normalized, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best = i
			bestLen = len(prefix)
		}
	}
	if best < 0 {
		return Policy{}, false
	}
	return t.policies[best], true
}

// Policies returns a copy of the table in registration order.
func (t *Table) Policies() []Policy {
	if t == nil {
		return nil
	}
	out := make([]Policy, len(t.policies))
	copy(out, t.policies)
	return out
}

// StorageKeys returns the distinct storage keys in first-seen order.
func (t *Table) StorageKeys() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(t.policies))
	keys := make([]string, 0, len(t.policies))
	for _, p := range t.policies {
		if _, ok := seen[p.StorageKey]; ok {
			continue
		}
		seen[p.StorageKey] = struct{}{}
		keys = append(keys, p.StorageKey)
	}
	return keys
}

// Len reports the number of policies.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.policies)
}

// DefaultPolicies is the gateway's built-in table: the lab manager and ops
// consoles, the treasury routes that share one credential, and the ops API.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Prefix:      "/lab-manager",
			StorageKey:  KeyLabManager,
			Header:      "X-Lab-Manager-Token",
			Cookie:      "lab_manager_token",
			Title:       "Lab Manager Access",
			Description: "This area requires a Lab Manager access token.",
		},
		{
			Prefix:      "/ops",
			StorageKey:  KeyLabManager,
			Header:      "X-Lab-Manager-Token",
			Cookie:      "lab_manager_token",
			Title:       "Lab Manager Access",
			Description: "This area requires a Lab Manager access token.",
		},
		{
			Prefix:      "/ops-api",
			StorageKey:  KeyOps,
			Header:      "X-Ops-Token",
			Cookie:      "ops_token",
			Title:       "Ops API Access",
			Description: "This area requires an Ops API access token.",
		},
		{
			Prefix:      "/wallet",
			StorageKey:  KeyTreasury,
			Header:      "X-Access-Token",
			Cookie:      "access_token",
			Title:       "Treasury Access",
			Description: "This area requires a treasury access token.",
		},
		{
			Prefix:      "/treasury",
			StorageKey:  KeyTreasury,
			Header:      "X-Access-Token",
			Cookie:      "access_token",
			Title:       "Treasury Access",
			Description: "This area requires a treasury access token.",
		},
		{
			Prefix:      "/wallet-dashboard",
			StorageKey:  KeyTreasury,
			Header:      "X-Access-Token",
			Cookie:      "access_token",
			Title:       "Security Access",
			Description: "This area requires a security access token.",
		},
		{
			Prefix:      "/institution-config",
			StorageKey:  KeyTreasury,
			Header:      "X-Access-Token",
			Cookie:      "access_token",
			Title:       "Security Access",
			Description: "This area requires a security access token.",
		},
	}
}

// DefaultTable returns a table built from DefaultPolicies.
func DefaultTable() *Table {
	return MustNewTable(DefaultPolicies())
}
