// Package mockgateway is a stand-in for the backend that protects admin
// sub-paths with static tokens. It answers 401 unless the policy header
// carries an accepted token.
package mockgateway

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-tokengate/internal/policy"
)

// Request is one request seen by the gateway.
type Request struct {
	Method string
	Path   string
	Policy string
	Token  string // value of the policy header, "" when absent
	Body   string
	Status int
}

// Gateway is an http.Handler. It is safe for concurrent use.
type Gateway struct {
	policies *policy.Table
	router   *mux.Router
	logger   zerolog.Logger

	mu       sync.Mutex
	accepted map[string]map[string]struct{}
	requests []Request
}

// New returns a gateway protecting the prefixes in policies. A nil table uses
// policy.DefaultTable.
func New(policies *policy.Table) *Gateway {
	if policies == nil {
		policies = policy.DefaultTable()
	}
	g := &Gateway{
		policies: policies,
		router:   mux.NewRouter(),
		logger:   log.With().Str("component", "mock_gateway").Logger(),
		accepted: make(map[string]map[string]struct{}),
	}

	g.router.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet, http.MethodHead)
	g.router.HandleFunc("/api/health", g.handleHealth).Methods(http.MethodGet, http.MethodHead)
	g.router.HandleFunc("/ops-api/hosts/{host}/{action}", g.handleHostAction).Methods(http.MethodPost)
	g.router.PathPrefix("/").HandlerFunc(g.handleAny)
	return g
}

// Accept makes token valid for storageKey.
func (g *Gateway) Accept(storageKey string, tokens ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.accepted[storageKey]
	if !ok {
		set = make(map[string]struct{})
		g.accepted[storageKey] = set
	}
	for _, token := range tokens {
		set[token] = struct{}{}
	}
}

// Revoke makes token invalid for storageKey.
func (g *Gateway) Revoke(storageKey, token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.accepted[storageKey], token)
}

// Requests returns every request seen so far, oldest first.
func (g *Gateway) Requests() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, len(g.requests))
	copy(out, g.requests)
	return out
}

// Reset forgets recorded requests.
func (g *Gateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// authorize checks the request against its policy and records it. It writes
// the 401 itself and returns false when the request must stop.
func (g *Gateway) authorize(w http.ResponseWriter, r *http.Request) (policy.Policy, bool) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	p, governed := g.policies.Resolve(r.URL.Path)

	entry := Request{Method: r.Method, Path: r.URL.Path, Body: string(body), Status: http.StatusOK}
	allowed := true
	if governed {
		entry.Policy = p.Prefix
		entry.Token = r.Header.Get(p.Header)
		allowed = g.isAccepted(p.StorageKey, entry.Token)
		if !allowed {
			entry.Status = http.StatusUnauthorized
		}
	}

	g.mu.Lock()
	g.requests = append(g.requests, entry)
	g.mu.Unlock()

	if !allowed {
		g.logger.Debug().Str("path", r.URL.Path).Str("policy", p.Prefix).Msg("Rejecting request")
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":  "unauthorized",
			"policy": p.Prefix,
		})
		return p, false
	}
	return p, true
}

func (g *Gateway) isAccepted(storageKey, token string) bool {
	if token == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.accepted[storageKey][token]
	return ok
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (g *Gateway) handleHostAction(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.authorize(w, r); !ok {
		return
	}
	vars := mux.Vars(r)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"host":   vars["host"],
		"action": vars["action"],
		"status": "queued",
	})
}

func (g *Gateway) handleAny(w http.ResponseWriter, r *http.Request) {
	p, ok := g.authorize(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"method": r.Method,
		"path":   r.URL.Path,
		"policy": p.Prefix,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("Failed to write mock gateway response")
	}
}
