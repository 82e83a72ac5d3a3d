package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes recorded by RecordRequest.
const (
	OutcomePassed     = "passed"      // no policy, or first response was not a 401
	OutcomeBypassed   = "bypassed"    // 401 returned untouched on a private page
	OutcomeCancelled  = "cancelled"   // prompt dismissed, original 401 returned
	OutcomeRetried    = "retried"     // retry succeeded
	OutcomeRejected   = "rejected"    // retry answered 401, token evicted
	OutcomeTransport  = "transport"   // network failure
	OutcomeAborted    = "aborted"     // context ended while waiting
	OutcomePromptFail = "prompt_fail" // prompter returned an unexpected error
)

// Navigation actions recorded by RecordNavigation.
const (
	NavigationAllowed   = "allowed"
	NavigationAppended  = "appended"
	NavigationPrompted  = "prompted"
	NavigationCancelled = "cancelled"
	NavigationIgnored   = "ignored"
)

const noPolicyLabel = "none"

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_requests_total",
			Help: "Total number of requests seen by the token gate by policy and outcome",
		},
		[]string{"policy", "outcome"},
	)

	ChallengesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_challenges_total",
			Help: "Total number of 401 responses received for gated requests",
		},
		[]string{"policy"},
	)

	PromptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_prompts_total",
			Help: "Total number of credential prompts by policy and result",
		},
		[]string{"policy", "result"}, // submitted, cancelled, error
	)

	EvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_evictions_total",
			Help: "Total number of stored tokens removed after a rejected retry",
		},
		[]string{"storage_key"},
	)

	URLTokensIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_url_tokens_ingested_total",
			Help: "Total number of tokens read from page URLs and stored",
		},
		[]string{"storage_key"},
	)

	NavigationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_navigations_total",
			Help: "Total number of link clicks handled by action",
		},
		[]string{"action"},
	)
)

func policyLabel(prefix string) string {
	if prefix == "" {
		return noPolicyLabel
	}
	return prefix
}

// RecordRequest records the final outcome of one intercepted request.
func RecordRequest(policyPrefix, outcome string) {
	RequestsTotal.WithLabelValues(policyLabel(policyPrefix), outcome).Inc()
}

// RecordChallenge records a 401 on a governed request.
func RecordChallenge(policyPrefix string) {
	ChallengesTotal.WithLabelValues(policyLabel(policyPrefix)).Inc()
}

// RecordPrompt records how a credential prompt ended.
func RecordPrompt(policyPrefix, result string) {
	PromptsTotal.WithLabelValues(policyLabel(policyPrefix), result).Inc()
}

// RecordEviction records a token removed after rejection.
func RecordEviction(storageKey string) {
	EvictionsTotal.WithLabelValues(storageKey).Inc()
}

// RecordURLTokenIngested records a token stored from a page URL.
func RecordURLTokenIngested(storageKey string) {
	URLTokensIngestedTotal.WithLabelValues(storageKey).Inc()
}

// RecordNavigation records how a link click was handled.
func RecordNavigation(action string) {
	NavigationsTotal.WithLabelValues(action).Inc()
}
