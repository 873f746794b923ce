// Package server contains HTTP handlers for the attestation service. This
// file exposes Prometheus metrics and the attestation-domain counters.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	attestationVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attestation_verifications_total",
			Help: "Total number of attestation verifications, by format and result.",
		},
		[]string{"format", "result"}, // verified, rejected
	)

	agentRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_registrations_total",
			Help: "Total number of agent credential registrations, by format and result.",
		},
		[]string{"format", "result"},
	)

	challengesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registration_challenges_issued_total",
			Help: "Total number of registration challenges issued.",
		},
	)

	counterWritebacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attestation_counter_writebacks_total",
			Help: "Total number of authenticator signature-counter write-backs, by result.",
		},
		[]string{"result"},
	)

	sessionTokensIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_tokens_issued_total",
			Help: "Total number of session tokens issued to attested agents.",
		},
	)
)

// metricsHandler serves metrics in the Prometheus exposition format through
// the main HTTP server.
func (h *Handler) metricsHandler(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// NewMetricsHandler creates a standalone metrics handler so scraping can be
// isolated on its own listener.
func NewMetricsHandler() http.Handler {
	return promhttp.Handler()
}

func incrementVerifications(format, result string) {
	attestationVerifications.WithLabelValues(format, result).Inc()
}

func incrementRegistrations(format, result string) {
	agentRegistrations.WithLabelValues(format, result).Inc()
}

func incrementChallengesIssued() {
	challengesIssued.Inc()
}

func incrementCounterWritebacks(result string) {
	counterWritebacks.WithLabelValues(result).Inc()
}

func incrementSessionTokens() {
	sessionTokensIssued.Inc()
}
