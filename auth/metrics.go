package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Operation labels for AuthEvents.
const (
	OpRegister    = "register"
	OpVerify      = "verify"
	OpLogin       = "login"
	OpGoogleLogin = "google_login"
	OpLogout      = "logout"
)

// Result labels for AuthEvents.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// AuthEvents counts auth workflow outcomes.
// Use RegisterMetrics to register this with a Prometheus registry.
var AuthEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "nutrisync_auth_events_total",
		Help: "Total number of auth workflow operations by outcome",
	},
	[]string{"operation", "result"},
)

// FederatedAccounts counts how the federated strategy resolved a user.
var FederatedAccounts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "nutrisync_federated_resolutions_total",
		Help: "Federated logins by how the user was resolved (matched, linked, created)",
	},
	[]string{"provider", "resolution"},
)

// RegisterMetrics registers auth package metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AuthEvents)
	reg.MustRegister(FederatedAccounts)
}

func recordEvent(operation string, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	AuthEvents.WithLabelValues(operation, result).Inc()
}
