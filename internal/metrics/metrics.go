package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registrations counts device registration requests by outcome
	// (registered, rate_limited, cap_exceeded, invalid).
	Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camguard_device_registrations_total",
		Help: "Device registration requests by outcome",
	}, []string{"outcome"})

	// TrialsStarted counts effective trial activations (one per device ever).
	TrialsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camguard_trials_started_total",
		Help: "Trials started",
	})

	// WebhookEvents counts billing webhook deliveries by type and result
	// (applied, replay, error).
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camguard_billing_webhook_events_total",
		Help: "Billing webhook events by type and result",
	}, []string{"type", "result"})

	// RiskEvents counts recorded risk events by type.
	RiskEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camguard_risk_events_total",
		Help: "Risk events recorded by type",
	}, []string{"type"})
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
