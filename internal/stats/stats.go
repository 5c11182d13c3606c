// Package stats exposes bridge operational metrics via Prometheus.
package stats

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveCalls is the number of sessions currently in the store.
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicegate_active_calls",
		Help: "Number of active call sessions.",
	})

	// CallsTotal counts completed calls by termination reason.
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_calls_total",
		Help: "Completed calls by termination reason.",
	}, []string{"reason", "ai_handled"})

	// CallDuration observes completed call durations.
	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicegate_call_duration_seconds",
		Help:    "Total call duration from start to end.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// TakeoversTotal counts no-answer machine takeovers.
	TakeoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_takeovers_total",
		Help: "Calls answered by the machine takeover path.",
	})

	// TransfersTotal counts transfer attempts by outcome.
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_transfers_total",
		Help: "Transfer attempts by final state.",
	}, []string{"state"})

	// OutboundTotal counts outbound call records by final state.
	OutboundTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_outbound_calls_total",
		Help: "Outbound call records by final state.",
	}, []string{"state"})

	// PortPoolAvailable tracks free media port pairs.
	PortPoolAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicegate_port_pairs_available",
		Help: "Free RTP/RTCP port pairs in the media pool.",
	})
)

// ObserveCallEnd records the terminal metrics for one call.
func ObserveCallEnd(reason string, aiHandled bool, duration time.Duration) {
	handled := "false"
	if aiHandled {
		handled = "true"
	}
	CallsTotal.WithLabelValues(reason, handled).Inc()
	CallDuration.Observe(duration.Seconds())
}

// Serve runs the metrics endpoint on addr until the listener fails.
// Intended to be launched in its own goroutine.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("[Stats] Metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("[Stats] Metrics server stopped", "error", err)
	}
}
