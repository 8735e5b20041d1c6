// Package metrics provides Prometheus instrumentation for the Fixmate chat
// client. It exposes a gauge for the connection state machine, counters for
// cable frame and message throughput, and a histogram for history fetch
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState tracks the supervisor's current state as an ordinal
	// (0=disconnected .. 5=auth_error).
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixchat_connection_state",
		Help: "Current cable connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=error, 5=auth_error)",
	})

	// ReconnectsTotal counts reconnect cycles started after a live
	// connection was lost.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fixchat_reconnects_total",
		Help: "Total number of reconnect cycles after a lost connection",
	})

	// ConnectAttemptsTotal counts individual connection attempts, labeled by
	// outcome: "connected", "failed".
	ConnectAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fixchat_connect_attempts_total",
		Help: "Total number of cable connection attempts",
	}, []string{"outcome"})

	// FramesTotal counts inbound cable frames by parsed kind.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fixchat_frames_total",
		Help: "Total number of inbound cable frames by kind",
	}, []string{"kind"})

	// FramesDroppedTotal counts inbound frames that matched no known shape.
	FramesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fixchat_frames_dropped_total",
		Help: "Total number of inbound cable frames dropped as unparseable",
	})

	// MessagesSentTotal counts messages handed to the cable transport.
	MessagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fixchat_messages_sent_total",
		Help: "Total number of chat messages handed to the transport",
	})

	// HistoryFetchSeconds records history fetch latency in seconds,
	// including the 401 fallback round trip when one happens.
	HistoryFetchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fixchat_history_fetch_seconds",
		Help:    "Message history fetch latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectsTotal,
		ConnectAttemptsTotal,
		FramesTotal,
		FramesDroppedTotal,
		MessagesSentTotal,
		HistoryFetchSeconds,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
