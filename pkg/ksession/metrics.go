package ksession

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the counter/gauge/histogram set from spec.md §4.11, grounded
// on adred-codev-ws_poc/src/metrics.go's registration style. Collectors
// are registered against a caller-supplied *prometheus.Registry (never
// prometheus.DefaultRegisterer) so that embedding multiple Sessions in one
// process never collides on metric names, per spec.md §9's "no
// process-wide singletons" guidance.
type Metrics struct {
	RequestsSent      prometheus.Counter
	BytesSent         prometheus.Counter
	ResponsesTotal    prometheus.Counter
	RequestLatency    prometheus.Histogram
	InboundDrops      prometheus.Counter
	TickDrops         prometheus.Counter
	ReconnectAttempts prometheus.Counter
	ReconnectSuccess  prometheus.Counter
	Cancellations     prometheus.Counter
	OrphanedResponses prometheus.Counter
}

// NewMetrics builds and, if reg is non-nil, registers a fresh Metrics set.
// Passing a nil registry is valid and yields working-but-unexported
// collectors, useful for tests.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		RequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksession_requests_sent_total",
			Help: "Total number of send_request calls that reached the wire.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksession_bytes_sent_total",
			Help: "Total bytes written to the transport.",
		}),
		ResponsesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksession_responses_total",
			Help: "Total number of correlated responses received.",
		}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ksession_request_latency_seconds",
			Help:    "Latency from pre_send_request to post_response.",
			Buckets: prometheus.DefBuckets,
		}),
		InboundDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksession_inbound_drops_total",
			Help: "Inbound envelopes discarded because no pending request, push route, or recently cancelled request matched them.",
		}),
		TickDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksession_tick_drops_total",
			Help: "Tick/depth/candle items dropped or coalesced due to backpressure.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksession_reconnect_attempts_total",
			Help: "Total reconnect attempts initiated by the supervisor.",
		}),
		ReconnectSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksession_reconnect_success_total",
			Help: "Total reconnect cycles that reached Ready.",
		}),
		Cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksession_cancellations_total",
			Help: "Total requests cancelled by the caller; closing a stream is not counted.",
		}),
		OrphanedResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksession_orphaned_responses_total",
			Help: "Responses that arrived for an already cancelled or timed-out request.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RequestsSent, m.BytesSent, m.ResponsesTotal, m.RequestLatency,
			m.InboundDrops, m.TickDrops, m.ReconnectAttempts, m.ReconnectSuccess,
			m.Cancellations, m.OrphanedResponses,
		)
	}
	return m
}
