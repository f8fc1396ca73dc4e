package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PushEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buzzvar_realtime_push_events_total",
		Help: "Total change events received over the websocket push path.",
	})
	PollTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buzzvar_realtime_poll_ticks_total",
		Help: "Total polling fallback fetches executed.",
	})
	PollFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buzzvar_realtime_poll_failures_total",
		Help: "Total polling fetches that failed and left the watermark unchanged.",
	})
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buzzvar_realtime_reconnects_total",
		Help: "Total websocket reconnect attempts scheduled.",
	})
	BatchFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buzzvar_realtime_batch_flushes_total",
		Help: "Total coalesced batches flushed to listeners.",
	})
	MutationRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buzzvar_mutation_retries_total",
		Help: "Total retry attempts consumed by the mutation gateway.",
	})
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buzzvar_realtime_active_subscriptions",
		Help: "Current number of live channel subscriptions.",
	})
)

func Register() {
	prometheus.MustRegister(
		PushEvents,
		PollTicks, PollFailures,
		Reconnects, BatchFlushes,
		MutationRetries,
		ActiveSubscriptions,
	)
}
