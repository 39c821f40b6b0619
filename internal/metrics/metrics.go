// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the market data pipeline
var (
	// Session metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_frames_received_total",
			Help: "Total number of WebSocket frames received",
		},
		[]string{"exchange"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_frames_dropped_total",
			Help: "Total number of frames dropped",
		},
		[]string{"exchange", "reason"},
	)

	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_connection_status",
			Help: "WebSocket connection status (1=connected, 0=disconnected)",
		},
		[]string{"exchange"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"exchange"},
	)

	SmoothSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_smooth_switches_total",
			Help: "Total number of dual-connection smooth switches",
		},
		[]string{"exchange", "outcome"},
	)

	ReconnectBufferDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_reconnect_buffer_dropped_total",
			Help: "Frames discarded from the reconnect ring buffer on overflow",
		},
		[]string{"exchange"},
	)

	// Normalizer metrics
	RecordsNormalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_records_normalized_total",
			Help: "Total number of canonical records produced",
		},
		[]string{"exchange", "data_type"},
	)

	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_records_dropped_total",
			Help: "Records dropped during normalization",
		},
		[]string{"exchange", "drop_reason"},
	)

	// Orderbook metrics
	BookUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_orderbook_updates_total",
			Help: "Total number of validated orderbook updates emitted",
		},
		[]string{"exchange", "symbol"},
	)

	BookRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_orderbook_rebuilds_total",
			Help: "Total number of orderbook rebuilds triggered",
		},
		[]string{"exchange", "symbol", "reason"},
	)

	BookState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_orderbook_state",
			Help: "Orderbook state machine position (0=init 1=syncing 2=synced 3=rebuilding 4=failed)",
		},
		[]string{"exchange", "symbol"},
	)

	SnapshotsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_orderbook_snapshots_total",
			Help: "Full orderbook snapshots emitted in snapshot-polling mode",
		},
		[]string{"exchange", "symbol"},
	)

	BookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_orderbook_depth",
			Help: "Current orderbook depth (number of levels)",
		},
		[]string{"exchange", "symbol", "side"},
	)

	// Poller metrics
	PollerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_poller_ticks_total",
			Help: "Total number of poller ticks executed",
		},
		[]string{"job"},
	)

	PollerSkippedTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_poller_skipped_ticks_total",
			Help: "Ticks skipped because the previous run was still in progress",
		},
		[]string{"job"},
	)

	PollerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_poller_errors_total",
			Help: "Poller job failures after retry exhaustion",
		},
		[]string{"job"},
	)

	RateLimitSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_rate_limit_skips_total",
			Help: "REST requests skipped because no rate-limit token was available",
		},
		[]string{"exchange"},
	)

	RestFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_rest_fetch_duration_seconds",
			Help:    "Time to fetch data from exchange REST API",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"exchange", "endpoint"},
	)

	RestFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_rest_fetch_errors_total",
			Help: "Total number of REST API fetch errors",
		},
		[]string{"exchange", "endpoint"},
	)

	// Publisher metrics
	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_publish_duration_seconds",
			Help:    "Time to publish a record to the bus",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"data_type"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_publish_errors_total",
			Help: "Total number of bus publish errors",
		},
		[]string{"data_type", "kind"},
	)

	PublishQueueDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_publish_queue_dropped_total",
			Help: "Best-effort records dropped from a full outbound queue",
		},
		[]string{"data_type"},
	)

	PublishQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_publish_queue_depth",
			Help: "Current outbound queue depth per session",
		},
		[]string{"session"},
	)

	// Storage consumer metrics
	BatchRows = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_store_batch_rows",
			Help:    "Rows per committed batch",
			Buckets: []float64{1, 10, 50, 100, 200, 500, 1000},
		},
		[]string{"table"},
	)

	BatchFlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_store_flush_duration_seconds",
			Help:    "Time to write one batch into the store",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"table"},
	)

	StoreInsertErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_store_insert_errors_total",
			Help: "Failed batch inserts (batch left unacked for redelivery)",
		},
		[]string{"table"},
	)

	StoreFallbackHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "md_store_http_fallback_total",
			Help: "Batch writes that fell back to the HTTP protocol path",
		},
	)

	ConsumerRedeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_consumer_redeliveries_total",
			Help: "Messages observed with a delivery count greater than one",
		},
		[]string{"table"},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordConnectionStatus records connection status
func RecordConnectionStatus(exchange string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(exchange).Set(status)
}

// RecordReconnect records a reconnection attempt
func RecordReconnect(exchange string) {
	ConnectionReconnects.WithLabelValues(exchange).Inc()
}

// RecordBookState records the orderbook state machine position
func RecordBookState(exchange, symbol string, state int) {
	BookState.WithLabelValues(exchange, symbol).Set(float64(state))
}

// RecordDrop records a normalization drop
func RecordDrop(exchange, reason string) {
	RecordsDropped.WithLabelValues(exchange, reason).Inc()
}
