package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spoolq_queue_items",
		Help: "Current number of records in the queue",
	}, []string{"queue"})

	queueUsedBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spoolq_queue_used_bytes",
		Help: "Bytes between the read and write offsets",
	}, []string{"queue"})

	queueFreeBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spoolq_queue_free_bytes",
		Help: "Bytes between the write offset and the queue dimension",
	}, []string{"queue"})

	queueDimensionBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spoolq_queue_dimension_bytes",
		Help: "Fixed queue capacity in bytes",
	}, []string{"queue"})

	queueReadOffset = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spoolq_queue_read_offset_bytes",
		Help: "Current read offset; compaction runs once it passes the dirty threshold",
	}, []string{"queue"})

	queuePushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoolq_queue_push_total",
		Help: "Total number of records pushed to the queue",
	}, []string{"queue"})

	queuePushBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoolq_queue_push_bytes_total",
		Help: "Total payload bytes pushed to the queue",
	}, []string{"queue"})

	queuePushRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoolq_queue_push_rejected_total",
		Help: "Total number of pushes rejected because the queue was full",
	}, []string{"queue"})

	queuePopTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoolq_queue_pop_total",
		Help: "Total number of records popped from the queue",
	}, []string{"queue"})

	queuePopBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoolq_queue_pop_bytes_total",
		Help: "Total payload bytes popped from the queue",
	}, []string{"queue"})

	queueCompactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoolq_queue_compactions_total",
		Help: "Total number of compactions",
	}, []string{"queue"})

	queueCompactedBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoolq_queue_compacted_bytes_total",
		Help: "Total live bytes relocated by compaction",
	}, []string{"queue"})

	queueCheckpointTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoolq_queue_checkpoint_total",
		Help: "Total number of checkpoint operations by direction: serialize, deserialize",
	}, []string{"queue", "op"})

	queueIOErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoolq_queue_io_errors_total",
		Help: "Total number of fatal medium errors by operation",
	}, []string{"queue", "op"})
)

func init() {
	prometheus.MustRegister(queueItems)
	prometheus.MustRegister(queueUsedBytes)
	prometheus.MustRegister(queueFreeBytes)
	prometheus.MustRegister(queueDimensionBytes)
	prometheus.MustRegister(queueReadOffset)
	prometheus.MustRegister(queuePushTotal)
	prometheus.MustRegister(queuePushBytesTotal)
	prometheus.MustRegister(queuePushRejectedTotal)
	prometheus.MustRegister(queuePopTotal)
	prometheus.MustRegister(queuePopBytesTotal)
	prometheus.MustRegister(queueCompactionsTotal)
	prometheus.MustRegister(queueCompactedBytesTotal)
	prometheus.MustRegister(queueCheckpointTotal)
	prometheus.MustRegister(queueIOErrorsTotal)
}

// updateStateMetrics publishes the position counters of a queue.
func updateStateMetrics(name string, st state) {
	queueItems.WithLabelValues(name).Set(float64(st.items))
	queueUsedBytes.WithLabelValues(name).Set(float64(st.usedSpace()))
	queueFreeBytes.WithLabelValues(name).Set(float64(st.freeSpace()))
	queueDimensionBytes.WithLabelValues(name).Set(float64(st.dimension))
	queueReadOffset.WithLabelValues(name).Set(float64(st.readFrom))
}

func incPush(name string, bytes int) {
	queuePushTotal.WithLabelValues(name).Inc()
	queuePushBytesTotal.WithLabelValues(name).Add(float64(bytes))
}

func incPushRejected(name string) {
	queuePushRejectedTotal.WithLabelValues(name).Inc()
}

func incPop(name string, bytes int) {
	queuePopTotal.WithLabelValues(name).Inc()
	queuePopBytesTotal.WithLabelValues(name).Add(float64(bytes))
}

func incCompaction(name string, moved int64) {
	queueCompactionsTotal.WithLabelValues(name).Inc()
	queueCompactedBytesTotal.WithLabelValues(name).Add(float64(moved))
}

func incCheckpoint(name, op string) {
	queueCheckpointTotal.WithLabelValues(name, op).Inc()
}

func incIOError(name, op string) {
	queueIOErrorsTotal.WithLabelValues(name, op).Inc()
}

// forgetMetrics drops the gauges of a queue that no longer exists under name.
// Counters are kept so totals stay monotonic for scrapers.
func forgetMetrics(name string) {
	queueItems.DeleteLabelValues(name)
	queueUsedBytes.DeleteLabelValues(name)
	queueFreeBytes.DeleteLabelValues(name)
	queueDimensionBytes.DeleteLabelValues(name)
	queueReadOffset.DeleteLabelValues(name)
}
