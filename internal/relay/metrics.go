package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	relayRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoolq_relay_records_total",
		Help: "Total number of records moved by the relay, by direction: in, out",
	}, []string{"relay", "direction"})

	relayRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoolq_relay_backpressure_total",
		Help: "Total number of pushes the relay retried because the queue was full",
	}, []string{"relay"})
)

func init() {
	prometheus.MustRegister(relayRecordsTotal)
	prometheus.MustRegister(relayRejectedTotal)
}
