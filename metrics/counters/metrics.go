package counters

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "server",
	Name:      "connections_active",
	Help:      "Number of active ws connections",
})

var activeTransactionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "server",
	Name:      "transactions_active",
	Help:      "Number of open charging transactions",
})

var commandCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "command_count",
	Help:      "Total number of operator commands by feature and outcome.",
}, []string{"feature", "status"})

var frameErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "frame_error_count",
	Help:      "Total number of protocol errors by error code.",
}, []string{"code"})

func ObserveConnections(count int) {
	connectionsGauge.Set(float64(count))
}

func ObserveTransactions(count int) {
	activeTransactionsGauge.Set(float64(count))
}

func CountCommand(feature, status string) {
	if len(feature) == 0 || len(status) == 0 {
		return
	}
	commandCounter.With(prometheus.Labels{"feature": feature, "status": status}).Inc()
}

func CountFrameError(code string) {
	if len(code) == 0 {
		return
	}
	frameErrorCounter.With(prometheus.Labels{"code": code}).Inc()
}
