package partition

import (
    "github.com/prometheus/client_golang/prometheus"
)

var prometheusStateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
    Namespace: "servicedir",
    Subsystem: "partition",
    Name: "state",
    Help: "Current partition state of this node (0=healthy 1=suspected 2=partitioned 3=recovering)",
})

var prometheusTransitionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Namespace: "servicedir",
    Subsystem: "partition",
    Name: "transitions_total",
    Help: "Number of partition state transitions",
})

var prometheusReconciledCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Namespace: "servicedir",
    Subsystem: "partition",
    Name: "entries_reconciled_total",
    Help: "Number of entries merged while reconciling with diverged peers",
})

func init() {
    prometheus.MustRegister(prometheusStateGauge)
    prometheus.MustRegister(prometheusTransitionsCounter)
    prometheus.MustRegister(prometheusReconciledCounter)
}

func prometheusRecordState(state int) {
    prometheusStateGauge.Set(float64(state))
    prometheusTransitionsCounter.Inc()
}

func prometheusRecordReconciled(count int) {
    prometheusReconciledCounter.Add(float64(count))
}
