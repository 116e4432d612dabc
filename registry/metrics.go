package registry

import (
    "github.com/prometheus/client_golang/prometheus"
)

var prometheusEntriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
    Namespace: "servicedir",
    Subsystem: "registry",
    Name: "entries",
    Help: "Number of entries currently held by this node including tombstones",
})

var prometheusMergesCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Namespace: "servicedir",
    Subsystem: "registry",
    Name: "merges_total",
    Help: "Number of remote entries merged into local state",
})

var prometheusExpiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Namespace: "servicedir",
    Subsystem: "registry",
    Name: "expired_total",
    Help: "Number of entries removed because their heartbeat aged out",
})

var prometheusTombstonesPurgedCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Namespace: "servicedir",
    Subsystem: "registry",
    Name: "tombstones_purged_total",
    Help: "Number of tombstones dropped after their retention window",
})

var prometheusGossipRoundsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Namespace: "servicedir",
    Subsystem: "gossip",
    Name: "rounds_total",
    Help: "Number of gossip rounds initiated by this node",
})

var prometheusGossipEntriesSentCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Namespace: "servicedir",
    Subsystem: "gossip",
    Name: "entries_sent_total",
    Help: "Number of entries sent to peers in response to digests",
})

func init() {
    prometheus.MustRegister(prometheusEntriesGauge)
    prometheus.MustRegister(prometheusMergesCounter)
    prometheus.MustRegister(prometheusExpiredCounter)
    prometheus.MustRegister(prometheusTombstonesPurgedCounter)
    prometheus.MustRegister(prometheusGossipRoundsCounter)
    prometheus.MustRegister(prometheusGossipEntriesSentCounter)
}

func prometheusRecordEntryCount(count int) {
    prometheusEntriesGauge.Set(float64(count))
}

func prometheusRecordMerges(count int) {
    prometheusMergesCounter.Add(float64(count))
}

func prometheusRecordExpired(count int) {
    prometheusExpiredCounter.Add(float64(count))
}

func prometheusRecordTombstonesPurged(count int) {
    prometheusTombstonesPurgedCounter.Add(float64(count))
}

func prometheusRecordGossipRound() {
    prometheusGossipRoundsCounter.Inc()
}

func prometheusRecordGossipEntriesSent(count int) {
    prometheusGossipEntriesSentCounter.Add(float64(count))
}
