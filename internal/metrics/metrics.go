// Package metrics exposes the client's best-effort Prometheus
// counters and gauges (spec.md §3 "Pool" counters; §4.7 "counters").
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// TunnelsCreated counts every tunnel the pool has brought up,
	// whether during warmup or on-demand growth.
	TunnelsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tunnelproxy",
		Subsystem: "pool",
		Name:      "tunnels_created_total",
		Help:      "Total number of tunnels created by the pool.",
	})

	// StreamsOpened counts every stream successfully opened through
	// the pool.
	StreamsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tunnelproxy",
		Subsystem: "pool",
		Name:      "streams_opened_total",
		Help:      "Total number of streams successfully opened through the pool.",
	})

	// PoolSize reports the pool's current tunnel count.
	PoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tunnelproxy",
		Subsystem: "pool",
		Name:      "size",
		Help:      "Current number of live tunnels in the pool.",
	})

	// BytesRelayed counts bytes copied by the bidirectional copier, by
	// direction (spec.md §4.7 "Byte counters are updated best-effort
	// for diagnostics").
	BytesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnelproxy",
		Subsystem: "copier",
		Name:      "bytes_relayed_total",
		Help:      "Total bytes relayed by the bidirectional copier, labeled by direction.",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(TunnelsCreated, StreamsOpened, PoolSize, BytesRelayed)
}

// DirectionToRemote and DirectionFromRemote label the two legs of a
// relayed stream.
const (
	DirectionToRemote   = "to_remote"
	DirectionFromRemote = "from_remote"
)
