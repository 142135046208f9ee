// Package metrics exposes the kernel's subsystem counters/gauges via
// Prometheus, wired the same way ffromani-dra-driver-memory's daemon
// command registers promhttp.Handler() on its admin mux.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every counter/gauge this kernel instance publishes. It
// wraps a private prometheus.Registry rather than the global default one
// so that multiple simulated kernel instances in one test binary never
// collide on metric names.
type Registry struct {
	reg *prometheus.Registry

	SchedDispatches   prometheus.Counter
	SchedPreemptions  prometheus.Counter
	SchedReadyLen     *prometheus.GaugeVec
	BlockCacheHits    prometheus.Counter
	BlockCacheMisses  prometheus.Counter
	BlockCacheDirty   prometheus.Gauge
	VFSInodeCacheSize prometheus.Gauge
	IPv4Fragments     prometheus.Counter
	IPv4Reassembled   prometheus.Counter
	IPv4Dropped       *prometheus.CounterVec
	SocketsOpen       *prometheus.GaugeVec
}

// New creates a fresh metrics registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		SchedDispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_sched_dispatches_total",
			Help: "Number of times the scheduler dispatched a task onto a CPU.",
		}),
		SchedPreemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_sched_preemptions_total",
			Help: "Number of timer-interrupt-driven preemptions.",
		}),
		SchedReadyLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kernel_sched_ready_queue_length",
			Help: "Current length of each CPU's ready queue.",
		}, []string{"cpu"}),
		BlockCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_blockcache_hits_total",
			Help: "Block cache lookups satisfied without a device read.",
		}),
		BlockCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_blockcache_misses_total",
			Help: "Block cache lookups that required a device read.",
		}),
		BlockCacheDirty: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_blockcache_dirty_entries",
			Help: "Block cache entries currently dirty.",
		}),
		VFSInodeCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_vfs_inode_cache_size",
			Help: "Inodes currently resident in the VFS inode cache.",
		}),
		IPv4Fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_ipv4_fragments_total",
			Help: "IPv4 fragments received across all reassembly contexts.",
		}),
		IPv4Reassembled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_ipv4_reassembled_total",
			Help: "IPv4 datagrams successfully reassembled from fragments.",
		}),
		IPv4Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_ipv4_dropped_total",
			Help: "IPv4 datagrams dropped, labeled by reason.",
		}, []string{"reason"}),
		SocketsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kernel_sockets_open",
			Help: "Open sockets, labeled by kind (raw/udp/tcp).",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.SchedDispatches, m.SchedPreemptions, m.SchedReadyLen,
		m.BlockCacheHits, m.BlockCacheMisses, m.BlockCacheDirty,
		m.VFSInodeCacheSize,
		m.IPv4Fragments, m.IPv4Reassembled, m.IPv4Dropped,
		m.SocketsOpen,
	)
	return m
}

// Handler returns the HTTP handler cmd/kerneld mounts at /metrics, the
// same way ffromani-dra-driver-memory's daemon command mounts
// promhttp.Handler() on its admin mux.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
