package reactor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes a Core's queue depths as prometheus gauges, registered
// under a caller-supplied namespace/subsystem so multiple Cores in one
// process (e.g. one per ssh-multiplexed remote) don't collide.
type Metrics struct {
	timers *prometheus.GaugeVec
	files  *prometheus.GaugeVec
	procs  *prometheus.GaugeVec
}

// NewMetrics builds and registers the gauge vectors on reg, labeled by name
// so a process running several reactors can tell them apart.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	mk := func(name, help string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      name,
			Help:      help,
		}, []string{"core"})
		reg.MustRegister(g)
		return g
	}
	return &Metrics{
		timers: mk("pending_timers", "Number of timers currently queued."),
		files:  mk("watched_files", "Number of descriptors currently watched."),
		procs:  mk("watched_procs", "Number of child processes currently awaited."),
	}
}

// Observe snapshots c's queue depths into the gauges, labeled with name.
func (m *Metrics) Observe(name string, c *Core) {
	m.timers.WithLabelValues(name).Set(float64(c.time.Len()))
	m.files.WithLabelValues(name).Set(float64(c.files.Len()))
	m.procs.WithLabelValues(name).Set(float64(c.procs.Len()))
}

// Watch registers a periodic observation of c on c's own loop, every
// interval, until the returned cancel function is called. Cancel must be
// called once the caller is done observing, or the periodic timer leaks for
// the lifetime of the Core.
func (m *Metrics) Watch(c *Core, name string, interval time.Duration) (cancel func()) {
	return c.SetPeriodic(interval, func() { m.Observe(name, c) })
}
