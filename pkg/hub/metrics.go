package hub

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes a Hub's handler-table activity as prometheus
// instruments, following the same registration pattern as
// pkg/reactor.Metrics (namespace/subsystem, registered once, observed from
// the owning goroutine only).
type Metrics struct {
	sends     prometheus.Counter
	registered prometheus.Gauge
}

// NewMetrics builds and registers the instruments on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	sends := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "sends_total",
		Help:      "Number of messages successfully routed to a handler.",
	})
	registered := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "registered_handlers",
		Help:      "Number of addresses currently registered with a handler.",
	})
	reg.MustRegister(sends, registered)
	return &Metrics{sends: sends, registered: registered}
}

func (m *Metrics) observeSend()              { m.sends.Inc() }
func (m *Metrics) observeRegister(n int)      { m.registered.Set(float64(n)) }
