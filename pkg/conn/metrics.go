package conn

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes a Connection's frame traffic as prometheus instruments,
// following the same namespace/subsystem/MustRegister convention as
// pkg/hub.Metrics and pkg/reactor.Metrics.
type Metrics struct {
	framesSent     prometheus.Counter
	framesReceived prometheus.Counter
	bytesSent      prometheus.Counter
	bytesReceived  prometheus.Counter
	sendErrors     prometheus.Counter
}

// NewMetrics builds and registers the instruments on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	framesSent := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conn",
		Name:      "frames_sent_total",
		Help:      "Number of framed messages written to the wire.",
	})
	framesReceived := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conn",
		Name:      "frames_received_total",
		Help:      "Number of framed messages read from the wire.",
	})
	bytesSent := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conn",
		Name:      "bytes_sent_total",
		Help:      "Payload bytes written to the wire, excluding length prefixes.",
	})
	bytesReceived := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conn",
		Name:      "bytes_received_total",
		Help:      "Payload bytes read from the wire, excluding length prefixes.",
	})
	sendErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conn",
		Name:      "send_errors_total",
		Help:      "Number of flush failures while writing a frame.",
	})
	reg.MustRegister(framesSent, framesReceived, bytesSent, bytesReceived, sendErrors)
	return &Metrics{
		framesSent:     framesSent,
		framesReceived: framesReceived,
		bytesSent:      bytesSent,
		bytesReceived:  bytesReceived,
		sendErrors:     sendErrors,
	}
}

func (m *Metrics) observeFrameSent(n int) {
	m.framesSent.Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) observeFrameReceived(n int) {
	m.framesReceived.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) observeSendError() { m.sendErrors.Inc() }
