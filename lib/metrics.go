package lib

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are prometheus counters shared by every connection configured with
// them. A nil *Metrics records nothing.
type Metrics struct {
	SegmentsSent      prometheus.Counter
	SegmentsReceived  prometheus.Counter
	Retransmissions   prometheus.Counter
	SegmentsDiscarded *prometheus.CounterVec
	Connections       *prometheus.CounterVec
	BytesDelivered    prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SegmentsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stcp",
			Name:      "segments_sent_total",
			Help:      "Segments handed to the network, retransmissions included.",
		}),
		SegmentsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stcp",
			Name:      "segments_received_total",
			Help:      "Well-formed segments received.",
		}),
		Retransmissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stcp",
			Name:      "retransmissions_total",
			Help:      "Segments resent after the retransmission timer fired.",
		}),
		SegmentsDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stcp",
			Name:      "segments_discarded_total",
			Help:      "Received segments dropped without delivery.",
		}, []string{"reason"}),
		Connections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stcp",
			Name:      "connections_total",
			Help:      "Handshake outcomes.",
		}, []string{"outcome"}),
		BytesDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stcp",
			Name:      "bytes_delivered_total",
			Help:      "Payload bytes read by the application.",
		}),
	}
}

func (m *Metrics) segmentSent() {
	if m != nil {
		m.SegmentsSent.Inc()
	}
}

func (m *Metrics) segmentReceived() {
	if m != nil {
		m.SegmentsReceived.Inc()
	}
}

func (m *Metrics) retransmission() {
	if m != nil {
		m.Retransmissions.Inc()
	}
}

func (m *Metrics) segmentDiscarded(reason string) {
	if m != nil {
		m.SegmentsDiscarded.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) bytesDelivered(n int) {
	if m != nil {
		m.BytesDelivered.Add(float64(n))
	}
}

func (m *Metrics) connectionOutcome(err error) {
	if m == nil {
		return
	}
	outcome := "established"
	switch {
	case err == nil:
	case errors.Is(err, ErrConnectionRefused):
		outcome = "refused"
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	m.Connections.WithLabelValues(outcome).Inc()
}
