package lib

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ConnectionConfig holds the per-connection protocol constants.
type ConnectionConfig struct {
	MSS               int           // largest payload carried by one segment
	WindowSize        int           // receive buffer capacity, advertised to the peer
	HandshakeTimeout  time.Duration // bound on SYN_SENT and SYN_RCVD
	ListenTimeout     time.Duration // bound on a passive open waiting for SYN, 0 uses HandshakeTimeout
	RetransmitTimeout time.Duration // fixed RTO, or the initial RTO of the smoothed estimator
	RTOEstimator      string        // "fixed" or "smoothed"
	RTOMin, RTOMax    time.Duration // smoothed estimator clamp
	MaxRetransmits    int           // retransmissions of one segment before the connection times out
	TimeWaitDuration  time.Duration // TIME_WAIT linger

	// InitialSequenceNumber pins the ISN. nil picks a random one.
	InitialSequenceNumber *uint32

	Logger  *zap.Logger   // nil disables logging
	Metrics *Metrics      // nil disables metrics
	Tracer  SegmentTracer // nil disables tracing
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		MSS:               DefaultMSS,
		WindowSize:        DefaultWindowSize,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		RetransmitTimeout: DefaultRetransmitTimeout,
		RTOEstimator:      RTOEstimatorFixed,
		RTOMin:            DefaultRTOMin,
		RTOMax:            DefaultRTOMax,
		MaxRetransmits:    DefaultMaxRetransmits,
		TimeWaitDuration:  DefaultTimeWaitDuration,
	}
}

// Validate reports the first invalid field.
func (c *ConnectionConfig) Validate() error {
	switch {
	case c.MSS <= 0 || c.MSS > MaxSegmentPayload:
		return errors.Errorf("mss %d out of range (1..%d)", c.MSS, MaxSegmentPayload)
	case c.WindowSize <= 0 || c.WindowSize > MaxWindowSize:
		return errors.Errorf("window size %d out of range (1..%d)", c.WindowSize, MaxWindowSize)
	case c.HandshakeTimeout <= 0:
		return errors.Errorf("handshake timeout must be positive, got %v", c.HandshakeTimeout)
	case c.ListenTimeout < 0:
		return errors.Errorf("listen timeout must not be negative, got %v", c.ListenTimeout)
	case c.RetransmitTimeout <= 0:
		return errors.Errorf("retransmit timeout must be positive, got %v", c.RetransmitTimeout)
	case c.MaxRetransmits <= 0:
		return errors.Errorf("max retransmits must be positive, got %d", c.MaxRetransmits)
	case c.TimeWaitDuration < 0:
		return errors.Errorf("time wait duration must not be negative, got %v", c.TimeWaitDuration)
	}
	switch c.RTOEstimator {
	case RTOEstimatorFixed, "":
	case RTOEstimatorSmoothed:
		if c.RTOMin <= 0 || c.RTOMax < c.RTOMin {
			return errors.Errorf("invalid rto bounds [%v, %v]", c.RTOMin, c.RTOMax)
		}
	default:
		return errors.Errorf("unknown rto estimator %q", c.RTOEstimator)
	}
	return nil
}

func (c *ConnectionConfig) newRTOEstimator() RTOEstimator {
	if c.RTOEstimator == RTOEstimatorSmoothed {
		return NewSmoothedRTO(c.RetransmitTimeout, c.RTOMin, c.RTOMax)
	}
	return FixedRTO(c.RetransmitTimeout)
}
