package lib

import "time"

// RTOEstimator supplies the retransmission timeout. The connection calls
// Sample with the round trip time of every segment acknowledged without having
// been retransmitted, and Backoff each time the retransmission timer fires.
type RTOEstimator interface {
	RTO() time.Duration
	Sample(rtt time.Duration)
	Backoff()
}

// FixedRTO always returns the same timeout.
type FixedRTO time.Duration

func (f FixedRTO) RTO() time.Duration   { return time.Duration(f) }
func (f FixedRTO) Sample(time.Duration) {}
func (f FixedRTO) Backoff()             {}

// SmoothedRTO follows the RFC 793 estimator:
//
//	SRTT = alpha*SRTT + (1-alpha)*RTT
//	RTO  = max(RTOMin, min(beta*SRTT, RTOMax))
//
// A timeout doubles the RTO until the next sample.
type SmoothedRTO struct {
	SRTT   time.Duration
	alpha  float64
	beta   float64
	RTOMin time.Duration
	RTOMax time.Duration
	rto    time.Duration
}

func NewSmoothedRTO(initial, min, max time.Duration) *SmoothedRTO {
	return &SmoothedRTO{
		SRTT:   initial,
		alpha:  0.875, // 1 - 0.125
		beta:   2.0,
		RTOMin: min,
		RTOMax: max,
		rto:    initial,
	}
}

func (s *SmoothedRTO) RTO() time.Duration {
	return s.rto
}

func (s *SmoothedRTO) Sample(rtt time.Duration) {
	s.SRTT = time.Duration(float64(s.SRTT)*s.alpha + float64(rtt)*(1-s.alpha))
	s.rto = s.clamp(time.Duration(float64(s.SRTT) * s.beta))
}

func (s *SmoothedRTO) Backoff() {
	s.rto = s.clamp(2 * s.rto)
}

func (s *SmoothedRTO) clamp(d time.Duration) time.Duration {
	if d < s.RTOMin {
		return s.RTOMin
	}
	if d > s.RTOMax {
		return s.RTOMax
	}
	return d
}

// SegmentInfo tracks one unacknowledged segment.
type SegmentInfo struct {
	Data         *Segment
	LastSentTime time.Time
	ResendCount  int
}
