package lib

import (
	"net"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

func TestIsGreater(t *testing.T) {
	// Test cases where the first number is greater than the second
	testCases := []struct {
		seq1     seqnum.Value
		seq2     seqnum.Value
		expected bool
	}{
		{seq1: 10, seq2: 5, expected: true},                   // Direct comparison
		{seq1: 5, seq2: 10, expected: false},                  // Direct comparison
		{seq1: 5, seq2: 4294967295, expected: true},           // Inverse wrap-around case
		{seq1: 4294967295, seq2: 5, expected: false},          // Inverse wrap-around case
		{seq1: 2147483647, seq2: 2147483646, expected: true},  // Close to wrap-around boundary
		{seq1: 2147483646, seq2: 2147483647, expected: false}, // Close to wrap-around boundary
		{seq1: 0, seq2: 4294967295, expected: true},           // Full wrap-around
		{seq1: 4294967295, seq2: 0, expected: false},          // Full wrap-around
		{seq1: 7, seq2: 7, expected: false},
	}

	for _, tc := range testCases {
		result := isGreater(tc.seq1, tc.seq2)
		if result != tc.expected {
			t.Errorf("For (%d, %d), expected %t, but got %t", tc.seq1, tc.seq2, tc.expected, result)
		}
		if got := isLessOrEqual(tc.seq1, tc.seq2); got == tc.expected {
			t.Errorf("isLessOrEqual(%d, %d) = %t, want %t", tc.seq1, tc.seq2, got, !tc.expected)
		}
	}
}

func TestSequenceComparisonEquality(t *testing.T) {
	if !isGreaterOrEqual(9, 9) || !isLessOrEqual(9, 9) {
		t.Error("equal sequence numbers must compare as both >= and <=")
	}
	if isLess(9, 9) {
		t.Error("isLess(9, 9) = true")
	}
}

func TestErrTimeoutIsNetError(t *testing.T) {
	err := errors.Wrap(ErrTimeout, "retransmission")
	var netErr net.Error
	if !errors.As(err, &netErr) {
		t.Fatal("wrapped ErrTimeout is not a net.Error")
	}
	if !netErr.Timeout() {
		t.Error("Timeout() = false")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(wrapped, ErrTimeout) = false")
	}
}

func TestSmoothedRTO(t *testing.T) {
	s := NewSmoothedRTO(100*time.Millisecond, 10*time.Millisecond, time.Second)
	if s.RTO() != 100*time.Millisecond {
		t.Fatalf("initial RTO = %v, want 100ms", s.RTO())
	}

	// SRTT = 0.875*100ms + 0.125*20ms = 90ms, RTO = 2*SRTT
	s.Sample(20 * time.Millisecond)
	if s.SRTT != 90*time.Millisecond {
		t.Errorf("SRTT = %v, want 90ms", s.SRTT)
	}
	if s.RTO() != 180*time.Millisecond {
		t.Errorf("RTO = %v, want 180ms", s.RTO())
	}

	s.Backoff()
	if s.RTO() != 360*time.Millisecond {
		t.Errorf("RTO after backoff = %v, want 360ms", s.RTO())
	}
	for i := 0; i < 10; i++ {
		s.Backoff()
	}
	if s.RTO() != time.Second {
		t.Errorf("RTO = %v, want clamp at 1s", s.RTO())
	}

	for i := 0; i < 100; i++ {
		s.Sample(0)
	}
	if s.RTO() != 10*time.Millisecond {
		t.Errorf("RTO = %v, want clamp at 10ms", s.RTO())
	}
}

func TestFixedRTO(t *testing.T) {
	f := FixedRTO(200 * time.Millisecond)
	f.Sample(time.Millisecond)
	f.Backoff()
	if f.RTO() != 200*time.Millisecond {
		t.Errorf("RTO = %v, want 200ms", f.RTO())
	}
}

func TestConnectionConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(c *ConnectionConfig)
		ok     bool
	}{
		{name: "defaults", modify: func(c *ConnectionConfig) {}, ok: true},
		{name: "smoothed", modify: func(c *ConnectionConfig) { c.RTOEstimator = RTOEstimatorSmoothed }, ok: true},
		{name: "zero mss", modify: func(c *ConnectionConfig) { c.MSS = 0 }},
		{name: "mss too large", modify: func(c *ConnectionConfig) { c.MSS = MaxSegmentPayload + 1 }},
		{name: "zero window", modify: func(c *ConnectionConfig) { c.WindowSize = 0 }},
		{name: "window too large", modify: func(c *ConnectionConfig) { c.WindowSize = MaxWindowSize + 1 }},
		{name: "zero handshake timeout", modify: func(c *ConnectionConfig) { c.HandshakeTimeout = 0 }},
		{name: "zero rto", modify: func(c *ConnectionConfig) { c.RetransmitTimeout = 0 }},
		{name: "zero retries", modify: func(c *ConnectionConfig) { c.MaxRetransmits = 0 }},
		{name: "unknown estimator", modify: func(c *ConnectionConfig) { c.RTOEstimator = "jacobson" }},
		{name: "inverted bounds", modify: func(c *ConnectionConfig) {
			c.RTOEstimator = RTOEstimatorSmoothed
			c.RTOMin, c.RTOMax = time.Second, time.Millisecond
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConnectionConfig()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("Validate succeeded, want error")
			}
		})
	}
}
