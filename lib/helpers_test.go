package lib

import (
	"sync"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"go.uber.org/zap/zaptest"
)

// recordingNetwork captures sent frames and lets a test inject incoming ones.
type recordingNetwork struct {
	mu       sync.Mutex
	sent     [][]byte
	incoming chan []byte
}

func newRecordingNetwork() *recordingNetwork {
	return &recordingNetwork{incoming: make(chan []byte, networkQueueLength)}
}

func (r *recordingNetwork) Send(frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	r.mu.Lock()
	r.sent = append(r.sent, buf)
	r.mu.Unlock()
	return nil
}

func (r *recordingNetwork) Incoming() <-chan []byte { return r.incoming }
func (r *recordingNetwork) Close() error            { return nil }

// take returns and forgets everything sent so far, decoded.
func (r *recordingNetwork) take(t *testing.T) []*Segment {
	t.Helper()
	r.mu.Lock()
	frames := r.sent
	r.sent = nil
	r.mu.Unlock()

	segs := make([]*Segment, 0, len(frames))
	for _, f := range frames {
		seg, err := DecodeSegment(f)
		if err != nil {
			t.Fatalf("connection sent an undecodable frame: %v", err)
		}
		segs = append(segs, seg)
	}
	return segs
}

func isn(v uint32) *uint32 { return &v }

func testConfig(t *testing.T, initialSeq uint32) *ConnectionConfig {
	cfg := DefaultConnectionConfig()
	cfg.InitialSequenceNumber = isn(initialSeq)
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

// newTestConnection builds a connection whose event loop is not running so a
// test can drive it step by step.
func newTestConnection(t *testing.T, cfg *ConnectionConfig, isServer bool) (*Connection, *recordingNetwork) {
	t.Helper()
	nw := newRecordingNetwork()
	c, err := newConnection(nw, cfg, isServer)
	if err != nil {
		t.Fatalf("newConnection: %v", err)
	}
	return c, nw
}

// establish drives c into ESTABLISHED against a scripted peer with ISN
// peerISN advertising peerWindow.
func establish(t *testing.T, c *Connection, nw *recordingNetwork, peerISN uint32, peerWindow uint16, now time.Time) {
	t.Helper()
	peer := seqnum.Value(peerISN)
	if c.isServer {
		c.passiveOpen(now)
		mustHandle(t, c, &Segment{SequenceNumber: peer, Flags: SYNFlag, WindowSize: peerWindow}, now)
		mustHandle(t, c, &Segment{SequenceNumber: peer.Add(1), AcknowledgmentNum: c.initialSendSeq.Add(1), Flags: ACKFlag, WindowSize: peerWindow}, now)
	} else {
		if err := c.activeOpen(now); err != nil {
			t.Fatalf("activeOpen: %v", err)
		}
		mustHandle(t, c, &Segment{SequenceNumber: peer, AcknowledgmentNum: c.initialSendSeq.Add(1), Flags: SYNFlag | ACKFlag, WindowSize: peerWindow}, now)
	}
	if c.state != StateEstablished {
		t.Fatalf("state = %s after handshake, want ESTABLISHED", c.state)
	}
	nw.take(t)
}

// mustHandle feeds seg through the full frame path.
func mustHandle(t *testing.T, c *Connection, seg *Segment, now time.Time) {
	t.Helper()
	if err := c.handleFrame(seg.Encode(), now); err != nil {
		t.Fatalf("handleFrame(%s): %v", seg, err)
	}
}

func ack(seq, ackNum seqnum.Value, window uint16) *Segment {
	return &Segment{SequenceNumber: seq, AcknowledgmentNum: ackNum, Flags: ACKFlag, WindowSize: window}
}
