package lib

import (
	"io"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
)

func data(seq seqnum.Value, payload string) *Segment {
	return &Segment{SequenceNumber: seq, AcknowledgmentNum: 2, Flags: ACKFlag, WindowSize: 3000, Payload: []byte(payload)}
}

func readAll(t *testing.T, c *Connection) string {
	t.Helper()
	buf := make([]byte, c.recvBuffer.Length())
	if len(buf) == 0 {
		return ""
	}
	n, err := c.recvBuffer.Read(buf)
	if err != nil {
		t.Fatalf("read receive buffer: %v", err)
	}
	return string(buf[:n])
}

func TestReceiveInOrder(t *testing.T) {
	now := time.Now()
	c, nw := newTestConnection(t, testConfig(t, 1), false)
	establish(t, c, nw, 100, 3000, now)

	mustHandle(t, c, data(101, "hello "), now)
	mustHandle(t, c, data(107, "world"), now)
	if c.recvBase != 112 {
		t.Errorf("recvBase = %d, want 112", c.recvBase)
	}
	sent := nw.take(t)
	if len(sent) != 2 {
		t.Fatalf("sent %d ACKs, want 2", len(sent))
	}
	if sent[0].AcknowledgmentNum != 107 || sent[1].AcknowledgmentNum != 112 {
		t.Errorf("acks = %d, %d; want 107, 112", sent[0].AcknowledgmentNum, sent[1].AcknowledgmentNum)
	}
	if want := uint16(DefaultWindowSize - 11); sent[1].WindowSize != want {
		t.Errorf("advertised window = %d, want %d", sent[1].WindowSize, want)
	}
	if got := readAll(t, c); got != "hello world" {
		t.Errorf("delivered %q, want %q", got, "hello world")
	}
}

func TestReceiveDiscardsGapAndDuplicate(t *testing.T) {
	now := time.Now()
	c, nw := newTestConnection(t, testConfig(t, 1), false)
	establish(t, c, nw, 100, 3000, now)

	mustHandle(t, c, data(104, "def"), now) // gap
	mustHandle(t, c, data(101, "abc"), now)
	mustHandle(t, c, data(101, "abc"), now) // duplicate
	mustHandle(t, c, data(104, "def"), now)

	sent := nw.take(t)
	wantAcks := []seqnum.Value{101, 104, 104, 107}
	if len(sent) != len(wantAcks) {
		t.Fatalf("sent %d ACKs, want %d", len(sent), len(wantAcks))
	}
	for i, seg := range sent {
		if seg.AcknowledgmentNum != wantAcks[i] || len(seg.Payload) != 0 {
			t.Errorf("ACK %d = %s, want pure ACK of %d", i, seg, wantAcks[i])
		}
	}
	if got := readAll(t, c); got != "abcdef" {
		t.Errorf("delivered %q, want %q", got, "abcdef")
	}
	if c.Stats().SegmentsDiscarded != 2 {
		t.Errorf("SegmentsDiscarded = %d, want 2", c.Stats().SegmentsDiscarded)
	}
}

func TestReceiveBufferFull(t *testing.T) {
	now := time.Now()
	cfg := testConfig(t, 1)
	cfg.WindowSize = 8
	c, nw := newTestConnection(t, cfg, false)
	establish(t, c, nw, 100, 3000, now)

	mustHandle(t, c, data(101, "12345"), now)
	mustHandle(t, c, data(106, "6789"), now)
	sent := nw.take(t)
	if len(sent) != 2 || sent[1].AcknowledgmentNum != 106 || sent[1].WindowSize != 3 {
		t.Fatalf("sent %v, want second ACK of 106 with window 3", sent)
	}
	if c.recvBase != 106 {
		t.Errorf("recvBase = %d, want 106", c.recvBase)
	}
}

func TestReceiveIgnoresPureAcks(t *testing.T) {
	now := time.Now()
	c, nw := newTestConnection(t, testConfig(t, 1), false)
	establish(t, c, nw, 100, 3000, now)

	mustHandle(t, c, ack(101, 2, 3000), now)
	if sent := nw.take(t); len(sent) != 0 {
		t.Errorf("answered a pure ACK with %v", sent)
	}

	// a zero window probe reuses an already received sequence number
	mustHandle(t, c, ack(100, 2, 3000), now)
	sent := nw.take(t)
	if len(sent) != 1 || sent[0].AcknowledgmentNum != 101 {
		t.Errorf("probe answered with %v, want one ACK of 101", sent)
	}
}

func TestReceiveFin(t *testing.T) {
	now := time.Now()
	c, nw := newTestConnection(t, testConfig(t, 1), false)
	establish(t, c, nw, 100, 3000, now)

	mustHandle(t, c, data(101, "bye"), now)
	mustHandle(t, c, &Segment{SequenceNumber: 104, AcknowledgmentNum: 2, Flags: FINFlag | ACKFlag, WindowSize: 3000}, now)
	if c.recvBase != 105 || !c.finReceived || !c.peerClosed.Load() {
		t.Fatalf("recvBase=%d finReceived=%t, want 105 and true", c.recvBase, c.finReceived)
	}
	if c.state != StateCloseWait {
		t.Errorf("state = %s, want CLOSE_WAIT", c.state)
	}

	// data past the FIN is never delivered
	mustHandle(t, c, data(105, "more"), now)
	sent := nw.take(t)
	if last := sent[len(sent)-1]; last.AcknowledgmentNum != 105 {
		t.Errorf("last ACK = %d, want 105", last.AcknowledgmentNum)
	}

	buf := make([]byte, 16)
	n, err := c.Read(buf)
	if err != nil || string(buf[:n]) != "bye" {
		t.Fatalf("Read = %q, %v; want %q", buf[:n], err, "bye")
	}
	if _, err := c.Read(buf); err != io.EOF {
		t.Errorf("Read after FIN = %v, want io.EOF", err)
	}
}

func TestOversizedSegmentDropped(t *testing.T) {
	now := time.Now()
	cfg := testConfig(t, 1)
	cfg.MSS = 4
	c, nw := newTestConnection(t, cfg, false)
	establish(t, c, nw, 100, 3000, now)

	mustHandle(t, c, data(101, "12345"), now)
	if c.recvBase != 101 {
		t.Errorf("recvBase = %d, want 101", c.recvBase)
	}
	if sent := nw.take(t); len(sent) != 0 {
		t.Errorf("acknowledged an oversized segment: %v", sent)
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	now := time.Now()
	c, nw := newTestConnection(t, testConfig(t, 1), false)
	establish(t, c, nw, 100, 3000, now)

	frame := data(101, "abc").Encode()
	frame[len(frame)-1] ^= 0xff
	if err := c.handleFrame(frame, now); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}
	if err := c.handleFrame([]byte{1, 2, 3}, now); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}
	if c.recvBase != 101 || c.state != StateEstablished {
		t.Errorf("malformed frame changed state: recvBase=%d state=%s", c.recvBase, c.state)
	}
	if sent := nw.take(t); len(sent) != 0 {
		t.Errorf("acknowledged a malformed frame: %v", sent)
	}
}

func TestWindowUpdateAfterRead(t *testing.T) {
	now := time.Now()
	cfg := testConfig(t, 1)
	cfg.MSS = 4
	cfg.WindowSize = 8
	c, nw := newTestConnection(t, cfg, false)
	establish(t, c, nw, 100, 3000, now)

	mustHandle(t, c, data(101, "1234"), now)
	mustHandle(t, c, data(105, "5678"), now)
	nw.take(t)
	if c.lastAdvertisedWindow != 0 {
		t.Fatalf("lastAdvertisedWindow = %d, want 0", c.lastAdvertisedWindow)
	}

	c.handleAppRead()
	if sent := nw.take(t); len(sent) != 0 {
		t.Fatalf("window update sent before anything was read: %v", sent)
	}

	buf := make([]byte, 4)
	if _, err := c.Read(buf); err != nil {
		t.Fatal(err)
	}
	c.handleAppRead()
	sent := nw.take(t)
	if len(sent) != 1 || sent[0].WindowSize != 4 || sent[0].AcknowledgmentNum != 109 {
		t.Errorf("sent %v, want one window update advertising 4", sent)
	}
}
