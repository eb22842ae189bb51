package lib

import (
	"github.com/google/netstack/tcpip/seqnum"
	"go.uber.org/zap"
)

// receive delivers the payload and FIN of seg if it is exactly the next
// expected one. Everything else is discarded and answered with a duplicate
// ACK so the peer keeps its ACK clock.
func (c *Connection) receive(seg *Segment) {
	if len(seg.Payload) == 0 && !seg.has(FINFlag) {
		// pure ACK; only a zero window probe or a stale segment asks for an answer
		if isLess(seg.SequenceNumber, c.recvBase) {
			c.sendAck()
		}
		return
	}

	switch {
	case c.finReceived:
		c.discard(seg, "after peer FIN")
		c.sendAck()
		return
	case seg.SequenceNumber != c.recvBase:
		c.discard(seg, "out of order")
		c.sendAck()
		return
	case len(seg.Payload) > c.recvBuffer.Free():
		c.discard(seg, "receive buffer full")
		c.sendAck()
		return
	}

	if len(seg.Payload) > 0 {
		n, err := c.recvBuffer.Write(seg.Payload)
		if err != nil {
			c.logger.Error("error buffering payload", zap.Error(err))
		}
		c.recvBase = c.recvBase.Add(seqnum.Size(n))
		c.signalDataReady()
	}
	if seg.has(FINFlag) {
		c.recvBase = c.recvBase.Add(1)
		c.finReceived = true
		c.peerClosed.Store(true)
		c.logger.Debug("peer FIN received", zap.Uint32("seq", uint32(seg.SequenceNumber)))
		c.signalDataReady()
	}
	c.sendAck()
}

// handleAppRead sends a window update once the application has freed enough
// buffer that the peer may be stalled on our last, small, advertisement.
func (c *Connection) handleAppRead() {
	if c.state.handshaking() || c.finReceived {
		return
	}
	threshold := min(c.config.MSS, c.config.WindowSize/2)
	if int(c.lastAdvertisedWindow) < threshold && int(c.advertisedWindow()) >= threshold {
		c.logger.Debug("window update", zap.Uint16("from", c.lastAdvertisedWindow), zap.Uint16("to", c.advertisedWindow()))
		c.sendAck()
	}
}

func (c *Connection) discard(seg *Segment, reason string) {
	c.logger.Debug("discarding segment", zap.Stringer("segment", seg), zap.String("reason", reason))
	c.stats.segmentsDiscarded.Add(1)
	c.metrics.segmentDiscarded(reason)
}
