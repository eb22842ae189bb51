package lib

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// submit slices data into segments of at most MSS bytes and sends as many as
// the peer's window admits. It returns the number of bytes accepted.
func (c *Connection) submit(data []byte, now time.Time) (int, error) {
	if !c.state.canSend() {
		return 0, errors.Wrapf(ErrClosed, "cannot send in state %s", c.state)
	}

	accepted := 0
	for accepted < len(data) {
		space := c.sendSpace()
		if space <= 0 {
			break
		}
		n := min(len(data)-accepted, c.config.MSS, space)
		payload := make([]byte, n)
		copy(payload, data[accepted:accepted+n])

		seg := &Segment{SequenceNumber: c.nextSendSeq, Flags: ACKFlag, Payload: payload}
		if err := c.transmitNew(seg, now); err != nil {
			return accepted, err
		}
		accepted += n
	}
	c.stats.bytesSent.Add(uint64(accepted))
	c.sendBlocked = accepted < len(data)
	c.updatePersist(now)
	return accepted, nil
}

// inFlight is next_send_seq - send_base.
func (c *Connection) inFlight() seqnum.Size {
	return c.sendBase.Size(c.nextSendSeq)
}

// sendSpace is the number of payload bytes the peer's window still admits.
// It is negative when the peer has shrunk its window below what is in flight.
func (c *Connection) sendSpace() int {
	return int(c.sendWindow) - int(c.inFlight())
}

// transmitNew assigns seg its place in the sequence space, queues it for
// retransmission and sends it. SYN and FIN are not bounded by the window.
func (c *Connection) transmitNew(seg *Segment, now time.Time) error {
	if len(seg.Payload) > 0 && len(seg.Payload) > c.sendSpace() {
		return errors.Wrapf(ErrWindowViolation, "%d bytes with %d in flight and window %d",
			len(seg.Payload), c.inFlight(), c.sendWindow)
	}
	if seg.SequenceNumber != c.nextSendSeq {
		return errors.Errorf("segment seq %d does not match next_send_seq %d", seg.SequenceNumber, c.nextSendSeq)
	}

	if len(c.unackedSegments) == 0 {
		c.retransmitDeadline = now.Add(c.rto.RTO())
	}
	c.unackedSegments = append(c.unackedSegments, &SegmentInfo{Data: seg, LastSentTime: now})
	c.nextSendSeq = seg.end()
	c.persistDeadline = time.Time{}
	c.send(seg)
	return nil
}

// processAck applies the cumulative acknowledgment and window carried by seg.
func (c *Connection) processAck(seg *Segment, now time.Time) {
	ack := seg.AcknowledgmentNum
	if isGreater(ack, c.nextSendSeq) {
		c.logger.Debug("ack for unsent data ignored", zap.Stringer("segment", seg))
		return
	}
	if isLess(ack, c.sendBase) {
		// stale duplicate
		return
	}

	if isGreater(ack, c.sendBase) {
		c.sendBase = ack
		for len(c.unackedSegments) > 0 {
			head := c.unackedSegments[0]
			if isGreater(head.Data.end(), ack) {
				break
			}
			if head.ResendCount == 0 {
				c.rto.Sample(now.Sub(head.LastSentTime))
			}
			if head.Data.has(FINFlag) {
				c.finAcked = true
			}
			c.unackedSegments[0] = nil
			c.unackedSegments = c.unackedSegments[1:]
		}
		if len(c.unackedSegments) > 0 {
			c.trimHead(ack)
			c.retransmitDeadline = now.Add(c.rto.RTO())
		} else {
			c.retransmitDeadline = time.Time{}
		}
	}

	// a pure window update repeats send_base, so its window is taken as well
	c.sendWindow = seqnum.Size(seg.WindowSize)
	c.probeCount = 0
	c.updatePersist(now)
}

// trimHead drops the acknowledged prefix of a partially acknowledged oldest
// segment so a retransmission resends only the missing bytes.
func (c *Connection) trimHead(ack seqnum.Value) {
	head := c.unackedSegments[0].Data
	if !isLess(head.SequenceNumber, ack) || head.has(SYNFlag) {
		return
	}
	acked := int(head.SequenceNumber.Size(ack))
	if acked > len(head.Payload) {
		return
	}
	head.Payload = head.Payload[acked:]
	head.SequenceNumber = ack
}

// retransmit resends the oldest unacknowledged segment.
func (c *Connection) retransmit(now time.Time) error {
	head := c.unackedSegments[0]
	if head.ResendCount >= c.config.MaxRetransmits {
		return errors.Wrapf(ErrTimeout, "segment %s unacknowledged after %d retransmissions", head.Data, head.ResendCount)
	}
	head.ResendCount++
	head.LastSentTime = now
	c.rto.Backoff()

	c.logger.Debug("retransmitting", zap.Stringer("segment", head.Data), zap.Int("attempt", head.ResendCount), zap.Duration("rto", c.rto.RTO()))
	c.stats.retransmissions.Add(1)
	c.metrics.retransmission()
	c.send(head.Data)
	c.retransmitDeadline = now.Add(c.rto.RTO())
	return nil
}

// updatePersist arms the zero-window probe timer while the peer advertises no
// space, nothing is in flight to elicit a window update and the application
// has data the window turned away.
func (c *Connection) updatePersist(now time.Time) {
	if c.sendWindow > 0 || !c.state.canSend() || len(c.unackedSegments) > 0 || !c.sendBlocked {
		c.persistDeadline = time.Time{}
		return
	}
	if c.persistDeadline.IsZero() {
		c.persistDeadline = now.Add(c.rto.RTO())
	}
}

// probe sends a segment the peer has already received so it answers with its
// current window.
func (c *Connection) probe(now time.Time) error {
	if c.probeCount >= c.config.MaxRetransmits {
		return errors.Wrapf(ErrTimeout, "zero window probe unanswered %d times", c.probeCount)
	}
	c.probeCount++
	c.logger.Debug("zero window probe", zap.Int("attempt", c.probeCount))
	c.send(&Segment{SequenceNumber: seqnum.Value(uint32(c.nextSendSeq) - 1), Flags: ACKFlag})
	c.persistDeadline = now.Add(c.rto.RTO())
	return nil
}
