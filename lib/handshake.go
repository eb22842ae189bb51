package lib

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// activeOpen sends the SYN and moves to SYN_SENT.
func (c *Connection) activeOpen(now time.Time) error {
	syn := &Segment{SequenceNumber: c.initialSendSeq, Flags: SYNFlag}
	if err := c.transmitNew(syn, now); err != nil {
		return err
	}
	c.setState(StateSynSent)
	c.handshakeDeadline = now.Add(c.config.HandshakeTimeout)
	return nil
}

// passiveOpen stays in CLOSED waiting for a SYN, bounded by ListenTimeout or,
// when that is zero, by HandshakeTimeout.
func (c *Connection) passiveOpen(now time.Time) {
	timeout := c.config.ListenTimeout
	if timeout == 0 {
		timeout = c.config.HandshakeTimeout
	}
	c.handshakeDeadline = now.Add(timeout)
	c.logger.Debug("waiting for SYN", zap.Duration("timeout", timeout))
}

// handleListen processes a segment while a passive opener waits for SYN.
// Anything but a bare SYN is dropped.
func (c *Connection) handleListen(seg *Segment, now time.Time) error {
	if seg.Flags != SYNFlag {
		c.discard(seg, "not a SYN")
		return nil
	}
	c.learnPeerISN(seg)
	c.sendWindow = seqnum.Size(seg.WindowSize)

	synAck := &Segment{SequenceNumber: c.initialSendSeq, Flags: SYNFlag | ACKFlag}
	if err := c.transmitNew(synAck, now); err != nil {
		return err
	}
	c.setState(StateSynRcvd)
	c.handshakeDeadline = now.Add(c.config.HandshakeTimeout)
	return nil
}

// handleSynSent accepts only the SYN+ACK that acknowledges our SYN.
func (c *Connection) handleSynSent(seg *Segment, now time.Time) error {
	if seg.Flags != SYNFlag|ACKFlag || seg.AcknowledgmentNum != c.initialSendSeq.Add(1) {
		return errors.Wrapf(ErrConnectionRefused, "unexpected reply %s to SYN", seg)
	}
	c.learnPeerISN(seg)
	c.processAck(seg, now)
	c.setState(StateEstablished)
	c.sendAck()
	c.unblock(nil)
	return nil
}

// handleSynRcvd waits for the ACK of our SYN+ACK. It reports whether the
// segment should go on to the synchronized-state processing, since the final
// ACK may already carry data or a FIN.
func (c *Connection) handleSynRcvd(seg *Segment, now time.Time) (bool, error) {
	switch {
	case seg.Flags == SYNFlag && seg.SequenceNumber == c.initialRecvSeq:
		// our SYN+ACK was lost, the retransmission timer would resend it anyway
		c.logger.Debug("duplicate SYN, resending SYN+ACK")
		c.send(c.unackedSegments[0].Data)
		return false, nil
	case seg.has(ACKFlag) && !seg.has(SYNFlag) && seg.AcknowledgmentNum == c.initialSendSeq.Add(1):
		c.setState(StateEstablished)
		c.unblock(nil)
		return true, nil
	default:
		return false, errors.Wrapf(ErrConnectionRefused, "unexpected reply %s to SYN+ACK", seg)
	}
}

func (c *Connection) learnPeerISN(seg *Segment) {
	c.initialRecvSeq = seg.SequenceNumber
	c.recvBase = seg.SequenceNumber.Add(1)
	c.peerISNKnown = true
	c.logger.Debug("peer ISN learned", zap.Uint32("peerISN", uint32(seg.SequenceNumber)))
}
