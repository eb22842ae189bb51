package lib

import (
	"time"
)

// requestClose handles the application's close request. Only the first
// request in ESTABLISHED or CLOSE_WAIT sends a FIN; later ones are no-ops.
func (c *Connection) requestClose(now time.Time) error {
	switch c.state {
	case StateEstablished:
		if err := c.sendFin(now); err != nil {
			return err
		}
		c.setState(StateFinWait1)
	case StateCloseWait:
		if err := c.sendFin(now); err != nil {
			return err
		}
		c.setState(StateLastAck)
	default:
		c.logger.Debug("close already in progress")
	}
	return nil
}

// sendFin queues a FIN behind any data still in flight. It consumes one
// sequence number and is retransmitted like data.
func (c *Connection) sendFin(now time.Time) error {
	return c.transmitNew(&Segment{SequenceNumber: c.nextSendSeq, Flags: FINFlag | ACKFlag}, now)
}

// advanceTeardown commits the teardown transitions implied by the FIN flags
// after a segment has been processed.
func (c *Connection) advanceTeardown(now time.Time) {
	switch c.state {
	case StateEstablished:
		if c.finReceived {
			c.setState(StateCloseWait)
		}
	case StateFinWait1:
		switch {
		case c.finAcked && c.finReceived:
			c.enterTimeWait(now)
		case c.finAcked:
			c.setState(StateFinWait2)
		case c.finReceived:
			c.setState(StateClosing)
		}
	case StateFinWait2:
		if c.finReceived {
			c.enterTimeWait(now)
		}
	case StateClosing:
		if c.finAcked {
			c.enterTimeWait(now)
		}
	case StateLastAck:
		if c.finAcked {
			c.setState(StateClosedDone)
		}
	}
}

func (c *Connection) enterTimeWait(now time.Time) {
	if c.config.TimeWaitDuration == 0 {
		c.setState(StateClosedDone)
		return
	}
	c.setState(StateTimeWait)
	c.timeWaitDeadline = now.Add(c.config.TimeWaitDuration)
}
