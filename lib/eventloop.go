package lib

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type eventKind int

const (
	eventNetworkData eventKind = iota
	eventNetworkClosed
	eventAppData
	eventAppCloseRequested
	eventAppRead
	eventTimeout
)

type event struct {
	kind  eventKind
	frame []byte
	req   *writeRequest
}

// run is the connection's control loop. It is the only goroutine that touches
// protocol state and it returns exactly when the state reaches CLOSED_DONE or
// the connection fails.
func (c *Connection) run() {
	defer c.cleanup()

	var err error
	if c.isServer {
		c.passiveOpen(time.Now())
	} else {
		err = c.activeOpen(time.Now())
	}
	for err == nil && c.state != StateClosedDone {
		ev := c.waitForEvent()
		err = c.dispatch(ev, time.Now())
	}
	if err != nil {
		c.fail(err)
	}
}

// waitForEvent blocks until one event source is ready. Network input is
// checked first so ACKs and window updates are applied before new data.
func (c *Connection) waitForEvent() event {
	incoming := c.network.Incoming()
	select {
	case frame, ok := <-incoming:
		return networkEvent(frame, ok)
	default:
	}

	// application sources stay masked until the handshake resolves
	var writeCh, submitCh chan *writeRequest
	var closeCh, readCh chan struct{}
	if !c.state.handshaking() {
		submitCh = c.submitRequests
		closeCh = c.closeRequests
		readCh = c.readNotify
		if !c.state.canSend() || c.sendSpace() > 0 {
			writeCh = c.writeRequests
		}
	}

	var timerC <-chan time.Time
	if deadline := c.nextDeadline(); !deadline.IsZero() {
		c.timer.Reset(time.Until(deadline))
		timerC = c.timer.C
	} else {
		c.timer.Stop()
	}

	select {
	case frame, ok := <-incoming:
		return networkEvent(frame, ok)
	case req := <-writeCh:
		return event{kind: eventAppData, req: req}
	case req := <-submitCh:
		return event{kind: eventAppData, req: req}
	case <-closeCh:
		return event{kind: eventAppCloseRequested}
	case <-readCh:
		return event{kind: eventAppRead}
	case <-timerC:
		return event{kind: eventTimeout}
	}
}

func networkEvent(frame []byte, ok bool) event {
	if !ok {
		return event{kind: eventNetworkClosed}
	}
	return event{kind: eventNetworkData, frame: frame}
}

// nextDeadline returns the earliest armed deadline, or the zero time.
func (c *Connection) nextDeadline() time.Time {
	var earliest time.Time
	for _, d := range []time.Time{c.handshakeDeadline, c.retransmitDeadline, c.persistDeadline, c.timeWaitDeadline} {
		if d.IsZero() {
			continue
		}
		if earliest.IsZero() || d.Before(earliest) {
			earliest = d
		}
	}
	return earliest
}

func (c *Connection) dispatch(ev event, now time.Time) error {
	switch ev.kind {
	case eventNetworkData:
		return c.handleFrame(ev.frame, now)
	case eventNetworkClosed:
		return errors.Wrap(ErrClosed, "network closed")
	case eventAppData:
		if err := c.drainNetwork(now); err != nil {
			ev.req.reply <- writeResult{err: err}
			return err
		}
		n, err := c.submit(ev.req.data, now)
		ev.req.reply <- writeResult{n: n, err: err}
		if errors.Is(err, ErrWindowViolation) {
			return err
		}
	case eventAppCloseRequested:
		return c.requestClose(now)
	case eventAppRead:
		c.handleAppRead()
	case eventTimeout:
		return c.handleTimeout(now)
	}
	return nil
}

// drainNetwork processes every frame that is already queued.
func (c *Connection) drainNetwork(now time.Time) error {
	incoming := c.network.Incoming()
	for c.state != StateClosedDone {
		select {
		case frame, ok := <-incoming:
			if !ok {
				return errors.Wrap(ErrClosed, "network closed")
			}
			if err := c.handleFrame(frame, now); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

// handleFrame decodes one frame and runs it through the state machine.
// Malformed frames are dropped here and never acknowledged.
func (c *Connection) handleFrame(frame []byte, now time.Time) error {
	if c.config.Tracer != nil {
		c.config.Tracer.TraceSegment(DirectionIn, frame)
	}
	seg, err := DecodeSegment(frame)
	if err != nil {
		c.logger.Debug("dropping malformed frame", zap.Error(err))
		c.stats.segmentsDiscarded.Add(1)
		c.metrics.segmentDiscarded("malformed")
		return nil
	}
	if len(seg.Payload) > c.config.MSS {
		c.discard(seg, "payload exceeds mss")
		return nil
	}
	c.stats.segmentsReceived.Add(1)
	c.metrics.segmentReceived()
	return c.handleSegment(seg, now)
}

func (c *Connection) handleSegment(seg *Segment, now time.Time) error {
	switch c.state {
	case StateClosed:
		if !c.isServer {
			c.discard(seg, "not open")
			return nil
		}
		return c.handleListen(seg, now)
	case StateSynSent:
		return c.handleSynSent(seg, now)
	case StateSynRcvd:
		proceed, err := c.handleSynRcvd(seg, now)
		if err != nil || !proceed {
			return err
		}
	case StateClosedDone:
		return nil
	}

	if seg.has(SYNFlag) {
		// the peer missed our handshake ACK and retransmitted
		c.sendAck()
		return nil
	}
	if seg.has(ACKFlag) {
		c.processAck(seg, now)
	}
	if c.state == StateTimeWait && seg.has(FINFlag) {
		// our last ACK was lost; stay around for the next retransmission
		c.timeWaitDeadline = now.Add(c.config.TimeWaitDuration)
	}
	c.receive(seg)
	c.advanceTeardown(now)
	return nil
}

// handleTimeout services every deadline that has passed.
func (c *Connection) handleTimeout(now time.Time) error {
	if expired(c.handshakeDeadline, now) && c.state.handshaking() {
		return errors.Wrapf(ErrTimeout, "handshake did not complete in %s", c.state)
	}
	if c.state == StateTimeWait && expired(c.timeWaitDeadline, now) {
		c.setState(StateClosedDone)
		return nil
	}
	if expired(c.retransmitDeadline, now) && len(c.unackedSegments) > 0 {
		if err := c.retransmit(now); err != nil {
			return err
		}
	}
	if expired(c.persistDeadline, now) {
		return c.probe(now)
	}
	return nil
}

func expired(deadline, now time.Time) bool {
	return !deadline.IsZero() && !now.Before(deadline)
}

// fail ends the connection with err. If the handshake is still pending the
// error is what Dial or Accept return.
func (c *Connection) fail(err error) {
	c.err = err
	c.logger.Warn("connection failed", zap.Stringer("state", c.state), zap.Error(err))
	c.unblock(err)
}

func (c *Connection) cleanup() {
	c.timer.Stop()
	c.retransmitDeadline, c.persistDeadline = time.Time{}, time.Time{}
	c.unackedSegments = nil
	if err := c.network.Close(); err != nil {
		c.logger.Debug("error closing network", zap.Error(err))
	}
	c.unblock(ErrClosed)
	c.publicState.Store(int32(StateClosedDone))
	close(c.done)
}
