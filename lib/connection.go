package lib

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
	"go.uber.org/zap"
)

// Connection is one STCP endpoint. All protocol state below the channel block
// is owned by the goroutine running the event loop; the application talks to
// it only through the request channels, the receive buffer and the atomics.
type Connection struct {
	config   *ConnectionConfig
	logger   *zap.Logger
	metrics  *Metrics
	network  Network
	isServer bool

	state State

	initialSendSeq seqnum.Value
	initialRecvSeq seqnum.Value
	peerISNKnown   bool // initialRecvSeq and recvBase are meaningless until set

	sendBase    seqnum.Value
	nextSendSeq seqnum.Value
	sendWindow  seqnum.Size

	recvBase             seqnum.Value
	recvBuffer           *ringbuffer.RingBuffer
	lastAdvertisedWindow uint16

	rto                RTOEstimator
	unackedSegments    []*SegmentInfo // oldest first
	retransmitDeadline time.Time      // zero while nothing is in flight
	handshakeDeadline  time.Time
	timeWaitDeadline   time.Time
	persistDeadline    time.Time
	probeCount         int
	sendBlocked        bool // the last submission was cut short by the window

	finAcked    bool
	finReceived bool

	frame []byte
	timer *time.Timer

	// shared with the application side
	writeRequests   chan *writeRequest // served only while the window has room
	submitRequests  chan *writeRequest // always served
	closeRequests   chan struct{}
	readNotify      chan struct{}
	dataReady       chan struct{}
	handshakeResult chan error
	unblockOnce     sync.Once
	done            chan struct{}
	err             error // set before done is closed
	peerClosed      atomic.Bool
	publicState     atomic.Int32
	stats           connStats
}

type writeRequest struct {
	data  []byte
	reply chan writeResult
}

type writeResult struct {
	n   int
	err error
}

// Stats is a snapshot of per-connection counters.
type Stats struct {
	SegmentsSent      uint64
	SegmentsReceived  uint64
	SegmentsDiscarded uint64
	Retransmissions   uint64
	BytesSent         uint64
	BytesDelivered    uint64
}

type connStats struct {
	segmentsSent      atomic.Uint64
	segmentsReceived  atomic.Uint64
	segmentsDiscarded atomic.Uint64
	retransmissions   atomic.Uint64
	bytesSent         atomic.Uint64
	bytesDelivered    atomic.Uint64
}

func newConnection(nw Network, cfg *ConnectionConfig, isServer bool) (*Connection, error) {
	var isn seqnum.Value
	if cfg.InitialSequenceNumber != nil {
		isn = seqnum.Value(*cfg.InitialSequenceNumber)
	} else {
		var err error
		if isn, err = GenerateISN(); err != nil {
			return nil, errors.Wrap(err, "generate initial sequence number")
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	role := "client"
	if isServer {
		role = "server"
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	c := &Connection{
		config:          cfg,
		logger:          logger.With(zap.String("role", role), zap.Uint32("isn", uint32(isn))),
		metrics:         cfg.Metrics,
		network:         nw,
		isServer:        isServer,
		state:           StateClosed,
		initialSendSeq:  isn,
		sendBase:        isn,
		nextSendSeq:     isn,
		recvBuffer:      ringbuffer.New(cfg.WindowSize),
		rto:             cfg.newRTOEstimator(),
		frame:           make([]byte, SegmentHeaderLength+cfg.MSS),
		timer:           timer,
		writeRequests:   make(chan *writeRequest),
		submitRequests:  make(chan *writeRequest),
		closeRequests:   make(chan struct{}),
		readNotify:      make(chan struct{}, 1),
		dataReady:       make(chan struct{}, 1),
		handshakeResult: make(chan error, 1),
		done:            make(chan struct{}),
	}
	c.lastAdvertisedWindow = c.advertisedWindow()
	return c, nil
}

// Dial actively opens a connection over nw and returns once the handshake has
// resolved. On success the connection owns nw and closes it when it ends.
func Dial(nw Network, cfg *ConnectionConfig) (*Connection, error) {
	return open(nw, cfg, false)
}

// Accept waits for a peer's SYN on nw and completes the passive open.
func Accept(nw Network, cfg *ConnectionConfig) (*Connection, error) {
	return open(nw, cfg, true)
}

func open(nw Network, cfg *ConnectionConfig, isServer bool) (*Connection, error) {
	if cfg == nil {
		cfg = DefaultConnectionConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid connection config")
	}
	c, err := newConnection(nw, cfg, isServer)
	if err != nil {
		return nil, err
	}

	go c.run()

	if err := <-c.handshakeResult; err != nil {
		<-c.done
		return nil, err
	}
	return c, nil
}

// Submit offers p to the sender without blocking and returns how many bytes
// fit into the peer's window. The rest must be offered again later.
func (c *Connection) Submit(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return c.request(c.submitRequests, p)
}

// Write blocks until all of p has been admitted to the send window.
func (c *Connection) Write(p []byte) (int, error) {
	total := 0
	ch := c.submitRequests
	for total < len(p) {
		n, err := c.request(ch, p[total:])
		total += n
		if err != nil {
			return total, err
		}
		// once turned away, wait until the loop sees room in the window
		ch = c.submitRequests
		if n == 0 {
			ch = c.writeRequests
		}
	}
	return total, nil
}

func (c *Connection) request(ch chan *writeRequest, p []byte) (int, error) {
	req := &writeRequest{data: p, reply: make(chan writeResult, 1)}
	select {
	case ch <- req:
	case <-c.done:
		return 0, c.closedErr()
	}
	// the loop answers every request it takes
	res := <-req.reply
	return res.n, res.err
}

// Read returns in-order payload. It returns io.EOF once the peer's FIN has
// been received and everything before it has been read.
func (c *Connection) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		// load before checking the buffer: the loop stores payload first
		closed := c.peerClosed.Load()
		if c.recvBuffer.Length() > 0 {
			n, _ := c.recvBuffer.Read(p)
			if n > 0 {
				c.stats.bytesDelivered.Add(uint64(n))
				c.metrics.bytesDelivered(n)
				select {
				case c.readNotify <- struct{}{}:
				default:
				}
				return n, nil
			}
		}
		if closed {
			return 0, io.EOF
		}

		select {
		case <-c.dataReady:
		case <-c.done:
			if c.recvBuffer.Length() > 0 {
				continue
			}
			if c.err != nil {
				return 0, c.err
			}
			return 0, io.EOF
		}
	}
}

// Close requests the local half close and blocks until the connection is
// fully torn down or has failed.
func (c *Connection) Close() error {
	select {
	case c.closeRequests <- struct{}{}:
	case <-c.done:
	}
	<-c.done
	return c.err
}

// Done is closed when the event loop has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Connection) State() State {
	return State(c.publicState.Load())
}

func (c *Connection) Stats() Stats {
	return Stats{
		SegmentsSent:      c.stats.segmentsSent.Load(),
		SegmentsReceived:  c.stats.segmentsReceived.Load(),
		SegmentsDiscarded: c.stats.segmentsDiscarded.Load(),
		Retransmissions:   c.stats.retransmissions.Load(),
		BytesSent:         c.stats.bytesSent.Load(),
		BytesDelivered:    c.stats.bytesDelivered.Load(),
	}
}

func (c *Connection) closedErr() error {
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *Connection) setState(s State) {
	if s == c.state {
		return
	}
	c.logger.Debug("state transition", zap.Stringer("from", c.state), zap.Stringer("to", s))
	c.state = s
	c.publicState.Store(int32(s))
	if !s.handshaking() {
		c.handshakeDeadline = time.Time{}
	}
	if !s.canSend() {
		c.persistDeadline = time.Time{}
	}
}

// unblock reports the handshake outcome to Dial or Accept. Only the first call
// has any effect.
func (c *Connection) unblock(err error) {
	c.unblockOnce.Do(func() {
		c.handshakeResult <- err
		c.metrics.connectionOutcome(err)
	})
}

func (c *Connection) advertisedWindow() uint16 {
	return uint16(min(c.recvBuffer.Free(), MaxWindowSize))
}

// send puts seg on the wire, refreshing its ack number and window first.
func (c *Connection) send(seg *Segment) {
	if seg.has(ACKFlag) {
		if !c.peerISNKnown {
			c.logger.Error("ACK before the peer ISN is known", zap.Stringer("segment", seg))
			return
		}
		seg.AcknowledgmentNum = c.recvBase
	}
	seg.WindowSize = c.advertisedWindow()
	c.lastAdvertisedWindow = seg.WindowSize

	n, err := seg.Marshal(c.frame)
	if err != nil {
		c.logger.Error("error marshalling segment", zap.Stringer("segment", seg), zap.Error(err))
		return
	}
	frame := c.frame[:n]
	if c.config.Tracer != nil {
		c.config.Tracer.TraceSegment(DirectionOut, frame)
	}
	if err := c.network.Send(frame); err != nil {
		c.logger.Debug("error writing segment, leaving it to retransmission", zap.Stringer("segment", seg), zap.Error(err))
		return
	}
	c.stats.segmentsSent.Add(1)
	c.metrics.segmentSent()
}

func (c *Connection) sendAck() {
	c.send(&Segment{SequenceNumber: c.nextSendSeq, Flags: ACKFlag})
}

func (c *Connection) signalDataReady() {
	select {
	case c.dataReady <- struct{}{}:
	default:
	}
}
