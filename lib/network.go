package lib

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Network is the unreliable datagram primitive a connection runs over. Send
// is fire-and-forget; frames may be lost, duplicated or reordered. Incoming
// delivers whole frames and is closed when the network shuts down.
type Network interface {
	Send(frame []byte) error
	Incoming() <-chan []byte
	Close() error
}

const networkQueueLength = 1024

// Interceptor rewrites a frame in flight. Returning nil drops it, returning
// several frames duplicates it.
type Interceptor func(frame []byte) [][]byte

// PipeEnd is one side of an in-memory Network pair.
type PipeEnd struct {
	mu          sync.Mutex
	peer        *PipeEnd
	incoming    chan []byte
	interceptor Interceptor
	closed      bool
	closeOnce   sync.Once
}

// NewPipe returns two connected in-memory networks.
func NewPipe() (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{incoming: make(chan []byte, networkQueueLength)}
	b := &PipeEnd{incoming: make(chan []byte, networkQueueLength)}
	a.peer, b.peer = b, a
	return a, b
}

// SetInterceptor installs f on frames sent from this end.
func (p *PipeEnd) SetInterceptor(f Interceptor) {
	p.mu.Lock()
	p.interceptor = f
	p.mu.Unlock()
}

func (p *PipeEnd) Send(frame []byte) error {
	p.mu.Lock()
	closed, intercept := p.closed, p.interceptor
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	frames := [][]byte{buf}
	if intercept != nil {
		frames = intercept(buf)
	}
	for _, f := range frames {
		p.peer.deliver(f)
	}
	return nil
}

func (p *PipeEnd) deliver(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.incoming <- frame:
	default:
		// queue overflow behaves like loss
	}
}

func (p *PipeEnd) Incoming() <-chan []byte {
	return p.incoming
}

func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.incoming)
		p.mu.Unlock()
	})
	return nil
}

// PacketNetwork carries frames as datagrams over a net.PacketConn.
type PacketNetwork struct {
	conn        net.PacketConn
	logger      *zap.Logger
	mu          sync.Mutex
	remote      net.Addr
	incoming    chan []byte
	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// NewPacketNetwork starts reading from pc. With a nil remote the source of the
// first datagram becomes the peer; datagrams from any other source are ignored.
func NewPacketNetwork(pc net.PacketConn, remote net.Addr, logger *zap.Logger) *PacketNetwork {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &PacketNetwork{
		conn:        pc,
		logger:      logger,
		remote:      remote,
		incoming:    make(chan []byte, networkQueueLength),
		closeSignal: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.handleIncomingPackets()
	return p
}

// RemoteAddr returns the peer address, or nil while it is still unknown.
func (p *PacketNetwork) RemoteAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *PacketNetwork) handleIncomingPackets() {
	defer p.wg.Done()
	defer close(p.incoming)

	buffer := make([]byte, SegmentHeaderLength+MaxSegmentPayload)
	for {
		select {
		case <-p.closeSignal:
			return
		default:
		}

		// short deadline so closeSignal is noticed
		_ = p.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := p.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-p.closeSignal:
			default:
				p.logger.Warn("error reading datagram", zap.Error(err))
			}
			return
		}

		if !p.acceptFrom(addr) {
			p.logger.Debug("ignoring datagram from unknown peer", zap.Stringer("addr", addr))
			continue
		}

		frame := make([]byte, n)
		copy(frame, buffer[:n])
		select {
		case p.incoming <- frame:
		case <-p.closeSignal:
			return
		default:
			p.logger.Debug("incoming queue full, dropping datagram")
		}
	}
}

func (p *PacketNetwork) acceptFrom(addr net.Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.remote = addr
		return true
	}
	return p.remote.String() == addr.String()
}

func (p *PacketNetwork) Send(frame []byte) error {
	remote := p.RemoteAddr()
	if remote == nil {
		return errors.New("peer address not known yet")
	}
	_, err := p.conn.WriteTo(frame, remote)
	return errors.Wrap(err, "write datagram")
}

func (p *PacketNetwork) Incoming() <-chan []byte {
	return p.incoming
}

// Close stops the reader and closes the underlying PacketConn.
func (p *PacketNetwork) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closeSignal)
		err = p.conn.Close()
		p.wg.Wait()
	})
	return err
}

// LossConfig controls LossyNetwork.
type LossConfig struct {
	DropRate      float64
	DuplicateRate float64
	ReorderRate   float64       // share of frames held back by ReorderDelay
	ReorderDelay  time.Duration // defaults to 10ms when ReorderRate is set
	Seed          int64         // 0 picks a time based seed
}

// LossyNetwork randomly drops, duplicates and delays frames sent through it.
type LossyNetwork struct {
	Network
	cfg    LossConfig
	logger *zap.Logger
	mu     sync.Mutex
	rng    *rand.Rand
}

func NewLossyNetwork(inner Network, cfg LossConfig, logger *zap.Logger) *LossyNetwork {
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.ReorderRate > 0 && cfg.ReorderDelay <= 0 {
		cfg.ReorderDelay = 10 * time.Millisecond
	}
	return &LossyNetwork{
		Network: inner,
		cfg:     cfg,
		logger:  logger,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (l *LossyNetwork) Send(frame []byte) error {
	l.mu.Lock()
	drop := l.rng.Float64() < l.cfg.DropRate
	dup := l.rng.Float64() < l.cfg.DuplicateRate
	delay := l.rng.Float64() < l.cfg.ReorderRate
	l.mu.Unlock()

	if drop {
		l.logger.Debug("simulated loss", zap.Int("len", len(frame)))
		return nil
	}
	if delay {
		l.logger.Debug("simulated reordering", zap.Int("len", len(frame)), zap.Duration("delay", l.cfg.ReorderDelay))
		buf := make([]byte, len(frame))
		copy(buf, frame)
		time.AfterFunc(l.cfg.ReorderDelay, func() {
			// the frame may outlive the network; a late send is just loss
			_ = l.Network.Send(buf)
		})
	} else if err := l.Network.Send(frame); err != nil {
		return err
	}
	if dup {
		l.logger.Debug("simulated duplicate", zap.Int("len", len(frame)))
		return l.Network.Send(frame)
	}
	return nil
}
