package lib

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Service accepts connections from any number of peers on one PacketConn.
// Datagrams are demultiplexed by source address; a bare SYN from an unknown
// address starts a new passive open.
type Service struct {
	conn           net.PacketConn
	connConfig     *ConnectionConfig
	logger         *zap.Logger
	mu             sync.Mutex
	connectionMap  map[string]*serviceNetwork // peers with a handshake or connection in progress
	newConnChannel chan *Connection           // connections that completed the handshake
	closeSignal    chan struct{}
	closeOnce      sync.Once
	isClosed       bool
	wg             sync.WaitGroup
}

func NewService(pc net.PacketConn, connConfig *ConnectionConfig) (*Service, error) {
	if connConfig == nil {
		connConfig = DefaultConnectionConfig()
	}
	if err := connConfig.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid connection config")
	}
	logger := connConfig.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		conn:           pc,
		connConfig:     connConfig,
		logger:         logger.With(zap.Stringer("service", pc.LocalAddr())),
		connectionMap:  make(map[string]*serviceNetwork),
		newConnChannel: make(chan *Connection),
		closeSignal:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.handleIncomingPackets()
	return s, nil
}

func (s *Service) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Accept returns the next connection whose handshake has completed.
func (s *Service) Accept() (*Connection, error) {
	select {
	case <-s.closeSignal:
		return nil, errors.Wrap(ErrClosed, "service is closed")
	case newConn := <-s.newConnChannel:
		return newConn, nil
	}
}

func (s *Service) handleIncomingPackets() {
	defer s.wg.Done()

	buffer := make([]byte, SegmentHeaderLength+MaxSegmentPayload)
	for {
		select {
		case <-s.closeSignal:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := s.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.closeSignal:
			default:
				s.logger.Warn("error reading datagram", zap.Error(err))
			}
			return
		}
		frame := make([]byte, n)
		copy(frame, buffer[:n])

		if peer := s.lookup(addr); peer != nil {
			peer.deliver(frame)
			continue
		}
		if seg, err := DecodeSegment(frame); err != nil || seg.Flags != SYNFlag {
			s.logger.Debug("ignoring datagram from unknown peer", zap.Stringer("addr", addr))
			continue
		}
		s.handleSynPacket(addr, frame)
	}
}

func (s *Service) lookup(addr net.Addr) *serviceNetwork {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionMap[addr.String()]
}

// handleSynPacket registers a network for the new peer and runs the passive
// open on it.
func (s *Service) handleSynPacket(addr net.Addr, frame []byte) {
	peer := &serviceNetwork{
		service:  s,
		addr:     addr,
		key:      addr.String(),
		incoming: make(chan []byte, networkQueueLength),
	}

	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return
	}
	s.connectionMap[peer.key] = peer
	s.mu.Unlock()

	peer.deliver(frame)
	s.logger.Debug("new peer", zap.String("addr", peer.key))

	s.wg.Add(1)
	go s.handshake(peer)
}

func (s *Service) handshake(peer *serviceNetwork) {
	defer s.wg.Done()

	conn, err := Accept(peer, s.connConfig)
	if err != nil {
		s.logger.Info("handshake failed", zap.String("addr", peer.key), zap.Error(err))
		return
	}
	select {
	case s.newConnChannel <- conn:
	case <-s.closeSignal:
		// nobody will accept it; the closed network ends it
	}
}

func (s *Service) removePeer(key string) {
	s.mu.Lock()
	delete(s.connectionMap, key)
	s.mu.Unlock()
}

// Close stops accepting and ends every connection that is still attached.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeSignal)
		err = s.conn.Close()

		s.mu.Lock()
		s.isClosed = true
		peers := make([]*serviceNetwork, 0, len(s.connectionMap))
		for _, peer := range s.connectionMap {
			peers = append(peers, peer)
		}
		s.mu.Unlock()

		for _, peer := range peers {
			peer.Close()
		}
		s.wg.Wait()
		s.logger.Debug("service closed")
	})
	return err
}

// serviceNetwork is the Network of one peer of a Service.
type serviceNetwork struct {
	service  *Service
	addr     net.Addr
	key      string
	mu       sync.Mutex
	incoming chan []byte
	closed   bool
}

func (n *serviceNetwork) deliver(frame []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.incoming <- frame:
	default:
	}
}

func (n *serviceNetwork) Send(frame []byte) error {
	_, err := n.service.conn.WriteTo(frame, n.addr)
	return errors.Wrap(err, "write datagram")
}

func (n *serviceNetwork) Incoming() <-chan []byte {
	return n.incoming
}

func (n *serviceNetwork) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	close(n.incoming)
	n.service.removePeer(n.key)
	return nil
}
