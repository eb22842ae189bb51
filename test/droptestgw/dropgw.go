// droptestgw relays UDP datagrams between STCP clients and a server while
// dropping, duplicating and delaying them, so the protocol can be watched
// recovering over a real socket.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/stcp/config"
	"github.com/Clouded-Sabre/stcp/lib"
	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func main() {
	fs := flag.NewFlagSet("droptestgw", flag.ContinueOnError)
	var (
		listenAddr = fs.String("listen", "127.0.0.1:8900", "UDP address clients connect to")
		targetAddr = fs.String("target", "127.0.0.1:8901", "UDP address of the server")
		idle       = fs.Duration("idle", 30*time.Second, "forget a client after this long without traffic")
		logLevel   = fs.String("log-level", "info", "debug, info, warn or error")
		logJSON    = fs.Bool("log-json", false, "log in json")
		loss       lib.LossConfig
	)
	fs.Float64Var(&loss.DropRate, "drop-rate", 0.1, "packet drop rate (0.0-1.0)")
	fs.Float64Var(&loss.DuplicateRate, "dup-rate", 0, "packet duplication rate (0.0-1.0)")
	fs.Float64Var(&loss.ReorderRate, "reorder-rate", 0, "share of packets delayed behind later ones (0.0-1.0)")
	fs.DurationVar(&loss.ReorderDelay, "reorder-delay", 10*time.Millisecond, "delay of reordered packets")
	fs.Int64Var(&loss.Seed, "seed", 0, "random seed, 0 for a random one")
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("STCP_GW")); err != nil {
		log.Fatalf("parse flags: %v", err)
	}

	logger, err := config.NewLogger(*logLevel, *logJSON)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	target, err := net.ResolveUDPAddr("udp", *targetAddr)
	if err != nil {
		logger.Fatal("invalid target address", zap.Error(err))
	}
	pc, err := net.ListenPacket("udp", *listenAddr)
	if err != nil {
		logger.Fatal("listen failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw := newGateway(pc, target, loss, *idle, logger)
	logger.Info("drop gateway started",
		zap.Stringer("listen", pc.LocalAddr()),
		zap.Stringer("target", target),
		zap.Float64("dropRate", loss.DropRate),
		zap.Float64("dupRate", loss.DuplicateRate),
		zap.Float64("reorderRate", loss.ReorderRate))

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		gw.Close()
	}()
	gw.serve()
	logger.Info("all sessions closed, gateway exiting")
}

type gateway struct {
	conn     net.PacketConn
	target   *net.UDPAddr
	loss     lib.LossConfig
	idle     time.Duration
	logger   *zap.Logger
	mu       sync.Mutex
	sessions map[string]*session
	closing  atomic.Bool
	wg       sync.WaitGroup
}

// session relays one client. Each direction has its own impairment.
type session struct {
	key          string
	down         *clientNetwork // gateway <-> client
	up           lib.Network    // gateway <-> server
	lastActivity atomic.Int64
}

func newGateway(pc net.PacketConn, target *net.UDPAddr, loss lib.LossConfig, idle time.Duration, logger *zap.Logger) *gateway {
	return &gateway{
		conn:     pc,
		target:   target,
		loss:     loss,
		idle:     idle,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// serve reads client datagrams until the gateway is closed.
func (g *gateway) serve() {
	buffer := make([]byte, lib.SegmentHeaderLength+lib.MaxSegmentPayload)
	for {
		_ = g.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := g.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				g.expireIdle(time.Now())
				continue
			}
			if !g.closing.Load() {
				g.logger.Error("error reading datagram", zap.Error(err))
			}
			break
		}

		s, err := g.session(addr)
		if err != nil {
			g.logger.Warn("cannot relay client", zap.Stringer("client", addr), zap.Error(err))
			continue
		}
		frame := make([]byte, n)
		copy(frame, buffer[:n])
		s.down.deliver(frame)
	}

	g.closeSessions()
	g.wg.Wait()
}

// session returns the relay for addr, creating it on first contact.
func (g *gateway) session(addr net.Addr) (*session, error) {
	key := addr.String()
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[key]; ok {
		s.lastActivity.Store(time.Now().UnixNano())
		return s, nil
	}

	upConn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, errors.Wrap(err, "open upstream socket")
	}
	logger := g.logger.With(zap.String("client", key))
	s := &session{
		key: key,
		down: &clientNetwork{
			conn:     g.conn,
			addr:     addr,
			incoming: make(chan []byte, 1024),
		},
		up: lib.NewPacketNetwork(upConn, g.target, logger.Named("upstream")),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	g.sessions[key] = s
	logger.Info("new client")

	toServer := lib.NewLossyNetwork(s.up, g.lossFor(len(g.sessions), 0), logger.Named("client-to-server"))
	toClient := lib.NewLossyNetwork(s.down, g.lossFor(len(g.sessions), 1), logger.Named("server-to-client"))
	g.wg.Add(2)
	go g.relay(s.down.Incoming(), toServer, logger)
	go g.relay(s.up.Incoming(), toClient, logger)
	return s, nil
}

// lossFor gives every direction of every session its own seed so a fixed
// -seed reproduces the same impairment pattern.
func (g *gateway) lossFor(index, direction int) lib.LossConfig {
	cfg := g.loss
	if cfg.Seed != 0 {
		cfg.Seed += int64(2*index + direction)
	}
	return cfg
}

func (g *gateway) relay(from <-chan []byte, to lib.Network, logger *zap.Logger) {
	defer g.wg.Done()
	for frame := range from {
		if err := to.Send(frame); err != nil {
			logger.Debug("relay send failed", zap.Error(err))
		}
	}
}

func (g *gateway) expireIdle(now time.Time) {
	g.mu.Lock()
	var expired []*session
	for key, s := range g.sessions {
		if now.Sub(time.Unix(0, s.lastActivity.Load())) > g.idle {
			expired = append(expired, s)
			delete(g.sessions, key)
		}
	}
	g.mu.Unlock()

	for _, s := range expired {
		g.logger.Info("client idle, closing relay", zap.String("client", s.key))
		s.close()
	}
}

func (g *gateway) closeSessions() {
	g.mu.Lock()
	sessions := g.sessions
	g.sessions = make(map[string]*session)
	g.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func (g *gateway) Close() error {
	g.closing.Store(true)
	return g.conn.Close()
}

func (s *session) close() {
	s.down.Close()
	s.up.Close()
}

// clientNetwork sends to one client through the gateway's shared socket and
// receives what the read loop hands it.
type clientNetwork struct {
	conn     net.PacketConn
	addr     net.Addr
	mu       sync.Mutex
	incoming chan []byte
	closed   bool
}

func (c *clientNetwork) deliver(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.incoming <- frame:
	default:
	}
}

func (c *clientNetwork) Send(frame []byte) error {
	_, err := c.conn.WriteTo(frame, c.addr)
	return errors.Wrap(err, "write datagram")
}

func (c *clientNetwork) Incoming() <-chan []byte {
	return c.incoming
}

func (c *clientNetwork) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.incoming)
	}
	return nil
}
