package lib

import (
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func TestServiceAcceptsPeers(t *testing.T) {
	serverCfg := pipeConfig(t, "service")
	s, err := NewService(listenUDP(t), serverCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// a datagram that is not a SYN does not register its sender
	pc := listenUDP(t)
	if _, err := pc.WriteTo(ack(1, 1, 1).Encode(), s.Addr()); err != nil {
		t.Fatal(err)
	}
	peers := []*PacketNetwork{
		NewPacketNetwork(pc, s.Addr(), zaptest.NewLogger(t).Named("peer0")),
		NewPacketNetwork(listenUDP(t), s.Addr(), zaptest.NewLogger(t).Named("peer1")),
	}

	var g errgroup.Group
	for i, nw := range peers {
		msg := []byte{'p', 'i', 'n', 'g', byte('0' + i)}
		g.Go(func() error {
			c, err := Dial(nw, pipeConfig(t, "client"))
			if err != nil {
				return errors.Wrap(err, "dial")
			}
			if _, err := c.Write(msg); err != nil {
				return errors.Wrap(err, "write")
			}
			reply := make([]byte, len(msg))
			if _, err := io.ReadFull(c, reply); err != nil {
				return errors.Wrap(err, "read reply")
			}
			if string(reply) != string(msg) {
				return errors.Errorf("echo = %q, want %q", reply, msg)
			}
			return c.Close()
		})
	}

	// echo each connection back until the peer closes
	for range peers {
		c, err := s.Accept()
		if err != nil {
			t.Fatal(err)
		}
		g.Go(func() error {
			if _, err := io.Copy(c, c); err != nil {
				return errors.Wrap(err, "echo")
			}
			return c.Close()
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestServiceClose(t *testing.T) {
	s, err := NewService(listenUDP(t), pipeConfig(t, "service"))
	if err != nil {
		t.Fatal(err)
	}
	accepted := make(chan error, 1)
	go func() {
		_, err := s.Accept()
		accepted <- err
	}()

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-accepted:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Accept = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Accept did not return after Close")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestServiceRejectsInvalidConfig(t *testing.T) {
	pc := listenUDP(t)
	defer pc.Close()
	cfg := DefaultConnectionConfig()
	cfg.WindowSize = 0
	if _, err := NewService(pc, cfg); err == nil {
		t.Error("NewService accepted window 0")
	}
}
