// The client opens one STCP connection over UDP, sends stdin and copies
// everything the server returns to stdout.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Clouded-Sabre/stcp/config"
	"github.com/Clouded-Sabre/stcp/lib"
	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type options struct {
	serverAddr string
	localAddr  string
	configPath string
	pcapPath   string
	loss       lib.LossConfig
}

func main() {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.serverAddr, "server", "127.0.0.1:8901", "server UDP address")
	fs.StringVar(&opts.localAddr, "local", "127.0.0.1:0", "local UDP address")
	fs.StringVar(&opts.configPath, "config", "", "yaml file with connection settings")
	fs.StringVar(&opts.pcapPath, "pcap", "", "write every segment to this pcap file")
	fs.Float64Var(&opts.loss.DropRate, "drop-rate", 0, "share of sent segments to drop (0.0-1.0)")
	fs.Float64Var(&opts.loss.DuplicateRate, "dup-rate", 0, "share of sent segments to duplicate (0.0-1.0)")
	fs.Float64Var(&opts.loss.ReorderRate, "reorder-rate", 0, "share of sent segments to delay (0.0-1.0)")
	fs.Int64Var(&opts.loss.Seed, "seed", 0, "loss simulation seed, 0 for a random one")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	logJSON := fs.Bool("log-json", false, "log in json")
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("STCP")); err != nil {
		log.Fatalf("parse flags: %v", err)
	}

	logger, err := config.NewLogger(*logLevel, *logJSON)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, opts); err != nil {
		logger.Fatal("client failed", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger, opts options) error {
	connConfig := lib.DefaultConnectionConfig()
	if opts.configPath != "" {
		var err error
		if connConfig, err = config.LoadConfig(opts.configPath); err != nil {
			return err
		}
	}
	connConfig.Logger = logger

	if opts.pcapPath != "" {
		f, err := os.Create(opts.pcapPath)
		if err != nil {
			return errors.Wrap(err, "create pcap file")
		}
		defer f.Close()
		tracer, err := lib.NewPcapTracer(f)
		if err != nil {
			return err
		}
		connConfig.Tracer = tracer
	}

	remote, err := net.ResolveUDPAddr("udp", opts.serverAddr)
	if err != nil {
		return errors.Wrap(err, "resolve server address")
	}
	pc, err := net.ListenPacket("udp", opts.localAddr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	var nw lib.Network = lib.NewPacketNetwork(pc, remote, logger)
	if opts.loss.DropRate > 0 || opts.loss.DuplicateRate > 0 || opts.loss.ReorderRate > 0 {
		nw = lib.NewLossyNetwork(nw, opts.loss, logger)
	}

	conn, err := lib.Dial(nw, connConfig)
	if err != nil {
		nw.Close()
		return errors.Wrapf(err, "connect to %s", remote)
	}
	logger.Info("connected", zap.Stringer("server", remote), zap.Stringer("local", pc.LocalAddr()))

	go func() {
		// an interrupt abandons the transfer; Close still runs the teardown
		<-ctx.Done()
		conn.Close()
	}()

	var g errgroup.Group
	g.Go(func() error {
		n, err := io.Copy(conn, os.Stdin)
		logger.Debug("stdin drained", zap.Int64("bytes", n))
		if err != nil {
			return errors.Wrap(err, "send")
		}
		return conn.Close()
	})
	g.Go(func() error {
		_, err := io.Copy(os.Stdout, conn)
		return errors.Wrap(err, "receive")
	})
	err = g.Wait()

	stats := conn.Stats()
	logger.Info("connection finished",
		zap.Uint64("bytesSent", stats.BytesSent),
		zap.Uint64("bytesDelivered", stats.BytesDelivered),
		zap.Uint64("retransmissions", stats.Retransmissions),
		zap.Uint64("discarded", stats.SegmentsDiscarded))
	return err
}
