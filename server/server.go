// The server accepts STCP connections over UDP. Each connection is echoed back
// to its sender, or with -echo=false written to stdout.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Clouded-Sabre/stcp/config"
	"github.com/Clouded-Sabre/stcp/lib"
	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	var (
		listenAddr  = fs.String("listen", "127.0.0.1:8901", "UDP address to listen on")
		configPath  = fs.String("config", "", "yaml file with connection settings")
		echo        = fs.Bool("echo", true, "echo received data back; otherwise write it to stdout")
		metricsAddr = fs.String("metrics-addr", "", "serve prometheus metrics on this address")
		pcapPath    = fs.String("pcap", "", "write every segment to this pcap file")
		logLevel    = fs.String("log-level", "info", "debug, info, warn or error")
		logJSON     = fs.Bool("log-json", false, "log in json")
	)
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

	if err := run(ctx, logger, *listenAddr, *configPath, *echo, *metricsAddr, *pcapPath); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger, listenAddr, configPath string, echo bool, metricsAddr, pcapPath string) error {
	connConfig := lib.DefaultConnectionConfig()
	if configPath != "" {
		var err error
		if connConfig, err = config.LoadConfig(configPath); err != nil {
			return err
		}
	}
	connConfig.Logger = logger

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		connConfig.Metrics = lib.NewMetrics(reg)
		go serveMetrics(logger, metricsAddr, reg)
	}

	if pcapPath != "" {
		f, err := os.Create(pcapPath)
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

	pc, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	srv, err := lib.NewService(pc, connConfig)
	if err != nil {
		pc.Close()
		return err
	}
	logger.Info("STCP server listening", zap.Stringer("addr", srv.Addr()), zap.Bool("echo", echo))

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		srv.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := srv.Accept()
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("accept failed", zap.Error(err))
			}
			break
		}
		logger.Info("new connection")

		wg.Add(1)
		go func() {
			defer wg.Done()
			handleConnection(logger, conn, echo)
		}()
	}

	wg.Wait()
	return nil
}

func handleConnection(logger *zap.Logger, conn *lib.Connection, echo bool) {
	var dst io.Writer = os.Stdout
	if echo {
		dst = conn
	}
	n, err := io.Copy(dst, conn)
	if err != nil {
		logger.Warn("transfer failed", zap.Int64("bytes", n), zap.Error(err))
	}
	if err := conn.Close(); err != nil {
		logger.Warn("close failed", zap.Error(err))
	}
	stats := conn.Stats()
	logger.Info("connection finished",
		zap.Int64("bytes", n),
		zap.Uint64("segmentsSent", stats.SegmentsSent),
		zap.Uint64("segmentsReceived", stats.SegmentsReceived),
		zap.Uint64("retransmissions", stats.Retransmissions),
		zap.Uint64("discarded", stats.SegmentsDiscarded))
}

func serveMetrics(logger *zap.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", zap.Error(err))
	}
}
