//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rustycoin/p2pnode/config"
	"github.com/rustycoin/p2pnode/metrics"
	"github.com/rustycoin/p2pnode/reactor"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	opts := &slog.HandlerOptions{}
	if cfg.Verbose {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	if cfg.MetricsEnable {
		buildInfo := prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "p2pnode_build_info",
				Help: "Build information of the node.",
			},
			[]string{"version", "commit"},
		)
		reg.MustRegister(buildInfo)
		buildInfo.WithLabelValues(version, commit).Set(1)

		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				logger.Error("failed to start prometheus metrics listener", "error", err)
				os.Exit(1)
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

			logger.Info("prometheus metrics server started", "address", listener.Addr().String())
			if err := http.Serve(listener, mux); err != nil {
				logger.Error("prometheus metrics server stopped", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := reactor.New(ctx, cfg.ListenAddr, logger)
	if err != nil {
		logger.Error("failed to start reactor", "error", err)
		os.Exit(1)
	}

	// Connect waits for the Run loop to register the socket, so the dials
	// run in their own goroutine alongside Run.
	go func() {
		for _, addr := range cfg.ConnectAddrs {
			if _, err := srv.Connect(addr); err != nil {
				logger.Error("failed to connect to peer", "addr", addr, "error", err)
			}
		}
	}()

	logger.Info("p2pnode started", "listen", srv.ListenAddr().String(), "connect", cfg.ConnectAddrs)
	if err := srv.Run(ctx); err != nil {
		logger.Error("reactor exited", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
