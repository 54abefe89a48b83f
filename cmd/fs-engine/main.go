package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"FlowScope/internal/api"
	"FlowScope/internal/capture"
	"FlowScope/internal/config"
	"FlowScope/internal/relay"
	"FlowScope/internal/report"
	"FlowScope/pkg/log"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the YAML configuration file.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.SetLevel(cfg.LogLevel)
	log.Infof("Starting fs-engine on interface %s", cfg.Capture.Interface)

	opts := capture.Options{
		Engine:                cfg.EngineSettings(),
		Tick:                  cfg.Tick(),
		MaxPacketsPerDispatch: cfg.Capture.MaxPacketsPerDispatch,
	}
	if cfg.Relay.Enabled {
		rtpRelay, err := relay.NewRTPRelay(cfg.NATS.URL, cfg.Relay.Subject)
		if err != nil {
			log.Fatalf("Failed to start RTP relay: %v", err)
		}
		defer rtpRelay.Close()
		opts.RTPForward = rtpRelay.Forward
		log.Infof("RTP relay enabled, subject %s", cfg.Relay.Subject)
	}

	loop := capture.NewLoop(opts, func() (capture.Source, error) {
		return capture.OpenLive(cfg.Capture.Interface, cfg.Capture.BPF,
			cfg.Capture.SnapLen, cfg.Capture.Promiscuous, cfg.Tick())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := loop.Start(ctx); err != nil {
		log.Fatalf("Failed to start capture: %v", err)
	}

	writers := buildWriters(cfg)
	reporter := report.NewReporter(loop.Latest, cfg.SnapshotInterval(), writers...)
	go reporter.Run(ctx)

	// Local HTTP surface: the live snapshot, counters and prometheus
	// metrics served straight from the capture loop.
	srv := api.NewServer(loop, loop.Counters)
	router := srv.Router(report.NewCountersCollector(loop.Counters))
	server := &http.Server{Addr: cfg.API.Listen, Handler: router}
	go func() {
		log.Infof("HTTP endpoint listening on %s", cfg.API.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infof("Shutdown signal received, stopping...")
	cancel()
	loop.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP server shutdown: %v", err)
	}
	log.Infof("Shutdown complete.")
}

func buildWriters(cfg *config.Config) []report.Writer {
	var writers []report.Writer

	pub, err := report.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	writers = append(writers, pub)

	if cfg.ClickHouse.Enabled {
		ch, err := report.NewClickHouseWriter(cfg.ClickHouse)
		if err != nil {
			log.Fatalf("Failed to initialize ClickHouse writer: %v", err)
		}
		writers = append(writers, ch)
	}
	if cfg.Snapshot.Enabled {
		gw, err := report.NewGobWriter(cfg.Snapshot.Dir)
		if err != nil {
			log.Fatalf("Failed to initialize snapshot writer: %v", err)
		}
		writers = append(writers, gw)
	}
	return writers
}
