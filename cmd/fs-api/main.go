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
	"FlowScope/internal/config"
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

	// The API process holds no engine; it mirrors snapshots published
	// over NATS by fs-engine.
	cache := api.NewSnapshotCache()
	sub, err := cache.SubscribeNATS(cfg.NATS.URL, cfg.NATS.Subject)
	if err != nil {
		log.Fatalf("Failed to subscribe to snapshots: %v", err)
	}
	defer sub.Unsubscribe()

	srv := api.NewServer(cache, nil)
	server := &http.Server{Addr: cfg.API.Listen, Handler: srv.Router()}
	go func() {
		log.Infof("fs-api listening on %s", cfg.API.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infof("Shutdown signal received, stopping...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("HTTP server shutdown: %v", err)
	}
	log.Infof("Shutdown complete.")
}
