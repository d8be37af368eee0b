package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// The default config file is optional; everything can come from the environment.
	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	cfg, err := LoadConfig(*configPath, !explicit)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	identity := cfg.Identity()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	cache := NewCache()
	metrics := NewMetrics(cache)

	var source Source
	switch cfg.Upstream.Source {
	case SourceSML:
		m := NewSMLMeter(cfg.SML)
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Run(ctx)
		}()
		source = m
		log.Printf("Upstream: SML meter on %s", cfg.SML.Device)
	default:
		url := cfg.Upstream.UpstreamURL()
		source = NewHomeWizard(url, cfg.Upstream.Timeout)
		log.Printf("Upstream: HomeWizard P1 meter at %s", url)
	}

	sinks := []Sink{metrics}
	if cfg.MQTT.Broker != "" {
		pub, err := NewPublisher(cfg.MQTT, identity)
		if err != nil {
			log.Fatalf("Failed to connect to MQTT broker: %v", err)
		}
		defer pub.Close()
		pub.PublishDiscovery()
		sinks = append(sinks, pub)
	}

	srv := NewServer(cfg.HTTP.Listen, cache, identity, cfg.HTTP.AccessLog)
	go srv.Start()

	var metricsSrv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			log.Printf("[metrics] Listening on %s", cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
				log.Printf("[metrics] Server error: %v", err)
			}
		}()
	}

	poller := &Poller{
		Source:   source,
		Cache:    cache,
		Interval: cfg.Upstream.PollInterval,
		Timeout:  cfg.Upstream.Timeout,
		Sinks:    sinks,
		Failures: metrics,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down...", sig)

	cancel()
	wg.Wait()
	srv.Stop(context.Background())
	if metricsSrv != nil {
		metricsSrv.Close()
	}
	log.Println("Shutdown complete")
}
