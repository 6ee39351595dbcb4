package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DebugMode enables verbose logging throughout the daemon.
var DebugMode bool

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	demo := flag.Bool("demo", false, "Run against the in-process loopback bus instead of hardware")
	checkOnly := flag.Bool("check", false, "Validate the configuration and frequency plan, then exit")
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	DebugMode = *debug || config.Logging.Debug
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	plan, err := NewFrequencyPlan(config.Statues, float64(config.Audio.SampleRate))
	if err != nil {
		log.Fatalf("Invalid frequency plan: %v", err)
	}
	for _, name := range plan.Names() {
		log.Printf("Plan: %s at %g Hz", name, plan[name])
	}
	if *checkOnly {
		fmt.Println("Configuration OK")
		os.Exit(0)
	}

	metrics := NewStatueMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Demo mode swaps the hardware transport for the loopback bus so
	// the whole pipeline runs without audio devices. Contact is
	// simulated via POST /api/touch.
	var bus *LoopbackBus
	var transport Transport
	if *demo {
		log.Println("Demo mode: using loopback audio bus")
		bus = NewLoopbackBus(config.Audio.SampleRate, config.Audio.BlockSize, 0.001)
		transport = bus
	} else {
		log.Fatalf("No hardware transport built in; run with -demo or front the daemon with an audio bridge")
	}

	session, err := NewSession(config, transport, metrics)
	if err != nil {
		log.Fatalf("Failed to build session: %v", err)
	}

	if bus != nil {
		for _, st := range config.Statues {
			if tw, ok := session.ToneWriter(st.Name); ok {
				bus.AddTone(st.Name, tw)
			}
		}
		go bus.Run(ctx)
	}

	if err := session.Start(); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}

	metrics.StartSystemSampler(ctx, 10*time.Second)

	var publisher *MQTTPublisher
	if config.MQTT.Enabled {
		publisher, err = NewMQTTPublisher(&config.MQTT, session)
		if err != nil {
			// The installation keeps sensing without the broker; the
			// effect controllers just go dark until it comes back.
			log.Printf("MQTT: Publisher unavailable: %v", err)
		} else {
			publisher.StartPublisher(ctx)
		}
	}

	wsHandler := NewLinkWebSocketHandler(session)

	mux := http.NewServeMux()
	NewStatusAPI(session, config, bus).Register(mux)
	mux.HandleFunc("/ws/links", wsHandler.HandleWebSocket)
	if config.Prometheus.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	server := &http.Server{
		Addr:         config.Server.Listen,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("HTTP: Listening on %s", config.Server.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP: Shutdown error: %v", err)
	}

	session.Stop()
	cancel()
	if publisher != nil {
		publisher.Disconnect()
	}
	log.Println("Shutdown complete")
}
