package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pgbalancer/pgbalancer/internal/api"
	"github.com/pgbalancer/pgbalancer/internal/backend"
	"github.com/pgbalancer/pgbalancer/internal/balancer"
	"github.com/pgbalancer/pgbalancer/internal/cluster"
	"github.com/pgbalancer/pgbalancer/internal/config"
	"github.com/pgbalancer/pgbalancer/internal/health"
	"github.com/pgbalancer/pgbalancer/internal/metrics"
	"github.com/pgbalancer/pgbalancer/internal/proxy"
)

func main() {
	configPath := flag.String("config", "configs/pgbalancer.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("pgbalancer starting...")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (%d backends)", *configPath, len(cfg.Cluster.Backends))

	// Initialize components
	m := metrics.New()
	state := cluster.New(cfg.Cluster)
	b, err := balancer.New(state, cfg.Balancing)
	if err != nil {
		log.Fatalf("Failed to compile balancing rules: %v", err)
	}
	slots := backend.NewManager()
	hc := health.NewChecker(state, m, cfg.HealthCheck)

	// Periodic slot stats reporting to Prometheus
	slots.StartStatsLoop(5*time.Second, func(st backend.NodeStats) {
		m.UpdateSlotStats(st.NodeID, st.Open)
	})

	// Start health checker
	hc.Start()

	// Start proxy server
	proxyServer := proxy.NewServer(state, b, slots, m, cfg)
	if err := proxyServer.Listen(cfg.Listen.Port); err != nil {
		log.Fatalf("Failed to start proxy: %v", err)
	}

	// Start REST API
	apiServer := api.NewServer(state, slots, hc, m, cfg)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	// Set up config hot-reload
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Reloading configuration...")
		state.Reload(newCfg.Cluster)
		if err := b.Reload(newCfg.Balancing); err != nil {
			log.Printf("Warning: keeping previous balancing rules: %v", err)
		}
		proxyServer.Reload(newCfg)
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("pgbalancer ready - listen:%d API:%d backends:%d",
		cfg.Listen.Port, cfg.Listen.APIPort, len(cfg.Cluster.Backends))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	// Graceful shutdown
	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	proxyServer.Stop()
	hc.Stop()
	slots.Close()

	log.Printf("pgbalancer stopped")
}
