package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/pgbalancer/pgbalancer/internal/backend"
	"github.com/pgbalancer/pgbalancer/internal/balancer"
	"github.com/pgbalancer/pgbalancer/internal/cluster"
	"github.com/pgbalancer/pgbalancer/internal/config"
	"github.com/pgbalancer/pgbalancer/internal/metrics"
)

// Server accepts client connections and relays each one onto a backend
// node chosen by the load balancer.
type Server struct {
	state    *cluster.State
	balancer *balancer.Balancer
	opener   *backend.Opener
	slots    *backend.Manager
	metrics  *metrics.Collector

	mu      sync.RWMutex
	creds   config.ClusterConfig
	tlsConf *tls.Config

	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates a new proxy server.
func NewServer(state *cluster.State, b *balancer.Balancer, slots *backend.Manager,
	m *metrics.Collector, cfg *config.Config) *Server {

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		state:    state,
		balancer: b,
		opener: &backend.Opener{
			SSLMode:     cfg.Cluster.SSLMode,
			DialTimeout: cfg.Cluster.DialTimeout,
		},
		slots:   slots,
		metrics: m,
		creds:   cfg.Cluster,
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.Listen.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.Listen.TLSCert, cfg.Listen.TLSKey)
		if err != nil {
			log.Printf("[proxy] WARNING: failed to load TLS cert/key: %v — TLS disabled", err)
		} else {
			s.tlsConf = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			log.Printf("[proxy] TLS enabled (cert: %s)", cfg.Listen.TLSCert)
		}
	}

	return s
}

// Listen starts the client-facing listener.
func (s *Server) Listen(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	log.Printf("[proxy] listening on %s", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()

	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[proxy] accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			if err := s.handleSession(s.ctx, conn); err != nil {
				log.Printf("[proxy] session error: %v", err)
			}
		}()
	}
}

// Reload applies a new configuration to the credentials and opener
// settings used for future sessions. Sessions in flight are unaffected.
func (s *Server) Reload(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = cfg.Cluster
	s.opener = &backend.Opener{
		SSLMode:     cfg.Cluster.SSLMode,
		DialTimeout: cfg.Cluster.DialTimeout,
	}
}

func (s *Server) credentials() (config.ClusterConfig, *backend.Opener) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, s.opener
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.wg.Wait()
	log.Printf("[proxy] server stopped")
}
