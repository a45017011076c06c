package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgbalancer/pgbalancer/internal/backend"
	"github.com/pgbalancer/pgbalancer/internal/cluster"
	"github.com/pgbalancer/pgbalancer/internal/config"
	"github.com/pgbalancer/pgbalancer/internal/health"
	"github.com/pgbalancer/pgbalancer/internal/metrics"
)

// Server is the REST API and metrics server.
type Server struct {
	state       *cluster.State
	slots       *backend.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	versions    *backend.VersionCache
	opener      *backend.Opener
	httpServer  *http.Server
	startTime   time.Time
	cfg         *config.Config
}

// NewServer creates a new API server.
func NewServer(state *cluster.State, slots *backend.Manager, hc *health.Checker,
	m *metrics.Collector, cfg *config.Config) *Server {

	return &Server{
		state:       state,
		slots:       slots,
		healthCheck: hc,
		metrics:     m,
		versions:    backend.NewVersionCache(cfg.RelCacheSize),
		opener: &backend.Opener{
			SSLMode:     cfg.Cluster.SSLMode,
			DialTimeout: cfg.Cluster.DialTimeout,
		},
		startTime: time.Now(),
		cfg:       cfg,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	// Node topology & admin
	r.HandleFunc("/nodes", s.listNodes).Methods("GET")
	r.HandleFunc("/nodes/{id}", s.getNode).Methods("GET")
	r.HandleFunc("/nodes/{id}/detach", s.detachNode).Methods("POST")
	r.HandleFunc("/nodes/{id}/attach", s.attachNode).Methods("POST")

	// Backend version probe
	r.HandleFunc("/version", s.versionHandler).Methods("GET")

	// Server status & config
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	// Health & readiness
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	// Admin dashboard, served at exactly "/" and "/dashboard"
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%d", s.cfg.Listen.APIBind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.withAPIKey(r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] REST API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// withAPIKey guards mutating endpoints with the configured API key.
func (s *Server) withAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Listen.APIKey != "" && r.Method != http.MethodGet {
			if r.Header.Get("X-API-Key") != s.cfg.Listen.APIKey {
				writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// --- Node Handlers ---

type nodeResponse struct {
	cluster.NodeInfo
	Role   string             `json:"role"`
	Health *health.NodeHealth `json:"health,omitempty"`
	Slots  int                `json:"open_slots"`
}

func (s *Server) nodeView(n cluster.NodeInfo) nodeResponse {
	nr := nodeResponse{
		NodeInfo: n,
		Role:     n.Role.String(),
		Slots:    s.slots.OpenCount(n.ID),
	}
	if s.healthCheck != nil {
		h := s.healthCheck.GetStatus(n.ID)
		nr.Health = &h
	}
	return nr
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	v := s.state.Snapshot()

	result := make([]nodeResponse, 0, v.NumBackends())
	for _, n := range v.Nodes() {
		result = append(result, s.nodeView(n))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"primary_node_id": v.PrimaryNodeID(),
		"master_node_id":  v.MasterNodeID(),
		"nodes":           result,
	})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	id, err := nodeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	v := s.state.Snapshot()
	n := v.Info(id)
	if n.ID < 0 {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, s.nodeView(n))
}

func (s *Server) detachNode(w http.ResponseWriter, r *http.Request) {
	id, err := nodeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.state.Detach(id) {
		writeError(w, http.StatusNotFound, "node not found or already detached")
		return
	}
	log.Printf("[api] node %d detached from load balancing", id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "detached", "node": id})
}

func (s *Server) attachNode(w http.ResponseWriter, r *http.Request) {
	id, err := nodeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.state.Attach(id) {
		writeError(w, http.StatusNotFound, "node not found or already attached")
		return
	}
	log.Printf("[api] node %d attached to load balancing", id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "attached", "node": id})
}

// --- Version Handler ---

// versionHandler reports the backend server version. The first request
// opens a short-lived persistent session to the master node and probes
// it; later requests are answered from the process-wide cache.
func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	if v := s.versions.Cached(); v != nil {
		writeJSON(w, http.StatusOK, versionJSON(v))
		return
	}

	view := s.state.Snapshot()
	n := view.Info(view.MasterNodeID())
	if n.ID < 0 {
		writeError(w, http.StatusServiceUnavailable, "no live backend node")
		return
	}

	slot, err := s.opener.OpenPersistent(n.ID, n.Host, n.Port,
		maintenanceDB, s.cfg.Cluster.User, s.cfg.Cluster.Password, false)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("opening probe session: %s", err))
		return
	}
	defer slot.Discard()

	v, err := s.versions.Get(slot)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, versionJSON(v))
}

func versionJSON(v *backend.PgVersion) map[string]interface{} {
	return map[string]interface{}{
		"major":          v.Major,
		"minor":          v.Minor,
		"version_string": v.VersionString,
	}
}

// maintenanceDB is the database probe sessions connect to.
const maintenanceDB = "postgres"

// --- Health Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status": boolToStatus(allHealthy),
		"nodes":  statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	// Ready if at least one node is alive
	v := s.state.Snapshot()
	for _, n := range v.Nodes() {
		if n.Alive {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & Config Handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	v := s.state.Snapshot()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":  int(uptime),
		"go_version":      runtime.Version(),
		"goroutines":      runtime.NumGoroutine(),
		"memory_mb":       float64(mem.Alloc) / 1024 / 1024,
		"num_backends":    v.NumBackends(),
		"primary_node_id": v.PrimaryNodeID(),
		"master_node_id":  v.MasterNodeID(),
		"slots":           s.slots.Stats(),
		"listen": map[string]int{
			"port":     s.cfg.Listen.Port,
			"api_port": s.cfg.Listen.APIPort,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]int{
			"port":     s.cfg.Listen.Port,
			"api_port": s.cfg.Listen.APIPort,
		},
		"cluster":       s.cfg.Cluster.Redacted(),
		"balancing":     s.cfg.Balancing,
		"relcache_size": s.cfg.RelCacheSize,
	})
}

// --- Helpers ---

func nodeID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q", mux.Vars(r)["id"])
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
