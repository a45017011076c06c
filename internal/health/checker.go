package health

import (
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/pgbalancer/pgbalancer/internal/cluster"
	"github.com/pgbalancer/pgbalancer/internal/config"
	"github.com/pgbalancer/pgbalancer/internal/metrics"
)

// NodeHealth holds health information for one backend node.
type NodeHealth struct {
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic health checks on backend nodes and drives
// the cluster's liveness predicate.
type Checker struct {
	mu    sync.RWMutex
	nodes map[int]*NodeHealth

	state   *cluster.State
	metrics *metrics.Collector

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a new health checker.
func NewChecker(state *cluster.State, m *metrics.Collector, hcCfg config.HealthCheckConfig) *Checker {
	return &Checker{
		nodes:             make(map[int]*NodeHealth),
		state:             state,
		metrics:           m,
		interval:          hcCfg.Interval,
		failureThreshold:  hcCfg.FailureThreshold,
		connectionTimeout: hcCfg.ConnectionTimeout,
		stopCh:            make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	// Run immediately on start
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	nodes := c.state.Snapshot().Nodes()

	// Probe nodes in parallel with a bounded worker pool.
	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, n := range nodes {
		n := n
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			start := time.Now()
			healthy := c.pingNode(n)
			elapsed := time.Since(start)
			if c.metrics != nil {
				c.metrics.HealthCheckCompleted(n.ID, elapsed, healthy)
			}
			c.updateStatus(n.ID, healthy)
		}()
	}
	wg.Wait()
}

// pingNode opens the node's transport and sends a minimal v3 startup
// message: any protocol-level response means the backend is alive, not
// just that its port is open.
func (c *Checker) pingNode(n cluster.NodeInfo) bool {
	network, addr := "tcp", net.JoinHostPort(n.Host, fmt.Sprintf("%d", n.Port))
	if n.Host != "" && n.Host[0] == '/' {
		network, addr = "unix", filepath.Join(n.Host, fmt.Sprintf(".s.PGSQL.%d", n.Port))
	}

	conn, err := net.DialTimeout(network, addr, c.connectionTimeout)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(n.ID, "connection_refused")
		}
		c.setLastError(n.ID, err.Error())
		return false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.connectionTimeout))

	// Startup message with protocol version 3.0 and a probe user.
	params := []byte("user\x00healthcheck\x00\x00")
	msgLen := 4 + 4 + len(params)
	msg := make([]byte, msgLen)
	msg[0] = byte(msgLen >> 24)
	msg[1] = byte(msgLen >> 16)
	msg[2] = byte(msgLen >> 8)
	msg[3] = byte(msgLen)
	msg[4] = 0
	msg[5] = 3
	msg[6] = 0
	msg[7] = 0
	copy(msg[8:], params)

	if _, err := conn.Write(msg); err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(n.ID, "write_error")
		}
		c.setLastError(n.ID, fmt.Sprintf("write startup: %s", err))
		return false
	}

	// Any response (auth request, error, ...) means the backend is alive
	// and processing protocol messages.
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(n.ID, "read_error")
		}
		c.setLastError(n.ID, fmt.Sprintf("read response: %s", err))
		return false
	}
	return true
}

func (c *Checker) setLastError(node int, errMsg string) {
	c.mu.Lock()
	nh := c.getOrCreate(node)
	if errMsg != "" {
		nh.LastError = errMsg
	}
	c.mu.Unlock()
}

func (c *Checker) updateStatus(node int, healthy bool) {
	c.mu.Lock()

	nh := c.getOrCreate(node)
	nh.LastCheck = time.Now()

	if healthy {
		if nh.ConsecutiveFailures > 0 {
			slog.Info("backend node recovered", "node", node, "failures", nh.ConsecutiveFailures)
		}
		nh.Healthy = true
		nh.ConsecutiveFailures = 0
		nh.LastError = ""
	} else {
		nh.ConsecutiveFailures++
		if nh.ConsecutiveFailures >= c.failureThreshold {
			if nh.Healthy {
				slog.Warn("backend node marked down", "node", node, "failures", nh.ConsecutiveFailures, "error", nh.LastError)
			}
			nh.Healthy = false
		}
	}
	alive := nh.Healthy
	c.mu.Unlock()

	c.state.SetAlive(node, alive)
	if c.metrics != nil {
		c.metrics.SetNodeHealth(node, alive)
	}
}

func (c *Checker) getOrCreate(node int) *NodeHealth {
	nh, ok := c.nodes[node]
	if !ok {
		nh = &NodeHealth{Healthy: true}
		c.nodes[node] = nh
	}
	return nh
}

// GetStatus returns the health record for a node.
func (c *Checker) GetStatus(node int) NodeHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	nh, ok := c.nodes[node]
	if !ok {
		return NodeHealth{Healthy: true}
	}
	return *nh
}

// GetAllStatuses returns health records for all probed nodes.
func (c *Checker) GetAllStatuses() map[int]NodeHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[int]NodeHealth, len(c.nodes))
	for id, nh := range c.nodes {
		result[id] = *nh
	}
	return result
}

// OverallHealthy returns true if no probed node is down.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, nh := range c.nodes {
		if !nh.Healthy {
			return false
		}
	}
	return true
}
