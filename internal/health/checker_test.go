package health

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pgbalancer/pgbalancer/internal/cluster"
	"github.com/pgbalancer/pgbalancer/internal/config"
)

func testHCConfig() config.HealthCheckConfig {
	return config.HealthCheckConfig{
		Interval:          time.Hour, // checks driven manually in tests
		FailureThreshold:  2,
		ConnectionTimeout: time.Second,
	}
}

// fakeBackend answers every connection's startup message with a single
// response byte, which is all the probe needs.
func fakeBackend(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				lenBuf := make([]byte, 4)
				if _, err := io.ReadFull(c, lenBuf); err != nil {
					return
				}
				rest := make([]byte, int(binary.BigEndian.Uint32(lenBuf))-4)
				if _, err := io.ReadFull(c, rest); err != nil {
					return
				}
				c.Write([]byte{'R'})
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func deadEndpoint(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	return addr.IP.String(), addr.Port
}

func TestCheckerMarksHealthyNode(t *testing.T) {
	host, port := fakeBackend(t)
	state := cluster.New(config.ClusterConfig{
		User:     "u",
		Backends: []config.BackendConfig{{Host: host, Port: port, Weight: 1, Role: "primary"}},
	})

	c := NewChecker(state, nil, testHCConfig())
	c.checkAll()

	if !state.Snapshot().ValidBackendRaw(0) {
		t.Error("node should stay alive after a successful probe")
	}
	st := c.GetStatus(0)
	if !st.Healthy || st.ConsecutiveFailures != 0 {
		t.Errorf("status = %+v", st)
	}
	if st.LastCheck.IsZero() {
		t.Error("LastCheck not recorded")
	}
}

func TestCheckerMarksNodeDownAfterThreshold(t *testing.T) {
	host, port := deadEndpoint(t)
	state := cluster.New(config.ClusterConfig{
		User:     "u",
		Backends: []config.BackendConfig{{Host: host, Port: port, Weight: 1, Role: "primary"}},
	})

	c := NewChecker(state, nil, testHCConfig())

	// First failure: below the threshold, the node keeps serving.
	c.checkAll()
	if !state.Snapshot().ValidBackendRaw(0) {
		t.Fatal("one failure must not take the node down (threshold is 2)")
	}

	c.checkAll()
	if state.Snapshot().ValidBackendRaw(0) {
		t.Error("node should be down after reaching the failure threshold")
	}
	st := c.GetStatus(0)
	if st.Healthy || st.ConsecutiveFailures != 2 || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
	if c.OverallHealthy() {
		t.Error("overall health should report the down node")
	}
}

func TestCheckerRecovery(t *testing.T) {
	host, port := fakeBackend(t)
	state := cluster.New(config.ClusterConfig{
		User:     "u",
		Backends: []config.BackendConfig{{Host: host, Port: port, Weight: 1, Role: "primary"}},
	})
	state.SetAlive(0, false)

	c := NewChecker(state, nil, testHCConfig())
	c.checkAll()

	if !state.Snapshot().ValidBackendRaw(0) {
		t.Error("a successful probe should revive the node immediately")
	}
	if !c.OverallHealthy() {
		t.Error("overall health should be clean after recovery")
	}
}

func TestCheckerStartStop(t *testing.T) {
	host, port := fakeBackend(t)
	state := cluster.New(config.ClusterConfig{
		User:     "u",
		Backends: []config.BackendConfig{{Host: host, Port: port, Weight: 1}},
	})

	cfg := testHCConfig()
	cfg.Interval = 50 * time.Millisecond
	c := NewChecker(state, nil, cfg)

	c.Start()
	time.Sleep(100 * time.Millisecond)
	c.Stop()
	c.Stop() // safe to call twice

	if st := c.GetStatus(0); st.LastCheck.IsZero() {
		t.Error("expected at least one probe while running")
	}
}

func TestGetAllStatuses(t *testing.T) {
	h1, p1 := fakeBackend(t)
	h2, p2 := deadEndpoint(t)
	state := cluster.New(config.ClusterConfig{
		User: "u",
		Backends: []config.BackendConfig{
			{Host: h1, Port: p1, Weight: 1, Role: "primary"},
			{Host: h2, Port: p2, Weight: 1},
		},
	})

	c := NewChecker(state, nil, testHCConfig())
	c.checkAll()

	statuses := c.GetAllStatuses()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Healthy {
		t.Error("node 0 should be healthy")
	}
	if statuses[1].ConsecutiveFailures != 1 {
		t.Errorf("node 1 failures = %d, want 1", statuses[1].ConsecutiveFailures)
	}
}

func TestGetStatusUnknownNode(t *testing.T) {
	state := cluster.New(config.ClusterConfig{
		User:     "u",
		Backends: []config.BackendConfig{{Host: "h", Port: 1, Weight: 1}},
	})
	c := NewChecker(state, nil, testHCConfig())

	if st := c.GetStatus(42); !st.Healthy {
		t.Error("unprobed nodes default to healthy")
	}
}
