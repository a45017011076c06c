package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestNewIndependentRegistries(t *testing.T) {
	// Each call creates an isolated registry, so repeated construction
	// (tests, reloads) must not panic with duplicate registration.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on second call: %v", r)
		}
	}()
	c1 := New()
	c2 := New()
	if c1.Registry == c2.Registry {
		t.Error("expected distinct registries")
	}
}

func TestSetNodeHealth(t *testing.T) {
	c := New()

	c.SetNodeHealth(0, true)
	if v := getGaugeValue(c.nodeHealth.WithLabelValues("0")); v != 1 {
		t.Errorf("health = %v, want 1", v)
	}

	c.SetNodeHealth(0, false)
	if v := getGaugeValue(c.nodeHealth.WithLabelValues("0")); v != 0 {
		t.Errorf("health = %v, want 0", v)
	}
}

func TestNodeSelected(t *testing.T) {
	c := New()

	c.NodeSelected(2)
	c.NodeSelected(2)
	c.NodeSelected(1)

	if v := getCounterValue(c.nodeSelections.WithLabelValues("2")); v != 2 {
		t.Errorf("selections(2) = %v, want 2", v)
	}
	if v := getCounterValue(c.nodeSelections.WithLabelValues("1")); v != 1 {
		t.Errorf("selections(1) = %v, want 1", v)
	}
}

func TestSessionGauge(t *testing.T) {
	c := New()

	c.SessionStarted(0)
	c.SessionStarted(0)
	if v := getGaugeValue(c.sessionsActive.WithLabelValues("0")); v != 2 {
		t.Errorf("active = %v, want 2", v)
	}

	c.SessionEnded(0, 250*time.Millisecond)
	if v := getGaugeValue(c.sessionsActive.WithLabelValues("0")); v != 1 {
		t.Errorf("active = %v, want 1", v)
	}
}

func TestUpdateSlotStats(t *testing.T) {
	c := New()

	c.UpdateSlotStats(1, 4)
	if v := getGaugeValue(c.slotsOpen.WithLabelValues("1")); v != 4 {
		t.Errorf("slots = %v, want 4", v)
	}
}

func TestHandshakeFailures(t *testing.T) {
	c := New()

	c.HandshakeFailed(0, "open")
	c.HandshakeFailed(0, "open")
	c.HandshakeCompleted(0, 10*time.Millisecond, false)
	c.HandshakeCompleted(0, 5*time.Millisecond, true)

	if v := getCounterValue(c.handshakeFailures.WithLabelValues("0", "open")); v != 2 {
		t.Errorf("failures = %v, want 2", v)
	}
}

func TestHealthCheckErrors(t *testing.T) {
	c := New()

	c.HealthCheckError(3, "connection_refused")
	c.HealthCheckCompleted(3, 2*time.Millisecond, false)

	if v := getCounterValue(c.healthCheckErrors.WithLabelValues("3", "connection_refused")); v != 1 {
		t.Errorf("errors = %v, want 1", v)
	}
}
