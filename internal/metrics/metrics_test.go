package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

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

func TestSessionStartedAndEnded(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SessionStarted("tenant1")
	c.SessionStarted("tenant1")
	if v := getGaugeValue(c.sessionsActive.WithLabelValues("tenant1")); v != 2 {
		t.Errorf("expected sessionsActive=2, got %v", v)
	}

	c.SessionEnded("tenant1", 150*time.Millisecond)
	if v := getGaugeValue(c.sessionsActive.WithLabelValues("tenant1")); v != 1 {
		t.Errorf("expected sessionsActive=1 after one SessionEnded, got %v", v)
	}
}

func TestSessionEndedObservesDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.SessionStarted("tenant1")
	c.SessionEnded("tenant1", 100*time.Millisecond)
	c.SessionStarted("tenant1")
	c.SessionEnded("tenant1", 200*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "dbgateway_session_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) == 0 || m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 duration samples, got %+v", m)
			}
		}
	}
	if !found {
		t.Error("session duration metric not found")
	}
}

func TestUpdatePoolStatsReplacesNotAccumulates(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("backend1:3306", "c1", 3, 5, 8, 1)
	if v := getGaugeValue(c.connectionsAct.WithLabelValues("backend1:3306", "c1")); v != 3 {
		t.Errorf("expected active=3, got %v", v)
	}

	c.UpdatePoolStats("backend1:3306", "c1", 2, 4, 6, 0)
	if v := getGaugeValue(c.connectionsAct.WithLabelValues("backend1:3306", "c1")); v != 2 {
		t.Errorf("expected active=2 after update, got %v", v)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("backend1:3306")
	c.PoolExhausted("backend1:3306")
	c.PoolExhausted("backend1:3306")

	if v := getCounterValue(c.poolExhausted.WithLabelValues("backend1:3306")); v != 3 {
		t.Errorf("expected exhausted=3, got %v", v)
	}
}

func TestAcquireDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.AcquireDuration("backend1:3306", 5*time.Millisecond)

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "dbgateway_acquire_duration_seconds" {
			found = true
			if m := f.GetMetric(); len(m) == 0 || m[0].GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected 1 acquire sample, got %+v", m)
			}
		}
	}
	if !found {
		t.Error("acquire duration metric not found")
	}
}

func TestAuthOutcome(t *testing.T) {
	c, _ := newTestCollector(t)

	c.AuthOutcome("tenant1", "success")
	c.AuthOutcome("tenant1", "success")
	c.AuthOutcome("tenant1", "auth_denied")

	if v := getCounterValue(c.authOutcomes.WithLabelValues("tenant1", "success")); v != 2 {
		t.Errorf("expected success=2, got %v", v)
	}
	if v := getCounterValue(c.authOutcomes.WithLabelValues("tenant1", "auth_denied")); v != 1 {
		t.Errorf("expected auth_denied=1, got %v", v)
	}
}

func TestRecycleOutcome(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecycleOutcome("backend1:3306", "ok")
	c.RecycleOutcome("backend1:3306", "ok")
	c.RecycleOutcome("backend1:3306", "detached")

	if v := getCounterValue(c.recycleOutcomes.WithLabelValues("backend1:3306", "ok")); v != 2 {
		t.Errorf("expected ok=2, got %v", v)
	}
	if v := getCounterValue(c.recycleOutcomes.WithLabelValues("backend1:3306", "detached")); v != 1 {
		t.Errorf("expected detached=1, got %v", v)
	}
}

func TestReplicaAvailability(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ReplicaAvailability("r1", true)
	if v := getGaugeValue(c.replicaAvailable.WithLabelValues("r1")); v != 1 {
		t.Errorf("expected r1=1 (available), got %v", v)
	}

	c.ReplicaAvailability("r1", false)
	if v := getGaugeValue(c.replicaAvailable.WithLabelValues("r1")); v != 0 {
		t.Errorf("expected r1=0 (unavailable), got %v", v)
	}
}

func TestResolverPicked(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ResolverPicked("r1")
	c.ResolverPicked("r1")
	c.ResolverPicked("r2")

	if v := getCounterValue(c.resolverPicks.WithLabelValues("r1")); v != 2 {
		t.Errorf("expected r1 picks=2, got %v", v)
	}
	if v := getCounterValue(c.resolverPicks.WithLabelValues("r2")); v != 1 {
		t.Errorf("expected r2 picks=1, got %v", v)
	}
}

func TestActivityWindowFrozen(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ActivityWindowFrozen(17)
	c.ActivityWindowFrozen(0)

	if v := getCounterValue(c.activityFreezeTotal); v != 2 {
		t.Errorf("expected 2 freezes recorded, got %v", v)
	}
	if v := getCounterValue(c.activityFreezeRecords); v != 17 {
		t.Errorf("expected 17 total records recorded, got %v", v)
	}
}

func TestRemoveEndpoint(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("backend1:3306", "c1", 1, 2, 3, 0)
	c.PoolExhausted("backend1:3306")
	c.RecycleOutcome("backend1:3306", "ok")

	c.RemoveEndpoint("backend1:3306")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "endpoint" && l.GetValue() == "backend1:3306" {
					t.Errorf("metric %s still has backend1:3306 label after removal", f.GetName())
				}
			}
		}
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats("backend1:3306", "c1", 1, 0, 1, 0)
	c2.UpdatePoolStats("backend1:3306", "c1", 2, 0, 2, 0)

	if v := getGaugeValue(c1.connectionsAct.WithLabelValues("backend1:3306", "c1")); v != 1 {
		t.Errorf("c1 expected active=1, got %v", v)
	}
	if v := getGaugeValue(c2.connectionsAct.WithLabelValues("backend1:3306", "c1")); v != 2 {
		t.Errorf("c2 expected active=2, got %v", v)
	}
}
