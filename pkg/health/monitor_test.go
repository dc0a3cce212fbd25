package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/policyd/pkg/circuitbreaker"
	"github.com/migadu/policyd/pkg/metrics"
)

type fakePinger struct {
	fail atomic.Bool
}

func (p *fakePinger) Ping(context.Context) error {
	if p.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestStoreCheckTransitions(t *testing.T) {
	store := &fakePinger{}
	hm := NewHealthMonitor()
	hm.RegisterCheck(StoreCheck(store))
	ctx := context.Background()

	hm.CheckNow(ctx)
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.ComponentHealthStatus.WithLabelValues("rule_store")))

	store.fail.Store(true)
	hm.CheckNow(ctx)
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus(), "one failed probe degrades")

	hm.CheckNow(ctx)
	assert.Equal(t, StatusUnhealthy, hm.GetOverallStatus(), "critical component failing again")

	reports := hm.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "rule_store", reports[0].Name)
	assert.Equal(t, 3, reports[0].Checks)
	assert.Equal(t, 2, reports[0].Failures)
	assert.Equal(t, "connection refused", reports[0].LastError)

	store.fail.Store(false)
	hm.CheckNow(ctx)
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())
	assert.Empty(t, hm.Reports()[0].LastError)
}

func TestNonCriticalCheckOnlyDegrades(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{
		Name:  "optional",
		Check: func(context.Context) error { return errors.New("down") },
	})

	hm.CheckNow(context.Background())
	hm.CheckNow(context.Background())
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus())
}

func TestCheckPanicIsFailure(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{
		Name:     "panicky",
		Critical: true,
		Check:    func(context.Context) error { panic("boom") },
	})

	hm.CheckNow(context.Background())
	r := hm.Reports()[0]
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Contains(t, r.LastError, "panic: boom")
}

func TestBreakerCheck(t *testing.T) {
	settings := circuitbreaker.DefaultSettings("health-test")
	settings.ReadyToTrip = func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 1 }
	settings.Timeout = time.Hour
	cb := circuitbreaker.NewCircuitBreaker(settings)

	check := BreakerCheck(cb)
	assert.Equal(t, "circuit_breaker_health-test", check.Name)
	assert.NoError(t, check.Check(context.Background()))

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("fail") })
	assert.Error(t, check.Check(context.Background()))
}

func TestMonitorStartStop(t *testing.T) {
	var runs atomic.Int32
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{
		Name:     "counter",
		Interval: 10 * time.Millisecond,
		Check: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	hm.Start(context.Background())
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	hm.Stop()

	n := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, runs.Load(), "no checks after Stop")
}
