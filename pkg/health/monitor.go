package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/circuitbreaker"
	"github.com/migadu/policyd/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

func (s ComponentStatus) gaugeValue() float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	}
	return 0
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // failure makes the whole daemon unhealthy

	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

// ComponentReport is the externally visible state of one check.
type ComponentReport struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Critical  bool            `json:"critical"`
	LastCheck time.Time       `json:"last_check,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Checks    int             `json:"checks"`
	Failures  int             `json:"failures"`
}

type HealthMonitor struct {
	checks        map[string]*HealthCheck
	mu            sync.RWMutex
	overallStatus ComponentStatus
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	check.status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs every registered check once, then periodically until Stop.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, check := range hm.checks {
		hm.wg.Add(1)
		go hm.runHealthCheck(check)
	}
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
}

func (hm *HealthMonitor) runHealthCheck(check *HealthCheck) {
	defer hm.wg.Done()

	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Debug("Health: monitoring started", "component", check.Name, "interval", check.Interval)
	hm.performCheck(hm.ctx, check)

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.performCheck(hm.ctx, check)
		}
	}
}

// CheckNow runs every check once, synchronously.
func (hm *HealthMonitor) CheckNow(ctx context.Context) {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mu.RUnlock()

	for _, c := range checks {
		hm.performCheck(ctx, c)
	}
}

func (hm *HealthMonitor) performCheck(ctx context.Context, check *HealthCheck) {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return check.Check(ctx)
	}()
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(start).Seconds())

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previous := check.status
	if err != nil {
		check.failCount++
		check.lastError = err
		// One failed probe degrades; consecutive ones make it unhealthy.
		if previous == StatusHealthy {
			check.status = StatusDegraded
		} else {
			check.status = StatusUnhealthy
		}
	} else {
		check.lastError = nil
		check.status = StatusHealthy
	}
	current := check.status
	check.mu.Unlock()

	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(current.gaugeValue())

	if previous != current {
		if err != nil {
			logger.Warn("Health: component status changed", "component", check.Name, "from", previous, "to", current, "error", err)
		} else {
			logger.Info("Health: component status changed", "component", check.Name, "from", previous, "to", current)
		}
	}

	hm.updateOverallStatus()
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, anyDegraded bool
	for _, check := range hm.checks {
		check.mu.RLock()
		status := check.status
		critical := check.Critical
		check.mu.RUnlock()

		switch {
		case critical && (status == StatusUnhealthy || status == StatusUnreachable):
			criticalUnhealthy = true
		case status != StatusHealthy:
			anyDegraded = true
		}
	}

	previous := hm.overallStatus
	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}
	if previous != hm.overallStatus {
		logger.Info("Health: overall status changed", "from", previous, "to", hm.overallStatus)
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

// Reports returns the state of every check, sorted by name.
func (hm *HealthMonitor) Reports() []ComponentReport {
	hm.mu.RLock()
	reports := make([]ComponentReport, 0, len(hm.checks))
	for _, check := range hm.checks {
		check.mu.RLock()
		r := ComponentReport{
			Name:      check.Name,
			Status:    check.status,
			Critical:  check.Critical,
			LastCheck: check.lastCheck,
			Checks:    check.checkCount,
			Failures:  check.failCount,
		}
		if check.lastError != nil {
			r.LastError = check.lastError.Error()
		}
		check.mu.RUnlock()
		reports = append(reports, r)
	}
	hm.mu.RUnlock()

	sort.Slice(reports, func(i, j int) bool { return reports[i].Name < reports[j].Name })
	return reports
}

// Pinger is implemented by db.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck probes the rule store. A policy daemon without its rules can
// only answer the fallback action, so the check is critical.
func StoreCheck(store Pinger) *HealthCheck {
	return &HealthCheck{
		Name:     "rule_store",
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Critical: true,
		Check:    store.Ping,
	}
}

// BreakerCheck reports an open breaker as a failure.
func BreakerCheck(breaker *circuitbreaker.CircuitBreaker) *HealthCheck {
	return &HealthCheck{
		Name:     "circuit_breaker_" + breaker.Name(),
		Interval: 10 * time.Second,
		Check: func(context.Context) error {
			if s := breaker.State(); s == circuitbreaker.StateOpen {
				return fmt.Errorf("circuit breaker %s is %s", breaker.Name(), s)
			}
			return nil
		},
	}
}
