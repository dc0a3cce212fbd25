package metrics

import (
	"context"
	"time"

	"github.com/migadu/policyd/logger"
)

// StatsProvider is an interface for retrieving per-kind rule counts
type StatsProvider interface {
	CountRules(ctx context.Context) (map[string]int64, error)
}

// CacheStatsProvider is an interface for decision cache statistics
type CacheStatsProvider interface {
	Len() int
}

// Collector periodically collects and updates store-backed metrics
type Collector struct {
	provider      StatsProvider
	cacheProvider CacheStatsProvider
	interval      time.Duration
	stopCh        chan struct{}
}

// NewCollector creates a new metrics collector. cacheProvider may be nil.
func NewCollector(provider StatsProvider, cacheProvider CacheStatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}

	return &Collector{
		provider:      provider,
		cacheProvider: cacheProvider,
		interval:      interval,
		stopCh:        make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	counts, err := c.provider.CountRules(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting rule counts", "error", err)
	} else {
		RulesTotal.Reset()
		var total int64
		for kind, n := range counts {
			RulesTotal.WithLabelValues(kind).Set(float64(n))
			total += n
		}
		logger.Debug("MetricsCollector: updated rule metrics", "rules", total)
	}

	if c.cacheProvider != nil {
		DecisionCacheEntriesTotal.Set(float64(c.cacheProvider.Len()))
	}
}
