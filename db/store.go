package db

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/metrics"
	"github.com/migadu/policyd/pkg/retry"
)

// Store is an access rule table.
type Store interface {
	// FindRule returns the rule of the given kind matching the earliest of
	// keys, or consts.ErrRuleNotFound.
	FindRule(ctx context.Context, kind string, keys []string) (*Rule, error)
	// ListRules returns all rules of kind, or every rule if kind is empty.
	ListRules(ctx context.Context, kind string) ([]Rule, error)
	GetRule(ctx context.Context, id int64) (*Rule, error)
	// AddRule validates and inserts r, filling in its ID and CreatedAt.
	AddRule(ctx context.Context, r *Rule) error
	DeleteRule(ctx context.Context, id int64) error
	CountRules(ctx context.Context) (map[string]int64, error)
	Ping(ctx context.Context) error
	Driver() string
	Close() error
}

// Open connects to the store selected by cfg.Driver, retrying until the
// database answers, and applies pending migrations when auto_migrate is set.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (Store, error) {
	backoff := retry.DefaultBackoffConfig()
	backoff.MaxRetries = cfg.GetConnectRetries()
	backoff.OperationName = "database connect"

	var store Store
	err := retry.WithRetry(ctx, func() error {
		var err error
		switch cfg.Driver {
		case config.DriverPostgres:
			store, err = NewPostgresStore(ctx, cfg)
		case config.DriverSQLite:
			store, err = NewSQLiteStore(ctx, cfg)
		default:
			return retry.Stop(fmt.Errorf("unknown database driver %q", cfg.Driver))
		}
		return err
	}, backoff)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		timeout, err := cfg.GetMigrationTimeout()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("invalid migration_timeout: %w", err)
		}
		mctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := MigrateUp(mctx, cfg); err != nil {
			store.Close()
			return nil, err
		}
	}

	logger.Info("Rule store ready", "driver", store.Driver())
	return store, nil
}

// timer records query metrics for one operation.
type timer struct {
	driver    string
	operation string
	start     time.Time
}

func startTimer(driver, operation string) timer {
	return timer{driver: driver, operation: operation, start: time.Now()}
}

func (t timer) done(err error) {
	metrics.DBQueryDuration.WithLabelValues(t.operation, t.driver).Observe(time.Since(t.start).Seconds())
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(t.operation, status, t.driver).Inc()
}

func queryContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
