package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/metrics"
)

const ruleColumns = "id, kind, key, action, argument, comment, created_at"

// PostgresStore keeps rules in PostgreSQL.
type PostgresStore struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// postgresURL builds a multi-host connection URL. pgx tries the hosts in
// order until one accepts the connection.
func postgresURL(cfg *config.DatabaseConfig) (string, error) {
	if len(cfg.Hosts) == 0 {
		return "", fmt.Errorf("at least one database host must be specified")
	}
	port, err := cfg.GetPort()
	if err != nil {
		return "", err
	}

	hosts := make([]string, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		// host:port in hosts wins over the port field
		if _, _, err := net.SplitHostPort(h); err == nil {
			hosts = append(hosts, h)
			continue
		}
		hosts = append(hosts, net.JoinHostPort(h, strconv.Itoa(port)))
	}

	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     strings.Join(hosts, ","),
		Path:     "/" + cfg.Name,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String(), nil
}

// NewPostgresStore creates the connection pool and checks that the
// database answers.
func NewPostgresStore(ctx context.Context, cfg *config.DatabaseConfig) (*PostgresStore, error) {
	connString, err := postgresURL(cfg)
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.Debug {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if poolConfig.MaxConnLifetime, err = cfg.GetMaxConnLifetime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	if poolConfig.MaxConnIdleTime, err = cfg.GetMaxConnIdleTime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	logger.Info("Connecting to database", "driver", config.DriverPostgres, "hosts", cfg.Hosts, "user", cfg.User, "name", cfg.Name, "tls", cfg.TLSMode)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("Database pool created", "max_conns", pool.Config().MaxConns, "min_conns", pool.Config().MinConns,
		"max_lifetime", pool.Config().MaxConnLifetime, "max_idle", pool.Config().MaxConnIdleTime)

	return &PostgresStore{pool: pool, queryTimeout: queryTimeout}, nil
}

func (s *PostgresStore) Driver() string { return config.DriverPostgres }

func (s *PostgresStore) FindRule(ctx context.Context, kind string, keys []string) (*Rule, error) {
	if len(keys) == 0 {
		return nil, consts.ErrRuleNotFound
	}
	ctx, cancel := queryContext(ctx, s.queryTimeout)
	defer cancel()

	t := startTimer(s.Driver(), "find_rule")
	rows, err := s.pool.Query(ctx, "SELECT "+ruleColumns+" FROM access_rules WHERE kind = $1 AND key = ANY($2)", kind, keys)
	if err != nil {
		t.done(err)
		return nil, fmt.Errorf("find rule: %w", err)
	}
	rules, err := pgx.CollectRows(rows, scanRule)
	t.done(err)
	if err != nil {
		return nil, fmt.Errorf("find rule: %w", err)
	}

	if r, ok := mostSpecific(rules, keys); ok {
		return r, nil
	}
	return nil, consts.ErrRuleNotFound
}

func (s *PostgresStore) ListRules(ctx context.Context, kind string) ([]Rule, error) {
	ctx, cancel := queryContext(ctx, s.queryTimeout)
	defer cancel()

	t := startTimer(s.Driver(), "list_rules")
	rows, err := s.pool.Query(ctx, "SELECT "+ruleColumns+" FROM access_rules WHERE $1 = '' OR kind = $1 ORDER BY kind, key", kind)
	if err != nil {
		t.done(err)
		return nil, fmt.Errorf("list rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, scanRule)
	t.done(err)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

func (s *PostgresStore) GetRule(ctx context.Context, id int64) (*Rule, error) {
	ctx, cancel := queryContext(ctx, s.queryTimeout)
	defer cancel()

	t := startTimer(s.Driver(), "get_rule")
	rows, err := s.pool.Query(ctx, "SELECT "+ruleColumns+" FROM access_rules WHERE id = $1", id)
	if err != nil {
		t.done(err)
		return nil, fmt.Errorf("get rule: %w", err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanRule)
	if errors.Is(err, pgx.ErrNoRows) {
		t.done(nil)
		return nil, consts.ErrRuleNotFound
	}
	t.done(err)
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) AddRule(ctx context.Context, r *Rule) error {
	r.Normalize()
	if err := r.Validate(); err != nil {
		return err
	}
	ctx, cancel := queryContext(ctx, s.queryTimeout)
	defer cancel()

	t := startTimer(s.Driver(), "add_rule")
	err := s.pool.QueryRow(ctx,
		"INSERT INTO access_rules (kind, key, action, argument, comment) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at",
		r.Kind, r.Key, r.Action, r.Argument, r.Comment).Scan(&r.ID, &r.CreatedAt)
	t.done(err)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s %s", consts.ErrRuleExists, r.Kind, r.Key)
		}
		return fmt.Errorf("add rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRule(ctx context.Context, id int64) error {
	ctx, cancel := queryContext(ctx, s.queryTimeout)
	defer cancel()

	t := startTimer(s.Driver(), "delete_rule")
	tag, err := s.pool.Exec(ctx, "DELETE FROM access_rules WHERE id = $1", id)
	t.done(err)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrRuleNotFound
	}
	return nil
}

func (s *PostgresStore) CountRules(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := queryContext(ctx, s.queryTimeout)
	defer cancel()

	t := startTimer(s.Driver(), "count_rules")
	rows, err := s.pool.Query(ctx, "SELECT kind, count(*) FROM access_rules GROUP BY kind")
	if err != nil {
		t.done(err)
		return nil, fmt.Errorf("count rules: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			t.done(err)
			return nil, fmt.Errorf("count rules: %w", err)
		}
		counts[kind] = n
	}
	err = rows.Err()
	t.done(err)
	if err != nil {
		return nil, fmt.Errorf("count rules: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := queryContext(ctx, s.queryTimeout)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// StartPoolMetrics periodically exports pool statistics until ctx is done.
func (s *PostgresStore) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.collectPoolStats()
			}
		}
	}()
}

func (s *PostgresStore) collectPoolStats() {
	stats := s.pool.Stat()
	metrics.DBPoolConnections.WithLabelValues("total").Set(float64(stats.TotalConns()))
	metrics.DBPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns()))
	metrics.DBPoolConnections.WithLabelValues("acquired").Set(float64(stats.AcquiredConns()))
}

func scanRule(row pgx.CollectableRow) (Rule, error) {
	var r Rule
	err := row.Scan(&r.ID, &r.Kind, &r.Key, &r.Action, &r.Argument, &r.Comment, &r.CreatedAt)
	return r, err
}

// queryTracer logs every query when [database] debug is set.
type queryTracer struct{}

type traceStartKey struct{}

type traceStart struct {
	sql   string
	start time.Time
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceStartKey{}, traceStart{sql: data.SQL, start: time.Now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	ts, ok := ctx.Value(traceStartKey{}).(traceStart)
	if !ok {
		return
	}
	logger.Debug("Database query", "sql", ts.sql, "duration", time.Since(ts.start), "rows", data.CommandTag.RowsAffected(), "error", data.Err)
}
