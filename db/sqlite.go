package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/logger"
)

// SQLiteStore keeps rules in a local SQLite file, for single-host setups.
type SQLiteStore struct {
	db           *sql.DB
	path         string
	queryTimeout time.Duration
}

func NewSQLiteStore(ctx context.Context, cfg *config.DatabaseConfig) (*SQLiteStore, error) {
	path := filepath.Clean(strings.TrimSpace(cfg.Path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("sqlite database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open rules database %s: %w", path, err)
	}

	logger.Info("Opened rules database", "driver", config.DriverSQLite, "path", path)
	return &SQLiteStore{db: db, path: path, queryTimeout: queryTimeout}, nil
}

func (s *SQLiteStore) Driver() string { return config.DriverSQLite }

func (s *SQLiteStore) FindRule(ctx context.Context, kind string, keys []string) (*Rule, error) {
	if len(keys) == 0 {
		return nil, consts.ErrRuleNotFound
	}
	ctx, cancel := queryContext(ctx, s.queryTimeout)
	defer cancel()

	args := make([]any, 0, len(keys)+1)
	args = append(args, kind)
	for _, k := range keys {
		args = append(args, k)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")

	t := startTimer(s.Driver(), "find_rule")
	rules, err := s.queryRules(ctx, "SELECT "+ruleColumns+" FROM access_rules WHERE kind = ? AND key IN ("+placeholders+")", args...)
	t.done(err)
	if err != nil {
		return nil, fmt.Errorf("find rule: %w", err)
	}

	if r, ok := mostSpecific(rules, keys); ok {
		return r, nil
	}
	return nil, consts.ErrRuleNotFound
}

func (s *SQLiteStore) ListRules(ctx context.Context, kind string) ([]Rule, error) {
	ctx, cancel := queryContext(ctx, s.queryTimeout)
	defer cancel()

	query, args := "SELECT "+ruleColumns+" FROM access_rules ORDER BY kind, key", []any(nil)
	if kind != "" {
		query, args = "SELECT "+ruleColumns+" FROM access_rules WHERE kind = ? ORDER BY key", []any{kind}
	}

	t := startTimer(s.Driver(), "list_rules")
	rules, err := s.queryRules(ctx, query, args...)
	t.done(err)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

func (s *SQLiteStore) GetRule(ctx context.Context, id int64) (*Rule, error) {
	ctx, cancel := queryContext(ctx, s.queryTimeout)
	defer cancel()

	t := startTimer(s.Driver(), "get_rule")
	rules, err := s.queryRules(ctx, "SELECT "+ruleColumns+" FROM access_rules WHERE id = ?", id)
	t.done(err)
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	if len(rules) == 0 {
		return nil, consts.ErrRuleNotFound
	}
	return &rules[0], nil
}

func (s *SQLiteStore) AddRule(ctx context.Context, r *Rule) error {
	r.Normalize()
	if err := r.Validate(); err != nil {
		return err
	}
	ctx, cancel := queryContext(ctx, s.queryTimeout)
	defer cancel()

	created := time.Now().Truncate(time.Second)
	t := startTimer(s.Driver(), "add_rule")
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO access_rules (kind, key, action, argument, comment, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		r.Kind, r.Key, r.Action, r.Argument, r.Comment, created.Unix())
	t.done(err)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s", consts.ErrRuleExists, r.Kind, r.Key)
		}
		return fmt.Errorf("add rule: %w", err)
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("add rule: %w", err)
	}
	r.CreatedAt = created
	return nil
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, id int64) error {
	ctx, cancel := queryContext(ctx, s.queryTimeout)
	defer cancel()

	t := startTimer(s.Driver(), "delete_rule")
	res, err := s.db.ExecContext(ctx, "DELETE FROM access_rules WHERE id = ?", id)
	t.done(err)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return consts.ErrRuleNotFound
	}
	return nil
}

func (s *SQLiteStore) CountRules(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := queryContext(ctx, s.queryTimeout)
	defer cancel()

	t := startTimer(s.Driver(), "count_rules")
	counts, err := func() (map[string]int64, error) {
		rows, err := s.db.QueryContext(ctx, "SELECT kind, count(*) FROM access_rules GROUP BY kind")
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		counts := make(map[string]int64)
		for rows.Next() {
			var kind string
			var n int64
			if err := rows.Scan(&kind, &n); err != nil {
				return nil, err
			}
			counts[kind] = n
		}
		return counts, rows.Err()
	}()
	t.done(err)
	if err != nil {
		return nil, fmt.Errorf("count rules: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	logger.Info("Closing rules database", "path", s.path)
	return s.db.Close()
}

func (s *SQLiteStore) queryRules(ctx context.Context, query string, args ...any) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var created int64
		if err := rows.Scan(&r.ID, &r.Kind, &r.Key, &r.Action, &r.Argument, &r.Comment, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT
}
