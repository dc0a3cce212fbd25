package config

import (
	"fmt"
	"log"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/policyd/helpers"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// CheckKinds lists the request attributes the access engine can look up,
// in the order used when [access] checks is not set.
var CheckKinds = []string{"client", "client_name", "reverse_client_name", "helo", "sasl", "sender", "recipient"}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
	Tag    string `toml:"tag"`    // Syslog tag (default "policyd")
}

// DatabaseConfig selects and configures the rule store.
type DatabaseConfig struct {
	Driver string `toml:"driver"` // "postgres" or "sqlite"
	Debug  bool   `toml:"debug"`  // Log every query

	// sqlite
	Path string `toml:"path"`

	// postgres
	Hosts           []string    `toml:"hosts"` // ["db1", "db2:5433"]; pgx tries them in order
	Port            interface{} `toml:"port"`  // string or integer, default 5432
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`
	MinConns        int         `toml:"min_conns"`
	MaxConnLifetime string      `toml:"max_conn_lifetime"`
	MaxConnIdleTime string      `toml:"max_conn_idle_time"`

	QueryTimeout     string `toml:"query_timeout"`     // Per lookup (default "5s")
	ConnectRetries   int    `toml:"connect_retries"`   // Startup attempts before giving up (default 5)
	AutoMigrate      bool   `toml:"auto_migrate"`      // Apply migrations at startup
	MigrationTimeout string `toml:"migration_timeout"` // default "2m"
}

// GetPort returns the postgres port.
func (d *DatabaseConfig) GetPort() (int, error) {
	switch v := d.Port.(type) {
	case nil:
		return 5432, nil
	case int64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		if v == "" {
			return 5432, nil
		}
		p, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid database port %q: %w", v, err)
		}
		return p, nil
	default:
		return 0, fmt.Errorf("invalid database port type %T", v)
	}
}

// GetMaxConnLifetime parses the max connection lifetime duration
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

// GetQueryTimeout parses the per-query timeout.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetMigrationTimeout parses the migration timeout duration
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

func (d *DatabaseConfig) GetConnectRetries() int {
	if d.ConnectRetries <= 0 {
		return 5
	}
	return d.ConnectRetries
}

// AccessCacheConfig configures the decision cache.
type AccessCacheConfig struct {
	Enabled         bool   `toml:"enabled"`
	PositiveTTL     string `toml:"positive_ttl"` // rule found (default "5m")
	NegativeTTL     string `toml:"negative_ttl"` // no rule (default "1m")
	MaxSize         int    `toml:"max_size"`     // entries (default 100000)
	CleanupInterval string `toml:"cleanup_interval"`
}

func (c *AccessCacheConfig) GetPositiveTTL() (time.Duration, error) {
	if c.PositiveTTL == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(c.PositiveTTL)
}

func (c *AccessCacheConfig) GetNegativeTTL() (time.Duration, error) {
	if c.NegativeTTL == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.NegativeTTL)
}

func (c *AccessCacheConfig) GetCleanupInterval() (time.Duration, error) {
	if c.CleanupInterval == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(c.CleanupInterval)
}

func (c *AccessCacheConfig) GetMaxSize() int {
	if c.MaxSize <= 0 {
		return 100000
	}
	return c.MaxSize
}

// CircuitBreakerConfig configures the breaker in front of the rule store.
type CircuitBreakerConfig struct {
	MaxRequests  uint32  `toml:"max_requests"` // allowed in half-open state (default 3)
	Interval     string  `toml:"interval"`     // closed-state counter reset (default "1m")
	Timeout      string  `toml:"timeout"`      // open → half-open (default "30s")
	FailureRatio float64 `toml:"failure_ratio"`
	MinRequests  uint32  `toml:"min_requests"`
}

func (c *CircuitBreakerConfig) GetMaxRequests() uint32 {
	if c.MaxRequests == 0 {
		return 3
	}
	return c.MaxRequests
}

func (c *CircuitBreakerConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.Interval)
}

func (c *CircuitBreakerConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.Timeout)
}

func (c *CircuitBreakerConfig) GetFailureRatio() float64 {
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		return 0.6
	}
	return c.FailureRatio
}

func (c *CircuitBreakerConfig) GetMinRequests() uint32 {
	if c.MinRequests == 0 {
		return 5
	}
	return c.MinRequests
}

// AccessConfig configures the access-table engine.
type AccessConfig struct {
	DefaultAction   string   `toml:"default_action"`   // verdict when no rule matches (default "DUNNO")
	DefaultArgument string   `toml:"default_argument"` // optional text for the default verdict
	Checks          []string `toml:"checks"`           // lookup order, see CheckKinds
	// Written instead of dropping the connection when the store is
	// unavailable. Empty means drop; Postfix then answers its own default.
	// A three-digit code such as "451" is sent as the exact SMTP reply code.
	FallbackAction       string `toml:"fallback_action"`
	FallbackArgument     string `toml:"fallback_argument"`
	FallbackEnhancedCode string `toml:"fallback_enhanced_code"` // e.g. "4.3.0"
	LogRequests          bool   `toml:"log_requests"`           // debug-log every request (sensitive values masked)

	Cache          AccessCacheConfig    `toml:"cache"`
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
}

// GetChecks returns the configured lookup order.
func (a *AccessConfig) GetChecks() []string {
	if len(a.Checks) == 0 {
		return slices.Clone(CheckKinds)
	}
	return a.Checks
}

func (a *AccessConfig) GetDefaultAction() string {
	if a.DefaultAction == "" {
		return "DUNNO"
	}
	return strings.ToUpper(a.DefaultAction)
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled         bool   `toml:"enabled"`
	Addr            string `toml:"addr"`
	Path            string `toml:"path"`
	CollectInterval string `toml:"collect_interval"` // rule count refresh (default "1m")
}

func (m *MetricsConfig) GetCollectIntervalWithDefault() time.Duration {
	if m.CollectInterval == "" {
		return time.Minute
	}
	d, err := helpers.ParseDuration(m.CollectInterval)
	if err != nil {
		log.Printf("WARNING: Failed to parse metrics collect_interval: %v, using default (1m)", err)
		return time.Minute
	}
	return d
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
}

// PolicyServerConfig configures one policy listener ([[server]]).
type PolicyServerConfig struct {
	Name       string `toml:"name"`
	Addr       string `toml:"addr"`        // unix:/path, inet:host:port or host:port
	SocketMode string `toml:"socket_mode"` // octal permissions for unix sockets, e.g. "0660"
	Disabled   bool   `toml:"disabled"`

	MaxConnections      int      `toml:"max_connections"`
	MaxConnectionsPerIP int      `toml:"max_connections_per_ip"`
	TrustedNetworks     []string `toml:"trusted_networks"` // exempt from the per-IP limit

	HandlerTimeout string `toml:"handler_timeout"` // per request (default "10s")
	IdleTimeout    string `toml:"idle_timeout"`    // between requests (default "5m")
	WriteTimeout   string `toml:"write_timeout"`   // per response (default "10s")
	SessionTimeout string `toml:"session_timeout"` // connection lifetime (default "30m")

	MaxLineLength  string `toml:"max_line_length"`  // default "8KiB"
	MaxRequestSize string `toml:"max_request_size"` // default "64KiB"
	MaxAttributes  int    `toml:"max_attributes"`   // default 256
	RawValues      bool   `toml:"raw_values"`       // do not %XX-decode values
}

func (s *PolicyServerConfig) IsEnabled() bool {
	return !s.Disabled && s.Name != "" && s.Addr != ""
}

// GetSocketMode parses the octal socket mode. Zero leaves the umask default.
func (s *PolicyServerConfig) GetSocketMode() (uint32, error) {
	if s.SocketMode == "" {
		return 0, nil
	}
	mode, err := strconv.ParseUint(s.SocketMode, 8, 32)
	if err != nil || mode > 0o777 {
		return 0, fmt.Errorf("invalid socket_mode %q: must be octal, e.g. \"0660\"", s.SocketMode)
	}
	return uint32(mode), nil
}

func (s *PolicyServerConfig) durationWithDefault(field, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := helpers.ParseDuration(value)
	if err != nil {
		log.Printf("WARNING: Failed to parse %s for server '%s': %v, using default (%v)", field, s.Name, err, def)
		return def
	}
	return d
}

func (s *PolicyServerConfig) sizeWithDefault(field, value string, def int) int {
	if value == "" {
		return def
	}
	n, err := helpers.ParseSize(value)
	if err != nil {
		log.Printf("WARNING: Failed to parse %s for server '%s': %v, using default (%d)", field, s.Name, err, def)
		return def
	}
	return int(n)
}

func (s *PolicyServerConfig) GetHandlerTimeoutWithDefault() time.Duration {
	return s.durationWithDefault("handler_timeout", s.HandlerTimeout, 10*time.Second)
}

func (s *PolicyServerConfig) GetIdleTimeoutWithDefault() time.Duration {
	return s.durationWithDefault("idle_timeout", s.IdleTimeout, 5*time.Minute)
}

func (s *PolicyServerConfig) GetWriteTimeoutWithDefault() time.Duration {
	return s.durationWithDefault("write_timeout", s.WriteTimeout, 10*time.Second)
}

func (s *PolicyServerConfig) GetSessionTimeoutWithDefault() time.Duration {
	return s.durationWithDefault("session_timeout", s.SessionTimeout, 30*time.Minute)
}

func (s *PolicyServerConfig) GetMaxLineLengthWithDefault() int {
	return s.sizeWithDefault("max_line_length", s.MaxLineLength, 8*1024)
}

func (s *PolicyServerConfig) GetMaxRequestSizeWithDefault() int {
	return s.sizeWithDefault("max_request_size", s.MaxRequestSize, 64*1024)
}

func (s *PolicyServerConfig) GetMaxAttributesWithDefault() int {
	if s.MaxAttributes <= 0 {
		return 256
	}
	return s.MaxAttributes
}

// Validate checks a server entry
func (s *PolicyServerConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if s.Addr == "" {
		return fmt.Errorf("server %s: address is required", s.Name)
	}
	if _, err := s.GetSocketMode(); err != nil {
		return fmt.Errorf("server %s: %w", s.Name, err)
	}
	if s.MaxConnections < 0 || s.MaxConnectionsPerIP < 0 {
		return fmt.Errorf("server %s: connection limits must not be negative", s.Name)
	}
	return nil
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	Access   AccessConfig   `toml:"access"`
	Metrics  MetricsConfig  `toml:"metrics"`
	HTTPAPI  HTTPAPIConfig  `toml:"http_api"`

	// Policy listeners (top-level array)
	Servers []PolicyServerConfig `toml:"server"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
			Tag:    "policyd",
		},
		Database: DatabaseConfig{
			Driver:           DriverSQLite,
			Path:             "/var/lib/policyd/rules.db",
			Hosts:            []string{"localhost"},
			Port:             "5432",
			User:             "policyd",
			Name:             "policyd",
			MaxConns:         20,
			MinConns:         2,
			MaxConnLifetime:  "1h",
			MaxConnIdleTime:  "30m",
			QueryTimeout:     "5s",
			ConnectRetries:   5,
			AutoMigrate:      true,
			MigrationTimeout: "2m",
		},
		Access: AccessConfig{
			DefaultAction: "DUNNO",
			Checks:        slices.Clone(CheckKinds),
			Cache: AccessCacheConfig{
				Enabled:         true,
				PositiveTTL:     "5m",
				NegativeTTL:     "1m",
				MaxSize:         100000,
				CleanupInterval: "5m",
			},
			CircuitBreaker: CircuitBreakerConfig{
				MaxRequests:  3,
				Interval:     "1m",
				Timeout:      "30s",
				FailureRatio: 0.6,
				MinRequests:  5,
			},
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			Addr:            "127.0.0.1:9100",
			Path:            "/metrics",
			CollectInterval: "1m",
		},
		HTTPAPI: HTTPAPIConfig{
			Start: false,
			Addr:  "127.0.0.1:8090",
		},
	}
}

// GetAllServers returns the enabled policy listeners.
func (c *Config) GetAllServers() []PolicyServerConfig {
	var servers []PolicyServerConfig
	for _, s := range c.Servers {
		if s.IsEnabled() {
			servers = append(servers, s)
		}
	}
	return servers
}

// Validate checks the configuration for errors that would prevent startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if len(c.Database.Hosts) == 0 {
			return fmt.Errorf("database: at least one host is required for driver %q", DriverPostgres)
		}
		if _, err := c.Database.GetPort(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database: path is required for driver %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("database: unknown driver %q (want %q or %q)", c.Database.Driver, DriverPostgres, DriverSQLite)
	}

	for _, check := range c.Access.GetChecks() {
		if !slices.Contains(CheckKinds, check) {
			return fmt.Errorf("access: unknown check %q, must be one of: %s", check, strings.Join(CheckKinds, ", "))
		}
	}
	if err := validateVerb("access.default_action", c.Access.GetDefaultAction()); err != nil {
		return err
	}
	if c.Access.FallbackAction != "" {
		if err := validateVerb("access.fallback_action", c.Access.FallbackAction); err != nil {
			return err
		}
	}

	if c.HTTPAPI.Start && c.HTTPAPI.Addr == "" {
		return fmt.Errorf("http_api: addr is required when start = true")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics: addr is required when enabled = true")
	}

	seen := make(map[string]bool)
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Disabled {
			continue
		}
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func validateVerb(field, verb string) error {
	if verb == "" || strings.ContainsAny(verb, " \t\r\n") {
		return fmt.Errorf("%s: invalid action verb %q", field, verb)
	}
	return nil
}
