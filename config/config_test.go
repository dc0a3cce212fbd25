package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig_Validates(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "DUNNO", cfg.Access.GetDefaultAction())
	assert.Equal(t, CheckKinds, cfg.Access.GetChecks())
	assert.Empty(t, cfg.GetAllServers())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: "unknown driver",
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "path is required",
		},
		{
			name: "postgres without hosts",
			mutate: func(c *Config) {
				c.Database.Driver = DriverPostgres
				c.Database.Hosts = nil
			},
			wantErr: "at least one host",
		},
		{
			name:    "unknown check",
			mutate:  func(c *Config) { c.Access.Checks = []string{"client", "country"} },
			wantErr: `unknown check "country"`,
		},
		{
			name:    "bad fallback verb",
			mutate:  func(c *Config) { c.Access.FallbackAction = "DEFER IF" },
			wantErr: "access.fallback_action",
		},
		{
			name: "server without addr",
			mutate: func(c *Config) {
				c.Servers = []PolicyServerConfig{{Name: "smtpd"}}
			},
			wantErr: "address is required",
		},
		{
			name: "duplicate server names",
			mutate: func(c *Config) {
				c.Servers = []PolicyServerConfig{
					{Name: "smtpd", Addr: "127.0.0.1:10040"},
					{Name: "smtpd", Addr: "127.0.0.1:10041"},
				}
			},
			wantErr: "duplicate server name",
		},
		{
			name: "bad socket mode",
			mutate: func(c *Config) {
				c.Servers = []PolicyServerConfig{{Name: "smtpd", Addr: "unix:/tmp/p.sock", SocketMode: "rw-rw----"}}
			},
			wantErr: "invalid socket_mode",
		},
		{
			name: "disabled servers are not validated",
			mutate: func(c *Config) {
				c.Servers = []PolicyServerConfig{{Name: "old", Disabled: true}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPolicyServerConfig_Defaults(t *testing.T) {
	s := PolicyServerConfig{Name: "smtpd", Addr: "127.0.0.1:10040"}

	assert.True(t, s.IsEnabled())
	assert.Equal(t, 10*time.Second, s.GetHandlerTimeoutWithDefault())
	assert.Equal(t, 5*time.Minute, s.GetIdleTimeoutWithDefault())
	assert.Equal(t, 10*time.Second, s.GetWriteTimeoutWithDefault())
	assert.Equal(t, 30*time.Minute, s.GetSessionTimeoutWithDefault())
	assert.Equal(t, 8192, s.GetMaxLineLengthWithDefault())
	assert.Equal(t, 65536, s.GetMaxRequestSizeWithDefault())
	assert.Equal(t, 256, s.GetMaxAttributesWithDefault())

	mode, err := s.GetSocketMode()
	require.NoError(t, err)
	assert.Zero(t, mode)
}

func TestPolicyServerConfig_ExplicitValues(t *testing.T) {
	s := PolicyServerConfig{
		Name:           "smtpd",
		Addr:           "unix:/run/policyd.sock",
		SocketMode:     "0660",
		HandlerTimeout: "2s",
		IdleTimeout:    "1d",
		MaxLineLength:  "16KiB",
		MaxRequestSize: "1MB",
	}

	assert.Equal(t, 2*time.Second, s.GetHandlerTimeoutWithDefault())
	assert.Equal(t, 24*time.Hour, s.GetIdleTimeoutWithDefault())
	assert.Equal(t, 16384, s.GetMaxLineLengthWithDefault())
	assert.Equal(t, 1000000, s.GetMaxRequestSizeWithDefault())

	mode, err := s.GetSocketMode()
	require.NoError(t, err)
	assert.Equal(t, uint32(0o660), mode)
}

func TestPolicyServerConfig_InvalidFallsBackToDefault(t *testing.T) {
	s := PolicyServerConfig{Name: "smtpd", HandlerTimeout: "soon", MaxLineLength: "big"}

	assert.Equal(t, 10*time.Second, s.GetHandlerTimeoutWithDefault())
	assert.Equal(t, 8192, s.GetMaxLineLengthWithDefault())
}

func TestDatabaseConfig_GetPort(t *testing.T) {
	tests := []struct {
		port    interface{}
		want    int
		wantErr bool
	}{
		{nil, 5432, false},
		{"", 5432, false},
		{"6432", 6432, false},
		{int64(6543), 6543, false},
		{"pg", 0, true},
		{3.5, 0, true},
	}
	for _, tt := range tests {
		d := DatabaseConfig{Port: tt.port}
		got, err := d.GetPort()
		if tt.wantErr {
			assert.Error(t, err, "port %v", tt.port)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestCircuitBreakerConfig_Defaults(t *testing.T) {
	var c CircuitBreakerConfig

	assert.Equal(t, uint32(3), c.GetMaxRequests())
	assert.Equal(t, 0.6, c.GetFailureRatio())
	assert.Equal(t, uint32(5), c.GetMinRequests())

	timeout, err := c.GetTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)

	c.Timeout = "never"
	_, err = c.GetTimeout()
	assert.Error(t, err)
}

func TestAccessCacheConfig_Defaults(t *testing.T) {
	var c AccessCacheConfig

	pos, err := c.GetPositiveTTL()
	require.NoError(t, err)
	neg, err := c.GetNegativeTTL()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, pos)
	assert.Equal(t, time.Minute, neg)
	assert.Equal(t, 100000, c.GetMaxSize())
}
