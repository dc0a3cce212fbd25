package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policyd.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	return path
}

// TestLoadConfigFromFile_UnknownKeys tests that unknown keys produce warnings but don't fail
func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[database]
driver = "postgres"
hosts = ["db1", "db2:5433"]
user = "policyd"

# Unknown keys
unknown_key = "should warn"

[[server]]
name = "smtpd"
addr = "unix:/run/policyd/policy.sock"
another_unknown = "value"
`)

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFromFile returned unexpected error: %v", err)
	}
	if cfg.Database.Driver != DriverPostgres {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	if len(cfg.Database.Hosts) != 2 || cfg.Database.Hosts[1] != "db2:5433" {
		t.Errorf("hosts = %v", cfg.Database.Hosts)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Addr != "unix:/run/policyd/policy.sock" {
		t.Errorf("servers = %+v", cfg.Servers)
	}
}

func TestLoadConfigFromFile_TrimsStrings(t *testing.T) {
	path := writeConfig(t, `
[access]
default_action = "  dunno "
checks = [" client ", "sender"]

[database]
port = " 6543 "
`)

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}
	if cfg.Access.DefaultAction != "dunno" {
		t.Errorf("default_action = %q", cfg.Access.DefaultAction)
	}
	if cfg.Access.Checks[0] != "client" {
		t.Errorf("checks[0] = %q", cfg.Access.Checks[0])
	}
	port, err := cfg.Database.GetPort()
	if err != nil || port != 6543 {
		t.Errorf("GetPort() = %d, %v", port, err)
	}
}

func TestEnhanceConfigError_BooleanVariants(t *testing.T) {
	tests := []struct {
		name        string
		errorMsg    string
		shouldMatch bool
	}{
		{"f instead of false", `toml: line 5: expected value but found "f" instead`, true},
		{"t instead of true", `toml: line 5: expected value but found "t" instead`, true},
		{"regular syntax error", `toml: line 5: expected value but found "[" instead`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enhanced := enhanceConfigError(errors.New(tt.errorMsg))
			hasBooleanHint := strings.Contains(enhanced.Error(), "boolean values must be")

			if tt.shouldMatch != hasBooleanHint {
				t.Errorf("boolean hint = %v for %q", hasBooleanHint, tt.errorMsg)
			}
			if !strings.Contains(enhanced.Error(), tt.errorMsg) {
				t.Error("Enhanced error should contain original error message")
			}
		})
	}
}

func TestLoadConfigFromFile_BooleanTypo(t *testing.T) {
	path := writeConfig(t, `
[database]
auto_migrate = f
`)

	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	if err == nil {
		t.Fatal("Expected error for 'f' instead of 'false'")
	}
	if !strings.Contains(err.Error(), "boolean values must be") {
		t.Errorf("Expected boolean hint in error, got: %v", err)
	}
}

func TestLoadConfigFromFile_DuplicateKeys(t *testing.T) {
	path := writeConfig(t, `
[database]
user = "postgres"
user = "admin"
`)

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFromFile should handle duplicates gracefully, got error: %v", err)
	}
	if cfg.Database.User != "postgres" {
		t.Errorf("Expected first value 'postgres', got: %s", cfg.Database.User)
	}
}

func TestDropDuplicateKeys_MultipleServers(t *testing.T) {
	content := `
[[server]]
name = "smtpd"
addr = "127.0.0.1:10040"

[[server]]
name = "submission"
addr = "127.0.0.1:10041"
addr = "127.0.0.1:10042"
`
	cleaned := dropDuplicateKeys(content)

	if strings.Count(cleaned, "# DUPLICATE IGNORED") != 1 {
		t.Fatalf("expected exactly one ignored line:\n%s", cleaned)
	}
	if !strings.Contains(cleaned, "# DUPLICATE IGNORED: addr = \"127.0.0.1:10042\"") {
		t.Errorf("wrong line ignored:\n%s", cleaned)
	}
	if strings.Contains(cleaned, "# DUPLICATE IGNORED: name") {
		t.Error("name in the second [[server]] must not be treated as a duplicate")
	}
}

func TestDropDuplicateKeys_NestedSections(t *testing.T) {
	content := `
[access.cache]
enabled = true

[access.circuit_breaker]
enabled = true
timeout = "30s"
timeout = "1m"
`
	cleaned := dropDuplicateKeys(content)
	if strings.Count(cleaned, "# DUPLICATE IGNORED") != 1 {
		t.Errorf("keys in sibling sections are distinct:\n%s", cleaned)
	}
}
