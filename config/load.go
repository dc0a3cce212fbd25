package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadConfigFromFile decodes configPath on top of cfg. Unknown keys and
// duplicate keys are reported as warnings rather than errors so that a
// slightly stale config file does not keep the policy service from starting
// (Postfix defers mail while it is down).
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "has already been defined") {
			return enhanceConfigError(err)
		}
		log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %v", configPath, err)
		log.Printf("WARNING: Only the first occurrence of each key will be used.")

		metadata, err = toml.Decode(dropDuplicateKeys(string(content)), cfg)
		if err != nil {
			return enhanceConfigError(err)
		}
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	warnUnusedOptions(cfg)
	return nil
}

// dropDuplicateKeys comments out every repeated key within a table. Each
// [[array]] element starts with a fresh key set.
func dropDuplicateKeys(content string) string {
	lines := strings.Split(content, "\n")
	seen := make(map[string]int)
	section := ""

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
			continue
		case strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]"):
			section = strings.TrimSpace(trimmed[2 : len(trimmed)-2])
			for k := range seen {
				if strings.HasPrefix(k, section+".") {
					delete(seen, k)
				}
			}
			continue
		case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
			section = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			continue
		}

		key, _, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		full := strings.TrimSpace(key)
		if section != "" {
			full = section + "." + full
		}
		if first, dup := seen[full]; dup {
			log.Printf("WARNING: Duplicate key '%s' at line %d (first at line %d) ignored", full, i+1, first+1)
			lines[i] = "# DUPLICATE IGNORED: " + line
			continue
		}
		seen[full] = i
	}
	return strings.Join(lines, "\n")
}

func enhanceConfigError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "has already been defined"):
		return fmt.Errorf("%w\n\nHINT: a configuration key appears twice in the same section", err)
	case strings.Contains(msg, `expected value but found "f"`),
		strings.Contains(msg, `expected value but found "t"`):
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	case strings.Contains(msg, "expected"), strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w\n\nHINT: there is a syntax error in the TOML file; check quoting, brackets and [section]/[[server]] headers", err)
	}
	return err
}

// warnUnusedOptions logs settings that have no effect with the rest of the
// configuration.
func warnUnusedOptions(cfg *Config) {
	db := &cfg.Database
	if db.Driver == DriverSQLite && db.Password != "" {
		log.Printf("WARNING: database.password is ignored with driver %q", DriverSQLite)
	}
	if !cfg.Access.Cache.Enabled && (cfg.Access.Cache.PositiveTTL != "" && cfg.Access.Cache.PositiveTTL != "5m") {
		log.Printf("WARNING: access.cache.positive_ttl is set but the cache is disabled")
	}
	if cfg.Access.FallbackArgument != "" && cfg.Access.FallbackAction == "" {
		log.Printf("WARNING: access.fallback_argument has no effect without access.fallback_action")
	}
	for _, s := range cfg.Servers {
		if s.SocketMode != "" && !strings.HasPrefix(s.Addr, "unix:") && !strings.HasPrefix(s.Addr, "/") {
			log.Printf("WARNING: server '%s': socket_mode only applies to unix sockets (addr %q)", s.Name, s.Addr)
		}
	}
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	case reflect.Interface:
		// Port may decode as either a string or an integer
		if !v.IsNil() && v.Elem().Kind() == reflect.String {
			v.Set(reflect.ValueOf(strings.TrimSpace(v.Elem().String())))
		}
	}
}
