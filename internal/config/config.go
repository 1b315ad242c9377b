// Package config provides centralized configuration using viper.
// Precedence: explicit Set > environment variables > config file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the configuration system: defaults, environment
// bindings, and the optional <root>/config.yaml file. Safe to call more
// than once; later calls rebuild the instance.
func Initialize() error {
	v = viper.New()

	// Defaults
	v.SetDefault("root", "")
	v.SetDefault("name", "")
	v.SetDefault("backend", "")
	v.SetDefault("format", "pipe")
	v.SetDefault("semantic", false)
	v.SetDefault("use-redis", false)
	v.SetDefault("postgres-url", "")
	v.SetDefault("redis-url", "redis://localhost:6379")
	v.SetDefault("nats-url", "")
	v.SetDefault("data-dir", "")
	v.SetDefault("force-ascii", false)
	v.SetDefault("debug", false)
	v.SetDefault("telemetry", false)
	v.SetDefault("serve-addr", ":8723")
	v.SetDefault("stats-log", true)

	// Environment bindings. Names are historical, so each key is bound
	// explicitly instead of via a single prefix.
	bind := func(key string, envs ...string) {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
	bind("root", "TEAMBOOK_ROOT")
	bind("name", "TEAMBOOK_NAME")
	bind("backend", "TEAMBOOK_BACKEND")
	bind("format", "TEAMBOOK_FORMAT")
	bind("semantic", "TEAMBOOK_SEMANTIC")
	bind("postgres-url", "POSTGRES_URL", "DATABASE_URL")
	bind("use-redis", "USE_REDIS")
	bind("redis-url", "REDIS_URL")
	bind("nats-url", "TEAMBOOK_NATS_URL")
	bind("data-dir", "MCP_DATA_DIR")
	bind("force-ascii", "TEAMBOOK_FORCE_ASCII", "MCP_FORCE_ASCII")
	bind("debug", "TEAMBOOK_DEBUG")
	bind("telemetry", "TEAMBOOK_TELEMETRY")
	bind("serve-addr", "TEAMBOOK_SERVE_ADDR")
	bind("stats-log", "TEAMBOOK_STATS_LOG")

	// Optional config file at the storage root.
	if root := rootDirUnchecked(); root != "" {
		path := filepath.Join(root, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			v.SetConfigType("yaml")
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	return nil
}

// GetString returns a string config value. Nil-safe before Initialize.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool returns a boolean config value. Nil-safe before Initialize.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt returns an integer config value. Nil-safe before Initialize.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration returns a duration config value. Nil-safe before Initialize.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a config value for this process. Used by flag wiring and
// tests.
func Set(key string, value any) {
	if v == nil {
		_ = Initialize()
	}
	v.Set(key, value)
}

// Debug reports whether debug logging is enabled.
func Debug() bool {
	return GetBool("debug")
}

// JSONOutput reports whether responses should render as JSON rather than
// pipe-delimited text.
func JSONOutput() bool {
	return GetString("format") == "json"
}
