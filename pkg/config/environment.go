package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Environment names a deployment profile
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

var environmentAliases = map[string]Environment{
	"development": Development,
	"dev":         Development,
	"testing":     Testing,
	"test":        Testing,
	"staging":     Staging,
	"stage":       Staging,
	"production":  Production,
	"prod":        Production,
}

// Environments lists every known profile in a stable order
func Environments() []Environment {
	return []Environment{Development, Testing, Staging, Production}
}

// ParseEnvironment resolves a profile name or alias
func ParseEnvironment(name string) (Environment, error) {
	env, ok := environmentAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("unknown environment %q", name)
	}
	return env, nil
}

// DetectEnvironment reads POOLKEEPER_ENV, APP_ENV and FLASK_ENV in that
// order and falls back to development.
func DetectEnvironment() Environment {
	if env, ok := detectEnvironment(); ok {
		return env
	}
	return Development
}

func detectEnvironment() (Environment, bool) {
	for _, key := range []string{envPrefix + "_ENV", "APP_ENV", "FLASK_ENV"} {
		if value := os.Getenv(key); value != "" {
			if env, err := ParseEnvironment(value); err == nil {
				return env, true
			}
		}
	}
	return "", false
}

// ApplyProfile applies the overrides of the given profile in place
func ApplyProfile(cfg *Config, env Environment) {
	cfg.Application.Environment = string(env)

	switch env {
	case Production:
		cfg.Application.Debug = false
		cfg.Pool.EnableStatistics = true
		cfg.Monitoring.Enabled = true
		cfg.Monitoring.AlertsEnabled = true
	case Development:
		cfg.Application.Debug = true
		cfg.Logging.Level = "debug"
		cfg.Pool.MinConnections = max(1, cfg.Pool.MinConnections/2)
		cfg.Pool.MaxConnections = max(3, cfg.Pool.MaxConnections/2)
	case Testing:
		cfg.Pool.MinConnections = 1
		cfg.Pool.MaxConnections = 3
		cfg.Monitoring.Enabled = false
		cfg.Monitoring.AlertsEnabled = false
	case Staging:
	}
}

// pinnedViolations lists the keys of cfg that contradict a setting env
// always enforces.
func pinnedViolations(cfg *Config, env Environment) []string {
	var keys []string
	check := func(key string, ok bool) {
		if !ok {
			keys = append(keys, key)
		}
	}
	check("application.environment", cfg.Application.Environment == string(env))
	switch env {
	case Production:
		check("application.debug", !cfg.Application.Debug)
		check("pool.enable_statistics", cfg.Pool.EnableStatistics)
		check("monitoring.enabled", cfg.Monitoring.Enabled)
		check("monitoring.alerts_enabled", cfg.Monitoring.AlertsEnabled)
	case Development:
		check("application.debug", cfg.Application.Debug)
	case Testing:
		check("monitoring.enabled", !cfg.Monitoring.Enabled)
		check("monitoring.alerts_enabled", !cfg.Monitoring.AlertsEnabled)
	}
	return keys
}

var templateOverrides = map[Environment]map[string]string{
	Development: {
		"POOLKEEPER_POOL_MIN_CONNECTIONS": "2",
		"POOLKEEPER_POOL_MAX_CONNECTIONS": "5",
		"POOLKEEPER_APPLICATION_DEBUG":    "true",
		"POOLKEEPER_LOGGING_LEVEL":        "debug",
		"POOLKEEPER_LOGGING_FORMAT":       "console",
		"POOLKEEPER_MONITORING_ENABLED":   "true",
	},
	Testing: {
		"POOLKEEPER_POOL_MIN_CONNECTIONS": "1",
		"POOLKEEPER_POOL_MAX_CONNECTIONS": "3",
		"POOLKEEPER_APPLICATION_DEBUG":    "false",
		"POOLKEEPER_LOGGING_LEVEL":        "warn",
		"POOLKEEPER_MONITORING_ENABLED":   "false",
	},
	Staging: {
		"POOLKEEPER_POOL_MIN_CONNECTIONS": "3",
		"POOLKEEPER_POOL_MAX_CONNECTIONS": "8",
		"POOLKEEPER_APPLICATION_DEBUG":    "false",
		"POOLKEEPER_LOGGING_LEVEL":        "info",
		"POOLKEEPER_MONITORING_ENABLED":   "true",
	},
	Production: {
		"POOLKEEPER_POOL_MIN_CONNECTIONS": "5",
		"POOLKEEPER_POOL_MAX_CONNECTIONS": "15",
		"POOLKEEPER_APPLICATION_DEBUG":    "false",
		"POOLKEEPER_LOGGING_LEVEL":        "warn",
		"POOLKEEPER_MONITORING_ENABLED":   "true",
		"POOLKEEPER_TRACING_ENABLED":      "true",
		"POOLKEEPER_TRACING_EXPORTER":     "otlp",
	},
}

// EnvironmentTemplate renders an env-file template for the given profile
func EnvironmentTemplate(env Environment) string {
	vars := map[string]string{
		"POOLKEEPER_ENV":                        string(env),
		"POOLKEEPER_DATABASE_PATH":              "data/recipes.db",
		"POOLKEEPER_APPLICATION_HOST":           "0.0.0.0",
		"POOLKEEPER_APPLICATION_PORT":           "5000",
		"POOLKEEPER_POOL_ACQUIRE_TIMEOUT":       "30s",
		"POOLKEEPER_POOL_VALIDATION_TIMEOUT":    "5s",
		"POOLKEEPER_POOL_HEALTH_CHECK_INTERVAL": "5m",
		"POOLKEEPER_DATABASE_JOURNAL_MODE":      "WAL",
		"POOLKEEPER_DATABASE_SYNCHRONOUS":       "NORMAL",
		"POOLKEEPER_DATABASE_CACHE_SIZE":        "10000",
	}
	for k, v := range templateOverrides[env] {
		vars[k] = v
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	title := string(env)
	if title != "" {
		title = strings.ToUpper(title[:1]) + title[1:]
	}
	fmt.Fprintf(&b, "# poolkeeper - %s environment\n", title)
	b.WriteString("# Generated configuration template\n\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, vars[k])
	}
	return b.String()
}
