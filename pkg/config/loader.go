package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "POOLKEEPER"

// legacyEnv maps configuration keys to the variable names older
// deployments export. The prefixed name always wins.
var legacyEnv = map[string][]string{
	"pool.min_connections":       {"DB_POOL_MIN_CONNECTIONS"},
	"pool.max_connections":       {"DB_POOL_MAX_CONNECTIONS"},
	"pool.acquire_timeout":       {"DB_POOL_CONNECTION_TIMEOUT"},
	"pool.validation_timeout":    {"DB_POOL_VALIDATION_TIMEOUT"},
	"pool.retry_attempts":        {"DB_POOL_RETRY_ATTEMPTS"},
	"pool.retry_delay":           {"DB_POOL_RETRY_DELAY"},
	"pool.health_check_interval": {"DB_POOL_HEALTH_CHECK_INTERVAL"},
	"pool.connection_max_age":    {"DB_POOL_CONNECTION_MAX_AGE"},
	"pool.enable_statistics":     {"DB_POOL_ENABLE_STATISTICS"},
	"pool.enable_leak_detection": {"DB_POOL_ENABLE_LEAK_DETECTION"},

	"database.path":         {"DATABASE_PATH"},
	"database.busy_timeout": {"SQLITE_TIMEOUT"},
	"database.journal_mode": {"SQLITE_JOURNAL_MODE"},
	"database.synchronous":  {"SQLITE_SYNCHRONOUS"},
	"database.cache_size":   {"SQLITE_CACHE_SIZE"},
	"database.temp_store":   {"SQLITE_TEMP_STORE"},
	"database.foreign_keys": {"SQLITE_FOREIGN_KEYS"},
	"database.dsn":          {"DATABASE_URL"},

	"monitoring.enabled":                            {"POOL_MONITORING_ENABLED"},
	"monitoring.collection_interval":                {"POOL_MONITORING_INTERVAL"},
	"monitoring.history_size":                       {"POOL_MONITORING_HISTORY_SIZE"},
	"monitoring.alerts_enabled":                     {"POOL_ALERTS_ENABLED"},
	"monitoring.export_interval":                    {"POOL_EXPORT_INTERVAL"},
	"monitoring.export_directory":                   {"POOL_EXPORT_DIRECTORY"},
	"monitoring.thresholds.utilization":             {"POOL_ALERT_CONNECTION_UTILIZATION"},
	"monitoring.thresholds.borrow_time":             {"POOL_ALERT_BORROW_TIME"},
	"monitoring.thresholds.validation_failure_rate": {"POOL_ALERT_VALIDATION_FAILURE"},
	"monitoring.thresholds.timeout_rate":            {"POOL_ALERT_TIMEOUT_ERROR"},

	"application.name":            {"APP_NAME"},
	"application.debug":           {"FLASK_DEBUG"},
	"application.host":            {"FLASK_HOST"},
	"application.port":            {"FLASK_PORT"},
	"application.request_timeout": {"REQUEST_TIMEOUT"},
	"application.session_timeout": {"SESSION_TIMEOUT"},
	"logging.level":               {"LOG_LEVEL"},
}

var durationType = reflect.TypeOf(time.Duration(0))

// durationHook accepts Go duration strings and bare numbers, which are
// read as seconds.
func durationHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != durationType || f == durationType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			s := strings.TrimSpace(v)
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				return secondsToDuration(secs), nil
			}
			return time.ParseDuration(s)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case uint64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return secondsToDuration(v), nil
		}
		return data, nil
	}
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

func decode(v *viper.Viper, cfg *Config) error {
	return v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		mapstructure.StringToSliceHookFunc(","),
	)))
}

// toMap renders cfg as a nested map with human readable durations
func toMap(cfg *Config) (map[string]interface{}, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(prefix string, in map[string]interface{}, out map[string]interface{}) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

// seed registers every field of base as a viper default and returns the
// set of known dotted keys. Registering defaults is what lets
// AutomaticEnv see nested keys during Unmarshal.
func seed(v *viper.Viper, base *Config) (map[string]bool, error) {
	nested, err := toMap(base)
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	flat := make(map[string]interface{})
	flatten("", nested, flat)

	keys := make(map[string]bool, len(flat))
	for k, val := range flat {
		v.SetDefault(k, val)
		keys[k] = true
	}
	return keys, nil
}

func bindEnv(v *viper.Viper, keys map[string]bool) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, aliases := range legacyEnv {
		if !keys[key] {
			continue
		}
		names := append([]string{envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	return nil
}

// Load builds the active configuration in a single pass: defaults, then
// the optional file, then environment variables, then the profile
// overrides of env. An empty env is detected from the process environment.
func Load(configPath string, env Environment) (*Config, error) {
	v := viper.New()
	keys, err := seed(v, DefaultConfig())
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		if _, statErr := os.Stat(configPath); statErr != nil {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults and environment")
			configPath = ""
		} else {
			v.SetConfigFile(configPath)
		}
	}
	if configPath == "" {
		v.SetConfigName("poolkeeper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/poolkeeper")
		v.AddConfigPath("/etc/poolkeeper")
	}

	if err := bindEnv(v, keys); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, &ConfigurationError{Err: fmt.Errorf("failed to read config file: %w", err)}
		}
	}
	if used := v.ConfigFileUsed(); used != "" {
		if err := ValidateFile(used); err != nil {
			return nil, err
		}
		log.Debug().Str("path", used).Msg("Loaded config file")
	}

	cfg := &Config{}
	if err := decode(v, cfg); err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("failed to unmarshal config: %w", err)}
	}

	cfg.Logging.Level = normalizeLevel(cfg.Logging.Level)

	if env == "" {
		env = resolveEnvironment(cfg.Application.Environment)
	}
	ApplyProfile(cfg, env)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveEnvironment prefers the process environment, then the value that
// came from the file.
func resolveEnvironment(fromFile string) Environment {
	if env, ok := detectEnvironment(); ok {
		return env
	}
	if env, err := ParseEnvironment(fromFile); err == nil {
		return env
	}
	return Development
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return "warn"
	}
	return level
}
