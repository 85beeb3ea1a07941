package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete poolkeeper configuration
type Config struct {
	Pool        PoolConfig        `yaml:"pool" mapstructure:"pool"`
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Application ApplicationConfig `yaml:"application" mapstructure:"application"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	Tracing     TracingConfig     `yaml:"tracing" mapstructure:"tracing"`
	Admin       AdminConfig       `yaml:"admin" mapstructure:"admin"`
	Shutdown    ShutdownConfig    `yaml:"shutdown" mapstructure:"shutdown"`
}

// PoolConfig holds connection pool sizing and timing
type PoolConfig struct {
	MinConnections      int           `yaml:"min_connections" mapstructure:"min_connections"`
	MaxConnections      int           `yaml:"max_connections" mapstructure:"max_connections"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	ValidationTimeout   time.Duration `yaml:"validation_timeout" mapstructure:"validation_timeout"`
	RetryAttempts       int           `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelay          time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" mapstructure:"health_check_interval"`
	ConnectionMaxAge    time.Duration `yaml:"connection_max_age" mapstructure:"connection_max_age"`
	MaxErrorCount       int           `yaml:"max_error_count" mapstructure:"max_error_count"`
	LeakThreshold       time.Duration `yaml:"leak_threshold" mapstructure:"leak_threshold"`
	EnableStatistics    bool          `yaml:"enable_statistics" mapstructure:"enable_statistics"`
	EnableLeakDetection bool          `yaml:"enable_leak_detection" mapstructure:"enable_leak_detection"`
}

// DatabaseConfig describes the backing store the pool connects to
type DatabaseConfig struct {
	Driver      string        `yaml:"driver" mapstructure:"driver"`
	Path        string        `yaml:"path" mapstructure:"path"`
	DSN         string        `yaml:"dsn" mapstructure:"dsn"`
	BusyTimeout time.Duration `yaml:"busy_timeout" mapstructure:"busy_timeout"`
	JournalMode string        `yaml:"journal_mode" mapstructure:"journal_mode"`
	Synchronous string        `yaml:"synchronous" mapstructure:"synchronous"`
	CacheSize   int           `yaml:"cache_size" mapstructure:"cache_size"`
	TempStore   string        `yaml:"temp_store" mapstructure:"temp_store"`
	ForeignKeys bool          `yaml:"foreign_keys" mapstructure:"foreign_keys"`
}

// MonitoringConfig holds pool monitor and alert settings
type MonitoringConfig struct {
	Enabled            bool          `yaml:"enabled" mapstructure:"enabled"`
	CollectionInterval time.Duration `yaml:"collection_interval" mapstructure:"collection_interval"`
	HistorySize        int           `yaml:"history_size" mapstructure:"history_size"`
	AlertsEnabled      bool          `yaml:"alerts_enabled" mapstructure:"alerts_enabled"`
	ExportInterval     time.Duration `yaml:"export_interval" mapstructure:"export_interval"`
	ExportDirectory    string        `yaml:"export_directory" mapstructure:"export_directory"`
	PersistPath        string        `yaml:"persist_path" mapstructure:"persist_path"`
	Retention          time.Duration `yaml:"retention" mapstructure:"retention"`
	Thresholds         Thresholds    `yaml:"thresholds" mapstructure:"thresholds"`
}

// Thresholds are the alerting and health-scoring limits
type Thresholds struct {
	Utilization           float64       `yaml:"utilization" mapstructure:"utilization"`
	BorrowTime            time.Duration `yaml:"borrow_time" mapstructure:"borrow_time"`
	ValidationFailureRate float64       `yaml:"validation_failure_rate" mapstructure:"validation_failure_rate"`
	TimeoutRate           float64       `yaml:"timeout_rate" mapstructure:"timeout_rate"`
	PoolExhaustion        float64       `yaml:"pool_exhaustion" mapstructure:"pool_exhaustion"`
	ConnectionErrorRate   float64       `yaml:"connection_error_rate" mapstructure:"connection_error_rate"`
}

// ApplicationConfig holds process-level settings
type ApplicationConfig struct {
	Name           string        `yaml:"name" mapstructure:"name"`
	Environment    string        `yaml:"environment" mapstructure:"environment"`
	Debug          bool          `yaml:"debug" mapstructure:"debug"`
	Host           string        `yaml:"host" mapstructure:"host"`
	Port           int           `yaml:"port" mapstructure:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	SessionTimeout time.Duration `yaml:"session_timeout" mapstructure:"session_timeout"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
}

// TracingConfig selects the OpenTelemetry exporter
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	Exporter    string  `yaml:"exporter" mapstructure:"exporter"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

// AdminConfig controls the operational HTTP surface
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" mapstructure:"address"`
	Port    int    `yaml:"port" mapstructure:"port"`
}

// ShutdownConfig bounds the teardown sequence
type ShutdownConfig struct {
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	PoolDrainTimeout time.Duration `yaml:"pool_drain_timeout" mapstructure:"pool_drain_timeout"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MinConnections:      3,
			MaxConnections:      10,
			AcquireTimeout:      30 * time.Second,
			ValidationTimeout:   5 * time.Second,
			RetryAttempts:       3,
			RetryDelay:          1 * time.Second,
			HealthCheckInterval: 5 * time.Minute,
			ConnectionMaxAge:    1 * time.Hour,
			MaxErrorCount:       3,
			LeakThreshold:       5 * time.Minute,
			EnableStatistics:    true,
			EnableLeakDetection: true,
		},
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			Path:        "data/recipes.db",
			BusyTimeout: 30 * time.Second,
			JournalMode: "WAL",
			Synchronous: "NORMAL",
			CacheSize:   10000,
			TempStore:   "MEMORY",
			ForeignKeys: true,
		},
		Monitoring: MonitoringConfig{
			Enabled:            true,
			CollectionInterval: 10 * time.Second,
			HistorySize:        1000,
			AlertsEnabled:      true,
			ExportInterval:     0,
			ExportDirectory:    "exports",
			Retention:          7 * 24 * time.Hour,
			Thresholds: Thresholds{
				Utilization:           80.0,
				BorrowTime:            5 * time.Second,
				ValidationFailureRate: 5.0,
				TimeoutRate:           2.0,
				PoolExhaustion:        95.0,
				ConnectionErrorRate:   5.0,
			},
		},
		Application: ApplicationConfig{
			Name:           "poolkeeper",
			Environment:    string(Development),
			Debug:          false,
			Host:           "127.0.0.1",
			Port:           5000,
			RequestTimeout: 30 * time.Second,
			SessionTimeout: 1 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "poolkeeper",
			Exporter:    "stdout",
			SampleRate:  1.0,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: "127.0.0.1",
			Port:    8089,
		},
		Shutdown: ShutdownConfig{
			Timeout:          30 * time.Second,
			PoolDrainTimeout: 10 * time.Second,
		},
	}
}

// Clone returns a deep copy; Config holds no reference types
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// SaveConfig saves the configuration to a YAML file
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks every cross-field rule and reports all violations at once
func (c *Config) Validate() error {
	var problems []string
	fail := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	p := c.Pool
	if p.MinConnections < 1 {
		fail("pool.min_connections must be at least 1 (got %d)", p.MinConnections)
	}
	if p.MaxConnections < p.MinConnections {
		fail("pool.max_connections (%d) must be >= pool.min_connections (%d)", p.MaxConnections, p.MinConnections)
	}
	if p.AcquireTimeout <= 0 {
		fail("pool.acquire_timeout must be positive")
	}
	if p.ValidationTimeout <= 0 {
		fail("pool.validation_timeout must be positive")
	}
	if p.RetryAttempts < 1 {
		fail("pool.retry_attempts must be at least 1")
	}
	if p.RetryDelay <= 0 {
		fail("pool.retry_delay must be positive")
	}
	if p.HealthCheckInterval <= 0 {
		fail("pool.health_check_interval must be positive")
	}
	if p.ConnectionMaxAge <= 0 {
		fail("pool.connection_max_age must be positive")
	}
	if p.MaxErrorCount < 1 {
		fail("pool.max_error_count must be at least 1")
	}
	if p.EnableLeakDetection && p.LeakThreshold <= 0 {
		fail("pool.leak_threshold must be positive when leak detection is enabled")
	}

	d := c.Database
	switch d.Driver {
	case "sqlite3":
		if d.Path == "" {
			fail("database.path cannot be empty")
		}
		if d.CacheSize < 1000 {
			fail("database.cache_size must be at least 1000")
		}
		if d.BusyTimeout <= 0 {
			fail("database.busy_timeout must be positive")
		}
	case "postgres":
		if d.DSN == "" {
			fail("database.dsn cannot be empty for postgres")
		}
	default:
		fail("invalid database.driver: %q (must be sqlite3 or postgres)", d.Driver)
	}

	m := c.Monitoring
	if m.CollectionInterval <= 0 {
		fail("monitoring.collection_interval must be positive")
	}
	if m.HistorySize < 10 {
		fail("monitoring.history_size must be at least 10")
	}
	if m.ExportInterval < 0 {
		fail("monitoring.export_interval cannot be negative")
	}
	if m.Retention < 0 {
		fail("monitoring.retention cannot be negative")
	}
	t := m.Thresholds
	percentages := []struct {
		name  string
		value float64
	}{
		{"utilization", t.Utilization},
		{"validation_failure_rate", t.ValidationFailureRate},
		{"timeout_rate", t.TimeoutRate},
		{"pool_exhaustion", t.PoolExhaustion},
		{"connection_error_rate", t.ConnectionErrorRate},
	}
	for _, pct := range percentages {
		if pct.value < 0 || pct.value > 100 {
			fail("monitoring.thresholds.%s must be within 0-100 (got %.2f)", pct.name, pct.value)
		}
	}
	if t.BorrowTime <= 0 {
		fail("monitoring.thresholds.borrow_time must be positive")
	}

	a := c.Application
	if _, err := ParseEnvironment(a.Environment); err != nil {
		fail("application.environment: %v", err)
	}
	if a.Port < 1 || a.Port > 65535 {
		fail("invalid application.port: %d (must be between 1 and 65535)", a.Port)
	}
	if a.SessionTimeout < time.Minute {
		fail("application.session_timeout must be at least 60s")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		fail("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[c.Logging.Format] {
		fail("invalid logging.format: %s (must be json, text, or console)", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "otlp", "jaeger":
		default:
			fail("invalid tracing.exporter: %s (must be stdout, otlp, or jaeger)", c.Tracing.Exporter)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			fail("tracing.sample_rate must be within 0-1")
		}
	}

	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		fail("invalid admin.port: %d (must be between 1 and 65535)", c.Admin.Port)
	}

	if c.Shutdown.Timeout <= 0 {
		fail("shutdown.timeout must be positive")
	}
	if c.Shutdown.PoolDrainTimeout <= 0 {
		fail("shutdown.pool_drain_timeout must be positive")
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// CreateDirectories creates directories referenced by the configuration
func (c *Config) CreateDirectories() error {
	var dirs []string
	if c.Database.Driver == "sqlite3" && c.Database.Path != "" && c.Database.Path != ":memory:" {
		dirs = append(dirs, filepath.Dir(c.Database.Path))
	}
	if c.Logging.OutputFile != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.OutputFile))
	}
	if c.Monitoring.ExportInterval > 0 && c.Monitoring.ExportDirectory != "" {
		dirs = append(dirs, c.Monitoring.ExportDirectory)
	}
	if c.Monitoring.PersistPath != "" {
		dirs = append(dirs, filepath.Dir(c.Monitoring.PersistPath))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
