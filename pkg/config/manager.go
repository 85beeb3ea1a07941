package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Watcher is notified after every successful reload or update, in swap
// order. A watcher may itself call UpdateConfig, AddWatcher or
// RemoveWatcher; a change made from inside a watcher is delivered once the
// current round of watchers has finished.
type Watcher func(old, new *Config)

type watcherEntry struct {
	id int
	fn Watcher
}

type change struct {
	old, next *Config
}

// Manager owns the active configuration. Readers load it through an
// atomic pointer; writers are serialized and validate before the swap.
type Manager struct {
	path string
	env  Environment

	current atomic.Pointer[Config]

	// mu serializes swaps
	mu sync.Mutex

	notifyMu  sync.Mutex
	watchers  []watcherEntry
	nextID    int
	pending   []change
	notifying bool

	watchMu     sync.Mutex
	fsWatcher   *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchDone   chan struct{}
	reloadDelay time.Duration
}

// NewManager loads the initial configuration. An empty env is detected
// from the process environment.
func NewManager(configPath string, env Environment) (*Manager, error) {
	cfg, err := Load(configPath, env)
	if err != nil {
		return nil, err
	}
	return newManager(configPath, cfg), nil
}

// NewManagerFromConfig wraps an already validated configuration
func NewManagerFromConfig(cfg *Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newManager("", cfg.Clone()), nil
}

func newManager(path string, cfg *Config) *Manager {
	env, err := ParseEnvironment(cfg.Application.Environment)
	if err != nil {
		env = Development
	}
	m := &Manager{
		path:        path,
		env:         env,
		reloadDelay: 100 * time.Millisecond,
	}
	m.current.Store(cfg)
	return m
}

// Config returns the active configuration. Callers must not mutate it.
func (m *Manager) Config() *Config {
	return m.current.Load()
}

// Path is the config file backing the manager, empty when built in memory
func (m *Manager) Path() string {
	return m.path
}

// Environment returns the profile the manager was loaded with
func (m *Manager) Environment() Environment {
	return m.env
}

func (m *Manager) GetPoolConfig() PoolConfig {
	return m.Config().Pool
}

func (m *Manager) GetDatabaseConfig() DatabaseConfig {
	return m.Config().Database
}

func (m *Manager) GetMonitoringConfig() MonitoringConfig {
	return m.Config().Monitoring
}

func (m *Manager) GetApplicationConfig() ApplicationConfig {
	return m.Config().Application
}

// Reload re-reads defaults, file, environment and profile. An invalid
// result is rejected and the active configuration stays in force.
func (m *Manager) Reload() error {
	if err := m.reload(); err != nil {
		return err
	}
	m.dispatch()
	return nil
}

func (m *Manager) reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := Load(m.path, m.env)
	if err != nil {
		log.Error().Err(err).Str("path", m.path).Msg("Configuration reload rejected")
		return err
	}

	old := m.current.Swap(next)
	log.Info().Str("environment", string(m.env)).Msg("Configuration reloaded")
	m.enqueue(old, next)
	return nil
}

// UpdateConfig applies dotted-key overrides such as "pool.max_connections"
// on top of the active configuration. The merged result is validated as a
// whole before it is swapped in.
func (m *Manager) UpdateConfig(updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	if err := m.update(updates); err != nil {
		return err
	}
	m.dispatch()
	return nil
}

func (m *Manager) update(updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.current.Load()

	v := viper.New()
	keys, err := seed(v, old)
	if err != nil {
		return err
	}

	doc := make(map[string]interface{})
	for rawKey, value := range updates {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if !keys[key] {
			err := &ConfigurationError{Err: fmt.Errorf("%w: %s", ErrUnknownKey, rawKey)}
			log.Warn().Err(err).Msg("Configuration update rejected")
			return err
		}
		setNested(doc, strings.Split(key, "."), value)
		v.Set(key, value)
	}

	if err := ValidateDocument(doc); err != nil {
		log.Warn().Err(err).Msg("Configuration update rejected")
		return err
	}

	next := &Config{}
	if err := decode(v, next); err != nil {
		err = &ConfigurationError{Err: fmt.Errorf("failed to apply update: %w", err)}
		log.Warn().Err(err).Msg("Configuration update rejected")
		return err
	}
	next.Logging.Level = normalizeLevel(next.Logging.Level)

	if err := checkPinned(old, next, m.env); err != nil {
		log.Warn().Err(err).Str("environment", string(m.env)).Msg("Configuration update rejected")
		return err
	}

	if err := next.Validate(); err != nil {
		log.Warn().Err(err).Msg("Configuration update rejected")
		return err
	}

	m.current.Store(next)
	log.Info().Int("keys", len(updates)).Msg("Configuration updated")
	m.enqueue(old, next)
	return nil
}

func setNested(doc map[string]interface{}, path []string, value interface{}) {
	for _, part := range path[:len(path)-1] {
		child, ok := doc[part].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			doc[part] = child
		}
		doc = child
	}
	doc[path[len(path)-1]] = value
}

// AddWatcher registers fn and returns an id for RemoveWatcher
func (m *Manager) AddWatcher(fn Watcher) int {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.nextID++
	m.watchers = append(m.watchers, watcherEntry{id: m.nextID, fn: fn})
	return m.nextID
}

func (m *Manager) RemoveWatcher(id int) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for i, w := range m.watchers {
		if w.id == id {
			m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
			return
		}
	}
}

// enqueue runs with m.mu held so changes queue in swap order
func (m *Manager) enqueue(old, next *Config) {
	m.notifyMu.Lock()
	m.pending = append(m.pending, change{old: old, next: next})
	m.notifyMu.Unlock()
}

// dispatch delivers queued changes without holding any lock. When another
// call is already delivering, it picks up the new changes in order.
func (m *Manager) dispatch() {
	m.notifyMu.Lock()
	if m.notifying {
		m.notifyMu.Unlock()
		return
	}
	m.notifying = true
	for len(m.pending) > 0 {
		c := m.pending[0]
		m.pending = m.pending[1:]
		watchers := append([]watcherEntry(nil), m.watchers...)
		m.notifyMu.Unlock()

		for _, w := range watchers {
			callWatcher(w, c)
		}

		m.notifyMu.Lock()
	}
	m.notifying = false
	m.notifyMu.Unlock()
}

func callWatcher(w watcherEntry, c change) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("watcher", w.id).Msg("Config watcher panicked")
		}
	}()
	w.fn(c.old, c.next)
}

// Export writes the active configuration with a metadata header. The
// format follows the file extension (.json or yaml).
func (m *Manager) Export(path string) error {
	doc, err := toMap(m.Config())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	doc["_metadata"] = map[string]interface{}{
		"exported_at": time.Now().UTC().Format(time.RFC3339),
		"environment": string(m.env),
		"source":      m.path,
	}

	var data []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(doc, "", "  ")
	default:
		data, err = yaml.Marshal(doc)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config export: %w", err)
	}
	log.Info().Str("path", path).Msg("Configuration exported")
	return nil
}

// StartWatching reloads the configuration whenever its file is written
func (m *Manager) StartWatching(ctx context.Context) error {
	if m.path == "" {
		return fmt.Errorf("no config file to watch")
	}

	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.fsWatcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: editors often replace the file instead of writing it.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.fsWatcher = watcher
	m.watchCancel = cancel
	m.watchDone = make(chan struct{})

	go m.watchLoop(watchCtx, watcher, m.watchDone)

	log.Info().Str("path", m.path).Msg("Watching config file for changes")
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	target := filepath.Clean(m.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Let the writer finish before reading.
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.reloadDelay):
			}
			if err := m.Reload(); err != nil {
				log.Warn().Err(err).Msg("Keeping previous configuration after file change")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")
		}
	}
}

// StopWatching stops the file watcher and waits for its goroutine
func (m *Manager) StopWatching() error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	if m.fsWatcher == nil {
		return nil
	}

	m.watchCancel()
	err := m.fsWatcher.Close()
	<-m.watchDone

	m.fsWatcher = nil
	m.watchCancel = nil
	m.watchDone = nil

	if err != nil {
		return fmt.Errorf("failed to close file watcher: %w", err)
	}
	return nil
}

// checkPinned rejects an update that breaks a setting the environment
// profile enforces. Keys old already violated are left alone.
func checkPinned(old, next *Config, env Environment) error {
	already := make(map[string]bool)
	for _, key := range pinnedViolations(old, env) {
		already[key] = true
	}
	var problems []string
	for _, key := range pinnedViolations(next, env) {
		if !already[key] {
			problems = append(problems, key)
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return &ConfigurationError{
		Err:      fmt.Errorf("%w in %s", ErrPinnedKey, env),
		Problems: problems,
	}
}
