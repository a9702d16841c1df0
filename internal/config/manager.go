package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	logx "broadcastbot/pkg/logx"
)

// DefaultEnvFile is read from the working directory when present.
const DefaultEnvFile = ".env"

// Environment variables that override the config file.
const (
	EnvToken         = "BOT_TOKEN"
	EnvAdminUserID   = "ADMIN_USER_ID"
	EnvChatStorePath = "CHAT_STORE_PATH"
	EnvStorageDriver = "STORAGE_DRIVER"
	EnvLogLevel      = "LOG_LEVEL"
	EnvLogChatID     = "LOG_CHAT_ID"
)

type ConfigManager struct {
	path    string
	envFile string
	lookup  func(string) (string, bool)

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards subscriber list and ensures we never send on a channel
	// that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// lastHash tracks the last committed config so editor write bursts
	// without content changes are not republished.
	lastHash uint64
}

type ManagerOption func(*ConfigManager)

// WithEnvFile overrides the dotenv path. An empty path disables dotenv loading.
func WithEnvFile(path string) ManagerOption {
	return func(m *ConfigManager) { m.envFile = path }
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) ManagerOption {
	return func(m *ConfigManager) {
		if fn != nil {
			m.lookup = fn
		}
	}
}

// NewConfigManager returns a manager for the config file at path. path may be
// empty, in which case the configuration comes from the environment only.
func NewConfigManager(path string, opts ...ManagerOption) *ConfigManager {
	m := &ConfigManager{
		path:    strings.TrimSpace(path),
		envFile: DefaultEnvFile,
		lookup:  os.LookupEnv,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Load is a shortcut for NewConfigManager(path).Load().
func Load(path string) (*Config, error) {
	return NewConfigManager(path).Load()
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a validation hook used by Watch() before committing/publishing.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads every source, applies defaults and validates the result.
func (m *ConfigManager) Parse() (*Config, error) {
	var cfg Config
	if m.path != "" {
		if err := decodeFile(m.path, &cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", m.path, err)
		}
	}

	env, err := m.environment()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(&cfg, env); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("invalid config: trailing data")
		}
		return err
	}
	return nil
}

// environment merges the dotenv file under the process environment. Process
// variables win over dotenv entries.
func (m *ConfigManager) environment() (func(string) (string, bool), error) {
	var dotenv map[string]string
	if m.envFile != "" {
		vals, err := godotenv.Read(m.envFile)
		switch {
		case err == nil:
			dotenv = vals
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("env file %s: %w", m.envFile, err)
		}
	}
	return func(key string) (string, bool) {
		if v, ok := m.lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}, nil
}

func applyEnv(cfg *Config, env func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := env(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvAdminUserID); ok {
		id, err := parseInt64(v)
		if err != nil {
			return fmt.Errorf("%s must be a numeric user id, got %q", EnvAdminUserID, v)
		}
		cfg.Telegram.AdminUserID = id
	}
	if v, ok := get(EnvChatStorePath); ok {
		cfg.Storage.Path = v
	}
	if v, ok := get(EnvStorageDriver); ok {
		cfg.Storage.Driver = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvLogChatID); ok {
		id, err := parseInt64(v)
		if err != nil {
			return fmt.Errorf("%s must be a numeric chat id, got %q", EnvLogChatID, v)
		}
		cfg.Logging.Telegram.ChatID = id
		cfg.Logging.Telegram.Enabled = true
	}
	return nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Slow subscriber: drop the oldest pending config, then push the newest.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
				m.log.Debug("config update dropped (subscriber slow)",
					logx.Int("queue_len", len(ch)),
					logx.Int("queue_cap", cap(ch)),
				)
			}
		}
	}
}

// reload parses the file again and publishes the result when it changed and
// passed validation.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

// Watch reloads the config file on change until ctx is done. It returns
// immediately when the manager has no file.
func (m *ConfigManager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	// fsnotify can get into a bad state with some editors and platforms.
	// Recreate the watcher with a jittered exponential backoff.
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		return wait
	}
	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	// debounce to avoid partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		m.log.Debug("config change detected; scheduling reload", logx.String("path", m.path))
		timer = time.AfterFunc(250*time.Millisecond, func() { m.reload(ctx) })
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			m.log.Warn("config watch add failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				// Compare by basename (more robust across absolute/relative paths and OS quirks).
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means events may have been missed; reload once and keep going.
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					m.log.Warn("config watch overflow; forcing reload", logx.Err(err), logx.String("dir", dir))
					debounce()
					continue
				}
				m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
				if errors.Is(err, fsnotify.ErrClosed) {
					broken = true
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir),
			logx.String("file", file),
			logx.Duration("backoff", wait),
		)
		if !sleep(wait) {
			return nil
		}
	}
}
