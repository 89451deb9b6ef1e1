// Package config loads and watches the AIGOS YAML configuration. Values are
// resolved defaults-first, then file, then AIGOS_* environment overrides;
// ${VAR} and ${VAR:-default} references inside the file are substituted
// before parsing.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader holds the active configuration and supports reload.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
}

// NewLoader creates a Loader populated with defaults. Call Load to read a
// file on top of them.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides, and swaps in the new config.
func (l *Loader) Load(path string) error {
	cfg, err := parseFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the previously loaded file.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("no config file loaded, nothing to reload")
	}
	return l.Load(path)
}

// Get returns the current config. The returned pointer must be treated as
// read-only; Reload replaces it wholesale.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the loaded file, or "" before Load.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} and ${VAR:-default} references. An unset
// variable without a default expands to the empty string.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[3]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return def
	})
}

// applyEnvOverrides maps AIGOS_* environment variables onto the config.
// These win over both defaults and file values.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString("AIGOS_SERVER_HOST", &cfg.Server.Host)
	setInt("AIGOS_SERVER_PORT", &cfg.Server.Port)
	setString("AIGOS_LOG_LEVEL", &cfg.Server.LogLevel)

	setString("AIGOS_TOKEN_ISSUER", &cfg.Token.Issuer)
	setString("AIGOS_TOKEN_AUDIENCE", &cfg.Token.DefaultAudience)
	setString("AIGOS_SIGNING_KID", &cfg.Token.SigningKID)
	setString("AIGOS_SIGNING_ALG", &cfg.Token.SigningAlg)
	setString("AIGOS_SIGNING_KEY_PATH", &cfg.Token.SigningKeyPath)
	setString("AIGOS_SIGNING_SECRET", &cfg.Token.SigningSecret)
	setString("AIGOS_JWKS_URL", &cfg.Token.JWKSURL)
	setDuration("AIGOS_TOKEN_TTL", &cfg.Token.TTL)

	setString("AIGOS_STORAGE_DRIVER", &cfg.Events.Storage.Driver)
	setString("AIGOS_STORAGE_PATH", &cfg.Events.Storage.Path)
	setInt("AIGOS_MAX_BATCH_SIZE", &cfg.Events.MaxBatchSize)
	setInt("AIGOS_RATE_LIMIT", &cfg.Events.RateLimit.Limit)
	setDuration("AIGOS_RATE_WINDOW", &cfg.Events.RateLimit.Window)
	setString("AIGOS_REDIS_ADDR", &cfg.Events.RateLimit.RedisAddr)
	setInt("AIGOS_MERKLE_WINDOW", &cfg.Events.Checkpoint.MaxLeaves)

	setInt("AIGOS_REPLAY_CACHE_SIZE", &cfg.KillSwitch.ReplayCacheSize)
}

// GenerateDefault writes the default config as YAML to path.
func GenerateDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default config %s: %w", path, err)
	}
	return nil
}

// Watcher reloads the config when its file changes on disk and notifies
// registered callbacks with the fresh config.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	loader    *Loader
	mu        sync.Mutex // protects callbacks
	callbacks []func(*Config)
	done      chan struct{}
	logger    *slog.Logger
}

// NewWatcher creates a Watcher for the loader's file. Load must have been
// called first.
func NewWatcher(loader *Loader, logger *slog.Logger) (*Watcher, error) {
	path := loader.FilePath()
	if path == "" {
		return nil, fmt.Errorf("loader has no file to watch")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		fsWatcher: fsw,
		loader:    loader,
		done:      make(chan struct{}),
		logger:    logger.With("component", "config.Watcher"),
	}, nil
}

// OnChange registers a callback fired after each successful reload.
// Callbacks run on the watcher goroutine; keep them fast.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins processing file events in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if err := w.loader.Reload(); err != nil {
				// Keep serving the previous config on a broken edit.
				w.logger.Error("config reload failed", "path", ev.Name, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", ev.Name)

			w.mu.Lock()
			cbs := make([]func(*Config), len(w.callbacks))
			copy(cbs, w.callbacks)
			w.mu.Unlock()

			cfg := w.loader.Get()
			for _, fn := range cbs {
				fn(cfg)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}
