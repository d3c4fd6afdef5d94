package config

import (
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce absorbs the burst of events editors emit on a single save.
const reloadDebounce = 300 * time.Millisecond

// Reloader watches the config file and applies the hot-reloadable sections
// (rate_limit and circuit_breaker) when it changes. Everything else is
// fixed at startup; edits to those sections are reported and ignored.
//
// Reload triggers are fsnotify events on the file and, where the platform
// has one, SIGHUP.
type Reloader struct {
	mu        sync.RWMutex
	current   *Config
	path      string
	logger    *slog.Logger
	callbacks []func(*Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    path,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration (thread-safe).
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers a callback that is invoked with the new config
// after a successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start begins watching the config file for changes and listening for
// reload signals. Must be called once after NewReloader.
func (r *Reloader) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("failed to create file watcher", "error", err)
		return
	}

	// Watch the directory: editors and config-map mounts replace the file
	// by rename, which drops a watch held on the file itself.
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		r.logger.Error("failed to watch config directory", "path", dir, "error", err)
		watcher.Close()
		return
	}
	r.watcher = watcher

	r.logger.Info("config file watcher started", "path", r.path)

	go r.watchLoop(filepath.Clean(r.path))

	r.registerSignalHandler()
}

// Stop terminates the file watcher and signal handler. Safe to call more
// than once.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// Reload loads the config from disk and, if it validates, applies the
// hot-reloadable sections and notifies all registered callbacks. Returns
// true if the reload succeeded. Exported so signal handlers and tests can
// call it.
func (r *Reloader) Reload() bool {
	r.logger.Info("reloading configuration", "path", r.path)

	loaded, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload failed: invalid config, keeping current",
			"path", r.path, "error", err)
		return false
	}

	r.mu.Lock()
	old := r.current
	next := merge(old, loaded)
	r.current = next
	callbacks := make([]func(*Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	r.logChanges(old, loaded)

	for _, cb := range callbacks {
		cb(next)
	}

	r.logger.Info("configuration reloaded successfully")
	return true
}

func (r *Reloader) registerSignalHandler() {
	if len(reloadSignals) == 0 {
		r.logger.Info("no reload signal on this platform, file watcher only")
		return
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, reloadSignals...)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case sig := <-sigCh:
				r.logger.Info("reload signal received", "signal", sig.String())
				r.Reload()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// merge returns a copy of old carrying only the hot-reloadable sections
// of loaded.
func merge(old, loaded *Config) *Config {
	next := *old
	next.RateLimit = loaded.RateLimit
	next.CircuitBreaker = loaded.CircuitBreaker
	next.Warnings = loaded.Warnings
	return &next
}

func (r *Reloader) watchLoop(target string) {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					r.Reload()
				})
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// logChanges logs what was applied and what was ignored.
func (r *Reloader) logChanges(old, loaded *Config) {
	if old.RateLimit != loaded.RateLimit {
		r.logger.Info("rate limit config changed",
			"old_rps", old.RateLimit.RequestsPerSecond,
			"new_rps", loaded.RateLimit.RequestsPerSecond,
			"old_burst", old.RateLimit.BurstSize,
			"new_burst", loaded.RateLimit.BurstSize,
		)
	}
	if old.CircuitBreaker != loaded.CircuitBreaker {
		r.logger.Info("circuit breaker config changed",
			"old_threshold", old.CircuitBreaker.FailureThreshold,
			"new_threshold", loaded.CircuitBreaker.FailureThreshold,
			"old_reset", old.CircuitBreaker.ResetTimeout,
			"new_reset", loaded.CircuitBreaker.ResetTimeout,
		)
	}

	for _, section := range restartOnlyChanges(old, loaded) {
		r.logger.Warn("config section changed but requires a restart to take effect", "section", section)
	}
}

// restartOnlyChanges lists the sections that differ between old and
// loaded but are not applied by a reload.
func restartOnlyChanges(old, loaded *Config) []string {
	var changed []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			changed = append(changed, name)
		}
	}
	check("server", old.Server, loaded.Server)
	check("logging", old.Logging, loaded.Logging)
	check("metrics", old.Metrics, loaded.Metrics)
	check("tracing", old.Tracing, loaded.Tracing)
	check("http_client", old.HTTPClient, loaded.HTTPClient)
	check("discovery", old.Discovery, loaded.Discovery)
	check("admin", old.Admin, loaded.Admin)
	check("gateway", old.Gateway, loaded.Gateway)
	return changed
}
