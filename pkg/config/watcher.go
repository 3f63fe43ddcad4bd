package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 500 * time.Millisecond

// WatchOptions configures a Watcher.
type WatchOptions struct {
	// Debounce overrides DefaultDebounce.
	Debounce time.Duration

	// Logger receives watcher logs. Defaults to the global zerolog logger.
	Logger *zerolog.Logger

	// OnReload is called after a valid configuration was published. Optional.
	OnReload func(old, current *Config)
}

// Watcher reloads the configuration file when it changes and publishes
// valid results to a Holder. Invalid files are logged and ignored; the
// previous configuration stays in effect.
type Watcher struct {
	path     string
	holder   *Holder
	loader   *Loader
	debounce time.Duration
	onReload func(old, current *Config)
	logger   zerolog.Logger

	mu sync.Mutex
}

// NewWatcher creates a watcher for the file the holder's configuration was
// loaded from.
func NewWatcher(holder *Holder, opts WatchOptions) *Watcher {
	w := &Watcher{
		path:     holder.Load().Source(),
		holder:   holder,
		loader:   NewLoader(),
		debounce: opts.Debounce,
		onReload: opts.OnReload,
	}
	if opts.Logger != nil {
		w.logger = opts.Logger.With().Str("component", "config-watcher").Logger()
	} else {
		w.logger = log.Logger.With().Str("component", "config-watcher").Logger()
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	return w
}

// Run watches until ctx is cancelled. The parent directory is watched so
// that atomic renames by editors are seen.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		return fmt.Errorf("configuration was not loaded from a file")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.logger.Info().Str("path", w.path).Msg("Watching configuration for changes")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Configuration file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.Reload)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Reload loads, validates and publishes the file once. Failures keep the
// current configuration.
func (w *Watcher) Reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	next, err := w.loader.Load(w.path)
	if err == nil {
		err = PreparePaths(next)
	}
	if err != nil {
		w.logger.Error().Err(err).Msg("Ignoring invalid configuration, keeping the previous one")
		return
	}

	old := w.holder.Load()
	for _, field := range RestartRequired(old, next) {
		w.logger.Warn().Str("setting", field).Msg("Setting changed but only applies after a restart")
	}

	w.holder.Store(next)
	w.logger.Info().
		Int("applications", len(next.Applications)).
		Int("poll_interval", next.PollInterval).
		Msg("Configuration reloaded")

	if w.onReload != nil {
		w.onReload(old, next)
	}
}

// RestartRequired lists the settings that differ between old and next but
// are only read at startup. Applications and the reconciliation tunables
// apply on the next cycle.
func RestartRequired(old, next *Config) []string {
	var changed []string
	check := func(name string, a, b interface{}) {
		if !reflect.DeepEqual(a, b) {
			changed = append(changed, name)
		}
	}
	check("concurrency", old.Concurrency, next.Concurrency)
	check("state_db", old.StateDB, next.StateDB)
	check("audit_log", old.AuditLog, next.AuditLog)
	check("oracle", old.Oracle, next.Oracle)
	check("executor", old.Executor, next.Executor)
	check("health", old.Health, next.Health)
	check("logging", old.Logging, next.Logging)
	check("tracing", old.Tracing, next.Tracing)
	return changed
}
