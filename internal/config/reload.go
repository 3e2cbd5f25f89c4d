package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloadable is implemented by the gateway parts that take a new config
// without a restart: the inspector registry, the router and the log level.
// A returned error leaves that part on its previous config; the others are
// still notified.
type Reloadable interface {
	OnConfigReload(newCfg *Config) error
}

// ReloadRecorder counts reload outcomes. *audit.Metrics implements it.
type ReloadRecorder interface {
	RecordConfigReload(result string)
}

// Reload outcomes passed to ReloadRecorder.
const (
	ReloadApplied   = "applied"
	ReloadUnchanged = "unchanged"
	ReloadRejected  = "rejected"
	ReloadPartial   = "partial" // stored, but a subscriber kept its previous state
)

// ConfigReloader re-reads the config file on SIGHUP or, with
// reload.watch_file, on file writes, and hands the result to subscribers.
// A file that fails Load never replaces the active config.
type ConfigReloader struct {
	configPath  string
	currentCfg  atomic.Pointer[Config]
	subscribers []Reloadable
	recorder    ReloadRecorder
	logger      *slog.Logger
	debounce    time.Duration
	watchFile   bool

	mu      sync.RWMutex
	cancel  context.CancelFunc
	watcher *fsnotify.Watcher
	stopped chan struct{}
	sigChan chan os.Signal
}

// NewConfigReloader starts from initialCfg; the file is not read until the
// first reload.
func NewConfigReloader(configPath string, initialCfg *Config, logger *slog.Logger) *ConfigReloader {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ConfigReloader{
		configPath: configPath,
		logger:     logger.With("component", "config_reloader"),
		debounce:   initialCfg.Reload.Debounce.Duration,
		watchFile:  initialCfg.Reload.WatchFile,
		stopped:    make(chan struct{}),
	}
	r.currentCfg.Store(initialCfg)
	return r
}

// Register must be called before Start.
func (r *ConfigReloader) Register(sub Reloadable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, sub)
}

// SetRecorder must be called before Start.
func (r *ConfigReloader) SetRecorder(rec ReloadRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = rec
}

// Current returns the active configuration.
func (r *ConfigReloader) Current() *Config {
	return r.currentCfg.Load()
}

// Start installs the SIGHUP handler and the optional file watch, then
// returns. Reloads run on a background goroutine until ctx ends or Stop.
func (r *ConfigReloader) Start(ctx context.Context) error {
	if r.watchFile {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating file watcher: %w", err)
		}
		if err := watcher.Add(r.configPath); err != nil {
			watcher.Close()
			return fmt.Errorf("watching config file %q: %w", r.configPath, err)
		}
		r.watcher = watcher
		r.logger.Info("config file watcher started", "path", r.configPath, "debounce", r.debounce)
	}

	r.sigChan = make(chan os.Signal, 1)
	signal.Notify(r.sigChan, syscall.SIGHUP)

	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)
	return nil
}

// Stop blocks until the background goroutine has exited.
func (r *ConfigReloader) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.stopped
}

// Reload reads and validates the file, stores it and notifies every
// subscriber. An invalid file is reported and the active config is kept.
func (r *ConfigReloader) Reload() error {
	r.logger.Info("config reload triggered", "path", r.configPath)

	newCfg, err := Load(r.configPath)
	if err != nil {
		r.logger.Error("config reload failed: invalid config, keeping current",
			"error", err,
			"path", r.configPath,
		)
		r.record(ReloadRejected)
		return fmt.Errorf("config reload: %w", err)
	}

	changes := Diff(r.currentCfg.Load(), newCfg)
	if len(changes) == 0 {
		r.logger.Info("config reload: no changes detected")
		r.record(ReloadUnchanged)
		return nil
	}
	if restart := r.logChanges(changes); restart > 0 {
		r.logger.Warn("some config changes require a restart to take effect", "count", restart)
	}

	r.currentCfg.Store(newCfg)
	failed := r.notify(newCfg)

	logFlowLimits(r.logger, newCfg)
	r.logger.Info("config_reloaded",
		"changes", len(changes),
		"failed_subscribers", failed,
		"path", r.configPath,
	)
	if failed > 0 {
		r.record(ReloadPartial)
	} else {
		r.record(ReloadApplied)
	}
	return nil
}

// logChanges logs every change and returns how many need a restart.
func (r *ConfigReloader) logChanges(changes []Change) int {
	restart := 0
	for _, c := range changes {
		attrs := []any{
			"field", c.Field,
			"old", fmt.Sprintf("%v", c.OldValue),
			"new", fmt.Sprintf("%v", c.NewValue),
		}
		if c.Reloadable {
			r.logger.Info("config change detected", attrs...)
			continue
		}
		restart++
		r.logger.Warn("config change requires restart (ignored)", attrs...)
	}
	return restart
}

// notify hands cfg to each subscriber and returns the number that failed.
func (r *ConfigReloader) notify(cfg *Config) int {
	r.mu.RLock()
	subs := append([]Reloadable(nil), r.subscribers...)
	r.mu.RUnlock()

	failed := 0
	for _, sub := range subs {
		if err := sub.OnConfigReload(cfg); err != nil {
			failed++
			r.logger.Error("subscriber reload failed",
				"error", err,
				"subscriber", fmt.Sprintf("%T", sub),
			)
		}
	}
	return failed
}

func (r *ConfigReloader) record(result string) {
	r.mu.RLock()
	rec := r.recorder
	r.mu.RUnlock()
	if rec != nil {
		rec.RecordConfigReload(result)
	}
}

// logFlowLimits logs the effective inspection settings of every API flow.
func logFlowLimits(logger *slog.Logger, cfg *Config) {
	for _, api := range cfg.APIs {
		for _, f := range []struct {
			direction string
			fc        FlowConfig
		}{
			{"inbound", api.Inbound},
			{"outbound", api.Outbound},
		} {
			if !f.fc.IsEnabled() {
				logger.Info("flow limit in effect", "api", api.Name, "flow", f.direction, "enabled", false)
				continue
			}
			logger.Info("flow limit in effect",
				"api", api.Name,
				"flow", f.direction,
				"size_limit_mb", f.fc.SizeLimit,
				"enforce", f.fc.IsEnforced(),
			)
		}
	}
}

func (r *ConfigReloader) run(ctx context.Context) {
	defer close(r.stopped)
	defer signal.Stop(r.sigChan)

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if r.watcher != nil {
		defer r.watcher.Close()
		events, watchErrs = r.watcher.Events, r.watcher.Errors
	}

	// Editors emit several events per save; one reload fires once the
	// file has been quiet for r.debounce.
	pending := time.NewTimer(r.debounce)
	pending.Stop()
	defer pending.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case sig := <-r.sigChan:
			r.logger.Info("received signal, reloading config", "signal", sig)
			if err := r.Reload(); err != nil {
				r.logger.Error("SIGHUP reload failed", "error", err)
			}

		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending.Reset(r.debounce)
			}

		case err, ok := <-watchErrs:
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)

		case <-pending.C:
			r.logger.Info("config file changed, reloading", "path", r.configPath)
			// A rename drops the watch; the file may briefly not exist.
			_ = r.watcher.Add(r.configPath)
			if err := r.Reload(); err != nil {
				r.logger.Error("file watch reload failed", "error", err)
			}
		}
	}
}
