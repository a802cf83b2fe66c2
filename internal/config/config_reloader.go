package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDebounce coalesces the burst of events editors produce for one save.
const reloadDebounce = 50 * time.Millisecond

// ConfigReloader reloads the configuration on SIGHUP and, when a path is set,
// whenever the config file changes. Settings that would invalidate running
// encryption or storage clients are refused.
type ConfigReloader struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	current  *Config
	onReload func(old, new *Config) error

	signals  chan os.Signal
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewConfigReloader creates a reloader for the configuration loaded from path.
// An empty path disables file watching; SIGHUP is still handled.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	if cfg == nil {
		return nil, fmt.Errorf("initial config is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: cfg.Clone(),
		signals: make(chan os.Signal, 1),
		stopCh:  make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so that editors replacing the file by rename are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	return r, nil
}

// SetOnReloadCallback registers fn to apply a reloaded configuration. A
// returned error keeps the previous configuration in place.
func (r *ConfigReloader) SetOnReloadCallback(fn func(old, new *Config) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = fn
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Clone()
}

// Start handles reload triggers until Stop is called.
func (r *ConfigReloader) Start() {
	signal.Notify(r.signals, syscall.SIGHUP)
	defer signal.Stop(r.signals)

	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	var debounce <-chan time.Time
	target := filepath.Clean(r.path)

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.signals:
			r.logger.Info("Received SIGHUP, reloading configuration")
			r.reload()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)
		case <-debounce:
			debounce = nil
			r.logger.WithField("path", r.path).Info("Config file changed, reloading configuration")
			r.reload()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.WithError(err).Warn("Config file watcher error")
		}
	}
}

// Stop ends Start and releases the watcher. It is safe to call more than once.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload() {
	if r.path == "" {
		r.logger.Warn("No config file path set, skipping reload")
		return
	}

	next, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("Failed to reload configuration, keeping current config")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current
	if err := r.validateReloadSafety(old, next); err != nil {
		r.logger.WithError(err).Error("Rejected configuration reload")
		return
	}
	if r.onReload != nil {
		if err := r.onReload(old.Clone(), next.Clone()); err != nil {
			r.logger.WithError(err).Error("Failed to apply reloaded configuration")
			return
		}
	}
	r.current = next
	r.logger.WithFields(logrus.Fields{
		"log_level":  next.LogLevel,
		"rate_limit": next.RateLimit.Enabled,
	}).Info("Configuration reloaded")
}

// validateReloadSafety refuses changes that existing blobs or open clients
// depend on; those need a restart.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	checks := []struct {
		field    string
		old, new interface{}
	}{
		{"encryption.key_provider", old.Encryption.KeyProvider, new.Encryption.KeyProvider},
		{"encryption.additional_keys", old.Encryption.AdditionalKeys, new.Encryption.AdditionalKeys},
		{"encryption.key_wrap_algorithm", old.Encryption.KeyWrapAlgorithm, new.Encryption.KeyWrapAlgorithm},
		{"encryption.require_encryption", old.Encryption.RequireEncryption, new.Encryption.RequireEncryption},
		{"backend.type", old.Backend.Type, new.Backend.Type},
		{"backend.azure", old.Backend.Azure, new.Backend.Azure},
		{"backend.s3", old.Backend.S3, new.Backend.S3},
		{"tls", old.TLS, new.TLS},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(c.old, c.new) {
			return fmt.Errorf("%s cannot be changed during hot reload", c.field)
		}
	}
	return nil
}
