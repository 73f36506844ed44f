package config

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Watcher polls a config file and reloads it when the modification time
// changes. Subscribers receive the freshly loaded Config; a file that fails
// to load keeps the previous value and logs the error.
type Watcher struct {
	mu sync.RWMutex

	loader   *Loader
	path     string
	interval time.Duration

	current     *Config
	lastModTime time.Time
	subscribers []func(*Config)

	logger *zap.Logger
}

// NewWatcher creates a watcher over path. The initial Config is loaded
// immediately; Watch must be called to start polling.
func NewWatcher(path string, interval time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	loader := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		loader:   loader,
		path:     path,
		interval: interval,
		current:  cfg,
		logger:   logger.With(zap.String("component", "config_watcher")),
	}
	if info, err := os.Stat(path); err == nil {
		w.lastModTime = info.ModTime()
	}
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe registers a callback invoked after every successful reload.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Watch polls until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.mu.RLock()
	unchanged := !info.ModTime().After(w.lastModTime)
	w.mu.RUnlock()
	if unchanged {
		return
	}

	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.lastModTime = info.ModTime()
	subs := make([]func(*Config), len(w.subscribers))
	copy(subs, w.subscribers)
	w.mu.Unlock()

	w.logger.Info("config reloaded", zap.String("path", w.path))
	for _, fn := range subs {
		fn(cfg)
	}
}
