package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Loader loads a configuration file and reloads it when it changes.
type Loader struct {
	path      string
	logger    *slog.Logger
	watcher   *fsnotify.Watcher
	current   *Config
	mu        sync.RWMutex
	onChange  func(*Config)
	onFailure func(error)
	close     chan struct{}
	closeOnce sync.Once
}

// NewLoader creates a Loader for path.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Loader{
		path:   absPath,
		logger: logger,
		close:  make(chan struct{}),
	}, nil
}

// Path returns the absolute path of the watched file.
func (l *Loader) Path() string {
	return l.path
}

// Load reads and validates the file. The current configuration only changes
// when the new one is valid.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	return cfg, nil
}

// Current returns the last valid configuration, or nil before the first
// successful Load.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnReloadFailure registers a callback for edits that fail to load. It must
// be called before Watch.
func (l *Loader) OnReloadFailure(fn func(error)) {
	l.onFailure = fn
}

// Watch monitors the file's directory and calls onChange with every valid
// new configuration. Invalid edits keep the previous configuration.
func (l *Loader) Watch(onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher
	l.onChange = onChange

	// Editors replace files on save, so the directory is watched rather
	// than the file itself.
	if err := l.watcher.Add(filepath.Dir(l.path)); err != nil {
		_ = l.watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	for {
		select {
		case <-l.close:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != l.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			l.reload()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Config watcher error", "path", l.path, "error", err)
		}
	}
}

func (l *Loader) reload() {
	cfg, err := l.Load()
	if err != nil {
		l.logger.Error("Config reload failed, keeping previous configuration", "path", l.path, "error", err)
		if l.onFailure != nil {
			l.onFailure(err)
		}
		return
	}
	l.logger.Info("Configuration reloaded", "path", l.path)
	if l.onChange != nil {
		l.onChange(cfg)
	}
}

// Close stops the watcher.
func (l *Loader) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.close)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	return err
}
