// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/knadh/koanf/providers/file"
)

// Watcher reloads the configuration when one of its files changes on disk
// and hands the new value to the registered listeners. Bursts of events,
// such as an editor writing a temp file and renaming it, collapse into a
// single reload.
type Watcher struct {
	mu        sync.RWMutex
	current   *Config
	listeners []func(*Config)

	paths    []string
	load     func() (*Config, error)
	debounce time.Duration
	logger   *slog.Logger

	providers []*file.File
	changed   chan struct{}
	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for more events before it
// reloads.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithLoader replaces the function used to rebuild the configuration. The
// default loads the first watched path.
func WithLoader(fn func() (*Config, error)) WatcherOption {
	return func(w *Watcher) {
		if fn != nil {
			w.load = fn
		}
	}
}

// NewWatcher loads the configuration once. Watching begins with Start.
func NewWatcher(paths []string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		paths:    paths,
		debounce: 250 * time.Millisecond,
		logger:   slog.Default(),
		changed:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.load = func() (*Config, error) {
		if len(w.paths) == 0 {
			return Load("")
		}
		return Load(w.paths[0])
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, err := w.load()
	if err != nil {
		return nil, err
	}
	w.current = cfg
	return w, nil
}

func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the most recently loaded configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start subscribes to file events for every path that exists. A path that
// cannot be watched is logged and skipped.
func (w *Watcher) Start(ctx context.Context) {
	for _, path := range w.paths {
		fp := file.Provider(path)
		err := fp.Watch(func(_ interface{}, err error) {
			if err != nil {
				w.logger.Warn("config.watch.event_error", "path", path, "error", err.Error())
				return
			}
			select {
			case w.changed <- struct{}{}:
			default:
			}
		})
		if err != nil {
			w.logger.Warn("config.watch.skipped", "path", path, "error", err.Error())
			continue
		}
		w.providers = append(w.providers, fp)
	}
	go w.run(ctx)
}

// Stop ends watching and waits for an in-flight reload to finish. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		for _, fp := range w.providers {
			_ = fp.Unwatch()
		}
	})
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-w.changed:
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.load()
	if err != nil {
		// The previous configuration stays in effect.
		w.logger.Error("config.reload.failed", "error", err.Error())
		return
	}

	w.mu.Lock()
	w.current = cfg
	listeners := append([]func(*Config)(nil), w.listeners...)
	w.mu.Unlock()

	w.logger.Info("config.reload.done", "listeners", len(listeners))
	for _, fn := range listeners {
		fn(cfg)
	}
}

// WatchCLI starts a watcher for the files named by opts. Reloads apply the
// same profile and --set overrides as the initial load.
func WatchCLI(ctx context.Context, opts CLIOptions, wopts ...WatcherOption) (*Watcher, error) {
	var paths []string
	if opts.ConfigPath != "" {
		paths = append(paths, opts.ConfigPath)
		if p := profilePath(opts.ConfigPath, opts.Profile); p != "" {
			paths = append(paths, p)
		}
	}
	watcher, err := NewWatcher(paths, append(wopts, WithLoader(opts.Load))...)
	if err != nil {
		return nil, err
	}
	watcher.Start(ctx)
	return watcher, nil
}

// ReloadableConfig holds the configuration a running command reads. The
// watcher's listener swaps it in place.
type ReloadableConfig struct {
	mu  sync.RWMutex
	cfg *Config
}

func NewReloadableConfig(cfg *Config) *ReloadableConfig {
	return &ReloadableConfig{cfg: cfg}
}

func (r *ReloadableConfig) Get() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *ReloadableConfig) Update(cfg *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

func (r *ReloadableConfig) LLM() LLMConfig               { return r.Get().LLM }
func (r *ReloadableConfig) Agent() AgentConfig           { return r.Get().Agent }
func (r *ReloadableConfig) Skills() SkillsConfig         { return r.Get().Skills }
func (r *ReloadableConfig) Governance() GovernanceConfig { return r.Get().Governance }
