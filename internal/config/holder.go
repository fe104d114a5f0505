// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	xlog "github.com/pisonet/pisond/internal/log"
)

// Holder keeps the current configuration and swaps it atomically on
// reload. A reload that fails to parse or validate keeps the previous
// configuration in place.
type Holder struct {
	mu       sync.RWMutex
	current  Config
	path     string
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	listener []chan Config
}

// NewHolder wraps an already-loaded configuration. path may be empty
// when the daemon runs on defaults and env only.
func NewHolder(cfg Config, path string) *Holder {
	return &Holder{
		current: cfg,
		path:    path,
		logger:  xlog.WithComponent("config"),
	}
}

// Get returns the current configuration snapshot.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the file, validates, and swaps. Used by the watcher
// and by the SIGHUP handler.
func (h *Holder) Reload() error {
	next, err := Load(h.path)
	if err != nil {
		h.logger.Error().
			Str("event", "config.reload_failed").
			Err(err).
			Msg("keeping previous configuration")
		return err
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.mu.Unlock()

	h.notifyListeners(next)
	h.logChanges(prev, next)
	h.logger.Info().
		Str("event", "config.reloaded").
		Msg("configuration reloaded")
	return nil
}

// StartWatcher watches the config file for writes and reloads after a
// short debounce. No-op when the holder has no file path.
func (h *Holder) StartWatcher() error {
	if h.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	// Watch the directory; editors replace the file rather than write it.
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config: watch %s: %w", h.path, err)
	}
	h.watcher = watcher
	go h.watchLoop()
	return nil
}

func (h *Holder) watchLoop() {
	var debounce *time.Timer
	target := filepath.Clean(h.path)

	for {
		select {
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				_ = h.Reload()
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn().
				Str("event", "config.watch_error").
				Err(err).
				Msg("config watcher error")
		}
	}
}

// Stop shuts down the watcher.
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}

// RegisterListener returns a channel that receives every successfully
// reloaded configuration. Slow listeners drop updates.
func (h *Holder) RegisterListener() <-chan Config {
	ch := make(chan Config, 1)
	h.mu.Lock()
	h.listener = append(h.listener, ch)
	h.mu.Unlock()
	return ch
}

func (h *Holder) notifyListeners(cfg Config) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.listener {
		select {
		case ch <- cfg:
		default:
		}
	}
}

func (h *Holder) logChanges(prev, next Config) {
	if prev.Log.Level != next.Log.Level {
		h.logger.Info().
			Str("event", "config.changed").
			Str("field", "log.level").
			Str("from", prev.Log.Level).
			Str("to", next.Log.Level).
			Msg("config field changed")
	}
	if prev.Ingest.SubVendoKey != next.Ingest.SubVendoKey {
		h.logger.Info().
			Str("event", "config.changed").
			Str("field", "ingest.sub_vendo_key").
			Msg("sub-vendo key rotated")
	}
	if len(prev.Rates) != len(next.Rates) {
		h.logger.Info().
			Str("event", "config.changed").
			Str("field", "rates").
			Int("from", len(prev.Rates)).
			Int("to", len(next.Rates)).
			Msg("rate table size changed")
	}
}
