package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// fingerprint identifies one on-disk revision of the config file. Stat
// fields gate the cheap path; the content hash decides whether anything
// actually changed.
type fingerprint struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// Watcher re-reads the config file on a fixed cadence and hands content
// changes to its callback. Polling is deliberate: the file lives next to the
// binary and a few seconds of latency on an edit is irrelevant mid-session,
// so an fsnotify dependency buys nothing here.
//
// A revision that fails validation is logged and dropped; the last good
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, cur *Config)

	mu  sync.Mutex
	cur *Config
	fp  fingerprint

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling cadence. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it for edits in a
// background goroutine. onChange runs outside the watcher lock, so it may
// call [Watcher.Current].
func NewWatcher(path string, onChange func(old, cur *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.cur = cfg
	w.fp = fp

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.reload()
		}
	}
}

// reload picks up one poll tick. Stat fields screen out the common case of
// an untouched file before any bytes are read.
func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config file unreadable, keeping last good config",
			"path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	untouched := info.ModTime().Equal(w.fp.modTime) && info.Size() == w.fp.size
	w.mu.Unlock()
	if untouched {
		return
	}

	cfg, fp, err := w.read()
	if err != nil {
		slog.Warn("config reload rejected, keeping last good config",
			"path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	touchedOnly := fp.sum == w.fp.sum
	old := w.cur
	if !touchedOnly {
		w.cur = cfg
	}
	w.fp = fp
	w.mu.Unlock()

	if touchedOnly {
		return
	}

	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read parses and validates the file at w.path. The hash covers the raw
// bytes, but parsing sees env references expanded so the watcher produces
// the same config Load would.
func (w *Watcher) read() (*Config, fingerprint, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}

	cfg, err := LoadFromReader(strings.NewReader(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fingerprint{}, err
	}

	return cfg, fingerprint{
		modTime: info.ModTime(),
		size:    info.Size(),
		sum:     sha256.Sum256(data),
	}, nil
}
