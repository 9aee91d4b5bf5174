package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// fingerprint identifies one on-disk version of the config file. ModTime and
// size gate the cheap path; the hash decides whether content really moved.
type fingerprint struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// Watcher polls a config file and swaps in every edit that parses and
// validates. A bad edit never replaces a good config: the watcher logs the
// problem and keeps serving the previous one. Polling rather than fsnotify —
// one dependency less, and it behaves identically on network filesystems.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, next *Config)

	current  atomic.Pointer[Config]
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path immediately and starts polling it in the background.
// onChange runs outside any lock on every accepted reload, so it may call
// [Watcher.Current].
func NewWatcher(path string, onChange func(old, next *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.snapshot()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current.Store(cfg)

	go w.poll(fp)
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll(fp fingerprint) {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-tick.C:
			fp = w.reload(fp)
		}
	}
}

// reload re-reads the file when its fingerprint moved and returns the
// fingerprint to compare against next tick.
func (w *Watcher) reload(last fingerprint) fingerprint {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config file unreadable, keeping current config",
			"path", w.path, "err", err)
		return last
	}
	if info.ModTime().Equal(last.mtime) && info.Size() == last.size {
		return last
	}

	cfg, fp, err := w.snapshot()
	if err != nil {
		slog.Warn("config reload rejected, keeping current config",
			"path", w.path, "err", err)
		return last
	}
	if fp.sum == last.sum {
		// Touched but identical. Remember the new mtime so the file is not
		// re-read every tick.
		return fp
	}

	old := w.current.Swap(cfg)
	slog.Info("configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return fp
}

// snapshot reads and parses the file, returning the config together with the
// fingerprint of the bytes it was built from.
func (w *Watcher) snapshot() (*Config, fingerprint, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	// Stat after the read: if the file is swapped between the two calls the
	// fingerprint misses, and the next tick re-reads.
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}

	fp := fingerprint{
		mtime: info.ModTime(),
		size:  info.Size(),
		sum:   sha256.Sum256(data),
	}
	return cfg, fp, nil
}
