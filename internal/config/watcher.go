package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] looks at the file.
const DefaultWatchInterval = 5 * time.Second

// snapshot is one successfully parsed version of the config file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// readSnapshot loads and validates the file at path.
func readSnapshot(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}

// Watcher re-reads a config file when it changes and hands every new valid
// version to a callback.
//
// Changes are detected by modification time first and confirmed by a SHA-256
// of the content, so a touched but unchanged file is ignored. A file that
// fails to parse or validate is logged and the last good version stays
// current. Callbacks never run concurrently.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	// reload serialises checks so callbacks see versions in order.
	reload sync.Mutex

	mu   sync.Mutex
	last snapshot

	done chan struct{}
	stop sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. onChange may be nil. The
// initial load must succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.last = snap

	go w.loop()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stop.Do(func() { close(w.done) })
}

// Reload looks at the file now, ignoring the modification time, and reports
// whether a new version was applied. main calls it on SIGHUP.
func (w *Watcher) Reload() bool {
	return w.check(true)
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			w.check(false)
		}
	}
}

// check applies the file if its content changed. Unless force is set, an
// unchanged modification time skips the read.
func (w *Watcher) check(force bool) bool {
	w.reload.Lock()
	defer w.reload.Unlock()

	w.mu.Lock()
	prev := w.last
	w.mu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
			return false
		}
		if info.ModTime().Equal(prev.mtime) {
			return false
		}
	}

	next, err := readSnapshot(w.path)
	if err != nil {
		slog.Warn("config watcher: invalid config, keeping the previous one", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	if next.sum == prev.sum {
		w.last.mtime = next.mtime
		w.mu.Unlock()
		return false
	}
	w.last = next
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg)
	}
	return true
}
