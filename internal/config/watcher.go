package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads a configuration file when it changes on disk and hands
// every valid new version to a callback. Invalid edits are logged and the
// running configuration is kept.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)

	fw      *fsnotify.Watcher
	lastSum [sha256.Size]byte
}

// NewWatcher prepares a watcher for path. The current file contents are the
// baseline, so only later edits trigger onChange.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	return &Watcher{
		path:     abs,
		debounce: 200 * time.Millisecond,
		onChange: onChange,
		lastSum:  sha256.Sum256(data),
	}, nil
}

// Start watches the file's directory, which also catches editors that
// replace the file by rename, and returns once the watch is in place.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(w.path), err)
	}
	w.fw = fw

	go w.loop(ctx)
	log.Info().Str("path", w.path).Msg("config: watching for changes")
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.fw.Close()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config: watcher error")
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		log.Warn().Err(err).Msg("config: reload skipped, file unreadable")
		return
	}
	sum := sha256.Sum256(data)
	if bytes.Equal(sum[:], w.lastSum[:]) {
		return
	}

	cfg, err := Parse(data)
	if err != nil {
		log.Error().Err(err).Msg("config: reload rejected, keeping current configuration")
		return
	}
	w.lastSum = sum
	log.Info().Str("path", w.path).Msg("config: file changed, applying")
	w.onChange(cfg)
}
