package training

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// NotifySentinel is a FileSentinel driven by filesystem notifications.
// Poll only touches the filesystem after a sentinel create event was observed,
// which makes it cheap enough to call on every batch.
type NotifySentinel struct {
	files   *FileSentinel
	watcher *fsnotify.Watcher
	pending atomic.Uint32
	logger  *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// NewNotifySentinel watches dir for the default sentinel files.
// Sentinels that already exist are reported on the first Poll.
func NewNotifySentinel(ctx context.Context, dir string) (*NotifySentinel, error) {
	if dir == "" {
		dir = "."
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sentinel directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(absDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch sentinel directory %s: %w", absDir, err)
	}

	ns := &NotifySentinel{
		files:   NewFileSentinel(absDir),
		watcher: watcher,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}

	// Pick up sentinels created before the watcher existed
	if fileExists(ns.files.PausePath) {
		ns.mark(SignalPause)
	}
	if fileExists(ns.files.StopPath) {
		ns.mark(SignalStop)
	}

	go ns.watchLoop(ctx)
	return ns, nil
}

// WithLogger sets the logger for watcher errors
func (ns *NotifySentinel) WithLogger(logger *slog.Logger) *NotifySentinel {
	ns.logger = logger
	ns.files.WithLogger(logger)
	return ns
}

// Poll consumes watched sentinels that were created since the last poll
func (ns *NotifySentinel) Poll(watch Signal) Signal {
	seen := Signal(ns.pending.Load()) & watch
	if seen == SignalNone {
		return SignalNone
	}
	ns.clear(seen)
	// The file is the source of truth; an event for a file already removed does not fire
	return ns.files.Poll(seen)
}

// SentinelPaths returns the stop and pause file paths
func (ns *NotifySentinel) SentinelPaths() (stop, pause string) {
	return ns.files.SentinelPaths()
}

// Close stops the watcher goroutine
func (ns *NotifySentinel) Close() error {
	var err error
	ns.stopOnce.Do(func() {
		close(ns.done)
		err = ns.watcher.Close()
	})
	return err
}

func (ns *NotifySentinel) watchLoop(ctx context.Context) {
	stopName := filepath.Base(ns.files.StopPath)
	pauseName := filepath.Base(ns.files.PausePath)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ns.done:
			return
		case event, ok := <-ns.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			switch filepath.Base(event.Name) {
			case stopName:
				ns.logger.Debug("Stop sentinel detected", "file", event.Name)
				ns.mark(SignalStop)
			case pauseName:
				ns.logger.Debug("Pause sentinel detected", "file", event.Name)
				ns.mark(SignalPause)
			}
		case err, ok := <-ns.watcher.Errors:
			if !ok {
				return
			}
			ns.logger.Error("Sentinel watcher error", "error", err)
		}
	}
}

func (ns *NotifySentinel) mark(s Signal) {
	for {
		old := ns.pending.Load()
		if ns.pending.CompareAndSwap(old, old|uint32(s)) {
			return
		}
	}
}

func (ns *NotifySentinel) clear(s Signal) {
	for {
		old := ns.pending.Load()
		if ns.pending.CompareAndSwap(old, old&^uint32(s)) {
			return
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
