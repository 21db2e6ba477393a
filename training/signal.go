package training

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default sentinel file names, created by an operator to control a running fit
const (
	DefaultStopFile  = "stop_training_file"
	DefaultPauseFile = "pause_training_file"
)

// Signal is a set of out-of-band control requests
type Signal uint8

const (
	SignalPause Signal = 1 << iota
	SignalStop

	SignalNone Signal = 0
)

// Has reports whether s contains every bit of other
func (s Signal) Has(other Signal) bool {
	return other != SignalNone && s&other == other
}

func (s Signal) String() string {
	if s == SignalNone {
		return "none"
	}
	var parts []string
	if s.Has(SignalPause) {
		parts = append(parts, "pause")
	}
	if s.Has(SignalStop) {
		parts = append(parts, "stop")
	}
	return strings.Join(parts, "|")
}

// ControlChannel is a non-blocking source of pause/stop requests.
// Poll consumes and returns the pending signals contained in watch; others stay pending.
type ControlChannel interface {
	Poll(watch Signal) Signal
}

// FileSentinel signals through the presence of files in a directory.
// A sentinel is consumed by deleting it, so each creation fires once.
type FileSentinel struct {
	StopPath  string
	PausePath string
	logger    *slog.Logger
}

// NewFileSentinel watches the default sentinel names in dir ("" means the working directory)
func NewFileSentinel(dir string) *FileSentinel {
	return &FileSentinel{
		StopPath:  filepath.Join(dir, DefaultStopFile),
		PausePath: filepath.Join(dir, DefaultPauseFile),
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger used for unexpected filesystem errors
func (s *FileSentinel) WithLogger(logger *slog.Logger) *FileSentinel {
	s.logger = logger
	return s
}

// Poll removes each watched sentinel that exists and reports it
func (s *FileSentinel) Poll(watch Signal) Signal {
	got := SignalNone
	if watch.Has(SignalPause) && consumeFile(s.PausePath, s.logger) {
		got |= SignalPause
	}
	if watch.Has(SignalStop) && consumeFile(s.StopPath, s.logger) {
		got |= SignalStop
	}
	return got
}

// SentinelPaths returns the stop and pause file paths
func (s *FileSentinel) SentinelPaths() (stop, pause string) {
	return s.StopPath, s.PausePath
}

// consumeFile deletes path and reports whether it existed.
// Remove is the existence check, so two consumers never both fire for one file.
func consumeFile(path string, logger *slog.Logger) bool {
	err := os.Remove(path)
	if err == nil {
		return true
	}
	if !errors.Is(err, fs.ErrNotExist) && logger != nil {
		logger.Warn("Failed to consume sentinel file", "path", path, "error", err)
	}
	return false
}

// ChannelControl is an in-memory ControlChannel. Send may be called from any goroutine.
type ChannelControl struct {
	mu      sync.Mutex
	pending Signal
}

// NewChannelControl creates an empty in-memory control channel
func NewChannelControl() *ChannelControl {
	return &ChannelControl{}
}

// Send marks signals as pending
func (c *ChannelControl) Send(s Signal) {
	c.mu.Lock()
	c.pending |= s
	c.mu.Unlock()
}

// Poll consumes the watched pending signals
func (c *ChannelControl) Poll(watch Signal) Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	got := c.pending & watch
	c.pending &^= got
	return got
}

// MultiControl polls several channels and merges their signals
type MultiControl []ControlChannel

// Poll polls every channel; each consumes its own sentinels
func (m MultiControl) Poll(watch Signal) Signal {
	got := SignalNone
	for _, c := range m {
		if c != nil {
			got |= c.Poll(watch)
		}
	}
	return got
}

// SentinelPaths returns the paths of the first file-backed channel
func (m MultiControl) SentinelPaths() (stop, pause string) {
	for _, c := range m {
		if d, ok := c.(sentinelDescriber); ok {
			return d.SentinelPaths()
		}
	}
	return "", ""
}
