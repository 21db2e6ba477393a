package training

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, nil, 0644))
}

func TestSignalString(t *testing.T) {
	assert.Equal(t, "none", SignalNone.String())
	assert.Equal(t, "pause", SignalPause.String())
	assert.Equal(t, "stop", SignalStop.String())
	assert.True(t, (SignalPause | SignalStop).Has(SignalStop))
	assert.False(t, SignalPause.Has(SignalStop))
}

func TestFileSentinelConsumesStopFile(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSentinel(dir)
	assert.Equal(t, SignalNone, s.Poll(SignalPause|SignalStop))

	touch(t, s.StopPath)
	assert.Equal(t, SignalStop, s.Poll(SignalPause|SignalStop))
	assert.NoFileExists(t, s.StopPath)
	assert.Equal(t, SignalNone, s.Poll(SignalPause|SignalStop))
}

func TestFileSentinelOnlyConsumesWatched(t *testing.T) {
	s := NewFileSentinel(t.TempDir())
	touch(t, s.StopPath)
	touch(t, s.PausePath)

	assert.Equal(t, SignalPause, s.Poll(SignalPause))
	assert.FileExists(t, s.StopPath)
	assert.Equal(t, SignalStop, s.Poll(SignalStop))
}

func TestFileSentinelDefaultPaths(t *testing.T) {
	stop, pause := NewFileSentinel("").SentinelPaths()
	assert.Equal(t, DefaultStopFile, stop)
	assert.Equal(t, DefaultPauseFile, pause)
}

func TestChannelControl(t *testing.T) {
	c := NewChannelControl()
	c.Send(SignalStop)
	c.Send(SignalPause)

	assert.Equal(t, SignalPause, c.Poll(SignalPause))
	assert.Equal(t, SignalStop, c.Poll(SignalPause|SignalStop))
	assert.Equal(t, SignalNone, c.Poll(SignalPause|SignalStop))
}

func TestMultiControl(t *testing.T) {
	files := NewFileSentinel(t.TempDir())
	ch := NewChannelControl()
	m := MultiControl{files, ch}

	touch(t, files.PausePath)
	ch.Send(SignalStop)
	assert.Equal(t, SignalPause|SignalStop, m.Poll(SignalPause|SignalStop))

	stop, pause := m.SentinelPaths()
	assert.Equal(t, files.StopPath, stop)
	assert.Equal(t, files.PausePath, pause)
}

func TestNotifySentinel(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ns, err := NewNotifySentinel(ctx, dir)
	require.NoError(t, err)
	defer ns.Close()

	assert.Equal(t, SignalNone, ns.Poll(SignalStop))

	stop, _ := ns.SentinelPaths()
	touch(t, stop)
	require.Eventually(t, func() bool {
		return ns.Poll(SignalStop) == SignalStop
	}, 2*time.Second, 10*time.Millisecond)

	assert.NoFileExists(t, stop)
	assert.Equal(t, SignalNone, ns.Poll(SignalStop))
}

func TestNotifySentinelPicksUpExistingFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, DefaultPauseFile))

	ns, err := NewNotifySentinel(context.Background(), dir)
	require.NoError(t, err)
	defer ns.Close()

	assert.Equal(t, SignalPause, ns.Poll(SignalPause|SignalStop))
	require.NoError(t, ns.Close())
}
