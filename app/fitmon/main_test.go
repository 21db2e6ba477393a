package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-fitmonitor/checkpoints"
	"github.com/tsawler/go-fitmonitor/config"
	"github.com/tsawler/go-fitmonitor/runstore"
	"github.com/tsawler/go-fitmonitor/training"
)

func parseCLI(t *testing.T, args ...string) (*kong.Context, *CLI, *Global) {
	t.Helper()
	var cli CLI
	g := &Global{}
	parser, err := kong.New(&cli, kong.Name("fitmon"), kong.Vars{"version": "test"}, kong.Bind(g))
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return ctx, &cli, g
}

func TestParseAppliesDefaults(t *testing.T) {
	ctx, _, g := parseCLI(t, "stop")
	assert.Equal(t, "stop", ctx.Command())
	require.NotNil(t, g.Config)
	assert.Equal(t, training.DefaultMonitorConfig(), g.Config.MonitorSettings())
	require.NotNil(t, g.Logger)
}

func TestParseLoadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fitmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitor:\n  thresh: 0.5\nlogging:\n  format: json\n"), 0644))

	_, _, g := parseCLI(t, "--config", path, "runs")
	assert.Equal(t, 0.5, *g.Config.Monitor.Thresh)
}

func TestStopAndPauseCommandsCreateSentinels(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	g := &Global{Config: config.Default(), Out: &out}

	require.NoError(t, (&StopCmd{Dir: dir}).Run(g, nil))
	require.NoError(t, (&PauseCmd{Dir: dir}).Run(g, nil))

	sentinel := training.NewFileSentinel(dir)
	got := sentinel.Poll(training.SignalPause | training.SignalStop)
	assert.True(t, got.Has(training.SignalStop))
	assert.True(t, got.Has(training.SignalPause))
	assert.Contains(t, out.String(), "Stop requested")
}

func TestScoreRunAndListRuns(t *testing.T) {
	store, err := runstore.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	run, err := store.CreateRun(ctx, "demo", training.RunParams{Epochs: 2, BatchSize: 8, Samples: 64})
	require.NoError(t, err)
	require.NoError(t, store.AppendEpoch(ctx, run.ID, 0, training.EpochMetrics{
		Loss: 0.5, Accuracy: 0.7, ValLoss: 0.51, ValAccuracy: 0.69, HasValidation: true}))
	require.NoError(t, store.AppendEpoch(ctx, run.ID, 1, training.EpochMetrics{
		Loss: 0.4, Accuracy: 0.8, ValLoss: 0.41, ValAccuracy: 0.78, HasValidation: true}))
	require.NoError(t, store.FinishRun(ctx, run.ID, runstore.StatusCompleted))

	var out bytes.Buffer
	require.NoError(t, scoreRun(ctx, &out, store, "", 0.02))
	assert.Contains(t, out.String(), run.ID)
	assert.Contains(t, out.String(), "best epoch = 0")
	assert.Contains(t, out.String(), "batch_size = 8")

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	out.Reset()
	writeRuns(&out, runs)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "completed")
	assert.Contains(t, lines[1], "2/2")
}

func TestWriteRunsEmpty(t *testing.T) {
	var out bytes.Buffer
	writeRuns(&out, nil)
	assert.Equal(t, "No runs recorded.\n", out.String())
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "json", slog.LevelInfo).Info("hello", "k", 1)
	assert.True(t, strings.HasPrefix(buf.String(), "{"))

	buf.Reset()
	newLogger(&buf, "text", slog.LevelWarn).Info("hidden")
	assert.Empty(t, buf.String())
}

func TestTrainCommandEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Training.Epochs = 5
	cfg.Training.Samples = 200
	cfg.Monitor.SentinelDir = dir
	cfg.Monitor.Filename = filepath.Join(dir, "ckpt", "best.json")
	*cfg.Monitor.MaxLoss = 10
	*cfg.Monitor.Thresh = 10
	cfg.Plotting.Mode = config.PlotModeNone
	cfg.Store.Enabled = true
	cfg.Store.Path = filepath.Join(dir, "runs.db")
	cfg.Training.Schedule.Name = "plateau"

	var out bytes.Buffer
	g := &Global{Config: cfg, Out: &out, Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))}
	require.NoError(t, (&TrainCmd{Name: "e2e"}).Run(g, nil))

	assert.Contains(t, out.String(), "Best model saved in file:")
	assert.FileExists(t, cfg.Monitor.Filename)
	assert.Contains(t, out.String(), "validation success rate =")
	assert.Contains(t, out.String(), "macro_f1 =")
	assert.Contains(t, out.String(), "lr_schedule = plateau")
	assert.Contains(t, out.String(), "Params count: 5")

	store, err := runstore.Open(cfg.Store.Path)
	require.NoError(t, err)
	defer store.Close()
	run, err := store.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "e2e", run.Name)
	assert.Equal(t, runstore.StatusCompleted, run.Status)
	assert.Equal(t, 5, run.EpochsRun)
}

func TestTrainCommandWithoutValidation(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Training.Epochs = 3
	cfg.Training.Samples = 100
	*cfg.Training.ValidationSplit = 0
	cfg.Monitor.SentinelDir = dir
	cfg.Monitor.Filename = filepath.Join(dir, "best.pb")
	*cfg.Monitor.MaxLoss = 10
	cfg.Plotting.Mode = config.PlotModeNone

	var out bytes.Buffer
	g := &Global{Config: cfg, Out: &out, Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))}
	require.NoError(t, (&TrainCmd{Name: "noval"}).Run(g, nil))

	assert.NotContains(t, out.String(), "Validation: accuracy")
	assert.NotContains(t, out.String(), "validation success rate")

	cp, err := checkpoints.LoadCheckpoint(cfg.Monitor.Filename)
	require.NoError(t, err)
	assert.False(t, cp.TrainingState.HasValidation)
}
