package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/tsawler/go-fitmonitor/config"
	"github.com/tsawler/go-fitmonitor/runstore"
	"github.com/tsawler/go-fitmonitor/training"
)

// ScoreCmd implements the 'score' command
type ScoreCmd struct {
	RunID  string  `arg:"" optional:"" help:"Run ID (defaults to the latest run)"`
	Thresh float64 `help:"Best-epoch loss gap threshold; negative uses monitor.thresh" default:"-1"`
}

func (s *ScoreCmd) Run(g *Global, _ *CLI) error {
	store, err := runstore.Open(g.Config.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer store.Close()

	thresh := *g.Config.Monitor.Thresh
	if s.Thresh >= 0 {
		thresh = s.Thresh
	}
	return scoreRun(context.Background(), g.Out, store, s.RunID, thresh)
}

func scoreRun(ctx context.Context, out io.Writer, store *runstore.Store, runID string, thresh float64) error {
	var (
		run runstore.Run
		err error
	)
	if runID == "" {
		run, err = store.LatestRun(ctx)
	} else {
		run, err = store.GetRun(ctx, runID)
	}
	if err != nil {
		return err
	}

	history, err := store.LoadHistory(ctx, run.ID)
	if err != nil {
		return err
	}
	report, err := training.NewScoreReport(history, run.Params, thresh)
	if err != nil {
		return fmt.Errorf("run %s: %w", run.ID, err)
	}

	fmt.Fprintf(out, "run %s (%s, %s)\n", run.ID, run.Name, run.Status)
	training.WriteScoreReport(out, report)
	return nil
}

// RunsCmd implements the 'runs' command
type RunsCmd struct {
	Limit int `short:"l" help:"Maximum number of runs to list" default:"20"`
}

func (r *RunsCmd) Run(g *Global, _ *CLI) error {
	store, err := runstore.Open(g.Config.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), r.Limit)
	if err != nil {
		return err
	}
	writeRuns(g.Out, runs)
	return nil
}

func writeRuns(out io.Writer, runs []runstore.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tEPOCHS\tSTARTED\tDURATION")
	for _, run := range runs {
		duration := "-"
		if !run.FinishedAt.IsZero() {
			duration = training.FormatTime(run.FinishedAt.Sub(run.StartedAt).Seconds())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n", run.ID, run.Name, run.Status,
			run.EpochsRun, run.Params.Epochs, run.StartedAt.Local().Format(time.DateTime), duration)
	}
	_ = tw.Flush()
}

// StopCmd implements the 'stop' command
type StopCmd struct {
	Dir string `short:"d" help:"Sentinel directory (overrides monitor.sentinel_dir)"`
}

func (s *StopCmd) Run(g *Global, _ *CLI) error {
	stop, _ := training.NewFileSentinel(sentinelDir(g.Config, s.Dir)).SentinelPaths()
	return touchSentinel(g.Out, stop, "Stop")
}

// PauseCmd implements the 'pause' command
type PauseCmd struct {
	Dir string `short:"d" help:"Sentinel directory (overrides monitor.sentinel_dir)"`
}

func (p *PauseCmd) Run(g *Global, _ *CLI) error {
	_, pause := training.NewFileSentinel(sentinelDir(g.Config, p.Dir)).SentinelPaths()
	return touchSentinel(g.Out, pause, "Pause")
}

func sentinelDir(cfg *config.Config, override string) string {
	if override != "" {
		return override
	}
	return cfg.Monitor.SentinelDir
}

func touchSentinel(out io.Writer, path, what string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create sentinel %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s requested: %s\n", what, path)
	return nil
}

// InitCmd implements the 'init' command
type InitCmd struct {
	Force bool   `help:"Overwrite existing configuration file"`
	Path  string `arg:"" optional:"" help:"Where to write the configuration" default:"fitmon.yaml"`
}

func (i *InitCmd) Run(g *Global, _ *CLI) error {
	if err := config.Init(i.Path, i.Force); err != nil {
		return fmt.Errorf("init failed: %w", err)
	}
	fmt.Fprintf(g.Out, "Wrote configuration to %s\n", i.Path)
	return nil
}
