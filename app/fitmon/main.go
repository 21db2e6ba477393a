// Command fitmon trains the built-in logistic model under the fit monitor and
// inspects recorded runs.
//
// Usage:
//
//	fitmon train --config fitmon.yaml
//	fitmon stop            # ask the running fit to stop after the current epoch
//	fitmon pause           # ask the running fit to plot its curves
//	fitmon runs            # list recorded runs
//	fitmon score [run-id]  # score a recorded run
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/tsawler/go-fitmonitor/config"
)

// Global state shared with subcommands
type Global struct {
	Logger *slog.Logger
	Config *config.Config
	Out    io.Writer
}

// CLI definition & global flags
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path (defaults apply when empty)" type:"path"`
	Verbose bool             `short:"v" help:"Enable debug logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Train TrainCmd `cmd:"" help:"Train the logistic demo model under the fit monitor"`
	Score ScoreCmd `cmd:"" help:"Score a recorded run"`
	Runs  RunsCmd  `cmd:"" help:"List recorded runs"`
	Stop  StopCmd  `cmd:"" help:"Request a running fit to stop"`
	Pause PauseCmd `cmd:"" help:"Request a running fit to plot its curves"`
	Init  InitCmd  `cmd:"" help:"Write an example configuration file"`
}

// AfterApply loads the configuration and sets up logging once flags are parsed
func (c *CLI) AfterApply(g *Global) error {
	cfg := config.Default()
	if c.Config != "" {
		if _, err := os.Stat(c.Config); err == nil {
			loaded, err := config.Load(c.Config)
			if err != nil {
				return err
			}
			cfg = loaded
		}
	}

	level, err := config.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	if c.Verbose {
		level = slog.LevelDebug
	}
	g.Logger = newLogger(os.Stderr, cfg.Logging.Format, level)
	slog.SetDefault(g.Logger)

	g.Config = cfg
	g.Out = os.Stdout
	return nil
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

var version = "dev"

func main() {
	var cli CLI
	globals := &Global{}

	ctx := kong.Parse(&cli,
		kong.Name("fitmon"),
		kong.Description("Training fit monitor: checkpoints, early stopping and run scoring"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.Bind(globals),
	)

	if err := ctx.Run(globals, &cli); err != nil {
		if globals.Logger != nil {
			globals.Logger.Error("Command failed", "command", ctx.Command(), "error", err)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
