package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tsawler/go-fitmonitor/checkpoints"
	"github.com/tsawler/go-fitmonitor/config"
	"github.com/tsawler/go-fitmonitor/metrics"
	"github.com/tsawler/go-fitmonitor/models/logistic"
	"github.com/tsawler/go-fitmonitor/runstore"
	"github.com/tsawler/go-fitmonitor/training"
)

// TrainCmd implements the 'train' command
type TrainCmd struct {
	Epochs   int    `short:"e" help:"Number of epochs (overrides training.epochs)"`
	Filename string `short:"f" help:"Checkpoint file (overrides monitor.filename)"`
	Name     string `short:"n" help:"Run name recorded in the run store"`
	Watch    bool   `help:"Watch sentinel files with filesystem notifications"`
	Progress bool   `short:"p" help:"Show a per-batch progress bar"`
}

func (t *TrainCmd) Run(g *Global, _ *CLI) error {
	cfg := g.Config
	if t.Epochs > 0 {
		cfg.Training.Epochs = t.Epochs
	}
	if t.Filename != "" {
		cfg.Monitor.Filename = t.Filename
	}
	if t.Watch {
		cfg.Monitor.Watch = true
	}
	name := t.Name
	if name == "" {
		name = cfg.Training.ModelName
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	schedule, err := cfg.ScheduleSettings()
	if err != nil {
		return err
	}

	model, err := logistic.New(logistic.Config{
		Samples:         cfg.Training.Samples,
		Features:        cfg.Training.Features,
		BatchSize:       cfg.Training.BatchSize,
		LearningRate:    cfg.Training.LearningRate,
		ValidationSplit: *cfg.Training.ValidationSplit,
		Noise:           cfg.Training.Noise,
		Seed:            cfg.Training.Seed,
		Schedule:        schedule,
	})
	if err != nil {
		return fmt.Errorf("failed to build model: %w", err)
	}

	control, closeControl, err := buildControl(ctx, cfg, g.Logger)
	if err != nil {
		return err
	}
	defer closeControl()

	signals := training.NewChannelControl()
	stopSignals := forwardSignals(signals, cancel, g.Logger)
	defer stopSignals()
	control = training.MultiControl{control, signals}

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(reg)
		shutdown := serveMetrics(cfg.Metrics.Addr, cfg.Metrics.Path, reg, g.Logger)
		defer shutdown()
	}

	format, err := checkpoints.ResolveFormat(cfg.Checkpoint.Format, cfg.Monitor.Filename)
	if err != nil {
		return err
	}

	monitorOpts := []training.MonitorOption{
		training.WithControl(control),
		training.WithRecorder(recorder),
		training.WithLogger(g.Logger),
		training.WithOutput(g.Out),
		training.WithSaver(checkpoints.NewModelSaver(model, name).WithFormat(format)),
	}
	if plotter := buildPlotter(cfg, name, g.Logger); plotter != nil {
		monitorOpts = append(monitorOpts, training.WithPlotter(plotter))
	}
	monitor := training.NewFitMonitor(cfg.MonitorSettings(), monitorOpts...)

	callbacks := []training.Callback{monitor}
	if plateau, ok := schedule.(*training.PlateauSchedule); ok {
		callbacks = append(callbacks, plateau.WithLogger(g.Logger))
	}
	if cfg.EarlyStop.Enabled {
		callbacks = append(callbacks, training.NewEarlyStopper(cfg.EarlyStopSettings(),
			training.WithStopControl(control),
			training.WithStopRecorder(recorder),
			training.WithStopLogger(g.Logger),
			training.WithStopOutput(g.Out),
		))
	}
	if t.Progress {
		steps := (model.TrainSize() + cfg.Training.BatchSize - 1) / cfg.Training.BatchSize
		callbacks = append(callbacks, training.NewProgressCallback(os.Stderr, steps))
	}
	if cfg.Store.Enabled {
		store, err := runstore.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open run store: %w", err)
		}
		defer store.Close()
		callbacks = append(callbacks, runstore.NewCallback(ctx, store, name, g.Logger))
	}

	params := model.Params(cfg.Training.Epochs)
	result, fitErr := training.Fit(ctx, model, params, callbacks...)
	if result == nil {
		return fitErr
	}

	fmt.Fprintln(g.Out)
	if result.History.Len() > 0 {
		report, err := training.NewScoreReport(result.History, params, *cfg.Monitor.Thresh)
		if err != nil {
			return err
		}
		report.Params = checkpoints.CountParams(model.Weights())
		training.WriteScoreReport(g.Out, report)
	}
	if val := model.Validation(); val.Len() > 0 {
		predicted := model.Predict(val.X)
		if rate, err := training.SuccessRate(predicted, val.Y); err == nil {
			fmt.Fprintf(g.Out, "validation success rate = %.4f\n", rate)
		}
		cm := training.NewConfusionMatrix(2)
		if err := cm.Update(predicted, val.Y); err == nil {
			training.WriteClassificationReport(g.Out, cm)
		}
	}

	if errors.Is(fitErr, context.Canceled) {
		g.Logger.Warn("Training interrupted", "epochs_run", result.EpochsRun)
		return nil
	}
	return fitErr
}

// buildControl creates the sentinel control channel and a function releasing it
func buildControl(ctx context.Context, cfg *config.Config, logger *slog.Logger) (training.ControlChannel, func(), error) {
	if !cfg.Monitor.Watch {
		return training.NewFileSentinel(cfg.Monitor.SentinelDir).WithLogger(logger), func() {}, nil
	}
	ns, err := training.NewNotifySentinel(ctx, cfg.Monitor.SentinelDir)
	if err != nil {
		return nil, nil, err
	}
	ns.WithLogger(logger)
	return ns, func() { _ = ns.Close() }, nil
}

func buildPlotter(cfg *config.Config, modelName string, logger *slog.Logger) training.Plotter {
	switch cfg.Plotting.Mode {
	case config.PlotModeFile:
		return training.NewPlotFileWriter(cfg.Plotting.Dir, modelName)
	case config.PlotModeService:
		return training.NewPlottingService(cfg.PlottingServiceSettings(modelName)).WithLogger(logger)
	default:
		return nil
	}
}

// forwardSignals maps SIGINT/SIGTERM to a stop request and SIGUSR1 to a pause request.
// A second SIGINT cancels training immediately.
func forwardSignals(control *training.ChannelControl, cancel context.CancelFunc, logger *slog.Logger) func() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		stopping := false
		for {
			select {
			case <-done:
				return
			case sig := <-ch:
				switch sig {
				case syscall.SIGUSR1:
					logger.Info("Pause signal received")
					control.Send(training.SignalPause)
				default:
					if stopping {
						logger.Warn("Second interrupt, aborting")
						cancel()
						continue
					}
					stopping = true
					logger.Info("Stop signal received; finishing current epoch", "signal", sig.String())
					control.Send(training.SignalStop)
				}
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
		wg.Wait()
	}
}

func serveMetrics(addr, path string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("Serving metrics", "addr", addr, "path", path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
