package runstore

import (
	"context"
	"log/slog"

	"github.com/tsawler/go-fitmonitor/training"
)

// Callback persists a run while it trains. Store failures are logged and never
// interrupt training.
type Callback struct {
	training.BaseCallback

	store  *Store
	name   string
	ctx    context.Context
	logger *slog.Logger

	run    Run
	params training.RunParams
	epochs int
	failed bool
}

// NewCallback creates a callback that records a run called name
func NewCallback(ctx context.Context, store *Store, name string, logger *slog.Logger) *Callback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Callback{store: store, name: name, ctx: ctx, logger: logger}
}

// RunID returns the ID of the run being recorded, empty before train begin
func (c *Callback) RunID() string {
	return c.run.ID
}

// OnTrainBegin creates the run
func (c *Callback) OnTrainBegin(params training.RunParams) error {
	c.params = params
	c.epochs = 0
	c.failed = false

	run, err := c.store.CreateRun(c.ctx, c.name, params)
	if err != nil {
		c.logger.Error("Failed to create run record", "error", err)
		c.run = Run{}
		return nil
	}
	c.run = run
	c.logger.Info("Recording run", "run_id", run.ID, "name", c.name)
	return nil
}

// OnEpochEnd stores the epoch metrics
func (c *Callback) OnEpochEnd(epoch int, logs training.Logs) (training.Decision, error) {
	c.epochs = epoch + 1
	if c.run.ID == "" {
		return training.DecisionContinue, nil
	}

	m, err := training.ParseEpochMetrics(logs)
	if err != nil {
		c.failed = true
		c.logger.Warn("Epoch not recorded", "run_id", c.run.ID, "epoch", epoch, "error", err)
		return training.DecisionContinue, nil
	}
	if err := c.store.AppendEpoch(c.ctx, c.run.ID, epoch, m); err != nil {
		c.logger.Error("Failed to record epoch", "run_id", c.run.ID, "epoch", epoch, "error", err)
	}
	return training.DecisionContinue, nil
}

// OnTrainEnd marks the run finished
func (c *Callback) OnTrainEnd() {
	if c.run.ID == "" {
		return
	}

	status := StatusCompleted
	switch {
	case c.failed:
		status = StatusFailed
	case c.epochs < c.params.Epochs:
		status = StatusStopped
	}
	// The run context may already be canceled when training was interrupted
	if err := c.store.FinishRun(context.WithoutCancel(c.ctx), c.run.ID, status); err != nil {
		c.logger.Error("Failed to finish run record", "run_id", c.run.ID, "error", err)
	}
}
