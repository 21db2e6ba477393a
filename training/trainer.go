package training

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EpochRunner trains a model for one epoch. It calls onBatch after every batch and
// returns the epoch-end logs (loss, acc and optionally val_loss, val_acc).
type EpochRunner interface {
	RunEpoch(ctx context.Context, epoch int, onBatch func(batch int, logs Logs)) (Logs, error)
}

// FitResult is what Fit returns once the loop ends
type FitResult struct {
	History   HistorySnapshot
	EpochsRun int
	Stopped   bool     // a callback asked to stop before the configured epochs ran
	StoppedBy Callback // the callback that asked, nil otherwise
	Duration  time.Duration
}

// Fit runs the training loop for params.Epochs epochs, driving every callback through
// its lifecycle. The loop ends early when a callback returns DecisionStop or an error,
// or when ctx is canceled. OnTrainEnd is always called once OnTrainBegin succeeded.
func Fit(ctx context.Context, runner EpochRunner, params RunParams, callbacks ...Callback) (*FitResult, error) {
	if params.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", params.Epochs)
	}

	for i, cb := range callbacks {
		if err := cb.OnTrainBegin(params); err != nil {
			for _, started := range callbacks[:i] {
				started.OnTrainEnd()
			}
			return nil, fmt.Errorf("train begin: %w", err)
		}
	}

	start := time.Now()
	history := NewMetricHistory()
	result := &FitResult{}

	runErr := func() error {
		for epoch := 0; epoch < params.Epochs; epoch++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			for _, cb := range callbacks {
				cb.OnEpochBegin(epoch)
			}

			logs, err := runner.RunEpoch(ctx, epoch, func(batch int, logs Logs) {
				for _, cb := range callbacks {
					cb.OnBatchEnd(batch, logs)
				}
			})
			if err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}

			if em, err := ParseEpochMetrics(logs); err == nil {
				if err := history.Record(em); err != nil {
					return fmt.Errorf("epoch %d: %w", epoch, err)
				}
			}
			result.EpochsRun = epoch + 1

			// Every callback sees the epoch even if an earlier one asks to stop
			var stopErr error
			for _, cb := range callbacks {
				decision, err := cb.OnEpochEnd(epoch, logs)
				if err != nil && stopErr == nil {
					stopErr = err
				}
				if decision == DecisionStop && result.StoppedBy == nil {
					result.StoppedBy = cb
				}
			}
			if stopErr != nil {
				return stopErr
			}
			if result.StoppedBy != nil {
				result.Stopped = epoch < params.Epochs-1
				return nil
			}
		}
		return nil
	}()

	for _, cb := range callbacks {
		cb.OnTrainEnd()
	}

	result.History = history.Snapshot()
	result.Duration = time.Since(start)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			result.Stopped = true
		}
		return result, runErr
	}
	return result, nil
}
