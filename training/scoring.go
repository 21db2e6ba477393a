package training

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInsufficientHistory is returned when a score needs more epochs than recorded
	ErrInsufficientHistory = errors.New("not enough epochs in history")

	// ErrNoValidation is returned when a score needs validation metrics that were never reported
	ErrNoValidation = errors.New("history has no validation metrics")
)

// OverfittingScore is the epoch-weighted mean of |acc - val_acc|; late gaps weigh more.
// It needs at least two epochs.
func OverfittingScore(h HistorySnapshot) (float64, error) {
	n := h.Len()
	if n <= 1 {
		return 0, fmt.Errorf("overfitting score: %w: %d", ErrInsufficientHistory, n)
	}
	if !h.HasValidation() {
		return 0, fmt.Errorf("overfitting score: %w", ErrNoValidation)
	}

	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(i) * absDiff(h.Accuracy[i], h.ValAccuracy[i])
	}
	return sum / (float64(n) * float64(n-1) / 2), nil
}

// UnderfittingScore is the unweighted mean of |acc - val_acc|
func UnderfittingScore(h HistorySnapshot) (float64, error) {
	n := h.Len()
	if n == 0 {
		return 0, fmt.Errorf("underfitting score: %w: %d", ErrInsufficientHistory, n)
	}
	if !h.HasValidation() {
		return 0, fmt.Errorf("underfitting score: %w", ErrNoValidation)
	}

	var sum float64
	for i := 0; i < n; i++ {
		sum += absDiff(h.Accuracy[i], h.ValAccuracy[i])
	}
	return sum / float64(n), nil
}

// BestEpoch picks, among epochs whose |loss - val_loss| <= thresh, the one with the
// highest validation loss. The first such epoch wins ties. ok is false when no epoch qualifies.
func BestEpoch(h HistorySnapshot, thresh float64) (epoch int, ok bool) {
	if !h.HasValidation() {
		return -1, false
	}

	epoch = -1
	for i := 0; i < h.Len(); i++ {
		if absDiff(h.Loss[i], h.ValLoss[i]) > thresh {
			continue
		}
		if epoch == -1 || h.ValLoss[i] > h.ValLoss[epoch] {
			epoch = i
		}
	}
	return epoch, epoch != -1
}

// ScoreReport summarizes a finished fit
type ScoreReport struct {
	TrainAccuracy float64
	TrainLoss     float64
	ValAccuracy   float64
	ValLoss       float64
	HasValidation bool

	OverfittingScore    float64
	HasOverfittingScore bool
	UnderfittingScore   float64

	StopEpoch int
	Epochs    int
	BatchSize int
	Samples   int
	Params    int // trainable parameter count; 0 when the caller does not know it

	BestEpoch    int
	HasBestEpoch bool
}

// NewScoreReport computes the report for a history. Final metrics come from the last epoch.
func NewScoreReport(h HistorySnapshot, params RunParams, thresh float64) (ScoreReport, error) {
	n := h.Len()
	if n == 0 {
		return ScoreReport{}, fmt.Errorf("score report: %w", ErrInsufficientHistory)
	}

	last := h.Epoch(n - 1)
	r := ScoreReport{
		TrainAccuracy: last.Accuracy,
		TrainLoss:     last.Loss,
		ValAccuracy:   last.ValAccuracy,
		ValLoss:       last.ValLoss,
		HasValidation: last.HasValidation,
		StopEpoch:     n - 1,
		Epochs:        params.Epochs,
		BatchSize:     params.BatchSize,
		Samples:       params.Samples,
		BestEpoch:     -1,
	}

	if r.HasValidation {
		var err error
		if r.UnderfittingScore, err = UnderfittingScore(h); err != nil {
			return r, err
		}
		if n > 1 {
			if r.OverfittingScore, err = OverfittingScore(h); err != nil {
				return r, err
			}
			r.HasOverfittingScore = true
		}
		r.BestEpoch, r.HasBestEpoch = BestEpoch(h, thresh)
	}
	return r, nil
}

// WriteScoreReport prints the report
func WriteScoreReport(w io.Writer, r ScoreReport) {
	fmt.Fprintf(w, "Training: accuracy   = %.6f loss = %.6f\n", r.TrainAccuracy, r.TrainLoss)
	if r.HasValidation {
		fmt.Fprintf(w, "Validation: accuracy = %.6f loss = %.6f\n", r.ValAccuracy, r.ValLoss)
		if r.HasOverfittingScore {
			fmt.Fprintf(w, "Over fitting score   = %.6f\n", r.OverfittingScore)
		}
		fmt.Fprintf(w, "Under fitting score  = %.6f\n", r.UnderfittingScore)
	}
	fmt.Fprintln(w, "stop epoch =", r.StopEpoch)
	fmt.Fprintln(w, "epochs =", r.Epochs)
	fmt.Fprintln(w, "batch_size =", r.BatchSize)
	fmt.Fprintln(w, "samples =", r.Samples)
	if r.Params > 0 {
		fmt.Fprintln(w, "Params count:", r.Params)
	}
	if r.HasValidation {
		if r.HasBestEpoch {
			fmt.Fprintf(w, "best epoch = %d\n", r.BestEpoch)
		} else {
			fmt.Fprintln(w, "best epoch: No result")
		}
	}
}

// SuccessRate returns the fraction of predictions equal to the truth
func SuccessRate(predicted, truth []int) (float64, error) {
	if len(predicted) != len(truth) {
		return 0, fmt.Errorf("length mismatch: %d predictions, %d labels", len(predicted), len(truth))
	}
	if len(predicted) == 0 {
		return 0, nil
	}
	correct := 0
	for i := range predicted {
		if predicted[i] == truth[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(predicted)), nil
}
