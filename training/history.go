package training

import (
	"errors"
	"fmt"
)

// Metric log keys reported by the training loop at the end of every epoch
const (
	KeyLoss        = "loss"
	KeyAccuracy    = "acc"
	KeyValLoss     = "val_loss"
	KeyValAccuracy = "val_acc"
)

// keyAliases maps long-form metric names onto the short keys above
var keyAliases = map[string]string{
	"accuracy":     KeyAccuracy,
	"val_accuracy": KeyValAccuracy,
}

var (
	// ErrMissingMetric is returned when an epoch's logs lack a required metric
	ErrMissingMetric = errors.New("missing required metric")

	// ErrValidationMismatch is returned when validated and unvalidated epochs are mixed
	ErrValidationMismatch = errors.New("validation metrics reported inconsistently")
)

// Logs holds the scalar metrics reported by the training loop for one batch or epoch
type Logs map[string]float64

// Get returns the value for key, accepting either the short key or its long-form alias
func (l Logs) Get(key string) (float64, bool) {
	if short, ok := keyAliases[key]; ok {
		key = short
	}
	if v, ok := l[key]; ok {
		return v, true
	}
	for alias, short := range keyAliases {
		if short == key {
			if v, ok := l[alias]; ok {
				return v, true
			}
		}
	}
	return 0, false
}

// EpochMetrics holds the metrics of a single completed epoch
type EpochMetrics struct {
	Accuracy      float64 `json:"acc"`
	Loss          float64 `json:"loss"`
	ValAccuracy   float64 `json:"val_acc,omitempty"`
	ValLoss       float64 `json:"val_loss,omitempty"`
	HasValidation bool    `json:"has_validation"`
}

// GeneralizationGap returns |val_loss - loss|, or 0 when there is no validation
func (m EpochMetrics) GeneralizationGap() float64 {
	if !m.HasValidation {
		return 0
	}
	return absDiff(m.ValLoss, m.Loss)
}

// ParseEpochMetrics extracts EpochMetrics from epoch-end logs.
// loss and acc are required; validation is present when val_loss is reported.
func ParseEpochMetrics(logs Logs) (EpochMetrics, error) {
	var m EpochMetrics
	var ok bool

	if m.Loss, ok = logs.Get(KeyLoss); !ok {
		return m, fmt.Errorf("%w: %s", ErrMissingMetric, KeyLoss)
	}
	if m.Accuracy, ok = logs.Get(KeyAccuracy); !ok {
		return m, fmt.Errorf("%w: %s", ErrMissingMetric, KeyAccuracy)
	}

	valLoss, hasValLoss := logs.Get(KeyValLoss)
	valAcc, hasValAcc := logs.Get(KeyValAccuracy)
	switch {
	case hasValLoss && hasValAcc:
		m.ValLoss = valLoss
		m.ValAccuracy = valAcc
		m.HasValidation = true
	case hasValLoss:
		return m, fmt.Errorf("%w: %s", ErrMissingMetric, KeyValAccuracy)
	case hasValAcc:
		return m, fmt.Errorf("%w: %s", ErrMissingMetric, KeyValLoss)
	}

	return m, nil
}

// MetricHistory is an append-only per-epoch record of training metrics
type MetricHistory struct {
	accuracy    []float64
	loss        []float64
	valAccuracy []float64
	valLoss     []float64
}

// NewMetricHistory creates an empty history
func NewMetricHistory() *MetricHistory {
	return &MetricHistory{
		accuracy:    make([]float64, 0),
		loss:        make([]float64, 0),
		valAccuracy: make([]float64, 0),
		valLoss:     make([]float64, 0),
	}
}

// Record appends one epoch. Validation must be reported for every epoch or for none.
func (h *MetricHistory) Record(m EpochMetrics) error {
	if n := len(h.loss); n > 0 {
		hadValidation := len(h.valLoss) == n
		if hadValidation != m.HasValidation {
			return fmt.Errorf("%w: epoch %d", ErrValidationMismatch, n)
		}
	}

	h.accuracy = append(h.accuracy, m.Accuracy)
	h.loss = append(h.loss, m.Loss)
	if m.HasValidation {
		h.valAccuracy = append(h.valAccuracy, m.ValAccuracy)
		h.valLoss = append(h.valLoss, m.ValLoss)
	}
	return nil
}

// Len returns the number of recorded epochs
func (h *MetricHistory) Len() int {
	return len(h.loss)
}

// Snapshot returns an immutable copy of the history
func (h *MetricHistory) Snapshot() HistorySnapshot {
	return HistorySnapshot{
		Accuracy:    cloneFloats(h.accuracy),
		Loss:        cloneFloats(h.loss),
		ValAccuracy: cloneFloats(h.valAccuracy),
		ValLoss:     cloneFloats(h.valLoss),
	}
}

// HistorySnapshot is a point-in-time copy of a MetricHistory used for scoring and plotting
type HistorySnapshot struct {
	Accuracy    []float64 `json:"acc"`
	Loss        []float64 `json:"loss"`
	ValAccuracy []float64 `json:"val_acc,omitempty"`
	ValLoss     []float64 `json:"val_loss,omitempty"`
}

// Len returns the number of epochs in the snapshot
func (s HistorySnapshot) Len() int {
	return len(s.Loss)
}

// HasValidation reports whether validation metrics exist for every epoch
func (s HistorySnapshot) HasValidation() bool {
	return len(s.Loss) > 0 && len(s.ValLoss) == len(s.Loss) && len(s.ValAccuracy) == len(s.Loss)
}

// Epoch returns the metrics of epoch i
func (s HistorySnapshot) Epoch(i int) EpochMetrics {
	m := EpochMetrics{
		Accuracy: s.Accuracy[i],
		Loss:     s.Loss[i],
	}
	if s.HasValidation() {
		m.ValAccuracy = s.ValAccuracy[i]
		m.ValLoss = s.ValLoss[i]
		m.HasValidation = true
	}
	return m
}

// Series returns the curves keyed by metric name; validation curves are omitted when absent
func (s HistorySnapshot) Series() map[string][]float64 {
	series := map[string][]float64{
		KeyAccuracy: cloneFloats(s.Accuracy),
		KeyLoss:     cloneFloats(s.Loss),
	}
	if s.HasValidation() {
		series[KeyValAccuracy] = cloneFloats(s.ValAccuracy)
		series[KeyValLoss] = cloneFloats(s.ValLoss)
	}
	return series
}

func cloneFloats(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
