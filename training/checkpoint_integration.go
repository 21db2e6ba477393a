package training

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Defaults for the checkpoint policy
const (
	DefaultThresh  = 0.02
	DefaultMaxLoss = 0.01
)

// ModelSaver persists the current model parameters to path
type ModelSaver interface {
	Save(path string) error
}

// CheckpointAnnotator is implemented by savers that record which epoch a checkpoint came from.
// AnnotateCheckpoint is called immediately before Save.
type CheckpointAnnotator interface {
	AnnotateCheckpoint(epoch int, loss, valLoss float64, hasValidation bool)
}

// CheckpointRecord identifies the epoch that produced the saved checkpoint
type CheckpointRecord struct {
	Epoch         int     `json:"epoch"`
	Loss          float64 `json:"loss"`
	ValLoss       float64 `json:"val_loss"`
	HasValidation bool    `json:"has_validation"`
}

// String formats the record the way the end-of-run summary prints it
func (r CheckpointRecord) String() string {
	valLoss := -1.0
	if r.HasValidation {
		valLoss = r.ValLoss
	}
	return fmt.Sprintf("epoch=%d, loss=%.6f, val_loss=%.6f", r.Epoch, r.Loss, valLoss)
}

// CheckpointState is the best-model bookkeeping of one run
type CheckpointState struct {
	BestLoss   float64           // never increases; starts at the configured MaxLoss
	Checkpoint *CheckpointRecord // nil until an epoch qualifies
	Filename   string            // empty for dry runs
}

// NewCheckpointState creates the initial state for a run
func NewCheckpointState(maxLoss float64, filename string) *CheckpointState {
	return &CheckpointState{
		BestLoss: maxLoss,
		Filename: filename,
	}
}

// CheckpointPolicy decides whether an epoch is a generalizing improvement worth saving.
// It tracks the running minimum training loss of the run.
type CheckpointPolicy struct {
	Thresh float64

	minLoss float64
}

// NewCheckpointPolicy creates a policy with the given train/val loss gap threshold
func NewCheckpointPolicy(thresh float64) *CheckpointPolicy {
	return &CheckpointPolicy{
		Thresh:  thresh,
		minLoss: math.Inf(1),
	}
}

// ShouldCheckpoint reports whether the epoch qualifies. It also advances the running
// minimum loss, so it must be called exactly once per epoch, in order.
func (p *CheckpointPolicy) ShouldCheckpoint(epoch int, loss, valLoss float64, hasVal bool, state *CheckpointState) bool {
	if !(loss < p.minLoss) {
		return false
	}
	p.minLoss = loss

	if !(loss < state.BestLoss) {
		return false
	}
	if hasVal && absDiff(valLoss, loss) > p.Thresh {
		return false
	}
	return true
}

// MinLoss returns the lowest training loss seen by the policy
func (p *CheckpointPolicy) MinLoss() float64 {
	return p.minLoss
}

// CheckpointManager applies a CheckpointPolicy and persists qualifying epochs
type CheckpointManager struct {
	policy *CheckpointPolicy
	state  *CheckpointState
	saver  ModelSaver
}

// NewCheckpointManager creates a manager. saver may be nil when state.Filename is empty.
func NewCheckpointManager(policy *CheckpointPolicy, state *CheckpointState, saver ModelSaver) *CheckpointManager {
	return &CheckpointManager{
		policy: policy,
		state:  state,
		saver:  saver,
	}
}

// SaveBestCheckpoint evaluates the epoch and saves the model if it qualifies.
// The state only changes after a successful save.
func (cm *CheckpointManager) SaveBestCheckpoint(epoch int, m EpochMetrics) (bool, error) {
	if !cm.policy.ShouldCheckpoint(epoch, m.Loss, m.ValLoss, m.HasValidation, cm.state) {
		return false, nil
	}

	if cm.state.Filename != "" {
		if cm.saver == nil {
			return false, fmt.Errorf("checkpoint file %s configured without a model saver", cm.state.Filename)
		}
		if err := cm.ensureDirectory(); err != nil {
			return false, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
		if a, ok := cm.saver.(CheckpointAnnotator); ok {
			a.AnnotateCheckpoint(epoch, m.Loss, m.ValLoss, m.HasValidation)
		}
		if err := cm.saver.Save(cm.state.Filename); err != nil {
			return false, fmt.Errorf("failed to save checkpoint: %w", err)
		}
	}

	cm.state.BestLoss = m.Loss
	cm.state.Checkpoint = &CheckpointRecord{
		Epoch:         epoch,
		Loss:          m.Loss,
		ValLoss:       m.ValLoss,
		HasValidation: m.HasValidation,
	}
	return true, nil
}

// State returns the live checkpoint state
func (cm *CheckpointManager) State() *CheckpointState {
	return cm.state
}

func (cm *CheckpointManager) ensureDirectory() error {
	dir := filepath.Dir(cm.state.Filename)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
