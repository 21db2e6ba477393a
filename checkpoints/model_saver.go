package checkpoints

import (
	"errors"
	"fmt"
	"sync"
)

// WeightSource exposes a model's current parameters
type WeightSource interface {
	Weights() []WeightTensor
}

// ModelSaver writes checkpoints of a live model. The fit monitor annotates it with the
// epoch being saved and then asks it to save.
type ModelSaver struct {
	source WeightSource
	saver  *CheckpointSaver
	tags   []string

	mu    sync.Mutex
	state TrainingState
}

// NewModelSaver creates a ModelSaver for source. The format is chosen per path unless
// a fixed format is given.
func NewModelSaver(source WeightSource, tags ...string) *ModelSaver {
	return &ModelSaver{source: source, tags: tags}
}

// WithFormat fixes the checkpoint format instead of picking it from the file extension
func (ms *ModelSaver) WithFormat(format CheckpointFormat) *ModelSaver {
	ms.saver = NewCheckpointSaver(format)
	return ms
}

// AnnotateCheckpoint records the training progress stored with the next save
func (ms *ModelSaver) AnnotateCheckpoint(epoch int, loss, valLoss float64, hasValidation bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.state.Epoch = epoch
	ms.state.Loss = loss
	ms.state.ValLoss = valLoss
	ms.state.HasValidation = hasValidation
	// Checkpoints are only taken on improvement, so the annotated loss is the best so far
	ms.state.BestLoss = loss
}

// Save writes the model's current weights to path
func (ms *ModelSaver) Save(path string) error {
	if ms.source == nil {
		return errors.New("model saver has no weight source")
	}

	ms.mu.Lock()
	state := ms.state
	ms.mu.Unlock()

	checkpoint := &Checkpoint{
		Weights:       ms.source.Weights(),
		TrainingState: state,
		Metadata: CheckpointMetadata{
			Description: fmt.Sprintf("checkpoint at epoch %d", state.Epoch),
			Tags:        ms.tags,
		},
	}

	saver := ms.saver
	if saver == nil {
		saver = NewCheckpointSaver(FormatForPath(path))
	}
	return saver.SaveCheckpoint(checkpoint, path)
}

// LoadCheckpoint reads a checkpoint, picking the format from the file extension
func LoadCheckpoint(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatForPath(path)).LoadCheckpoint(path)
}
