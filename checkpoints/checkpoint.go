package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// ParseFormat maps a format name ("json", "proto") to a CheckpointFormat
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return FormatJSON, nil
	case "proto", "pb", "protobuf":
		return FormatProto, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q", name)
	}
}

// FormatForPath picks a format from the file extension; ".pb" means proto, anything else JSON
func FormatForPath(path string) CheckpointFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pb", ".proto":
		return FormatProto
	default:
		return FormatJSON
	}
}

// ResolveFormat picks the format used to write path. An empty name follows the
// extension; an explicit name must agree with it so LoadCheckpoint can read the file back.
func ResolveFormat(name, path string) (CheckpointFormat, error) {
	if name == "" {
		return FormatForPath(path), nil
	}
	format, err := ParseFormat(name)
	if err != nil {
		return format, err
	}
	if path != "" && FormatForPath(path) != format {
		return format, fmt.Errorf("format %s does not match checkpoint file %s (use .pb for proto, .json for JSON)", format, path)
	}
	return format, nil
}

// CountParams returns the total number of values across weights
func CountParams(weights []WeightTensor) int {
	n := 0
	for _, w := range weights {
		n += w.Size()
	}
	return n
}

// Checkpoint represents a model state: weights plus the training progress at save time
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias"
}

// Size returns the number of elements implied by the shape
func (w WeightTensor) Size() int {
	if len(w.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

// TrainingState captures the training progress when the checkpoint was taken
type TrainingState struct {
	Epoch         int     `json:"epoch"`
	Loss          float64 `json:"loss"`
	ValLoss       float64 `json:"val_loss"`
	HasValidation bool    `json:"has_validation"`
	BestLoss      float64 `json:"best_loss"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

const (
	frameworkName    = "go-fitmonitor"
	checkpointFormat = "1.0.0"
)

// Validate checks that every weight carries as much data as its shape implies
func (c *Checkpoint) Validate() error {
	for _, w := range c.Weights {
		if w.Name == "" {
			return fmt.Errorf("weight tensor without a name")
		}
		if w.Size() != len(w.Data) {
			return fmt.Errorf("weight %s: shape %v implies %d values, got %d", w.Name, w.Shape, w.Size(), len(w.Data))
		}
	}
	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
	now    func() time.Time
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
		now:    time.Now,
	}
}

// Format returns the saver's format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes a checkpoint. The file is written next to path and renamed
// into place, so a reader never sees a half-written checkpoint.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}

	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = checkpointFormat
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = cs.now()
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatProto:
		data, err = marshalProto(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatJSON:
		checkpoint = &Checkpoint{}
		err = json.Unmarshal(data, checkpoint)
	case FormatProto:
		checkpoint, err = unmarshalProto(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint %s: %w", path, err)
	}
	return checkpoint, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}
