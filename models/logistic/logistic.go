// Package logistic is a small logistic regression model trained with mini-batch SGD
// on a synthetic, linearly separable data set. It drives the fit loop in the CLI and
// in tests without any accelerator.
package logistic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-fitmonitor/checkpoints"
	"github.com/tsawler/go-fitmonitor/training"
)

// KeyLearningRate is the epoch log key carrying the rate used for the epoch
const KeyLearningRate = "lr"

// Config configures the data set and the optimizer
type Config struct {
	Samples         int
	Features        int
	BatchSize       int
	LearningRate    float64
	ValidationSplit float64 // fraction of samples held out; 0 disables validation
	Noise           float64 // std-dev of label noise added to the logit
	Seed            int64
	Schedule        training.LRSchedule // nil keeps LearningRate constant
}

// Dataset is a set of samples with binary labels
type Dataset struct {
	X [][]float64
	Y []int
}

// Len returns the number of samples
func (d Dataset) Len() int {
	return len(d.Y)
}

// Model is a logistic regression model with its training and validation data
type Model struct {
	config  Config
	weights []float64
	bias    float64

	train Dataset
	val   Dataset
	rng   *rand.Rand
	order []int
}

// New generates the data set and a zero-initialized model
func New(config Config) (*Model, error) {
	if config.Samples <= 1 || config.Features <= 0 {
		return nil, fmt.Errorf("need at least 2 samples and 1 feature, got %d and %d", config.Samples, config.Features)
	}
	if config.BatchSize <= 0 {
		return nil, errors.New("batch size must be positive")
	}
	if config.ValidationSplit < 0 || config.ValidationSplit >= 1 {
		return nil, fmt.Errorf("validation split must be in [0, 1), got %g", config.ValidationSplit)
	}

	rng := rand.New(rand.NewSource(config.Seed))
	data := generate(rng, config)

	nVal := int(float64(config.Samples) * config.ValidationSplit)
	m := &Model{
		config:  config,
		weights: make([]float64, config.Features),
		train:   Dataset{X: data.X[nVal:], Y: data.Y[nVal:]},
		val:     Dataset{X: data.X[:nVal], Y: data.Y[:nVal]},
		rng:     rng,
	}
	m.order = make([]int, m.train.Len())
	for i := range m.order {
		m.order[i] = i
	}
	return m, nil
}

func generate(rng *rand.Rand, config Config) Dataset {
	truth := make([]float64, config.Features)
	for i := range truth {
		truth[i] = rng.NormFloat64() * 2
	}

	d := Dataset{X: make([][]float64, config.Samples), Y: make([]int, config.Samples)}
	for i := 0; i < config.Samples; i++ {
		x := make([]float64, config.Features)
		var z float64
		for j := range x {
			x[j] = rng.NormFloat64()
			z += truth[j] * x[j]
		}
		z += rng.NormFloat64() * config.Noise
		d.X[i] = x
		if z > 0 {
			d.Y[i] = 1
		}
	}
	return d
}

// TrainSize returns the number of training samples
func (m *Model) TrainSize() int {
	return m.train.Len()
}

// Validation returns the held-out data set
func (m *Model) Validation() Dataset {
	return m.val
}

// Params describes the run for the fit callbacks
func (m *Model) Params(epochs int) training.RunParams {
	return training.RunParams{
		Epochs:    epochs,
		BatchSize: m.config.BatchSize,
		Samples:   m.train.Len(),
		Extra: map[string]string{
			"learning_rate":    fmt.Sprintf("%g", m.config.LearningRate),
			"validation_split": fmt.Sprintf("%g", m.config.ValidationSplit),
			"features":         fmt.Sprintf("%d", m.config.Features),
			"lr_schedule":      m.schedule().Name(),
		},
	}
}

// RunEpoch trains one shuffled pass over the training data
func (m *Model) RunEpoch(ctx context.Context, epoch int, onBatch func(batch int, logs training.Logs)) (training.Logs, error) {
	m.rng.Shuffle(len(m.order), func(i, j int) { m.order[i], m.order[j] = m.order[j], m.order[i] })

	lr := m.schedule().LearningRate(epoch, m.config.LearningRate)
	grad := make([]float64, len(m.weights))
	batch := 0
	for start := 0; start < len(m.order); start += m.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+m.config.BatchSize, len(m.order))

		for j := range grad {
			grad[j] = 0
		}
		var gradBias, loss float64
		correct := 0
		for _, idx := range m.order[start:end] {
			x, y := m.train.X[idx], float64(m.train.Y[idx])
			p := m.probability(x)
			loss += crossEntropy(p, y)
			if (p >= 0.5) == (y == 1) {
				correct++
			}
			for j := range grad {
				grad[j] += (p - y) * x[j]
			}
			gradBias += p - y
		}

		n := float64(end - start)
		for j := range m.weights {
			m.weights[j] -= lr * grad[j] / n
		}
		m.bias -= lr * gradBias / n

		if onBatch != nil {
			onBatch(batch, training.Logs{
				training.KeyLoss:     loss / n,
				training.KeyAccuracy: float64(correct) / n,
			})
		}
		batch++
	}

	loss, acc := m.Evaluate(m.train)
	logs := training.Logs{training.KeyLoss: loss, training.KeyAccuracy: acc, KeyLearningRate: lr}
	if m.val.Len() > 0 {
		valLoss, valAcc := m.Evaluate(m.val)
		logs[training.KeyValLoss] = valLoss
		logs[training.KeyValAccuracy] = valAcc
	}
	return logs, nil
}

// Evaluate returns the mean cross-entropy loss and the accuracy on d
func (m *Model) Evaluate(d Dataset) (loss, accuracy float64) {
	if d.Len() == 0 {
		return 0, 0
	}
	correct := 0
	for i, x := range d.X {
		p := m.probability(x)
		loss += crossEntropy(p, float64(d.Y[i]))
		if (p >= 0.5) == (d.Y[i] == 1) {
			correct++
		}
	}
	n := float64(d.Len())
	return loss / n, float64(correct) / n
}

// Predict returns the predicted class of every sample
func (m *Model) Predict(x [][]float64) []int {
	out := make([]int, len(x))
	for i, row := range x {
		if m.probability(row) >= 0.5 {
			out[i] = 1
		}
	}
	return out
}

// Weights exposes the parameters for checkpointing
func (m *Model) Weights() []checkpoints.WeightTensor {
	w := make([]float32, len(m.weights))
	for i, v := range m.weights {
		w[i] = float32(v)
	}
	return []checkpoints.WeightTensor{
		{Name: "dense.weight", Shape: []int{len(m.weights), 1}, Data: w, Layer: "dense", Type: "weight"},
		{Name: "dense.bias", Shape: []int{1}, Data: []float32{float32(m.bias)}, Layer: "dense", Type: "bias"},
	}
}

// LoadWeights restores parameters saved by Weights
func (m *Model) LoadWeights(weights []checkpoints.WeightTensor) error {
	for _, w := range weights {
		switch w.Name {
		case "dense.weight":
			if len(w.Data) != len(m.weights) {
				return fmt.Errorf("weight %s: expected %d values, got %d", w.Name, len(m.weights), len(w.Data))
			}
			for i, v := range w.Data {
				m.weights[i] = float64(v)
			}
		case "dense.bias":
			if len(w.Data) != 1 {
				return fmt.Errorf("weight %s: expected 1 value, got %d", w.Name, len(w.Data))
			}
			m.bias = float64(w.Data[0])
		default:
			return fmt.Errorf("unknown weight %s", w.Name)
		}
	}
	return nil
}

func (m *Model) schedule() training.LRSchedule {
	if m.config.Schedule == nil {
		return training.ConstantLR{}
	}
	return m.config.Schedule
}

func (m *Model) probability(x []float64) float64 {
	z := m.bias
	for j, v := range x {
		z += m.weights[j] * v
	}
	return 1 / (1 + math.Exp(-z))
}

func crossEntropy(p, y float64) float64 {
	const eps = 1e-12
	p = math.Min(math.Max(p, eps), 1-eps)
	return -(y*math.Log(p) + (1-y)*math.Log(1-p))
}
