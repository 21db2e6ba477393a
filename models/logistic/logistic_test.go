package logistic

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-fitmonitor/checkpoints"
	"github.com/tsawler/go-fitmonitor/training"
)

func testConfig() Config {
	return Config{
		Samples:         400,
		Features:        3,
		BatchSize:       32,
		LearningRate:    0.5,
		ValidationSplit: 0.25,
		Seed:            7,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Samples: 1, Features: 1, BatchSize: 1})
	assert.Error(t, err)

	_, err = New(Config{Samples: 10, Features: 1, BatchSize: 0})
	assert.Error(t, err)

	_, err = New(Config{Samples: 10, Features: 1, BatchSize: 1, ValidationSplit: 1})
	assert.Error(t, err)
}

func TestRunEpochReducesLoss(t *testing.T) {
	m, err := New(testConfig())
	require.NoError(t, err)
	assert.Equal(t, 300, m.TrainSize())
	assert.Equal(t, 100, m.Validation().Len())

	ctx := context.Background()
	batches := 0
	first, err := m.RunEpoch(ctx, 0, func(int, training.Logs) { batches++ })
	require.NoError(t, err)
	assert.Equal(t, 10, batches)

	var last training.Logs
	for epoch := 1; epoch < 20; epoch++ {
		last, err = m.RunEpoch(ctx, epoch, nil)
		require.NoError(t, err)
	}

	em, err := training.ParseEpochMetrics(last)
	require.NoError(t, err)
	assert.True(t, em.HasValidation)
	assert.Less(t, em.Loss, first[training.KeyLoss])
	assert.Greater(t, em.Accuracy, 0.9)
}

func TestRunEpochHonorsContext(t *testing.T) {
	m, err := New(testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.RunEpoch(ctx, 0, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNoValidationSplit(t *testing.T) {
	cfg := testConfig()
	cfg.ValidationSplit = 0
	m, err := New(cfg)
	require.NoError(t, err)

	logs, err := m.RunEpoch(context.Background(), 0, nil)
	require.NoError(t, err)
	_, ok := logs[training.KeyValLoss]
	assert.False(t, ok)
}

func TestWeightsRoundTripThroughCheckpoint(t *testing.T) {
	m, err := New(testConfig())
	require.NoError(t, err)
	for epoch := 0; epoch < 5; epoch++ {
		_, err := m.RunEpoch(context.Background(), epoch, nil)
		require.NoError(t, err)
	}

	path := filepath.Join(t.TempDir(), "best.json")
	require.NoError(t, checkpoints.NewModelSaver(m).Save(path))

	cp, err := checkpoints.LoadCheckpoint(path)
	require.NoError(t, err)

	restored, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, restored.LoadWeights(cp.Weights))

	val := m.Validation()
	assert.Equal(t, m.Predict(val.X), restored.Predict(val.X))

	rate, err := training.SuccessRate(restored.Predict(val.X), val.Y)
	require.NoError(t, err)
	assert.Greater(t, rate, 0.8)
}

func TestLoadWeightsRejectsMismatch(t *testing.T) {
	m, err := New(testConfig())
	require.NoError(t, err)

	err = m.LoadWeights([]checkpoints.WeightTensor{{Name: "dense.weight", Shape: []int{1}, Data: []float32{1}}})
	assert.Error(t, err)

	err = m.LoadWeights([]checkpoints.WeightTensor{{Name: "conv.weight"}})
	assert.Error(t, err)
}

func TestRunEpochUsesSchedule(t *testing.T) {
	config := testConfig()
	config.Schedule = training.NewStepLR(2, 0.5)
	m, err := New(config)
	require.NoError(t, err)
	assert.Equal(t, "step", m.Params(5).Extra["lr_schedule"])

	var rates []float64
	for epoch := 0; epoch < 5; epoch++ {
		logs, err := m.RunEpoch(context.Background(), epoch, nil)
		require.NoError(t, err)
		rates = append(rates, logs[KeyLearningRate])
	}
	assert.Equal(t, []float64{0.5, 0.5, 0.25, 0.25, 0.125}, rates)
}
