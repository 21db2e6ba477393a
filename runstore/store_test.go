package runstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-fitmonitor/training"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndFinishRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	params := training.RunParams{Epochs: 10, BatchSize: 32, Samples: 1000, Extra: map[string]string{"lr": "0.1"}}
	run, err := s.CreateRun(ctx, "mnist", params)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, StatusRunning, run.Status)

	require.NoError(t, s.AppendEpoch(ctx, run.ID, 0, training.EpochMetrics{Loss: 0.5, Accuracy: 0.7}))
	require.NoError(t, s.FinishRun(ctx, run.ID, StatusCompleted))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "mnist", got.Name)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, params, got.Params)
	assert.Equal(t, 1, got.EpochsRun)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestGetUnknownRun(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = s.FinishRun(context.Background(), "nope", StatusFailed)
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = s.LatestRun(context.Background())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestLoadHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "val", training.RunParams{Epochs: 3})
	require.NoError(t, err)

	in := []training.EpochMetrics{
		{Loss: 0.9, Accuracy: 0.5, ValLoss: 0.95, ValAccuracy: 0.45, HasValidation: true},
		{Loss: 0.6, Accuracy: 0.7, ValLoss: 0.65, ValAccuracy: 0.66, HasValidation: true},
		{Loss: 0.4, Accuracy: 0.8, ValLoss: 0.5, ValAccuracy: 0.75, HasValidation: true},
	}
	for i, m := range in {
		require.NoError(t, s.AppendEpoch(ctx, run.ID, i, m))
	}

	h, err := s.LoadHistory(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, 3, h.Len())
	assert.True(t, h.HasValidation())
	assert.Equal(t, []float64{0.9, 0.6, 0.4}, h.Loss)
	assert.Equal(t, []float64{0.45, 0.66, 0.75}, h.ValAccuracy)
}

func TestAppendDuplicateEpoch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "dup", training.RunParams{Epochs: 1})
	require.NoError(t, err)
	require.NoError(t, s.AppendEpoch(ctx, run.ID, 0, training.EpochMetrics{Loss: 1}))
	assert.Error(t, s.AppendEpoch(ctx, run.ID, 0, training.EpochMetrics{Loss: 1}))
}

func TestListRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"first", "second", "third"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return ts }
		_, err := s.CreateRun(ctx, name, training.RunParams{Epochs: 1})
		require.NoError(t, err)
	}

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "third", runs[0].Name)
	assert.Equal(t, "first", runs[2].Name)

	runs, err = s.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "third", latest.Name)
}

func TestCallbackRecordsRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cb := NewCallback(ctx, s, "cb", nil)

	params := training.RunParams{Epochs: 5}
	require.NoError(t, cb.OnTrainBegin(params))
	for epoch := 0; epoch < 2; epoch++ {
		d, err := cb.OnEpochEnd(epoch, training.Logs{"loss": 0.5, "acc": 0.6})
		require.NoError(t, err)
		assert.Equal(t, training.DecisionContinue, d)
	}
	cb.OnTrainEnd()

	run, err := s.GetRun(ctx, cb.RunID())
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, run.Status)
	assert.Equal(t, 2, run.EpochsRun)

	h, err := s.LoadHistory(ctx, cb.RunID())
	require.NoError(t, err)
	assert.Equal(t, 2, h.Len())
	assert.False(t, h.HasValidation())
}

func TestCallbackCompletedRun(t *testing.T) {
	s := openTestStore(t)
	cb := NewCallback(context.Background(), s, "done", nil)

	require.NoError(t, cb.OnTrainBegin(training.RunParams{Epochs: 1}))
	_, err := cb.OnEpochEnd(0, training.Logs{"loss": 0.5, "acc": 0.6})
	require.NoError(t, err)
	cb.OnTrainEnd()

	run, err := s.GetRun(context.Background(), cb.RunID())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
}
