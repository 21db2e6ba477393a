package training

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStopper(config EarlyStopConfig) (*EarlyStopper, *bytes.Buffer, *ChannelControl) {
	var out bytes.Buffer
	control := NewChannelControl()
	es := NewEarlyStopper(config,
		WithStopControl(control),
		WithStopOutput(&out),
		WithStopLogger(quietLogger()),
	)
	return es, &out, control
}

func TestEarlyStopperStopsAfterEpochLimit(t *testing.T) {
	config := DefaultEarlyStopConfig()
	config.EpochLimit = 3
	es, out, _ := newTestStopper(config)
	require.NoError(t, es.OnTrainBegin(RunParams{Epochs: 10}))

	// Loss never gets below 0.8
	for epoch := 0; epoch <= 3; epoch++ {
		d, err := es.OnEpochEnd(epoch, Logs{"loss": 0.9, "acc": 0.1})
		require.NoError(t, err)
		assert.Equal(t, DecisionContinue, d, "epoch %d", epoch)
	}

	d, err := es.OnEpochEnd(4, Logs{"loss": 0.85, "acc": 0.1})
	require.NoError(t, err)
	assert.Equal(t, DecisionStop, d)
	assert.Equal(t, 4, es.StoppedEpoch())
	assert.Equal(t, 0.85, es.Best())
	assert.Contains(t, out.String(), "EARLY STOPPING: epoch=4 ; No monitor progress")
}

func TestEarlyStopperContinuesOncePastValue(t *testing.T) {
	config := DefaultEarlyStopConfig()
	config.EpochLimit = 1
	es, _, _ := newTestStopper(config)
	require.NoError(t, es.OnTrainBegin(RunParams{Epochs: 10}))

	_, err := es.OnEpochEnd(0, Logs{"loss": 0.5, "acc": 0.1})
	require.NoError(t, err)
	// A later regression does not matter; the running minimum already passed 0.8
	for epoch := 1; epoch < 6; epoch++ {
		d, err := es.OnEpochEnd(epoch, Logs{"loss": 2, "acc": 0.1})
		require.NoError(t, err)
		assert.Equal(t, DecisionContinue, d)
	}
	assert.Equal(t, -1, es.StoppedEpoch())
}

func TestEarlyStopperValueIsStrict(t *testing.T) {
	config := DefaultEarlyStopConfig()
	config.EpochLimit = 0
	es, _, _ := newTestStopper(config)
	require.NoError(t, es.OnTrainBegin(RunParams{Epochs: 3}))

	d, err := es.OnEpochEnd(0, Logs{"loss": 0.8, "acc": 0.1})
	require.NoError(t, err)
	assert.Equal(t, DecisionContinue, d)

	d, err = es.OnEpochEnd(1, Logs{"loss": 0.8, "acc": 0.1})
	require.NoError(t, err)
	assert.Equal(t, DecisionStop, d)
}

func TestEarlyStopperAccuracyMode(t *testing.T) {
	config := EarlyStopConfig{Monitor: "val_accuracy", Value: 0.9, EpochLimit: 1, Mode: ModeAuto}
	es, _, _ := newTestStopper(config)
	require.NoError(t, es.OnTrainBegin(RunParams{Epochs: 5}))

	_, err := es.OnEpochEnd(0, Logs{"loss": 1, "acc": 0.5, "val_loss": 1, "val_acc": 0.95})
	require.NoError(t, err)
	d, err := es.OnEpochEnd(2, Logs{"loss": 1, "acc": 0.5, "val_loss": 1, "val_acc": 0.5})
	require.NoError(t, err)
	assert.Equal(t, DecisionContinue, d)
	assert.Equal(t, 0.95, es.Best())
}

func TestEarlyStopperLongFormMonitor(t *testing.T) {
	config := EarlyStopConfig{Monitor: "accuracy", Value: 0.5, EpochLimit: 0, Mode: ModeAuto}
	es, _, _ := newTestStopper(config)
	require.NoError(t, es.OnTrainBegin(RunParams{Epochs: 3}))

	d, err := es.OnEpochEnd(1, Logs{"loss": 0.1, "acc": 0.99})
	require.NoError(t, err)
	assert.Equal(t, DecisionContinue, d)
	assert.Equal(t, 0.99, es.Best())
}

func TestEarlyStopperMissingMetric(t *testing.T) {
	config := DefaultEarlyStopConfig()
	config.Monitor = "val_loss"
	config.EpochLimit = 0
	es, _, _ := newTestStopper(config)
	require.NoError(t, es.OnTrainBegin(RunParams{Epochs: 3}))

	d, err := es.OnEpochEnd(1, Logs{"loss": 0.1, "acc": 0.9})
	require.NoError(t, err)
	assert.Equal(t, DecisionStop, d)
}

func TestEarlyStopperHonorsStopSignal(t *testing.T) {
	es, _, control := newTestStopper(DefaultEarlyStopConfig())
	require.NoError(t, es.OnTrainBegin(RunParams{Epochs: 100}))

	control.Send(SignalPause | SignalStop)
	d, err := es.OnEpochEnd(0, Logs{"loss": 0.1, "acc": 0.9})
	require.NoError(t, err)
	assert.Equal(t, DecisionStop, d)
	// The pause request is left for the monitor
	assert.Equal(t, SignalPause, control.Poll(SignalPause))
}

func TestEarlyStopperResetsOnTrainBegin(t *testing.T) {
	es, _, _ := newTestStopper(DefaultEarlyStopConfig())
	require.NoError(t, es.OnTrainBegin(RunParams{Epochs: 1}))
	_, err := es.OnEpochEnd(0, Logs{"loss": 0.1, "acc": 0.9})
	require.NoError(t, err)

	require.NoError(t, es.OnTrainBegin(RunParams{Epochs: 1}))
	assert.True(t, es.Best() > 1e300)
}
