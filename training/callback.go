package training

import (
	"fmt"
	"sort"
	"strconv"
)

// Decision is returned by epoch-end hooks to tell the loop whether to continue
type Decision int

const (
	DecisionContinue Decision = iota
	DecisionStop
)

func (d Decision) String() string {
	if d == DecisionStop {
		return "stop"
	}
	return "continue"
}

// RunParams describes the run to the callbacks at train begin
type RunParams struct {
	Epochs    int
	BatchSize int
	Samples   int
	Extra     map[string]string
}

// Sorted returns every parameter as key/value pairs sorted by key
func (p RunParams) Sorted() [][2]string {
	kv := map[string]string{
		"batch_size": strconv.Itoa(p.BatchSize),
		"epochs":     strconv.Itoa(p.Epochs),
		"samples":    strconv.Itoa(p.Samples),
	}
	for k, v := range p.Extra {
		kv[k] = v
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([][2]string, len(keys))
	for i, k := range keys {
		out[i] = [2]string{k, kv[k]}
	}
	return out
}

// Callback receives the lifecycle events of a training run.
// All hooks are invoked on the loop's goroutine.
type Callback interface {
	OnTrainBegin(params RunParams) error
	OnEpochBegin(epoch int)
	OnBatchEnd(batch int, logs Logs)
	OnEpochEnd(epoch int, logs Logs) (Decision, error)
	OnTrainEnd()
}

// BaseCallback implements Callback with no-ops; embed it to override selected hooks
type BaseCallback struct{}

func (BaseCallback) OnTrainBegin(RunParams) error { return nil }
func (BaseCallback) OnEpochBegin(int)             {}
func (BaseCallback) OnBatchEnd(int, Logs)         {}
func (BaseCallback) OnEpochEnd(int, Logs) (Decision, error) {
	return DecisionContinue, nil
}
func (BaseCallback) OnTrainEnd() {}

// CallbackFunc adapts an epoch-end function to a Callback
type CallbackFunc func(epoch int, logs Logs) (Decision, error)

func (f CallbackFunc) OnTrainBegin(RunParams) error { return nil }
func (f CallbackFunc) OnEpochBegin(int)             {}
func (f CallbackFunc) OnBatchEnd(int, Logs)         {}
func (f CallbackFunc) OnEpochEnd(epoch int, logs Logs) (Decision, error) {
	return f(epoch, logs)
}
func (f CallbackFunc) OnTrainEnd() {}

func (p RunParams) String() string {
	return fmt.Sprintf("epochs=%d batch_size=%d samples=%d", p.Epochs, p.BatchSize, p.Samples)
}
