package training

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/tsawler/go-fitmonitor/metrics"
)

// MonitorMode is the improvement direction of a monitored metric
type MonitorMode string

const (
	ModeAuto MonitorMode = "auto" // "acc" metrics are higher-is-better, everything else lower
	ModeMin  MonitorMode = "min"
	ModeMax  MonitorMode = "max"
)

// EarlyStopConfig configures an EarlyStopper
type EarlyStopConfig struct {
	Monitor    string      // metric key, e.g. "loss"
	Value      float64     // the monitored metric must get past this value
	EpochLimit int         // epochs allowed before the rule applies
	Mode       MonitorMode // improvement direction
	Verbose    int
}

// DefaultEarlyStopConfig returns the default early stopping configuration
func DefaultEarlyStopConfig() EarlyStopConfig {
	return EarlyStopConfig{
		Monitor:    KeyLoss,
		Value:      0.8,
		EpochLimit: 30,
		Mode:       ModeAuto,
		Verbose:    1,
	}
}

// EarlyStopper halts training when the monitored metric has not got past
// a threshold once the epoch budget is used up
type EarlyStopper struct {
	BaseCallback

	config   EarlyStopConfig
	control  ControlChannel
	recorder metrics.Recorder
	out      io.Writer
	logger   *slog.Logger

	higherIsBetter bool
	best           float64
	stoppedEpoch   int
}

// EarlyStopOption configures the collaborators of an EarlyStopper
type EarlyStopOption func(*EarlyStopper)

// WithStopControl sets the stop control channel (default: FileSentinel in the working directory)
func WithStopControl(c ControlChannel) EarlyStopOption {
	return func(es *EarlyStopper) { es.control = c }
}

// WithStopRecorder sets the metrics recorder
func WithStopRecorder(r metrics.Recorder) EarlyStopOption {
	return func(es *EarlyStopper) { es.recorder = r }
}

// WithStopOutput sets where the early stopping notice is printed
func WithStopOutput(w io.Writer) EarlyStopOption {
	return func(es *EarlyStopper) { es.out = w }
}

// WithStopLogger sets the structured logger
func WithStopLogger(l *slog.Logger) EarlyStopOption {
	return func(es *EarlyStopper) { es.logger = l }
}

// NewEarlyStopper creates an early stopper
func NewEarlyStopper(config EarlyStopConfig, opts ...EarlyStopOption) *EarlyStopper {
	if config.Monitor == "" {
		config.Monitor = KeyLoss
	}
	es := &EarlyStopper{
		config:       config,
		recorder:     metrics.NoopRecorder{},
		out:          os.Stdout,
		logger:       slog.Default(),
		stoppedEpoch: -1,
	}
	for _, opt := range opts {
		opt(es)
	}
	if es.control == nil {
		es.control = NewFileSentinel("").WithLogger(es.logger)
	}
	es.higherIsBetter = resolveHigherIsBetter(config.Mode, config.Monitor)
	es.reset()
	return es
}

func resolveHigherIsBetter(mode MonitorMode, monitor string) bool {
	switch mode {
	case ModeMax:
		return true
	case ModeMin:
		return false
	default:
		return strings.Contains(monitor, "acc")
	}
}

func (es *EarlyStopper) reset() {
	if es.higherIsBetter {
		es.best = math.Inf(-1)
	} else {
		es.best = math.Inf(1)
	}
	es.stoppedEpoch = -1
}

// OnTrainBegin resets the running best and prints the stop file
func (es *EarlyStopper) OnTrainBegin(RunParams) error {
	es.reset()
	printSentinelPaths(es.out, stopOnly{es.control})
	return nil
}

// OnEpochEnd applies the stopping rule
func (es *EarlyStopper) OnEpochEnd(epoch int, logs Logs) (Decision, error) {
	value, ok := logs.Get(es.config.Monitor)
	if !ok {
		es.logger.Warn("Early stopping requires monitored metric", "monitor", es.config.Monitor, "epoch", epoch)
	} else if es.improves(value) {
		es.best = value
	}

	if epoch > es.config.EpochLimit && !es.passedThreshold() {
		if es.config.Verbose > 0 {
			fmt.Fprintf(es.out, "\nEARLY STOPPING: epoch=%d ; No monitor progress\n", epoch)
		}
		es.logger.Info("Early stopping", "epoch", epoch, "monitor", es.config.Monitor,
			"best", es.best, "value", es.config.Value)
		es.recorder.IncEarlyStop(es.config.Monitor)
		es.stoppedEpoch = epoch
		return DecisionStop, nil
	}

	if es.control.Poll(SignalStop).Has(SignalStop) {
		es.recorder.IncSignal("stop")
		es.logger.Info("Stop requested", "epoch", epoch)
		es.stoppedEpoch = epoch
		return DecisionStop, nil
	}

	return DecisionContinue, nil
}

// Best returns the running best of the monitored metric (±Inf before any value was seen)
func (es *EarlyStopper) Best() float64 {
	return es.best
}

// StoppedEpoch returns the epoch at which the stopper asked to stop, or -1
func (es *EarlyStopper) StoppedEpoch() int {
	return es.stoppedEpoch
}

func (es *EarlyStopper) improves(value float64) bool {
	if es.higherIsBetter {
		return value > es.best
	}
	return value < es.best
}

// passedThreshold reports whether the running best ever got strictly past Value
func (es *EarlyStopper) passedThreshold() bool {
	if es.higherIsBetter {
		return es.best > es.config.Value
	}
	return es.best < es.config.Value
}

// stopOnly hides the pause sentinel when describing the stopper's control channel
type stopOnly struct {
	ControlChannel
}

func (s stopOnly) SentinelPaths() (stop, pause string) {
	if d, ok := s.ControlChannel.(sentinelDescriber); ok {
		stop, _ = d.SentinelPaths()
	}
	return stop, ""
}
