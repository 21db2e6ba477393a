package training

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
)

// LRSchedule maps an epoch to a learning rate. Implementations other than
// PlateauSchedule are pure functions of the epoch.
type LRSchedule interface {
	LearningRate(epoch int, base float64) float64
	Name() string
}

// ScheduleConfig holds the knobs of every schedule; each one reads what it needs
type ScheduleConfig struct {
	StepSize  int     // StepLR: epochs between reductions
	Gamma     float64 // StepLR, ExponentialLR: multiplicative decay
	TMax      int     // CosineLR: epochs until the minimum is reached
	MinRate   float64 // CosineLR: floor of the annealed rate
	Factor    float64 // PlateauLR: reduction factor
	Patience  int     // PlateauLR: epochs without improvement before reducing
	Threshold float64 // PlateauLR: minimum change that counts as improvement
	Monitor   string  // PlateauLR: metric key, default val_loss falling back to loss
}

// NewLRSchedule builds a schedule by name: constant, step, exponential, cosine or plateau
func NewLRSchedule(name string, c ScheduleConfig) (LRSchedule, error) {
	switch strings.ToLower(name) {
	case "", "constant":
		return ConstantLR{}, nil
	case "step":
		return NewStepLR(c.StepSize, c.Gamma), nil
	case "exponential", "exp":
		return NewExponentialLR(c.Gamma), nil
	case "cosine":
		return NewCosineLR(c.TMax, c.MinRate), nil
	case "plateau":
		return NewPlateauSchedule(c.Monitor, c.Factor, c.Patience, c.Threshold), nil
	default:
		return nil, fmt.Errorf("unknown learning rate schedule %q", name)
	}
}

// ConstantLR keeps the base rate
type ConstantLR struct{}

func (ConstantLR) LearningRate(_ int, base float64) float64 { return base }
func (ConstantLR) Name() string                             { return "constant" }

// StepLR multiplies the rate by Gamma every StepSize epochs
type StepLR struct {
	StepSize int
	Gamma    float64
}

// NewStepLR creates a step schedule; out-of-range arguments fall back to 30 epochs and 0.1
func NewStepLR(stepSize int, gamma float64) StepLR {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return StepLR{StepSize: stepSize, Gamma: gamma}
}

func (s StepLR) LearningRate(epoch int, base float64) float64 {
	return base * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s StepLR) Name() string { return "step" }

// ExponentialLR multiplies the rate by Gamma every epoch
type ExponentialLR struct {
	Gamma float64
}

// NewExponentialLR creates an exponential schedule; gamma defaults to 0.95
func NewExponentialLR(gamma float64) ExponentialLR {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return ExponentialLR{Gamma: gamma}
}

func (s ExponentialLR) LearningRate(epoch int, base float64) float64 {
	return base * math.Pow(s.Gamma, float64(epoch))
}

func (s ExponentialLR) Name() string { return "exponential" }

// CosineLR anneals from the base rate down to MinRate over TMax epochs
type CosineLR struct {
	TMax    int
	MinRate float64
}

// NewCosineLR creates a cosine annealing schedule; tMax defaults to 100
func NewCosineLR(tMax int, minRate float64) CosineLR {
	if tMax <= 0 {
		tMax = 100
	}
	return CosineLR{TMax: tMax, MinRate: math.Max(minRate, 0)}
}

func (s CosineLR) LearningRate(epoch int, base float64) float64 {
	if epoch >= s.TMax {
		return s.MinRate
	}
	return s.MinRate + (base-s.MinRate)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s CosineLR) Name() string { return "cosine" }

// PlateauSchedule lowers the rate when the monitored metric stops improving.
// It keeps state and learns about epochs as a Callback, so it must be passed to Fit.
type PlateauSchedule struct {
	BaseCallback

	monitor   string
	factor    float64
	patience  int
	threshold float64
	logger    *slog.Logger

	scale     float64
	best      float64
	badEpochs int
}

// NewPlateauSchedule creates a plateau schedule. factor defaults to 0.1, patience to 10
// and threshold to 1e-4. The monitored metric is always minimized.
func NewPlateauSchedule(monitor string, factor float64, patience int, threshold float64) *PlateauSchedule {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold <= 0 {
		threshold = 1e-4
	}
	p := &PlateauSchedule{
		monitor:   monitor,
		factor:    factor,
		patience:  patience,
		threshold: threshold,
		logger:    slog.Default(),
	}
	p.reset()
	return p
}

// WithLogger sets the logger used to report reductions
func (p *PlateauSchedule) WithLogger(logger *slog.Logger) *PlateauSchedule {
	p.logger = logger
	return p
}

func (p *PlateauSchedule) reset() {
	p.scale = 1
	p.best = math.Inf(1)
	p.badEpochs = 0
}

func (p *PlateauSchedule) LearningRate(_ int, base float64) float64 {
	return base * p.scale
}

func (p *PlateauSchedule) Name() string { return "plateau" }

// OnTrainBegin restores the base rate
func (p *PlateauSchedule) OnTrainBegin(RunParams) error {
	p.reset()
	return nil
}

// OnEpochEnd updates the reduction; it never stops training
func (p *PlateauSchedule) OnEpochEnd(epoch int, logs Logs) (Decision, error) {
	value, ok := p.value(logs)
	if !ok {
		return DecisionContinue, nil
	}
	if value < p.best-p.threshold {
		p.best = value
		p.badEpochs = 0
		return DecisionContinue, nil
	}

	p.badEpochs++
	if p.badEpochs >= p.patience {
		p.scale *= p.factor
		p.badEpochs = 0
		p.logger.Info("Reducing learning rate", "epoch", epoch, "scale", p.scale, "best", p.best)
	}
	return DecisionContinue, nil
}

func (p *PlateauSchedule) value(logs Logs) (float64, bool) {
	if p.monitor != "" {
		return logs.Get(p.monitor)
	}
	if v, ok := logs.Get(KeyValLoss); ok {
		return v, true
	}
	return logs.Get(KeyLoss)
}
