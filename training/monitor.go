package training

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/tsawler/go-fitmonitor/metrics"
)

// ErrNotStarted is returned when epoch hooks are called before OnTrainBegin
var ErrNotStarted = errors.New("fit monitor not started")

// MonitorState is the lifecycle state of a FitMonitor
type MonitorState int

const (
	StateNotStarted MonitorState = iota
	StateRunning
	StateStopped
	StateCompleted
)

func (s MonitorState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MonitorConfig configures a FitMonitor
type MonitorConfig struct {
	Thresh   float64 // max |val_loss - loss| for a checkpoint
	MaxLoss  float64 // a checkpoint's loss must be below this
	Filename string  // checkpoint destination; empty disables saving
	Verbose  int
}

// DefaultMonitorConfig returns the default monitor configuration
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Thresh:  DefaultThresh,
		MaxLoss: DefaultMaxLoss,
		Verbose: 1,
	}
}

// MonitorOption configures the collaborators of a FitMonitor
type MonitorOption func(*FitMonitor)

// WithSaver sets the model persistence collaborator
func WithSaver(s ModelSaver) MonitorOption {
	return func(m *FitMonitor) { m.saver = s }
}

// WithPlotter sets the collaborator that renders curves on pause
func WithPlotter(p Plotter) MonitorOption {
	return func(m *FitMonitor) { m.plotter = p }
}

// WithControl sets the pause/stop control channel
func WithControl(c ControlChannel) MonitorOption {
	return func(m *FitMonitor) { m.control = c }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r metrics.Recorder) MonitorOption {
	return func(m *FitMonitor) { m.recorder = r }
}

// WithOutput sets where progress and summaries are printed
func WithOutput(w io.Writer) MonitorOption {
	return func(m *FitMonitor) { m.out = w }
}

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) MonitorOption {
	return func(m *FitMonitor) { m.logger = l }
}

// withClock replaces time.Now in tests
func withClock(now func() time.Time) MonitorOption {
	return func(m *FitMonitor) { m.now = now }
}

// FitMonitor tracks per-epoch metrics, keeps the best generalizing checkpoint,
// reports progress and reacts to pause/stop signals
type FitMonitor struct {
	config MonitorConfig

	saver    ModelSaver
	plotter  Plotter
	control  ControlChannel
	recorder metrics.Recorder
	out      io.Writer
	logger   *slog.Logger
	now      func() time.Time

	state       MonitorState
	params      RunParams
	history     *MetricHistory
	checkpoints *CheckpointManager
	progress    epochProgress
	startTime   time.Time
	endTime     time.Time
	currEpoch   int

	minLoss         float64
	minLossEpoch    int
	minValLoss      float64
	minValLossEpoch int
	maxAcc          float64
}

// NewFitMonitor creates a monitor. Without WithControl it uses a FileSentinel in the working directory.
func NewFitMonitor(config MonitorConfig, opts ...MonitorOption) *FitMonitor {
	m := &FitMonitor{
		config:   config,
		recorder: metrics.NoopRecorder{},
		out:      os.Stdout,
		logger:   slog.Default(),
		now:      time.Now,
		history:  NewMetricHistory(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.control == nil {
		m.control = NewFileSentinel("").WithLogger(m.logger)
	}
	return m
}

// State returns the lifecycle state
func (m *FitMonitor) State() MonitorState {
	return m.state
}

// History returns a snapshot of the metrics recorded so far
func (m *FitMonitor) History() HistorySnapshot {
	return m.history.Snapshot()
}

// OnTrainBegin resets the run state and prints the run parameters
func (m *FitMonitor) OnTrainBegin(params RunParams) error {
	m.params = params
	m.history = NewMetricHistory()
	m.checkpoints = NewCheckpointManager(
		NewCheckpointPolicy(m.config.Thresh),
		NewCheckpointState(m.config.MaxLoss, m.config.Filename),
		m.saver,
	)
	m.progress = epochProgress{total: params.Epochs}
	m.minLoss, m.minLossEpoch = math.Inf(1), -1
	m.minValLoss, m.minValLossEpoch = math.Inf(1), -1
	m.maxAcc = 0
	m.currEpoch = 0
	m.startTime = m.now()
	m.endTime = time.Time{}
	m.state = StateRunning

	fmt.Fprintln(m.out, "Train begin:", m.startTime.Format(timeLayout))
	printSentinelPaths(m.out, m.control)
	for _, kv := range params.Sorted() {
		fmt.Fprintf(m.out, "%s = %s\n", kv[0], kv[1])
	}

	m.logger.Info("Training started", "epochs", params.Epochs, "batch_size", params.BatchSize,
		"thresh", m.config.Thresh, "maxloss", m.config.MaxLoss, "filename", m.config.Filename)
	return nil
}

// OnEpochBegin remembers the epoch for hooks that only receive batch indices
func (m *FitMonitor) OnEpochBegin(epoch int) {
	m.currEpoch = epoch
}

// OnBatchEnd checks for a pause request; stop is only honored at epoch granularity
func (m *FitMonitor) OnBatchEnd(batch int, logs Logs) {
	if m.state != StateRunning {
		return
	}
	if m.control.Poll(SignalPause).Has(SignalPause) {
		m.logger.Info("Pause requested", "epoch", m.currEpoch, "batch", batch)
		m.pause()
	}
}

// OnEpochEnd records the epoch, reports progress, applies the checkpoint policy and polls for signals
func (m *FitMonitor) OnEpochEnd(epoch int, logs Logs) (Decision, error) {
	switch m.state {
	case StateNotStarted:
		return DecisionStop, ErrNotStarted
	case StateStopped, StateCompleted:
		return DecisionStop, nil
	}

	em, err := ParseEpochMetrics(logs)
	if err != nil {
		m.state = StateStopped
		return DecisionStop, fmt.Errorf("epoch %d: %w", epoch, err)
	}
	if err := m.history.Record(em); err != nil {
		m.state = StateStopped
		return DecisionStop, fmt.Errorf("epoch %d: %w", epoch, err)
	}

	m.recorder.ObserveEpoch(epoch, em.Loss, em.Accuracy)
	if em.HasValidation {
		m.recorder.ObserveValidation(epoch, em.ValLoss, em.ValAccuracy)
	}

	m.reportProgress(epoch, em)
	m.trackMinimums(epoch, em)

	saved, err := m.checkpoints.SaveBestCheckpoint(epoch, em)
	if err != nil {
		m.state = StateStopped
		return DecisionStop, fmt.Errorf("epoch %d: %w", epoch, err)
	}
	if saved {
		m.recorder.IncCheckpoint()
		m.recorder.SetBestLoss(em.Loss)
		if m.config.Filename != "" {
			fmt.Fprintf(m.out, "\nSaving model to %s: epoch=%d, loss=%f, val_loss=%f\n",
				m.config.Filename, epoch, em.Loss, reportedValLoss(em))
		}
		m.logger.Info("Checkpoint taken", "epoch", epoch, "loss", em.Loss,
			"val_loss", reportedValLoss(em), "file", m.config.Filename)
	}

	sig := m.control.Poll(SignalPause | SignalStop)
	if sig.Has(SignalPause) {
		m.logger.Info("Pause requested", "epoch", epoch)
		m.pause()
	}
	if sig.Has(SignalStop) {
		m.recorder.IncSignal("stop")
		m.logger.Info("Stop requested", "epoch", epoch)
		fmt.Fprintf(m.out, "\nStop requested at epoch %d\n", epoch)
		m.state = StateStopped
		return DecisionStop, nil
	}

	return DecisionContinue, nil
}

// OnTrainEnd prints the run summary
func (m *FitMonitor) OnTrainEnd() {
	if m.state == StateNotStarted {
		return
	}
	m.endTime = m.now()
	if m.state == StateRunning {
		m.state = StateCompleted
	}

	elapsed := m.endTime.Sub(m.startTime)
	m.recorder.ObserveRunDuration(elapsed)

	fmt.Fprintln(m.out, "Train end:", m.endTime.Format(timeLayout))
	if m.config.Verbose > 0 {
		fmt.Fprintln(m.out, "Total run time:", FormatTime(elapsed.Seconds()))
		fmt.Fprintf(m.out, "min_loss = %f  epoch = %d\n", finiteOr(m.minLoss, -1), m.minLossEpoch)
		fmt.Fprintf(m.out, "min_val_loss = %f  epoch = %d\n", finiteOr(m.minValLoss, -1), m.minValLossEpoch)
	}

	if cp := m.checkpoints.State().Checkpoint; cp != nil {
		if m.config.Filename != "" {
			fmt.Fprintln(m.out, "Best model saved in file:", m.config.Filename)
		}
		fmt.Fprintf(m.out, "Checkpoint: %s\n", cp)
	} else {
		fmt.Fprintln(m.out, "No checkpoint model found.")
	}

	m.logger.Info("Training finished", "state", m.state.String(), "epochs", m.history.Len(),
		"elapsed", elapsed.String())
}

// Summary describes a finished (or running) fit
type Summary struct {
	State           MonitorState
	Start           time.Time
	End             time.Time
	Elapsed         time.Duration
	Epochs          int
	MinLoss         float64
	MinLossEpoch    int // -1 when no epoch completed
	MinValLoss      float64
	MinValLossEpoch int // -1 without validation
	MaxAccuracy     float64
	BestLoss        float64
	Checkpoint      *CheckpointRecord
	Filename        string
}

// Summary returns the run summary
func (m *FitMonitor) Summary() Summary {
	s := Summary{
		State:           m.state,
		Start:           m.startTime,
		End:             m.endTime,
		Epochs:          m.history.Len(),
		MinLoss:         m.minLoss,
		MinLossEpoch:    m.minLossEpoch,
		MinValLoss:      m.minValLoss,
		MinValLossEpoch: m.minValLossEpoch,
		MaxAccuracy:     m.maxAcc,
		Filename:        m.config.Filename,
	}
	if !m.endTime.IsZero() {
		s.Elapsed = m.endTime.Sub(m.startTime)
	}
	if m.checkpoints != nil {
		st := m.checkpoints.State()
		s.BestLoss = st.BestLoss
		if st.Checkpoint != nil {
			cp := *st.Checkpoint
			s.Checkpoint = &cp
		}
	}
	return s
}

func (m *FitMonitor) reportProgress(epoch int, em EpochMetrics) {
	p, advanced := m.progress.advance(epoch)
	if advanced {
		fmt.Fprint(m.out, ".")
		if p%statusEvery == 0 {
			elapsed := m.now().Sub(m.startTime)
			fmt.Fprintf(m.out, "%02d%% epoch=%d, loss=%f, val_loss=%f, time=%s\n",
				p, epoch, em.Loss, reportedValLoss(em), FormatTime(elapsed.Seconds()))
		}
	}
	if epoch == m.params.Epochs-1 {
		fmt.Fprintf(m.out, " %d%% epoch=%d loss=%f\n", p, epoch, em.Loss)
	}
}

func (m *FitMonitor) trackMinimums(epoch int, em EpochMetrics) {
	if em.HasValidation && em.ValLoss < m.minValLoss {
		m.minValLoss = em.ValLoss
		m.minValLossEpoch = epoch
	}
	if em.Loss < m.minLoss {
		m.minLoss = em.Loss
		m.minLossEpoch = epoch
	}
	m.maxAcc = math.Max(m.maxAcc, em.Accuracy)
}

// pause renders the current curves synchronously; the loop resumes when the plotter returns
func (m *FitMonitor) pause() {
	m.recorder.IncSignal("pause")
	if m.plotter == nil {
		m.logger.Warn("Pause requested but no plotter configured")
		return
	}
	if err := m.plotter.Plot(m.history.Snapshot().Series()); err != nil {
		m.logger.Warn("Failed to render training curves", "error", err)
	}
}

// reportedValLoss returns val_loss, or -1 when the epoch had no validation
func reportedValLoss(em EpochMetrics) float64 {
	if !em.HasValidation {
		return -1
	}
	return em.ValLoss
}

func finiteOr(v, fallback float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return fallback
	}
	return v
}

func printSentinelPaths(out io.Writer, control ControlChannel) {
	d, ok := control.(sentinelDescriber)
	if !ok {
		return
	}
	stop, pause := d.SentinelPaths()
	if stop != "" {
		fmt.Fprintf(out, "Stop file: %s (create this file to stop training gracefully)\n", stop)
	}
	if pause != "" {
		fmt.Fprintf(out, "Pause file: %s (create this file to pause training and view graphs)\n", pause)
	}
}

// sentinelDescriber is implemented by control channels backed by sentinel files
type sentinelDescriber interface {
	SentinelPaths() (stop, pause string)
}
