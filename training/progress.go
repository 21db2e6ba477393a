package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// timeLayout is used for the train begin/end timestamps
const timeLayout = "2006-01-02 15:04:05"

// statusEvery is the progress percentage step at which a detailed status line is printed
const statusEvery = 5

// epochProgress turns epoch indices into a coarse percentage of the configured run
type epochProgress struct {
	total int
	last  int
}

// advance returns the percentage reached by epoch and whether it moved past the last one
func (ep *epochProgress) advance(epoch int) (int, bool) {
	if ep.total <= 0 {
		return 0, false
	}
	p := int(float64(epoch) / (float64(ep.total) / 100.0))
	if p <= ep.last {
		return p, false
	}
	ep.last = p
	return p, true
}

// FormatTime formats a duration in seconds for progress and summary lines
func FormatTime(seconds float64) string {
	if seconds < 60 {
		return fmt.Sprintf("%.2fs", seconds)
	}
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	return fmt.Sprintf("%dm %02ds", m, s)
}

// ProgressBar provides PyTorch-style batch progress visualization
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	if out == nil {
		out = os.Stdout
	}
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
	)

	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}

	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	// Sorted so repeated renders do not reorder the metrics
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}

	line += "]"
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ProgressCallback draws one batch progress bar per epoch
type ProgressCallback struct {
	BaseCallback

	out           io.Writer
	stepsPerEpoch int
	epochs        int
	bar           *ProgressBar
}

// NewProgressCallback creates a progress bar callback; stepsPerEpoch is the number of batches per epoch
func NewProgressCallback(out io.Writer, stepsPerEpoch int) *ProgressCallback {
	return &ProgressCallback{
		out:           out,
		stepsPerEpoch: stepsPerEpoch,
	}
}

// OnTrainBegin records the epoch count for the bar descriptions
func (pc *ProgressCallback) OnTrainBegin(params RunParams) error {
	pc.epochs = params.Epochs
	return nil
}

// OnEpochBegin starts a new bar
func (pc *ProgressCallback) OnEpochBegin(epoch int) {
	description := fmt.Sprintf("Epoch %d/%d", epoch+1, pc.epochs)
	pc.bar = NewProgressBar(pc.out, description, pc.stepsPerEpoch)
}

// OnBatchEnd advances the bar
func (pc *ProgressCallback) OnBatchEnd(batch int, logs Logs) {
	if pc.bar == nil {
		return
	}
	pc.bar.Update(batch+1, logs)
}

// OnEpochEnd completes the bar
func (pc *ProgressCallback) OnEpochEnd(epoch int, logs Logs) (Decision, error) {
	if pc.bar != nil {
		pc.bar.Finish()
		pc.bar = nil
	}
	return DecisionContinue, nil
}
