package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Plotter renders metric curves. Plot is called synchronously and blocks the loop until it returns.
type Plotter interface {
	Plot(series map[string][]float64) error
}

// PlotType represents the kinds of plots the monitor produces
type PlotType string

const (
	AccuracyCurves PlotType = "accuracy_curves"
	LossCurves     PlotType = "loss_curves"
)

// PlotData represents the universal JSON format for the sidecar plotting service
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`

	Config PlotConfig `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale  string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.Marshal(pd)
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data: %w", err)
	}
	return string(data), nil
}

// curveStyle holds the colors used for train and validation lines
var curveStyle = map[string]map[string]interface{}{
	"train": {
		"color":      "#FF6B6B",
		"line_width": 2,
	},
	"validation": {
		"color":      "#4ECDC4",
		"line_width": 2,
		"line_style": "dashed",
	},
}

// GenerateCurvesPlots builds the "model accuracy" and "model loss" plots from a
// series map as produced by HistorySnapshot.Series. Missing curves are skipped.
func GenerateCurvesPlots(modelName string, series map[string][]float64) []PlotData {
	var plots []PlotData

	if acc := series[KeyAccuracy]; len(acc) > 0 {
		plots = append(plots, newCurvesPlot(modelName, AccuracyCurves, "model accuracy", "accuracy",
			acc, series[KeyValAccuracy]))
	}
	if loss := series[KeyLoss]; len(loss) > 0 {
		plots = append(plots, newCurvesPlot(modelName, LossCurves, "model loss", "loss",
			loss, series[KeyValLoss]))
	}
	return plots
}

func newCurvesPlot(modelName string, plotType PlotType, title, yLabel string, train, validation []float64) PlotData {
	data := []SeriesData{lineSeries("train", train)}
	if len(validation) > 0 {
		data = append(data, lineSeries("validation", validation))
	}

	return PlotData{
		PlotType:  plotType,
		Title:     title,
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    data,
		Config: PlotConfig{
			XAxisLabel:  "epoch",
			YAxisLabel:  yLabel,
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  len(validation) > 0,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
	}
}

func lineSeries(name string, values []float64) SeriesData {
	s := SeriesData{
		Name:  name,
		Type:  "line",
		Data:  make([]DataPoint, len(values)),
		Style: curveStyle[name],
	}
	for i, v := range values {
		s.Data[i] = DataPoint{X: i, Y: v}
	}
	return s
}

// PlotFileWriter is a Plotter that writes each plot as a JSON file into a directory,
// for offline rendering when no plotting sidecar is running
type PlotFileWriter struct {
	Dir       string
	ModelName string

	now func() time.Time
}

// NewPlotFileWriter creates a writer for dir
func NewPlotFileWriter(dir, modelName string) *PlotFileWriter {
	return &PlotFileWriter{
		Dir:       dir,
		ModelName: modelName,
		now:       time.Now,
	}
}

// Plot writes <dir>/<plot_type>_<timestamp>.json for every generated plot
func (w *PlotFileWriter) Plot(series map[string][]float64) error {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}

	stamp := strings.ReplaceAll(w.now().UTC().Format("20060102T150405.000000000"), ".", "")
	for _, plot := range GenerateCurvesPlots(w.ModelName, series) {
		data, err := json.MarshalIndent(plot, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal plot data: %w", err)
		}
		path := filepath.Join(w.Dir, fmt.Sprintf("%s_%s.json", plot.PlotType, stamp))
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write plot file: %w", err)
		}
	}
	return nil
}
