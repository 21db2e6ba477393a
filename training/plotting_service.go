package training

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"sync/atomic"
	"time"
)

// PlottingService uploads training curves to a plotting sidecar over HTTP.
// A transport failure disables the client so later pauses do not wait on a dead sidecar.
type PlottingService struct {
	baseURL     string
	modelName   string
	httpClient  *http.Client
	openBrowser bool
	open        func(url string) error
	logger      *slog.Logger
	enabled     atomic.Bool
}

// PlottingServiceConfig contains configuration for the plotting service
type PlottingServiceConfig struct {
	BaseURL     string        `json:"base_url"`
	ModelName   string        `json:"model_name"`
	Timeout     time.Duration `json:"timeout"`
	OpenBrowser bool          `json:"open_browser"`
}

// PlotResponse is the sidecar's answer for one plot
type PlotResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
	PlotID       string `json:"plot_id,omitempty"`
	PlotType     string `json:"plot_type,omitempty"`
	PlotURL      string `json:"plot_url,omitempty"`
	ViewURL      string `json:"view_url,omitempty"`
	DashboardURL string `json:"dashboard_url,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// BatchPlotResponse is the sidecar's answer for a batch upload
type BatchPlotResponse struct {
	Success      bool           `json:"success"`
	Message      string         `json:"message,omitempty"`
	BatchID      string         `json:"batch_id,omitempty"`
	Results      []PlotResponse `json:"results,omitempty"`
	DashboardURL string         `json:"dashboard_url,omitempty"`
	Summary      BatchSummary   `json:"summary"`
}

// BatchSummary counts the outcome of a batch upload
type BatchSummary struct {
	TotalPlots int `json:"total_plots"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type batchRequest struct {
	Plots []PlotData `json:"plots"`
	Batch bool       `json:"batch"`
}

// errServiceDisabled is returned by calls made while the client is disabled
var errServiceDisabled = errors.New("plotting service is disabled")

// DefaultPlottingServiceConfig returns default configuration for the plotting service
func DefaultPlottingServiceConfig() PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:   "http://localhost:8080",
		ModelName: "model",
		Timeout:   30 * time.Second,
	}
}

// NewPlottingService creates a new plotting service client. It starts enabled.
func NewPlottingService(config PlottingServiceConfig) *PlottingService {
	ps := &PlottingService{
		baseURL:     config.BaseURL,
		modelName:   config.ModelName,
		httpClient:  &http.Client{Timeout: config.Timeout},
		openBrowser: config.OpenBrowser,
		open:        OpenInBrowser,
		logger:      slog.Default(),
	}
	ps.enabled.Store(true)
	return ps
}

// WithLogger sets the logger used to report a disabled sidecar
func (ps *PlottingService) WithLogger(logger *slog.Logger) *PlottingService {
	ps.logger = logger
	return ps
}

// Enable re-enables the client after Disable or a transport failure
func (ps *PlottingService) Enable() {
	ps.enabled.Store(true)
}

// Disable turns Plot into a no-op
func (ps *PlottingService) Disable() {
	ps.enabled.Store(false)
}

// IsEnabled reports whether requests are sent
func (ps *PlottingService) IsEnabled() bool {
	return ps.enabled.Load()
}

// Plot sends the accuracy and loss curves to the sidecar in one batch request
func (ps *PlottingService) Plot(series map[string][]float64) error {
	if !ps.IsEnabled() {
		return nil
	}

	plots := GenerateCurvesPlots(ps.modelName, series)
	if len(plots) == 0 {
		return nil
	}

	resp, err := ps.SendBatch(context.Background(), plots)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("plotting service rejected batch: %s", resp.Message)
	}

	if ps.openBrowser && resp.DashboardURL != "" {
		if err := ps.open(resp.DashboardURL); err != nil {
			return fmt.Errorf("failed to open dashboard: %w", err)
		}
	}
	return nil
}

// Send uploads a single plot
func (ps *PlottingService) Send(ctx context.Context, plot PlotData) (*PlotResponse, error) {
	var out PlotResponse
	if err := ps.post(ctx, "/api/plot", plot, &out, func() string { return out.Message }); err != nil {
		return &out, err
	}
	return &out, nil
}

// SendBatch uploads several plots in a single request
func (ps *PlottingService) SendBatch(ctx context.Context, plots []PlotData) (*BatchPlotResponse, error) {
	var out BatchPlotResponse
	if err := ps.post(ctx, "/api/batch-plot", batchRequest{Plots: plots, Batch: true}, &out, func() string { return out.Message }); err != nil {
		return &out, err
	}
	return &out, nil
}

// CheckHealth checks if the sidecar answers on /health
func (ps *PlottingService) CheckHealth(ctx context.Context) error {
	if !ps.IsEnabled() {
		return errServiceDisabled
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ps.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// post sends payload as JSON and decodes the reply into out. message reads the
// decoded reply's message for error reporting.
func (ps *PlottingService) post(ctx context.Context, path string, payload, out any, message func() string) error {
	if !ps.IsEnabled() {
		return errServiceDisabled
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal plot data: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-fitmonitor")

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		ps.Disable()
		ps.logger.Warn("Plotting service unreachable, disabling", "url", ps.baseURL, "error", err)
		return fmt.Errorf("plotting service %s: %w", path, err)
	}
	defer resp.Body.Close()

	decodeErr := json.NewDecoder(resp.Body).Decode(out)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("plotting service %s: status %d: %s", path, resp.StatusCode, message())
	}
	if decodeErr != nil {
		return fmt.Errorf("failed to parse response from %s: %w", path, decodeErr)
	}
	return nil
}

// OpenInBrowser opens url with the platform's default handler
func OpenInBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	case "linux", "freebsd", "openbsd":
		cmd = exec.Command("xdg-open", url)
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
	return cmd.Start()
}
