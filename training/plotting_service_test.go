package training

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testSeries() map[string][]float64 {
	return map[string][]float64{
		KeyAccuracy:    {0.5, 0.7, 0.8},
		KeyLoss:        {0.9, 0.6, 0.4},
		KeyValAccuracy: {0.45, 0.66, 0.75},
		KeyValLoss:     {0.95, 0.65, 0.5},
	}
}

// TestDefaultPlottingServiceConfig tests the default configuration
func TestDefaultPlottingServiceConfig(t *testing.T) {
	config := DefaultPlottingServiceConfig()

	if config.BaseURL != "http://localhost:8080" {
		t.Errorf("Expected BaseURL http://localhost:8080, got %s", config.BaseURL)
	}

	if config.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", config.Timeout)
	}

	if config.OpenBrowser {
		t.Error("Expected browser opening to be off by default")
	}
}

// TestNewPlottingService tests plotting service creation
func TestNewPlottingService(t *testing.T) {
	config := PlottingServiceConfig{
		BaseURL:   "http://test:9090",
		ModelName: "logistic",
		Timeout:   15 * time.Second,
	}

	ps := NewPlottingService(config)

	if ps.baseURL != config.BaseURL {
		t.Errorf("Expected baseURL %s, got %s", config.BaseURL, ps.baseURL)
	}

	if ps.httpClient.Timeout != config.Timeout {
		t.Errorf("Expected timeout %v, got %v", config.Timeout, ps.httpClient.Timeout)
	}

	if !ps.IsEnabled() {
		t.Error("Expected service to be enabled by default")
	}
}

// TestPlottingServiceEnableDisable tests enable/disable functionality
func TestPlottingServiceEnableDisable(t *testing.T) {
	ps := NewPlottingService(DefaultPlottingServiceConfig())

	ps.Disable()
	if ps.IsEnabled() {
		t.Error("Expected service to be disabled after Disable()")
	}

	// A disabled service never touches the network
	if err := ps.Plot(testSeries()); err != nil {
		t.Errorf("Expected no error from disabled Plot, got %v", err)
	}

	if _, err := ps.Send(context.Background(), PlotData{}); !errors.Is(err, errServiceDisabled) {
		t.Errorf("Expected errServiceDisabled from disabled Send, got %v", err)
	}

	if err := ps.CheckHealth(context.Background()); err == nil {
		t.Error("Expected health check to fail when disabled")
	}

	ps.Enable()
	if !ps.IsEnabled() {
		t.Error("Expected service to be enabled after Enable()")
	}
}

// TestSendSuccess tests a single plot upload
func TestSendSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/plot" {
			t.Errorf("Expected path /api/plot, got %s", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected JSON content type, got %s", r.Header.Get("Content-Type"))
		}

		var plot PlotData
		if err := json.NewDecoder(r.Body).Decode(&plot); err != nil {
			t.Errorf("Failed to decode plot: %v", err)
		}
		if plot.Title != "model loss" {
			t.Errorf("Expected title 'model loss', got %s", plot.Title)
		}

		json.NewEncoder(w).Encode(PlotResponse{Success: true, Message: "ok", PlotID: "p1"})
	}))
	defer server.Close()

	ps := NewPlottingService(PlottingServiceConfig{BaseURL: server.URL, Timeout: time.Second})
	plots := GenerateCurvesPlots("m", testSeries())

	resp, err := ps.Send(context.Background(), plots[1])
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !resp.Success || resp.PlotID != "p1" {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

// TestSendHTTPError tests non-200 responses
func TestSendHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(PlotResponse{Success: false, Message: "boom"})
	}))
	defer server.Close()

	ps := NewPlottingService(PlottingServiceConfig{BaseURL: server.URL, Timeout: time.Second})
	_, err := ps.Send(context.Background(), PlotData{Title: "x"})
	if err == nil {
		t.Fatal("Expected error for HTTP 500")
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expected status and message in error, got %v", err)
	}
}

// TestPlotSendsBatch tests that Plot uploads both curves in one batch request
func TestPlotSendsBatch(t *testing.T) {
	var received struct {
		Plots []PlotData `json:"plots"`
		Batch bool       `json:"batch"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/batch-plot" {
			t.Errorf("Expected path /api/batch-plot, got %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("Failed to decode batch: %v", err)
		}
		json.NewEncoder(w).Encode(BatchPlotResponse{
			Success: true,
			Summary: BatchSummary{TotalPlots: 2, Successful: 2},
		})
	}))
	defer server.Close()

	ps := NewPlottingService(PlottingServiceConfig{BaseURL: server.URL, ModelName: "logistic", Timeout: time.Second})
	if err := ps.Plot(testSeries()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if !received.Batch {
		t.Error("Expected batch flag to be set")
	}
	if len(received.Plots) != 2 {
		t.Fatalf("Expected 2 plots, got %d", len(received.Plots))
	}
	if received.Plots[0].PlotType != AccuracyCurves || received.Plots[1].PlotType != LossCurves {
		t.Errorf("Unexpected plot types %s, %s", received.Plots[0].PlotType, received.Plots[1].PlotType)
	}
	if received.Plots[0].ModelName != "logistic" {
		t.Errorf("Expected model name logistic, got %s", received.Plots[0].ModelName)
	}
}

// TestPlotRejectedBatch tests that an unsuccessful batch is reported as an error
func TestPlotRejectedBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(BatchPlotResponse{Success: false, Message: "full"})
	}))
	defer server.Close()

	ps := NewPlottingService(PlottingServiceConfig{BaseURL: server.URL, Timeout: time.Second})
	err := ps.Plot(testSeries())
	if err == nil || !strings.Contains(err.Error(), "full") {
		t.Errorf("Expected rejection error, got %v", err)
	}
}

// TestCheckHealth tests the health endpoint
func TestCheckHealth(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("Expected path /health, got %s", r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	ps := NewPlottingService(PlottingServiceConfig{BaseURL: server.URL, Timeout: time.Second})
	if err := ps.CheckHealth(context.Background()); err != nil {
		t.Errorf("Expected healthy service, got %v", err)
	}

	healthy = false
	if err := ps.CheckHealth(context.Background()); err == nil {
		t.Error("Expected health check failure")
	}
}

// TestPlotOpensDashboard tests that the dashboard URL is handed to the browser opener
func TestPlotOpensDashboard(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(BatchPlotResponse{Success: true, DashboardURL: "http://sidecar/dash"})
	}))
	defer server.Close()

	ps := NewPlottingService(PlottingServiceConfig{BaseURL: server.URL, Timeout: time.Second, OpenBrowser: true})
	var opened string
	ps.open = func(url string) error {
		opened = url
		return nil
	}

	if err := ps.Plot(testSeries()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if opened != "http://sidecar/dash" {
		t.Errorf("Expected dashboard to be opened, got %q", opened)
	}
}

// TestUnreachableServiceDisablesItself tests that a dead sidecar is only tried once
func TestUnreachableServiceDisablesItself(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	var logs bytes.Buffer
	ps := NewPlottingService(PlottingServiceConfig{BaseURL: url, Timeout: time.Second}).
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil)))

	if err := ps.Plot(testSeries()); err == nil {
		t.Fatal("Expected error from unreachable service")
	}
	if ps.IsEnabled() {
		t.Error("Expected service to disable itself")
	}
	if !strings.Contains(logs.String(), "unreachable") {
		t.Errorf("Expected a warning, got %q", logs.String())
	}

	// Later pauses are silent no-ops
	if err := ps.Plot(testSeries()); err != nil {
		t.Errorf("Expected no error once disabled, got %v", err)
	}
}
