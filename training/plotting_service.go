package training

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// PlottingServiceConfig locates and paces calls to a plotting sidecar.
type PlottingServiceConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultPlottingServiceConfig points at a sidecar on localhost:8080.
func DefaultPlottingServiceConfig() PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// PlottingResponse is the sidecar's reply to a plot upload.
type PlottingResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	PlotID    string `json:"plot_id,omitempty"`
	ViewURL   string `json:"view_url,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// PlottingService uploads training curves to a plotting sidecar. Uploads
// are optional: the plot JSON files on disk are the durable record.
type PlottingService struct {
	config PlottingServiceConfig
	client *http.Client
}

// NewPlottingService returns a client for config. At least one attempt is
// always made.
func NewPlottingService(config PlottingServiceConfig) *PlottingService {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &PlottingService{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// SendPlotData posts one plot to {base}/api/plot. A non-200 status is an
// error; the decoded response is still returned when the body parses.
func (ps *PlottingService) SendPlotData(ctx context.Context, plot PlotData) (*PlottingResponse, error) {
	body, err := json.Marshal(plot)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal plot data")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.config.BaseURL+"/api/plot", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create plot request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "accent-net-training")

	resp, err := ps.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send plot")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read plot response")
	}
	var out PlottingResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrapf(err, "invalid plot response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return &out, errors.Errorf("plotting service returned %d: %s", resp.StatusCode, out.Message)
	}
	return &out, nil
}

// SendPlotDataWithRetry repeats SendPlotData up to RetryAttempts times,
// waiting RetryDelay between attempts.
func (ps *PlottingService) SendPlotDataWithRetry(ctx context.Context, plot PlotData) (*PlottingResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= ps.config.RetryAttempts; attempt++ {
		resp, err := ps.SendPlotData(ctx, plot)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == ps.config.RetryAttempts {
			break
		}
		select {
		case <-time.After(ps.config.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errors.Wrapf(lastErr, "plot %s not sent after %d attempts", plot.Metric, ps.config.RetryAttempts)
}

// CheckHealth reports whether {base}/health answers 200.
func (ps *PlottingService) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ps.config.BaseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "failed to create health request")
	}
	resp, err := ps.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "plotting service unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("plotting service health check returned %d", resp.StatusCode)
	}
	return nil
}
