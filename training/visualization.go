package training

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/accent-net/checkpoints"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves PlotType = "training_curves"
)

// PlotData represents the universal JSON format for the sidecar plotting service
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`
	Metric    string    `json:"metric"`
	RunID     string    `json:"run_id,omitempty"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint is one (epoch, value) pair.
type DataPoint struct {
	X int     `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	DPI        int    `json:"dpi"`
}

// HistoryPlots builds one training-curve plot per metric, each with the
// train and validation series over epochs. Metrics absent from the history
// are skipped.
func HistoryPlots(history *History, modelName, runID string, metrics []string, dpi int) []PlotData {
	var plots []PlotData
	for _, metric := range metrics {
		train := history.Values(metric)
		val := history.Values(ValidationKey(metric))
		if train == nil || val == nil {
			continue
		}
		label := strings.ToUpper(metric[:1]) + metric[1:]
		plots = append(plots, PlotData{
			PlotType:  TrainingCurves,
			Title:     fmt.Sprintf("%s over Training", label),
			Timestamp: time.Now().UTC(),
			ModelName: modelName,
			Metric:    metric,
			RunID:     runID,
			Series: []SeriesData{
				curve(metric, train, "#FF6B6B", false),
				curve(ValidationKey(metric), val, "#5F27CD", true),
			},
			Config: PlotConfig{
				XAxisLabel: "Epoch",
				YAxisLabel: fmt.Sprintf("%s Value", label),
				XAxisScale: "linear",
				YAxisScale: "linear",
				ShowLegend: true,
				ShowGrid:   true,
				Width:      800,
				Height:     600,
				DPI:        dpi,
			},
		})
	}
	return plots
}

func curve(name string, values []float64, color string, dashed bool) SeriesData {
	style := map[string]interface{}{"color": color, "line_width": 2}
	if dashed {
		style["line_style"] = "dashed"
	}
	s := SeriesData{Name: name, Type: "line", Data: make([]DataPoint, len(values)), Style: style}
	for i, v := range values {
		s.Data[i] = DataPoint{X: i + 1, Y: v}
	}
	return s
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data: %w", err)
	}
	return string(data), nil
}

// PlotPath returns {dir}/{model}_{metric}_plot.json.
func PlotPath(dir, model, metric string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_plot.json", model, metric))
}

// WritePlots writes each plot to PlotPath and returns the written paths.
func WritePlots(dir string, plots []PlotData) ([]string, error) {
	var paths []string
	for _, p := range plots {
		data, err := p.ToJSON()
		if err != nil {
			return paths, err
		}
		path := PlotPath(dir, p.ModelName, p.Metric)
		if err := checkpoints.WriteFileAtomic(path, []byte(data), 0o644); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
