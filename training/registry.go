package training

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/tsawler/accent-net/checkpoints"
	"github.com/tsawler/accent-net/errs"
)

// CheckpointRecord is the best validation value seen so far for one metric
// and the file holding the weights that produced it.
type CheckpointRecord struct {
	Metric    string
	Direction Direction
	Best      float64
	Epoch     int // epoch of the stored snapshot, 0 before the first save
	Path      string
}

// Saved reports whether a snapshot has been written for the record.
func (r CheckpointRecord) Saved() bool { return r.Epoch > 0 }

// Improves reports whether value is strictly better than the record's best.
// NaN never improves.
func (r CheckpointRecord) Improves(value float64) bool {
	if math.IsNaN(value) {
		return false
	}
	if r.Direction == Minimize {
		return value < r.Best
	}
	return value > r.Best
}

// CheckpointRegistry holds one record per tracked metric followed by loss.
type CheckpointRegistry struct {
	records []*CheckpointRecord
}

// CheckpointPath returns {dir}/{model}_{metric}{ext}.
func CheckpointPath(dir, model, metric string, format checkpoints.CheckpointFormat) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", model, metric, format.Extension()))
}

// NewCheckpointRegistry creates empty records for metrics and then loss.
// Minimised metrics start at +Inf and maximised ones at -Inf, so the first
// finite value always improves.
func NewCheckpointRegistry(dir, model string, metrics []string, format checkpoints.CheckpointFormat) (*CheckpointRegistry, error) {
	reg := &CheckpointRegistry{}
	for _, m := range append(append([]string(nil), metrics...), MetricLoss) {
		direction, ok := DirectionOf(m)
		if !ok {
			return nil, errs.Configurationf(errs.StageConfig, "unknown metric %q", m)
		}
		best := math.Inf(-1)
		if direction == Minimize {
			best = math.Inf(1)
		}
		reg.records = append(reg.records, &CheckpointRecord{
			Metric:    m,
			Direction: direction,
			Best:      best,
			Path:      CheckpointPath(dir, model, m, format),
		})
	}
	return reg, nil
}

// Records returns copies of the records in registry order.
func (r *CheckpointRegistry) Records() []CheckpointRecord {
	out := make([]CheckpointRecord, len(r.records))
	for i, rec := range r.records {
		out[i] = *rec
	}
	return out
}

// Metrics returns the metric names in registry order.
func (r *CheckpointRegistry) Metrics() []string {
	out := make([]string, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Metric
	}
	return out
}

// Observe compares each record's metric in values against its best. On
// strict improvement it calls save and, only if save succeeds, stores the
// new best. It returns the metrics that improved. The first save error
// stops the pass.
func (r *CheckpointRegistry) Observe(epoch int, values map[string]float64, save func(rec CheckpointRecord, value float64) error) ([]string, error) {
	var improved []string
	for _, rec := range r.records {
		value, ok := values[rec.Metric]
		if !ok {
			return improved, errs.Configurationf(errs.StageTraining, "no validation value for metric %q", rec.Metric)
		}
		if !rec.Improves(value) {
			continue
		}
		if err := save(*rec, value); err != nil {
			return improved, err
		}
		rec.Best = value
		rec.Epoch = epoch
		improved = append(improved, rec.Metric)
	}
	return improved, nil
}
