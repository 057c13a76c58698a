package training

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/tsawler/accent-net/async"
	"github.com/tsawler/accent-net/checkpoints"
	"github.com/tsawler/accent-net/engine"
	"github.com/tsawler/accent-net/errs"
	"github.com/tsawler/accent-net/layers"
)

// Report is the held-out result for one metric's best checkpoint. Err is
// set when the checkpoint could not be loaded or evaluated; the other
// fields are then zero.
type Report struct {
	Metric   string
	Path     string
	Epoch    int // epoch the checkpoint was taken at
	Steps    int
	Loss     float64
	Accuracy float64
	MacroF1  float64
	Err      error
}

// Failed reports whether the evaluation of this checkpoint failed.
func (r Report) Failed() bool { return r.Err != nil }

// Value returns the test value of the report's own metric.
func (r Report) Value() float64 {
	switch r.Metric {
	case MetricLoss:
		return r.Loss
	case MetricMacroF1:
		return r.MacroF1
	default:
		return r.Accuracy
	}
}

func (r Report) String() string {
	if r.Err != nil {
		return fmt.Sprintf("best %s (%s): FAILED: %v", r.Metric, r.Path, r.Err)
	}
	return fmt.Sprintf("best %s (epoch %d): loss: %.4f - accuracy: %.4f - macro_f1: %.4f",
		r.Metric, r.Epoch, r.Loss, r.Accuracy, r.MacroF1)
}

// Evaluator reloads best checkpoints and scores them on a test stream.
type Evaluator struct {
	spec   *layers.ModelSpec
	saver  *checkpoints.CheckpointSaver
	steps  int
	logger *slog.Logger
}

// NewEvaluator evaluates checkpoints of the architecture described by spec,
// stored in format, over steps test batches each.
func NewEvaluator(spec *layers.ModelSpec, format checkpoints.CheckpointFormat, steps int, opts ...Option) (*Evaluator, error) {
	if spec == nil || !spec.Compiled {
		return nil, errs.Configurationf(errs.StageEvaluation, "evaluator needs a compiled model spec")
	}
	if steps <= 0 {
		return nil, errs.Configurationf(errs.StageEvaluation, "test steps must be positive, got %d", steps)
	}
	s := buildSettings(opts)
	return &Evaluator{
		spec:   spec,
		saver:  checkpoints.NewCheckpointSaver(format),
		steps:  steps,
		logger: s.logger.With("architecture", spec.Name),
	}, nil
}

// Evaluate produces one report per record, in order. The first steps
// batches of test are drawn once and every checkpoint is scored on those
// same batches, so reports are directly comparable. A record that fails
// yields a report carrying its error and does not stop the others; if the
// test batches themselves cannot be drawn, every report carries that error.
func (e *Evaluator) Evaluate(ctx context.Context, records []CheckpointRecord, test BatchStream) []Report {
	batches, drawErr := e.draw(ctx, test)
	reports := make([]Report, 0, len(records))
	for _, rec := range records {
		e.logger.Info(fmt.Sprintf("evaluating %s with best %s", e.spec.Name, rec.Metric), "metric", rec.Metric, "path", rec.Path)
		report := Report{Metric: rec.Metric, Path: rec.Path, Steps: e.steps, Err: drawErr}
		if drawErr == nil {
			report = e.evaluate(ctx, rec, &replayStream{batches: batches})
		}
		if report.Err != nil {
			e.logger.Error("evaluation failed", "metric", rec.Metric, "path", rec.Path, "stage", errs.StageOf(report.Err), "error", report.Err)
		} else {
			e.logger.Info(report.String(), "metric", rec.Metric)
		}
		reports = append(reports, report)
	}
	return reports
}

// draw reads the shared test batches.
func (e *Evaluator) draw(ctx context.Context, test BatchStream) ([]*async.Batch, error) {
	batches := make([]*async.Batch, 0, e.steps)
	for i := 0; i < e.steps; i++ {
		b, err := nextBatch(ctx, test, e.spec.InputShape, e.spec.OutputShape[0], errs.StageEvaluation)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// replayStream serves a fixed list of batches once, in order.
type replayStream struct {
	batches []*async.Batch
	next    int
}

func (r *replayStream) Next(ctx context.Context) (*async.Batch, error) {
	if r.next >= len(r.batches) {
		return nil, errors.Errorf("replay exhausted after %d batches", len(r.batches))
	}
	b := r.batches[r.next]
	r.next++
	return b, nil
}

func (e *Evaluator) evaluate(ctx context.Context, rec CheckpointRecord, test BatchStream) Report {
	report := Report{Metric: rec.Metric, Path: rec.Path, Steps: e.steps}

	model, epoch, err := e.load(rec.Path)
	if err != nil {
		report.Err = err
		return report
	}
	values, err := scoreBatches(ctx, model, test, e.steps, e.spec.OutputShape[0], e.spec.InputShape, errs.StageEvaluation)
	if err != nil {
		report.Err = err
		return report
	}
	report.Epoch = epoch
	report.Loss = values[MetricLoss]
	report.Accuracy = values[MetricAccuracy]
	report.MacroF1 = values[MetricMacroF1]
	return report
}

// load reads the checkpoint at path, checks that it was taken from the same
// architecture and returns a model carrying its weights.
func (e *Evaluator) load(path string) (*engine.Model, int, error) {
	c, err := e.saver.LoadCheckpoint(path)
	if err != nil {
		return nil, 0, errs.CheckpointIOErr(errs.StageEvaluation, err, "failed to load checkpoint")
	}
	if err := compatible(e.spec, c.ModelSpec); err != nil {
		return nil, 0, errs.CheckpointIOErr(errs.StageEvaluation, err, path)
	}
	model, err := engine.NewModel(e.spec, 0)
	if err != nil {
		return nil, 0, errs.Wrap(errs.Configuration, errs.StageEvaluation, err, "failed to build model")
	}
	if err := model.ImportWeights(c.Weights); err != nil {
		return nil, 0, errs.CheckpointIOErr(errs.StageEvaluation, err, "failed to restore weights")
	}
	return model, c.TrainingState.Epoch, nil
}

func compatible(want, got *layers.ModelSpec) error {
	if got.Name != want.Name {
		return errors.Errorf("checkpoint is for model %q, expected %q", got.Name, want.Name)
	}
	if len(got.Layers) != len(want.Layers) || got.TotalParameters != want.TotalParameters {
		return errors.Errorf("checkpoint model has %d layers and %d parameters, expected %d and %d",
			len(got.Layers), got.TotalParameters, len(want.Layers), want.TotalParameters)
	}
	return nil
}

// Evaluate scores every best checkpoint of a finished run on test.
func (t *Trainer) Evaluate(ctx context.Context, test BatchStream) ([]Report, error) {
	if t.state != StateFinished {
		return nil, errs.Configurationf(errs.StageEvaluation, "cannot evaluate in state %s", t.state)
	}
	ev := &Evaluator{spec: t.spec, saver: t.saver, steps: t.hyp.TestSteps, logger: t.logger}
	return ev.Evaluate(ctx, t.registry.Records(), test), nil
}
