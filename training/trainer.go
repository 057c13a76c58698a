package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/accent-net/async"
	"github.com/tsawler/accent-net/checkpoints"
	"github.com/tsawler/accent-net/engine"
	"github.com/tsawler/accent-net/errs"
	"github.com/tsawler/accent-net/layers"
	"github.com/tsawler/accent-net/models"
	"github.com/tsawler/accent-net/optimizer"
)

// State is the orchestrator lifecycle position.
type State int

const (
	StateInitialized State = iota
	StateCompiled
	StateTraining
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateCompiled:
		return "Compiled"
	case StateTraining:
		return "Training"
	case StateFinished:
		return "Finished"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// BatchStream is an infinite source of batches. Next blocks until a batch
// is available.
type BatchStream interface {
	Next(ctx context.Context) (*async.Batch, error)
}

// Option configures a Trainer or Evaluator.
type Option func(*settings)

type settings struct {
	logger   *slog.Logger
	progress io.Writer
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithProgress sets where per-step progress bars are drawn. Progress is off
// by default.
func WithProgress(w io.Writer) Option {
	return func(s *settings) { s.progress = w }
}

func buildSettings(opts []Option) settings {
	s := settings{
		logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
		progress: io.Discard,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Trainer drives one training run: Compile, optionally SetClassWeights,
// then Fit exactly once. It is not safe for concurrent use.
type Trainer struct {
	arch *models.Architecture
	hyp  Hyperparameters
	run  RunConfig

	logger   *slog.Logger
	progress io.Writer

	state        State
	spec         *layers.ModelSpec
	model        *engine.Model
	optimizer    optimizer.Optimizer
	classWeights []float64
	registry     *CheckpointRegistry
	saver        *checkpoints.CheckpointSaver
	history      *History
}

// NewTrainer validates the configuration and returns an Initialized trainer.
func NewTrainer(arch *models.Architecture, hyp Hyperparameters, run RunConfig, opts ...Option) (*Trainer, error) {
	if arch == nil {
		return nil, errs.Configurationf(errs.StageConfig, "architecture is required")
	}
	if err := hyp.Validate(); err != nil {
		return nil, err
	}
	if err := run.Validate(); err != nil {
		return nil, err
	}
	s := buildSettings(opts)
	logger := s.logger.With("architecture", arch.Name)
	if run.RunID != "" {
		logger = logger.With("run_id", run.RunID)
	}
	return &Trainer{
		arch:     arch,
		hyp:      hyp,
		run:      run,
		logger:   logger,
		progress: s.progress,
		state:    StateInitialized,
		saver:    checkpoints.NewCheckpointSaver(run.Format),
	}, nil
}

// State returns the current lifecycle state.
func (t *Trainer) State() State { return t.state }

// Model returns the executable model, nil before Compile.
func (t *Trainer) Model() *engine.Model { return t.model }

// Spec returns the compiled model spec, nil before Compile.
func (t *Trainer) Spec() *layers.ModelSpec { return t.spec }

// Registry returns the checkpoint registry, nil before Compile.
func (t *Trainer) Registry() *CheckpointRegistry { return t.registry }

// History returns the history of the last Fit, nil before it finishes.
func (t *Trainer) History() *History { return t.history }

// Compile builds the model, attaches Nadam at the configured learning rate
// and creates an empty checkpoint record per tracked metric and loss.
func (t *Trainer) Compile() error {
	if t.state != StateInitialized {
		return errs.Configurationf(errs.StageCompile, "cannot compile in state %s", t.state)
	}
	spec, err := t.arch.Compile()
	if err != nil {
		return errs.Wrap(errs.Configuration, errs.StageCompile, err, "failed to compile architecture")
	}
	model, err := engine.NewModel(spec, t.run.Seed)
	if err != nil {
		return errs.Wrap(errs.Configuration, errs.StageCompile, err, "failed to build model")
	}

	shapes := make([][]int, len(model.Params()))
	for i, p := range model.Params() {
		shapes[i] = p.Value.Shape
	}
	config := optimizer.DefaultNadamConfig()
	config.LearningRate = t.hyp.LearningRate
	opt, err := optimizer.NewNadamOptimizer(config, shapes)
	if err != nil {
		return errs.Wrap(errs.Configuration, errs.StageCompile, err, "failed to create optimizer")
	}

	registry, err := NewCheckpointRegistry(t.run.OutputDir, spec.Name, t.run.TrackedMetrics, t.run.Format)
	if err != nil {
		return err
	}

	t.spec, t.model, t.optimizer, t.registry = spec, model, opt, registry
	t.state = StateCompiled
	t.logger.Info("model compiled",
		"stage", errs.StageCompile,
		"parameters", spec.TotalParameters,
		"layers", len(spec.Layers),
		"metrics", registry.Metrics())
	return nil
}

// SetClassWeights installs per-label loss weights. Weights must be set
// before Fit; without them every label weighs 1.
func (t *Trainer) SetClassWeights(weights []float64) error {
	if t.state != StateInitialized && t.state != StateCompiled {
		return errs.Configurationf(errs.StageConfig, "cannot set class weights in state %s", t.state)
	}
	if len(weights) != t.arch.NumLabels {
		return errs.Configurationf(errs.StageConfig, "got %d class weights for %d labels", len(weights), t.arch.NumLabels)
	}
	for i, w := range weights {
		if !(w > 0) || math.IsInf(w, 0) {
			return errs.Configurationf(errs.StageConfig, "class weight %d must be positive and finite, got %v", i, w)
		}
	}
	t.classWeights = append([]float64(nil), weights...)
	return nil
}

// Fit runs the configured number of epochs. Each epoch draws train_steps
// batches from train and then val_steps batches from val; after the
// validation pass every checkpoint record that strictly improved is
// rewritten. The history is written once, after the last epoch. Any error
// moves the trainer to Failed and leaves no history file.
func (t *Trainer) Fit(ctx context.Context, train, val BatchStream) (*History, error) {
	if t.state != StateCompiled {
		return nil, errs.Configurationf(errs.StageTraining, "cannot fit in state %s", t.state)
	}
	t.state = StateTraining

	history, err := t.fit(ctx, train, val)
	if err != nil {
		t.state = StateFailed
		t.logger.Error("training failed", "stage", errs.StageOf(err), "error", err)
		return nil, err
	}
	t.history = history
	t.state = StateFinished
	return history, nil
}

func (t *Trainer) fit(ctx context.Context, train, val BatchStream) (*History, error) {
	history := NewHistory()
	for epoch := 1; epoch <= t.hyp.Epochs; epoch++ {
		start := time.Now()
		trainValues, err := t.trainEpoch(ctx, epoch, train)
		if err != nil {
			return nil, err
		}
		valValues, err := t.validate(ctx, val)
		if err != nil {
			return nil, err
		}

		logs := t.epochLogs(trainValues, valValues)
		if err := history.Append(logs); err != nil {
			return nil, errs.Wrap(errs.CheckpointIO, errs.StageHistory, err, "failed to record epoch")
		}
		t.logger.Info(fmt.Sprintf("epoch %d/%d - %s", epoch, t.hyp.Epochs, formatLogs(logs)),
			"epoch", epoch,
			"duration", time.Since(start).Round(time.Millisecond))

		improved, err := t.registry.Observe(epoch, valValues, func(rec CheckpointRecord, value float64) error {
			return t.saveCheckpoint(epoch, rec, value)
		})
		for _, metric := range improved {
			rec := t.record(metric)
			t.logger.Info("checkpoint saved", "epoch", epoch, "metric", metric, "value", rec.Best, "path", rec.Path)
		}
		if err != nil {
			return nil, err
		}
	}

	if history.Epochs() != t.hyp.Epochs {
		return nil, errs.Wrap(errs.CheckpointIO, errs.StageHistory,
			errors.Errorf("recorded %d epochs, expected %d", history.Epochs(), t.hyp.Epochs), "incomplete history")
	}
	path := HistoryPath(t.run.OutputDir, t.spec.Name)
	if err := history.Save(path); err != nil {
		return nil, err
	}
	t.logger.Info("history saved", "stage", errs.StageHistory, "path", path, "epochs", history.Epochs())
	return history, nil
}

// epochLogs keeps loss plus the tracked metrics, for both passes.
func (t *Trainer) epochLogs(trainValues, valValues map[string]float64) map[string]float64 {
	logs := make(map[string]float64)
	for _, metric := range t.registry.Metrics() {
		logs[metric] = trainValues[metric]
		logs[ValidationKey(metric)] = valValues[metric]
	}
	return logs
}

func (t *Trainer) record(metric string) CheckpointRecord {
	for _, rec := range t.registry.Records() {
		if rec.Metric == metric {
			return rec
		}
	}
	return CheckpointRecord{}
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int, train BatchStream) (map[string]float64, error) {
	meter := newEpochMeter(t.arch.NumLabels)
	bar := NewProgressBar(t.progress, fmt.Sprintf("Epoch %d/%d", epoch, t.hyp.Epochs), t.hyp.TrainSteps)

	for step := 1; step <= t.hyp.TrainSteps; step++ {
		batch, err := t.nextBatch(ctx, train, errs.StageTraining)
		if err != nil {
			return nil, err
		}
		loss, probs, err := t.trainStep(batch)
		if err != nil {
			return nil, errs.Wrapf(errs.TrainingDivergence, errs.StageTraining, err, "epoch %d step %d", epoch, step)
		}
		if err := meter.add(loss, probs, batch.Labels); err != nil {
			return nil, errs.Wrap(errs.DataStream, errs.StageTraining, err, "failed to score batch")
		}
		values := meter.values()
		bar.Update(step, map[string]float64{MetricLoss: values[MetricLoss], MetricAccuracy: values[MetricAccuracy]})
	}
	bar.Finish()
	return meter.values(), nil
}

// trainStep runs forward, the class-weighted loss plus penalties, backward
// and one optimizer update.
func (t *Trainer) trainStep(batch *async.Batch) (float64, *engine.Tensor, error) {
	probs, err := t.model.Forward(batch.Inputs, true)
	if err != nil {
		return 0, nil, errs.Wrap(errs.DataStream, errs.StageTraining, err, "forward pass failed")
	}
	loss, grad, err := engine.SparseCategoricalCrossEntropy(probs, batch.Labels, t.classWeights)
	if err != nil {
		return 0, nil, errs.Wrap(errs.DataStream, errs.StageTraining, err, "loss failed")
	}
	total := loss + t.model.PenaltyLoss()
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return 0, nil, errs.Divergencef(errs.StageTraining, "non-finite training loss %v", total)
	}

	t.model.ZeroGrad()
	if err := t.model.Backward(grad); err != nil {
		return 0, nil, errs.Wrap(errs.TrainingDivergence, errs.StageTraining, err, "backward pass failed")
	}
	t.model.AddPenaltyGrads()
	for _, p := range t.model.Params() {
		if err := engine.CheckFinite(p.Name+" gradient", p.Grad.Data); err != nil {
			return 0, nil, errs.Wrap(errs.TrainingDivergence, errs.StageTraining, err, "non-finite gradient")
		}
	}
	if err := t.optimizer.Step(t.model.Params()); err != nil {
		return 0, nil, errs.Wrap(errs.TrainingDivergence, errs.StageTraining, err, "optimizer step failed")
	}
	return total, probs, nil
}

// validate scores val_steps batches without dropout or class weights.
func (t *Trainer) validate(ctx context.Context, val BatchStream) (map[string]float64, error) {
	return scoreBatches(ctx, t.model, val, t.hyp.ValSteps, t.arch.NumLabels, t.spec.InputShape, errs.StageTraining)
}

func (t *Trainer) nextBatch(ctx context.Context, stream BatchStream, stage errs.Stage) (*async.Batch, error) {
	return nextBatch(ctx, stream, t.spec.InputShape, t.arch.NumLabels, stage)
}

func (t *Trainer) saveCheckpoint(epoch int, rec CheckpointRecord, value float64) error {
	optState, err := t.optimizer.GetState()
	if err != nil {
		return errs.CheckpointIOErr(errs.StageCheckpointWrite, err, "failed to export optimizer state")
	}
	c := &checkpoints.Checkpoint{
		ModelSpec: t.spec,
		Weights:   t.model.ExportWeights(),
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			Metric:       rec.Metric,
			BestValue:    value,
			LearningRate: t.hyp.LearningRate,
		},
		OptimizerState: optState,
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       t.run.RunID,
			Description: fmt.Sprintf("best val_%s %.6f at epoch %d", rec.Metric, value, epoch),
			Tags:        []string{t.spec.Name, rec.Metric},
		},
	}
	if err := t.saver.SaveCheckpoint(c, rec.Path); err != nil {
		return errs.CheckpointIOErr(errs.StageCheckpointWrite, err, fmt.Sprintf("failed to write %s checkpoint", rec.Metric))
	}
	return nil
}

// nextBatch pulls one batch and checks it against the model input shape and
// label range.
func nextBatch(ctx context.Context, stream BatchStream, inputShape []int, numLabels int, stage errs.Stage) (*async.Batch, error) {
	batch, err := stream.Next(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.DataStream, stage, err, "failed to read batch")
	}
	if batch == nil || batch.Inputs == nil || batch.Size() == 0 {
		return nil, errs.DataStreamf(stage, "empty batch")
	}
	shape := batch.Inputs.Shape
	if len(shape) != len(inputShape)+1 || shape[0] != batch.Size() {
		return nil, errs.DataStreamf(stage, "batch shape %v does not match %d labels of input %v", shape, batch.Size(), inputShape)
	}
	for i, d := range inputShape {
		if shape[i+1] != d {
			return nil, errs.DataStreamf(stage, "batch shape %v does not match input %v", shape, inputShape)
		}
	}
	for i, l := range batch.Labels {
		if l < 0 || l >= numLabels {
			return nil, errs.DataStreamf(stage, "row %d: label %d out of range [0, %d)", i, l, numLabels)
		}
	}
	return batch, nil
}

// scoreBatches runs steps inference batches and returns the mean
// unweighted loss plus penalties and the classification metrics.
func scoreBatches(ctx context.Context, model *engine.Model, stream BatchStream, steps, numLabels int, inputShape []int, stage errs.Stage) (map[string]float64, error) {
	meter := newEpochMeter(numLabels)
	penalty := model.PenaltyLoss()
	for step := 1; step <= steps; step++ {
		batch, err := nextBatch(ctx, stream, inputShape, numLabels, stage)
		if err != nil {
			return nil, err
		}
		probs, err := model.Forward(batch.Inputs, false)
		if err != nil {
			return nil, errs.Wrap(errs.DataStream, stage, err, "forward pass failed")
		}
		loss, _, err := engine.SparseCategoricalCrossEntropy(probs, batch.Labels, nil)
		if err != nil {
			return nil, errs.Wrap(errs.DataStream, stage, err, "loss failed")
		}
		if err := meter.add(loss+penalty, probs, batch.Labels); err != nil {
			return nil, errs.Wrap(errs.DataStream, stage, err, "failed to score batch")
		}
	}
	return meter.values(), nil
}
