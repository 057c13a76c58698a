// Command accent-train trains one accent classifier, keeps the best
// checkpoint per tracked metric and evaluates each of them on the test split.
//
// Usage:
//
//	accent-train -a cnn_bilstm --config hyperparameters.json --data ./corpus --out ./runs
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tsawler/accent-net/async"
	"github.com/tsawler/accent-net/checkpoints"
	"github.com/tsawler/accent-net/dataset"
	"github.com/tsawler/accent-net/errs"
	"github.com/tsawler/accent-net/layers"
	"github.com/tsawler/accent-net/models"
	"github.com/tsawler/accent-net/training"
)

const (
	exitOK    = 0
	exitRun   = 1
	exitUsage = 2
)

type options struct {
	architecture string
	config       string
	data         string
	out          string
	format       string
	pool         string
	metrics      string
	plotURL      string
	seed         int64
	progress     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("accent-train", flag.ContinueOnError)
	fs.SetOutput(stderr)
	archUsage := fmt.Sprintf("architecture to train, one of %s (required)", strings.Join(models.Names(), ", "))
	fs.StringVar(&o.architecture, "architecture", "", archUsage)
	fs.StringVar(&o.architecture, "a", "", archUsage+" (shorthand)")
	fs.StringVar(&o.config, "config", "hyperparameters.json", "hyperparameter JSON file")
	fs.StringVar(&o.data, "data", "data", "directory holding meta.json and the split files")
	fs.StringVar(&o.out, "out", ".", "directory for checkpoints, history and plots")
	fs.StringVar(&o.format, "format", "json", "checkpoint format: json or proto")
	fs.StringVar(&o.pool, "pool", "max", "global depth pool operator: max or avg")
	fs.StringVar(&o.metrics, "metrics", training.MetricAccuracy, "comma separated metrics to checkpoint besides loss")
	fs.StringVar(&o.plotURL, "plot-url", "", "base URL of a plotting service; plots are only written to disk when empty")
	fs.Int64Var(&o.seed, "seed", 1, "seed for weight initialisation, dropout and shuffling")
	fs.BoolVar(&o.progress, "progress", true, "draw per-step progress bars on stderr")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.architecture == "" {
		return o, fmt.Errorf("--architecture is required")
	}
	valid := false
	for _, name := range models.Names() {
		if o.architecture == name {
			valid = true
		}
	}
	if !valid {
		return o, fmt.Errorf("invalid architecture %q: expected one of %s", o.architecture, strings.Join(models.Names(), ", "))
	}
	return o, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// run executes the whole pipeline and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err == flag.ErrHelp {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "accent-train: %v\n", err)
		return exitUsage
	}

	runID := uuid.New().String()
	logger := slog.New(slog.NewTextHandler(stderr, nil)).With("run_id", runID)

	if err := train(ctx, o, runID, logger, stdout, stderr); err != nil {
		logger.Error("run failed", "stage", errs.StageOf(err), "error", err)
		return exitRun
	}
	return exitOK
}

func train(ctx context.Context, o options, runID string, logger *slog.Logger, stdout, stderr io.Writer) error {
	hyp, err := training.LoadHyperparameters(o.config)
	if err != nil {
		return err
	}
	format, err := checkpoints.ParseFormat(o.format)
	if err != nil {
		return errs.Wrap(errs.Configuration, errs.StageConfig, err, "invalid --format")
	}
	pool, err := layers.ParsePoolOp(o.pool)
	if err != nil {
		return errs.Wrap(errs.Configuration, errs.StageConfig, err, "invalid --pool")
	}

	host := async.DetectHost()
	logger.Info("host",
		"cpu", host.Brand,
		"logical_cores", host.LogicalCores,
		"physical_cores", host.PhysicalCores,
		"avx2", host.AVX2,
		"avx512", host.AVX512)
	if host.Oversubscribed(hyp.CPUCores) {
		logger.Warn("cpu_cores exceeds the logical core count", "cpu_cores", hyp.CPUCores, "logical_cores", host.LogicalCores)
	}

	data, err := dataset.Load(o.data)
	if err != nil {
		return err
	}
	counts, err := dataset.LabelCounts(len(data.Labels), data.Splits()...)
	if err != nil {
		return err
	}
	weights, err := training.ClassWeights(counts)
	if err != nil {
		return errs.Wrap(errs.Configuration, errs.StageConfig, err, "failed to compute class weights")
	}
	for i, label := range data.Labels {
		logger.Debug("class weight", "label", label, "count", counts[i], "weight", weights[i])
	}

	arch, err := models.Build(o.architecture, data.InputShape, len(data.Labels), models.WithDepthPool(pool))
	if err != nil {
		return err
	}
	runConfig := training.RunConfig{
		OutputDir:      o.out,
		Format:         format,
		Seed:           o.seed,
		RunID:          runID,
		TrackedMetrics: splitList(o.metrics),
	}
	trainerOpts := []training.Option{training.WithLogger(logger)}
	if o.progress {
		trainerOpts = append(trainerOpts, training.WithProgress(stderr))
	}
	trainer, err := training.NewTrainer(arch, hyp, runConfig, trainerOpts...)
	if err != nil {
		return err
	}
	if err := trainer.Compile(); err != nil {
		return err
	}
	fmt.Fprint(stdout, trainer.Spec().Summary())
	if err := trainer.SetClassWeights(weights); err != nil {
		return err
	}

	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	streams := make(map[string]*async.AsyncDataLoader, 3)
	for i, split := range []*dataset.Split{data.Train, data.Val, data.Test} {
		loader, err := newLoader(loadCtx, split, hyp, o.seed+int64(i))
		if err != nil {
			return err
		}
		defer loader.Stop()
		streams[split.Name] = loader
	}

	history, err := trainer.Fit(ctx, streams[data.Train.Name], streams[data.Val.Name])
	if err != nil {
		return err
	}

	plots := training.HistoryPlots(history, arch.Name, runID, trainer.Registry().Metrics(), hyp.PlotDPI)
	paths, err := training.WritePlots(o.out, plots)
	if err != nil {
		return errs.CheckpointIOErr(errs.StageHistory, err, "failed to write plot data")
	}
	logger.Info("plot data written", "paths", paths)
	if o.plotURL != "" {
		sendPlots(ctx, o.plotURL, plots, logger)
	}

	reports, err := trainer.Evaluate(ctx, streams[data.Test.Name])
	if err != nil {
		return err
	}
	var failed int
	for _, r := range reports {
		fmt.Fprintln(stdout, r)
		if r.Failed() {
			failed++
		}
	}
	if failed > 0 {
		return errs.CheckpointIOErr(errs.StageEvaluation,
			fmt.Errorf("%d of %d checkpoints failed", failed, len(reports)), "evaluation incomplete")
	}
	return nil
}

func newLoader(ctx context.Context, split *dataset.Split, hyp training.Hyperparameters, seed int64) (*async.AsyncDataLoader, error) {
	stream, err := dataset.NewStream(split, hyp.ShuffleBuffer, seed)
	if err != nil {
		return nil, err
	}
	loader, err := async.NewAsyncDataLoader(stream, async.AsyncDataLoaderConfig{
		BatchSize: hyp.BatchSize,
		Workers:   hyp.CPUCores,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Configuration, errs.StageData, err, "failed to create "+split.Name+" loader")
	}
	if err := loader.Start(ctx); err != nil {
		return nil, errs.Wrap(errs.DataStream, errs.StageData, err, "failed to start "+split.Name+" loader")
	}
	return loader, nil
}

// sendPlots pushes plot data to the plotting service. Failures are logged
// only; the JSON files on disk remain the record.
func sendPlots(ctx context.Context, baseURL string, plots []training.PlotData, logger *slog.Logger) {
	config := training.DefaultPlottingServiceConfig()
	config.BaseURL = baseURL
	config.Timeout = 10 * time.Second
	service := training.NewPlottingService(config)

	if err := service.CheckHealth(ctx); err != nil {
		logger.Warn("plotting service unavailable", "url", config.BaseURL, "error", err)
		return
	}
	for _, plot := range plots {
		resp, err := service.SendPlotDataWithRetry(ctx, plot)
		if err != nil {
			logger.Warn("failed to send plot", "metric", plot.Metric, "error", err)
			continue
		}
		logger.Info("plot sent", "metric", plot.Metric, "plot_id", resp.PlotID, "view_url", resp.ViewURL)
	}
}
