// Package errs defines the error taxonomy shared by the model builder, the
// training orchestrator and the evaluation runner. Every error that leaves a
// run carries the stage that failed so the operator can tell compilation
// problems apart from checkpoint or evaluation failures.
package errs

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure.
type Kind int

const (
	// Configuration covers unknown architecture names, unknown pooling
	// operators and missing or invalid hyperparameters.
	Configuration Kind = iota
	// DataStream covers malformed, short or failed batch streams.
	DataStream
	// CheckpointIO covers failures writing or reading model snapshots and history.
	CheckpointIO
	// TrainingDivergence covers non-finite losses and weights.
	TrainingDivergence
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "ConfigurationError"
	case DataStream:
		return "DataStreamError"
	case CheckpointIO:
		return "CheckpointIOError"
	case TrainingDivergence:
		return "TrainingDivergenceError"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Stage names the part of a run that failed.
type Stage string

const (
	StageConfig          Stage = "configuration"
	StageData            Stage = "data loading"
	StageCompile         Stage = "compilation"
	StageTraining        Stage = "training"
	StageCheckpointWrite Stage = "checkpoint write"
	StageHistory         Stage = "history"
	StageEvaluation      Stage = "evaluation"
)

// ErrZeroClassCount is returned when a label never occurs in the label
// population, which leaves its class weight undefined.
var ErrZeroClassCount = Error{Kind: Configuration, Stage: StageConfig, Err: stderrors.New("label has zero observed count")}

// Error is a classified failure. Err holds the wrapped cause.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes the cause to the standard errors package.
func (e Error) Unwrap() error { return e.Err }

// Cause exposes the cause to github.com/pkg/errors.
func (e Error) Cause() error { return e.Err }

// Is matches sentinel errors by kind, stage and message.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind || t.Stage != e.Stage {
		return false
	}
	if t.Err == nil || e.Err == nil {
		return t.Err == e.Err
	}
	return t.Err.Error() == e.Err.Error()
}

func newError(kind Kind, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	// keep the innermost classification
	var existing Error
	if stderrors.As(err, &existing) {
		return err
	}
	return Error{Kind: kind, Stage: stage, Err: err}
}

// Configurationf builds a ConfigurationError from a format string.
func Configurationf(stage Stage, format string, args ...interface{}) error {
	return Error{Kind: Configuration, Stage: stage, Err: errors.Errorf(format, args...)}
}

// DataStreamf builds a DataStreamError from a format string.
func DataStreamf(stage Stage, format string, args ...interface{}) error {
	return Error{Kind: DataStream, Stage: stage, Err: errors.Errorf(format, args...)}
}

// Divergencef builds a TrainingDivergenceError from a format string.
func Divergencef(stage Stage, format string, args ...interface{}) error {
	return Error{Kind: TrainingDivergence, Stage: stage, Err: errors.Errorf(format, args...)}
}

// Wrap classifies err under kind and stage, prefixing msg. An error that is
// already classified keeps its original kind and stage and only gains the
// message.
func Wrap(kind Kind, stage Stage, err error, msg string) error {
	if err == nil {
		return nil
	}
	var existing Error
	if stderrors.As(err, &existing) {
		return errors.Wrap(err, msg)
	}
	return newError(kind, stage, errors.Wrap(err, msg))
}

// Wrapf is Wrap with a format string.
func Wrapf(kind Kind, stage Stage, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Wrap(kind, stage, err, fmt.Sprintf(format, args...))
}

// CheckpointIOErr classifies err as a CheckpointIOError.
func CheckpointIOErr(stage Stage, err error, msg string) error {
	return Wrap(CheckpointIO, stage, err, msg)
}

// Is reports whether err, or anything it wraps, is classified as kind.
func Is(err error, kind Kind) bool {
	var e Error
	if !stderrors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// StageOf returns the stage of the classified error in the chain, or "" when
// err carries no classification.
func StageOf(err error) Stage {
	var e Error
	if !stderrors.As(err, &e) {
		return ""
	}
	return e.Stage
}
