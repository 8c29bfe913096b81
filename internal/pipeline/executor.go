package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gocv.io/x/gocv"

	"smartdip/internal/logging"
	"smartdip/internal/ops"
)

// ErrNoStages is returned when a request names no operations.
var ErrNoStages = errors.New("no operations specified")

// Stage is one requested step: an operation name and its raw parameters.
type Stage struct {
	Operation string          `json:"type"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// StageResult is the output of one completed stage. Image is owned by the enclosing Result.
type StageResult struct {
	Index       int
	Operation   string
	Params      json.RawMessage
	Image       gocv.Mat
	Description string
	Width       int
	Height      int
	Channels    int
	Duration    time.Duration
}

// Result holds the completed stages of a run in order.
type Result struct {
	Stages   []StageResult
	Duration time.Duration
}

// Close releases every stage image.
func (r *Result) Close() {
	if r == nil {
		return
	}
	for i := range r.Stages {
		r.Stages[i].Image.Close()
	}
}

// Final returns the last stage image, if any.
func (r *Result) Final() (gocv.Mat, bool) {
	if r == nil || len(r.Stages) == 0 {
		return gocv.Mat{}, false
	}
	return r.Stages[len(r.Stages)-1].Image, true
}

// StageError reports the stage that stopped a run.
type StageError struct {
	Operation string
	Index     int
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s): %v", e.Index, e.Operation, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageHook observes each completed stage.
type StageHook func(StageResult)

type runKey struct{}

// RunInfo identifies a run in logs.
type RunInfo struct {
	ID     string
	Source string
}

// WithRun attaches run identity to ctx for executor logging.
func WithRun(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runKey{}, info)
}

func runFrom(ctx context.Context) RunInfo {
	info, _ := ctx.Value(runKey{}).(RunInfo)
	return info
}

// Executor runs stages sequentially against a registry. It holds no per-run state.
type Executor struct {
	registry *ops.Registry
	log      *slog.Logger
}

// NewExecutor returns an executor over registry.
func NewExecutor(registry *ops.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, log: logger}
}

// Registry returns the registry the executor resolves names against.
func (e *Executor) Registry() *ops.Registry { return e.registry }

// Validate resolves every stage and decodes its parameters without touching an image.
func Validate(registry *ops.Registry, stages []Stage) error {
	if len(stages) == 0 {
		return ErrNoStages
	}
	for i, st := range stages {
		op, err := registry.Lookup(st.Operation)
		if err != nil {
			return &StageError{Operation: st.Operation, Index: i, Err: err}
		}
		if _, err := op.Decode(st.Params); err != nil {
			return &StageError{Operation: st.Operation, Index: i, Err: err}
		}
	}
	return nil
}

// Run applies stages to src in order. src is not modified. On failure the stages
// completed so far are returned together with a *StageError; later stages never run.
// The caller closes the returned Result.
func (e *Executor) Run(ctx context.Context, src gocv.Mat, stages []Stage, hooks ...StageHook) (*Result, error) {
	info := runFrom(ctx)
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.Operation
	}
	logging.LogPipelineStart(e.log, info.ID, info.Source, names)

	start := time.Now()
	res := &Result{Stages: make([]StageResult, 0, len(stages))}
	fail := func(i int, name string, err error) (*Result, error) {
		res.Duration = time.Since(start)
		serr := &StageError{Operation: name, Index: i, Err: err}
		logging.LogPipelineError(e.log, info.ID, len(res.Stages), res.Duration, serr)
		return res, serr
	}

	working := src
	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			return fail(i, st.Operation, err)
		}
		op, err := e.registry.Lookup(st.Operation)
		if err != nil {
			return fail(i, st.Operation, err)
		}
		params, err := op.Decode(st.Params)
		if err != nil {
			return fail(i, st.Operation, err)
		}

		stageStart := time.Now()
		img, desc, err := op.Apply(working, params)
		if err != nil {
			img.Close()
			return fail(i, st.Operation, err)
		}
		if img.Empty() {
			img.Close()
			return fail(i, st.Operation, errors.New("transform produced an empty image"))
		}

		sr := StageResult{
			Index:       i,
			Operation:   st.Operation,
			Params:      st.Params,
			Image:       img,
			Description: desc,
			Width:       img.Cols(),
			Height:      img.Rows(),
			Channels:    img.Channels(),
			Duration:    time.Since(stageStart),
		}
		res.Stages = append(res.Stages, sr)
		working = img
		logging.LogStage(e.log, info.ID, i, st.Operation, sr.Width, sr.Height, sr.Duration)
		for _, h := range hooks {
			h(sr)
		}
	}

	res.Duration = time.Since(start)
	logging.LogPipelineComplete(e.log, info.ID, len(res.Stages), res.Duration)
	return res, nil
}
