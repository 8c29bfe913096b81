package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"smartdip/internal/grpcserver"
	"smartdip/internal/logging"
	"smartdip/internal/pipeline"
	"smartdip/internal/storage"
	"smartdip/internal/transfer"
)

const sourceCLI = "cli"

type processOptions struct {
	Input     string
	Stages    []pipeline.Stage
	OutputDir string
	AllStages bool
	Format    string
}

// processFile runs stages over one image in-process and writes the final image,
// or every stage image when AllStages is set. The run is recorded in the store.
func (r *Root) processFile(ctx context.Context, w io.Writer, opts processOptions) error {
	if err := pipeline.Validate(r.registry, opts.Stages); err != nil {
		return err
	}
	src, err := r.codec.DecodeFile(opts.Input)
	if err != nil {
		return fmt.Errorf("read %s: %w", opts.Input, err)
	}
	defer src.Close()

	runID := newID(sourceCLI)
	names := make([]string, len(opts.Stages))
	for i, st := range opts.Stages {
		names[i] = st.Operation
	}
	source := filepath.Base(opts.Input)
	if err := r.store.RecordRunQueued(storage.RunRecord{ID: runID, Source: source, Operations: names}); err != nil {
		r.log.Warn("record queued run", "run", runID, "error", err)
	}
	if err := r.store.RecordRunStart(runID); err != nil {
		r.log.Warn("record run start", "run", runID, "error", err)
	}

	hook := func(sr pipeline.StageResult) {
		if err := r.store.RecordStage(storage.StageRecord{
			RunID:      runID,
			Index:      sr.Index,
			Operation:  sr.Operation,
			ParamsJSON: sr.Params,
			Width:      sr.Width,
			Height:     sr.Height,
			Channels:   sr.Channels,
			Duration:   sr.Duration,
		}); err != nil {
			r.log.Warn("record stage", "run", runID, "stage", sr.Index, "error", err)
		}
		fmt.Fprintf(w, "[%d] %-22s %dx%dx%d  %s\n", sr.Index, sr.Operation, sr.Width, sr.Height, sr.Channels, sr.Duration.Round(time.Microsecond))
	}

	ctx = pipeline.WithRun(ctx, pipeline.RunInfo{ID: runID, Source: sourceCLI})
	res, runErr := r.executor.Run(ctx, src, opts.Stages, hook)
	defer res.Close()

	outcome := storage.RunOutcome{Status: string(pipeline.EventCompleted), StageCount: len(res.Stages), Duration: res.Duration}
	defer func() {
		if err := r.store.RecordRunResult(runID, outcome); err != nil {
			r.log.Warn("record run result", "run", runID, "error", err)
		}
	}()

	format := opts.Format
	switch format {
	case "":
		format = r.codec.Format()
	case "jpg":
		format = transfer.JPEG
	}
	written, err := r.writeStages(res, opts, format)
	if err != nil {
		outcome.Status = string(pipeline.EventFailed)
		outcome.Error = err.Error()
		return err
	}
	for _, path := range written {
		if info, err := os.Stat(path); err == nil {
			fmt.Fprintf(w, "wrote %s (%s)\n", path, humanize.Bytes(uint64(info.Size())))
		}
	}
	if n := len(written); n > 0 {
		outcome.OutputPath = written[n-1]
	}

	if runErr != nil {
		outcome.Status = string(pipeline.EventFailed)
		outcome.Error = runErr.Error()
		var serr *pipeline.StageError
		if errors.As(runErr, &serr) {
			idx := serr.Index
			outcome.FailedStage = &idx
			outcome.FailedOperation = serr.Operation
		}
		return runErr
	}
	fmt.Fprintf(w, "run %s: %d stages in %s\n", runID, len(res.Stages), res.Duration.Round(time.Millisecond))
	return nil
}

// writeStages saves the completed stages. A failed run still writes the stages it finished.
func (r *Root) writeStages(res *pipeline.Result, opts processOptions, format string) ([]string, error) {
	if len(res.Stages) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	selected := res.Stages
	if !opts.AllStages {
		selected = res.Stages[len(res.Stages)-1:]
	}
	quality := r.cfg.Transfer.JPEGQuality
	var written []string
	for _, sr := range selected {
		data, err := transfer.EncodeFormat(sr.Image, format, quality, r.cfg.Transfer.WebPLossless)
		if err != nil {
			return written, fmt.Errorf("encode stage %d: %w", sr.Index, err)
		}
		path := filepath.Join(opts.OutputDir, stageFileName(opts.Input, sr.Index, sr.Operation, extFor(format)))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func extFor(format string) string {
	if format == transfer.JPEG {
		return "jpg"
	}
	return format
}

var errNoStore = errors.New("no run store configured")

// writeRemote saves the stage images of a remote reply and prints a summary.
func (r *Root) writeRemote(w io.Writer, input, outputDir string, reply grpcserver.ProcessReply, d time.Duration) error {
	if outputDir == "" {
		outputDir = r.cfg.Processing.OutputDir
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for i, st := range reply.Results {
		data, err := transfer.DecodeBase64(st.Image)
		if err != nil {
			return fmt.Errorf("stage %d: %w", i, err)
		}
		ext, ok := strings.CutPrefix(http.DetectContentType(data), "image/")
		if !ok {
			ext = "bin"
		}
		path := filepath.Join(outputDir, stageFileName(input, i, st.Operation, extFor(ext)))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(w, "[%d] %-22s %dx%dx%d  %s (%s)\n", i, st.Operation, st.Width, st.Height, st.Channels, path, humanize.Bytes(uint64(len(data))))
	}

	var err error
	if !reply.Success {
		err = errors.New(reply.Error)
		if reply.Stage != nil {
			err = fmt.Errorf("remote stage %d (%s): %s", *reply.Stage, reply.Operation, reply.Error)
		}
	}
	r.logRunSummary("remote", len(reply.Results), d, err)
	return err
}

func (r *Root) logRunSummary(runID string, stages int, d time.Duration, err error) {
	if err != nil {
		logging.LogPipelineError(r.log, runID, stages, d, err)
		return
	}
	logging.LogPipelineComplete(r.log, runID, stages, d)
}
