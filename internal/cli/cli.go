package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"smartdip/internal/config"
	"smartdip/internal/grpcserver"
	"smartdip/internal/ops"
	"smartdip/internal/pipeline"
	"smartdip/internal/storage"
	"smartdip/internal/transfer"
)

// Version is reported by the version command.
var Version = "0.4.0"

type serverFunc func(ctx context.Context, opts serveOptions) error

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Stop()
}

type queueFactory func(ctx context.Context, outputDir string) pipelineClient

// remoteClient is the part of the gRPC client the remote commands use.
type remoteClient interface {
	ListOperations(ctx context.Context) (ops.Catalog, error)
	Process(ctx context.Context, image []byte, stages []pipeline.Stage) (grpcserver.ProcessReply, error)
	Close() error
}

type dialFunc func(addr string) (remoteClient, error)

func defaultDial(addr string) (remoteClient, error) {
	return grpcserver.Dial(addr)
}

// Root wires CLI commands to the engine.
type Root struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	registry *ops.Registry
	executor *pipeline.Executor
	codec    *transfer.Codec
	serveFn  serverFunc
	dialFn   dialFunc
	queueFn  queueFactory
}

// NewRoot builds the engine from cfg. store may be nil.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	registry := ops.Default()
	r := &Root{
		cfg:      cfg,
		log:      logger,
		store:    store,
		registry: registry,
		executor: pipeline.NewExecutor(registry, logger),
		codec:    transfer.NewCodec(cfg.Transfer),
		dialFn:   defaultDial,
	}
	r.serveFn = r.serve
	r.queueFn = r.newQueue
	return r
}

func (r *Root) newQueue(ctx context.Context, outputDir string) pipelineClient {
	return pipeline.New(ctx, r.executor, r.codec, pipeline.Options{
		Workers:   r.cfg.Processing.Workers,
		QueueSize: r.cfg.Processing.QueueSize,
		OutputDir: outputDir,
		Store:     r.store,
		Logger:    r.log,
	})
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// enqueueAndWait submits jobs and waits until each one completes or fails.
// A full queue is retried after the next job finishes.
func enqueueAndWait(ctx context.Context, pipe pipelineClient, jobs []pipeline.Job) ([]pipeline.Event, error) {
	done := make(chan pipeline.Event, len(jobs))
	results := make([]pipeline.Event, len(jobs))
	pending := make(map[string]int, len(jobs))

	wait := func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-done:
				if i, ok := pending[ev.JobID]; ok {
					results[i] = ev
					delete(pending, ev.JobID)
					return nil
				}
			}
		}
	}

	for i, job := range jobs {
		job.Done = done
		for {
			err := pipe.Submit(job)
			if err == nil {
				pending[job.ID] = i
				break
			}
			if !errors.Is(err, pipeline.ErrQueueFull) || len(pending) == 0 {
				return results, fmt.Errorf("submit %s: %w", job.Source, err)
			}
			if err := wait(); err != nil {
				return results, err
			}
		}
	}
	for len(pending) > 0 {
		if err := wait(); err != nil {
			return results, err
		}
	}
	return results, nil
}

// ParseStage parses an operation spec:
//
//	name
//	name:{"json":"params"}
//	name:key=value,key=value
//
// Values in key=value form are read as JSON when they parse, otherwise as strings.
func ParseStage(spec string) (pipeline.Stage, error) {
	name, rest, hasParams := strings.Cut(strings.TrimSpace(spec), ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return pipeline.Stage{}, fmt.Errorf("empty operation in %q", spec)
	}
	st := pipeline.Stage{Operation: name}
	rest = strings.TrimSpace(rest)
	if !hasParams || rest == "" {
		return st, nil
	}
	if strings.HasPrefix(rest, "{") {
		if !json.Valid([]byte(rest)) {
			return pipeline.Stage{}, fmt.Errorf("invalid JSON parameters for %s", name)
		}
		st.Params = json.RawMessage(rest)
		return st, nil
	}

	params := make(map[string]json.RawMessage)
	for _, pair := range splitPairs(rest) {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return pipeline.Stage{}, fmt.Errorf("parameter %q of %s is not key=value", pair, name)
		}
		value = strings.TrimSpace(value)
		if json.Valid([]byte(value)) {
			params[key] = json.RawMessage(value)
			continue
		}
		quoted, _ := json.Marshal(value)
		params[key] = quoted
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return pipeline.Stage{}, err
	}
	st.Params = raw
	return st, nil
}

// splitPairs splits on commas outside brackets, so list values like sigma_list=[15,80] survive.
func splitPairs(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, c := range s {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// ParseStages parses every spec in order.
func ParseStages(specs []string) ([]pipeline.Stage, error) {
	stages := make([]pipeline.Stage, 0, len(specs))
	for _, spec := range specs {
		st, err := ParseStage(spec)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stages, nil
}

// LoadStages reads a JSON array of {"type", "params"} objects.
func LoadStages(path string) ([]pipeline.Stage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var stages []pipeline.Stage
	if err := json.Unmarshal(data, &stages); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return stages, nil
}

func stagesFromFlags(specs []string, file string) ([]pipeline.Stage, error) {
	stages, err := ParseStages(specs)
	if err != nil {
		return nil, err
	}
	if file != "" {
		fromFile, err := LoadStages(file)
		if err != nil {
			return nil, err
		}
		stages = append(stages, fromFile...)
	}
	return stages, nil
}

// stageFileName names the output of one stage: <stem>_<index>_<operation>.<ext>.
func stageFileName(input string, index int, operation, ext string) string {
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return fmt.Sprintf("%s_%02d_%s.%s", stem, index, operation, ext)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
