package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"gocv.io/x/gocv"

	"smartdip/internal/storage"
	"smartdip/internal/transfer"
)

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full")

// EventKind enumerates queue notifications.
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventStage     EventKind = "stage"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Job is one queued pipeline run against an image file.
type Job struct {
	ID     string
	Upload string // catalogue name of the source, if any
	Source string // path of the source image
	Stages []Stage
	// Done, when set, receives the completed or failed event even when
	// subscribers fall behind. It must be buffered for the event.
	Done chan<- Event
}

// Event reports progress of a queued job.
type Event struct {
	JobID     string        `json:"job_id"`
	Kind      EventKind     `json:"kind"`
	Stage     int           `json:"stage,omitempty"`
	Operation string        `json:"operation,omitempty"`
	Width     int           `json:"width,omitempty"`
	Height    int           `json:"height,omitempty"`
	Stages    int           `json:"stages,omitempty"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Time      time.Time     `json:"time"`
}

// Pipeline dispatches queued jobs across workers.
type Pipeline struct {
	executor  *Executor
	codec     *transfer.Codec
	store     *storage.Store
	outputDir string
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Event
	nextSubID int
}

// Options configures a Pipeline.
type Options struct {
	Workers   int
	QueueSize int
	OutputDir string
	Store     *storage.Store // may be nil
	Logger    *slog.Logger
}

// New starts the workers. Stop releases them.
func New(ctx context.Context, executor *Executor, codec *transfer.Codec, opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = opts.Workers * 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		executor:  executor,
		codec:     codec,
		store:     opts.Store,
		outputDir: opts.OutputDir,
		log:       opts.Logger,
		jobs:      make(chan Job, opts.QueueSize),
		cancel:    cancel,
		subs:      make(map[int]chan Event),
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit validates the job and adds it to the queue.
func (p *Pipeline) Submit(job Job) error {
	if err := Validate(p.executor.Registry(), job.Stages); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("pipeline stopped")
	}
	if len(p.jobs) == cap(p.jobs) {
		return ErrQueueFull
	}

	// The queued row must exist before a worker can start the run.
	names := make([]string, len(job.Stages))
	for i, st := range job.Stages {
		names[i] = st.Operation
	}
	if err := p.store.RecordRunQueued(storage.RunRecord{ID: job.ID, Source: sourceName(job), Operations: names}); err != nil {
		p.log.Warn("record queued run", "job", job.ID, "error", err)
	}
	select {
	case p.jobs <- job:
	default:
		return ErrQueueFull
	}
	p.broadcastLocked(Event{JobID: job.ID, Kind: EventQueued, Stages: len(job.Stages), Time: time.Now()})
	return nil
}

// Stop signals workers to exit and waits for them.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

// Subscribe returns a channel of events and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Event, 32)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	if err := p.store.RecordRunStart(job.ID); err != nil {
		p.log.Warn("record run start", "job", job.ID, "error", err)
	}

	fail := func(out storage.RunOutcome, err error) {
		out.Status = string(EventFailed)
		out.Error = err.Error()
		out.Duration = time.Since(start)
		if rerr := p.store.RecordRunResult(job.ID, out); rerr != nil {
			p.log.Warn("record run result", "job", job.ID, "error", rerr)
		}
		p.finish(job, Event{JobID: job.ID, Kind: EventFailed, Stages: out.StageCount, Error: out.Error, Duration: out.Duration, Time: time.Now()})
	}

	src, err := p.codec.DecodeFile(job.Source)
	if err != nil {
		fail(storage.RunOutcome{}, err)
		return
	}
	defer src.Close()

	hook := func(sr StageResult) {
		if err := p.store.RecordStage(storage.StageRecord{
			RunID:      job.ID,
			Index:      sr.Index,
			Operation:  sr.Operation,
			ParamsJSON: sr.Params,
			Width:      sr.Width,
			Height:     sr.Height,
			Channels:   sr.Channels,
			Duration:   sr.Duration,
		}); err != nil {
			p.log.Warn("record stage", "job", job.ID, "stage", sr.Index, "error", err)
		}
		p.broadcast(Event{JobID: job.ID, Kind: EventStage, Stage: sr.Index, Operation: sr.Operation, Width: sr.Width, Height: sr.Height, Duration: sr.Duration, Time: time.Now()})
	}

	ctx = WithRun(ctx, RunInfo{ID: job.ID, Source: sourceName(job)})
	res, err := p.executor.Run(ctx, src, job.Stages, hook)
	defer res.Close()
	if err != nil {
		out := storage.RunOutcome{StageCount: len(res.Stages)}
		var serr *StageError
		if errors.As(err, &serr) {
			idx := serr.Index
			out.FailedStage = &idx
			out.FailedOperation = serr.Operation
		}
		fail(out, err)
		return
	}

	final, ok := res.Final()
	if !ok {
		fail(storage.RunOutcome{}, ErrNoStages)
		return
	}
	output, err := SaveImage(p.codec, p.outputDir, job.ID, final)
	if err != nil {
		fail(storage.RunOutcome{StageCount: len(res.Stages)}, err)
		return
	}

	out := storage.RunOutcome{
		Status:     string(EventCompleted),
		StageCount: len(res.Stages),
		OutputPath: output,
		Duration:   time.Since(start),
	}
	if err := p.store.RecordRunResult(job.ID, out); err != nil {
		p.log.Warn("record run result", "job", job.ID, "error", err)
	}
	p.finish(job, Event{JobID: job.ID, Kind: EventCompleted, Stages: out.StageCount, Output: output, Duration: out.Duration, Time: time.Now()})
}

// finish reports a terminal event to the job's Done channel and to subscribers.
func (p *Pipeline) finish(job Job, ev Event) {
	if job.Done != nil {
		select {
		case job.Done <- ev:
		default:
			p.log.Warn("job done channel full", "job", job.ID)
		}
	}
	p.broadcast(ev)
}

func (p *Pipeline) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcastLocked(ev)
}

func (p *Pipeline) broadcastLocked(ev Event) {
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.log.Warn("event channel full", "subscriber", id, "job", ev.JobID)
		}
	}
}

func sourceName(job Job) string {
	if job.Upload != "" {
		return job.Upload
	}
	return filepath.Base(job.Source)
}

// SaveImage encodes img with codec into dir as <name>.<format> and returns the path.
func SaveImage(codec *transfer.Codec, dir, name string, img gocv.Mat) (string, error) {
	data, err := codec.Encode(img)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, name+"."+codec.Format())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write result: %w", err)
	}
	return path, nil
}
