package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"smartdip/internal/config"
	"smartdip/internal/grpcserver"
	"smartdip/internal/logging"
	"smartdip/internal/ops"
	"smartdip/internal/pipeline"
	"smartdip/internal/storage"
)

func TestParseStage(t *testing.T) {
	cases := []struct {
		spec   string
		name   string
		params string
	}{
		{"grayscale", "grayscale", ""},
		{" negative: ", "negative", ""},
		{`gaussian_blur:{"kernel_size":7}`, "gaussian_blur", `{"kernel_size":7}`},
		{"threshold:threshold_value=100,threshold_type=binary_inv", "threshold", `{"threshold_type":"binary_inv","threshold_value":100}`},
		{"retinex:sigma_list=[15,80,250]", "retinex", `{"sigma_list":[15,80,250]}`},
		{"orb_keypoints:color=#ff0000", "orb_keypoints", `{"color":"#ff0000"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, err := ParseStage(tc.spec)
			if err != nil {
				t.Fatalf("parse %q: %v", tc.spec, err)
			}
			if st.Operation != tc.name {
				t.Fatalf("expected operation %s, got %s", tc.name, st.Operation)
			}
			if string(st.Params) != tc.params {
				t.Fatalf("expected params %s, got %s", tc.params, st.Params)
			}
		})
	}
}

func TestParseStageRejectsBadInput(t *testing.T) {
	for _, spec := range []string{"", ":x=1", "threshold:{bad", "threshold:novalue"} {
		if _, err := ParseStage(spec); err == nil {
			t.Fatalf("expected error for %q", spec)
		}
	}
}

func TestLoadStages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.json")
	body := `[{"type":"grayscale"},{"type":"canny_edge","params":{"threshold1":50}}]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	stages, err := stagesFromFlags([]string{"negative"}, path)
	if err != nil {
		t.Fatalf("load stages: %v", err)
	}
	if len(stages) != 3 || stages[0].Operation != "negative" || stages[2].Operation != "canny_edge" {
		t.Fatalf("unexpected stages: %+v", stages)
	}
}

func TestProcessWritesEveryStage(t *testing.T) {
	root, store := newTestRoot(t)
	input := writePNG(t, t.TempDir(), "card.png")
	outDir := filepath.Join(t.TempDir(), "out")

	out, err := execute(t, root, "process", input, "--op", "grayscale", "--op", "threshold:threshold_value=100", "--all", "-o", outDir)
	if err != nil {
		t.Fatalf("process failed: %v\n%s", err, out)
	}
	for _, name := range []string{"card_00_grayscale.png", "card_01_threshold.png"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	if !strings.Contains(out, "[1] threshold") {
		t.Fatalf("missing stage line in output:\n%s", out)
	}

	runs, err := store.RecentRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != "completed" || runs[0].StageCount != 2 {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if runs[0].OutputPath != filepath.Join(outDir, "card_01_threshold.png") {
		t.Fatalf("unexpected output path %s", runs[0].OutputPath)
	}
}

func TestProcessKeepsCompletedStagesOnFailure(t *testing.T) {
	root, store := newTestRoot(t)
	input := writePNG(t, t.TempDir(), "card.png")
	outDir := t.TempDir()

	_, err := execute(t, root, "process", input, "--op", "negative", "--op", "inpainting", "-o", outDir)
	var serr *pipeline.StageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected stage error, got %v", err)
	}
	if serr.Index != 1 || serr.Operation != "inpainting" {
		t.Fatalf("unexpected stage error %+v", serr)
	}
	if _, err := os.Stat(filepath.Join(outDir, "card_00_negative.png")); err != nil {
		t.Fatalf("completed stage not written: %v", err)
	}

	runs, _ := store.RecentRuns(10)
	if len(runs) != 1 || runs[0].Status != "failed" || runs[0].FailedStage == nil || *runs[0].FailedStage != 1 {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestProcessValidatesBeforeRunning(t *testing.T) {
	root, store := newTestRoot(t)
	input := writePNG(t, t.TempDir(), "card.png")
	outDir := filepath.Join(t.TempDir(), "out")

	if _, err := execute(t, root, "process", input, "--op", "grayscale", "--op", "no_such_op", "-o", outDir); err == nil {
		t.Fatalf("expected unknown operation error")
	}
	if _, err := execute(t, root, "process", input, "-o", outDir); !errors.Is(err, pipeline.ErrNoStages) {
		t.Fatalf("expected ErrNoStages, got %v", err)
	}
	if _, err := os.Stat(outDir); !os.IsNotExist(err) {
		t.Fatalf("output dir should not exist")
	}
	if runs, _ := store.RecentRuns(10); len(runs) != 0 {
		t.Fatalf("nothing should be recorded, got %d runs", len(runs))
	}
}

func TestBatchSubmitsEveryImage(t *testing.T) {
	root, _ := newTestRoot(t)
	fake := &fakePipeline{}
	var gotOutput string
	root.queueFn = func(_ context.Context, outputDir string) pipelineClient {
		gotOutput = outputDir
		return fake
	}

	dir := t.TempDir()
	writePNG(t, dir, "a.png")
	writePNG(t, dir, "b.png")
	touch(t, filepath.Join(dir, "notes.txt"))

	out, err := execute(t, root, "batch", dir, "--op", "grayscale", "-o", "/tmp/batch-out")
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(fake.jobs) != 2 {
		t.Fatalf("expected two jobs, got %d", len(fake.jobs))
	}
	if gotOutput != "/tmp/batch-out" {
		t.Fatalf("unexpected output dir %s", gotOutput)
	}
	if !strings.Contains(out, "2 images, 0 failed") {
		t.Fatalf("unexpected summary:\n%s", out)
	}
	if !fake.stopped {
		t.Fatalf("queue not stopped")
	}
}

func TestBatchReportsFailures(t *testing.T) {
	root, _ := newTestRoot(t)
	fake := &fakePipeline{failSource: "b.png"}
	root.queueFn = func(context.Context, string) pipelineClient { return fake }

	dir := t.TempDir()
	writePNG(t, dir, "a.png")
	writePNG(t, dir, "b.png")

	out, err := execute(t, root, "batch", dir, "--op", "grayscale")
	if err == nil {
		t.Fatalf("expected batch failure")
	}
	if !strings.Contains(out, "FAIL b.png") {
		t.Fatalf("missing failure line:\n%s", out)
	}
}

func TestEnqueueRetriesFullQueue(t *testing.T) {
	fake := &fakePipeline{rejectCall: 2}
	jobs := []pipeline.Job{
		{ID: "1", Source: "a.png"},
		{ID: "2", Source: "b.png"},
		{ID: "3", Source: "c.png"},
	}
	events, err := enqueueAndWait(context.Background(), fake, jobs)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i, ev := range events {
		if ev.JobID != jobs[i].ID || ev.Kind != pipeline.EventCompleted {
			t.Fatalf("unexpected event %d: %+v", i, ev)
		}
	}
	if fake.calls != 4 {
		t.Fatalf("expected one retried submit, got %d calls", fake.calls)
	}
}

func TestBatchWaitsForLargeBatch(t *testing.T) {
	root, store := newTestRoot(t)
	dir := t.TempDir()
	for i := 0; i < 40; i++ {
		writePNG(t, dir, fmt.Sprintf("img%02d.png", i))
	}
	outDir := filepath.Join(t.TempDir(), "out")

	out, err := execute(t, root, "batch", dir, "--op", "grayscale", "-o", outDir)
	if err != nil {
		t.Fatalf("batch failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "40 images, 0 failed") {
		t.Fatalf("unexpected summary:\n%s", out)
	}
	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 40 {
		t.Fatalf("expected 40 outputs, got %d", len(entries))
	}
	if runs, _ := store.RecentRuns(100); len(runs) != 40 {
		t.Fatalf("expected 40 recorded runs, got %d", len(runs))
	}
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	root, _ := newTestRoot(t)
	root.cfg.Server.Addr = ":5000"
	root.cfg.Server.GRPCAddr = ":50051"

	var got serveOptions
	root.serveFn = func(_ context.Context, opts serveOptions) error {
		got = opts
		return nil
	}
	if _, err := execute(t, root, "serve", "--addr", ":9000", "--watch"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if got.Addr != ":9000" || got.GRPCAddr != ":50051" || !got.Watch {
		t.Fatalf("unexpected serve options %+v", got)
	}
}

func TestServeWatcherFailureStartsNothing(t *testing.T) {
	root, _ := newTestRoot(t)
	blocker := filepath.Join(t.TempDir(), "file")
	touch(t, blocker)
	root.cfg.Uploads.Dir = filepath.Join(blocker, "uploads")

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	err = root.serve(context.Background(), serveOptions{Addr: addr, Watch: true})
	if err == nil || !strings.Contains(err.Error(), "upload watcher") {
		t.Fatalf("expected watcher error, got %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	l, err = net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("http server left running on %s: %v", addr, err)
	}
	l.Close()
}

func TestOpsListing(t *testing.T) {
	root, _ := newTestRoot(t)

	out, err := execute(t, root, "ops", "--category", "morphological")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "erosion") || strings.Contains(out, "canny_edge") {
		t.Fatalf("unexpected listing:\n%s", out)
	}

	out, err = execute(t, root, "ops", "threshold")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "threshold_type") || !strings.Contains(out, "binary_inv") {
		t.Fatalf("missing parameters:\n%s", out)
	}

	out, err = execute(t, root, "ops", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var cat ops.Catalog
	if err := json.Unmarshal([]byte(out), &cat); err != nil {
		t.Fatalf("decode catalogue: %v", err)
	}
	if len(cat.Details) != root.registry.Len() {
		t.Fatalf("expected %d operations, got %d", root.registry.Len(), len(cat.Details))
	}
}

func TestPlanPrintsDOT(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(t, root, "plan", "--op", "grayscale", "--op", "canny_edge")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "digraph") || !strings.Contains(out, "1:canny_edge") {
		t.Fatalf("unexpected DOT output:\n%s", out)
	}
	if _, err := execute(t, root, "plan", "--op", "missing"); err == nil {
		t.Fatalf("expected error for unknown operation")
	}
}

func TestRunsAndUploadsNeedStore(t *testing.T) {
	root, _ := newTestRoot(t)
	root.store = nil
	for _, args := range [][]string{{"runs"}, {"uploads"}, {"runs", "show", "x"}} {
		if _, err := execute(t, root, args...); !errors.Is(err, errNoStore) {
			t.Fatalf("%v: expected errNoStore, got %v", args, err)
		}
	}
}

func TestRunsShowsRecordedRun(t *testing.T) {
	root, store := newTestRoot(t)
	input := writePNG(t, t.TempDir(), "card.png")
	if _, err := execute(t, root, "process", input, "--op", "grayscale", "-o", t.TempDir()); err != nil {
		t.Fatal(err)
	}
	runs, _ := store.RecentRuns(1)
	if len(runs) != 1 {
		t.Fatalf("expected one run")
	}

	out, err := execute(t, root, "runs")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, runs[0].ID) || !strings.Contains(out, "completed") {
		t.Fatalf("run missing from listing:\n%s", out)
	}

	out, err = execute(t, root, "runs", "show", runs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "[0] grayscale") {
		t.Fatalf("stage missing from run:\n%s", out)
	}
	if _, err := execute(t, root, "runs", "show", "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClearUploads(t *testing.T) {
	root, store := newTestRoot(t)
	path := writePNG(t, root.cfg.Uploads.Dir, "a.png")
	if err := store.RecordUpload(storage.UploadRecord{Filename: "a.png", Path: path, Source: "upload"}); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, root, "clear-uploads")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "removed 1 files") {
		t.Fatalf("unexpected output: %s", out)
	}
	if uploads, _ := store.Uploads(10); len(uploads) != 0 {
		t.Fatalf("catalogue not cleared: %+v", uploads)
	}
}

func TestRemoteProcessWritesResults(t *testing.T) {
	root, _ := newTestRoot(t)
	pngData, err := os.ReadFile(writePNG(t, t.TempDir(), "src.png"))
	if err != nil {
		t.Fatal(err)
	}
	stage := 1
	client := &fakeRemote{reply: grpcserver.ProcessReply{
		Success:   false,
		Error:     "stage 1 (inpainting): too small",
		Stage:     &stage,
		Operation: "inpainting",
		Results: []grpcserver.StageOutput{
			{Operation: "negative", Image: base64.StdEncoding.EncodeToString(pngData), Width: 24, Height: 16, Channels: 3},
		},
	}}
	var dialed string
	root.dialFn = func(addr string) (remoteClient, error) {
		dialed = addr
		return client, nil
	}

	input := writePNG(t, t.TempDir(), "card.png")
	outDir := t.TempDir()
	_, err = execute(t, root, "remote", "--addr", "gpu:50051", "process", input, "--op", "negative", "--op", "inpainting", "-o", outDir)
	if err == nil || !strings.Contains(err.Error(), "remote stage 1 (inpainting)") {
		t.Fatalf("expected remote stage error, got %v", err)
	}
	if dialed != "gpu:50051" {
		t.Fatalf("dialed %s", dialed)
	}
	if len(client.stages) != 2 || client.stages[1].Operation != "inpainting" {
		t.Fatalf("unexpected stages sent: %+v", client.stages)
	}
	if _, err := os.Stat(filepath.Join(outDir, "card_00_negative.png")); err != nil {
		t.Fatalf("stage image not written: %v", err)
	}
	if !client.closed {
		t.Fatalf("client not closed")
	}
}

func TestRemoteOps(t *testing.T) {
	root, _ := newTestRoot(t)
	client := &fakeRemote{catalog: ops.Describe(ops.Default())}
	root.dialFn = func(string) (remoteClient, error) { return client, nil }

	out, err := execute(t, root, "remote", "ops")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "segmentation: ") || !strings.Contains(out, "watershed") {
		t.Fatalf("unexpected remote listing:\n%s", out)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	out, err := execute(t, root, "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, root.cfg.Uploads.Dir) {
		t.Fatalf("upload dir missing from config output:\n%s", out)
	}

	if _, err := execute(t, root, "config", "validate"); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`{"transfer":{"output_format":"bmp"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, root, "config", "validate", bad); err == nil {
		t.Fatalf("expected invalid output format to fail")
	}
}

func TestVersion(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(t, root, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "smartdip "+Version) {
		t.Fatalf("unexpected version output: %s", out)
	}
}

func newTestRoot(t *testing.T) (*Root, *storage.Store) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Uploads.Dir = filepath.Join(dir, "uploads")
	cfg.Processing.OutputDir = filepath.Join(dir, "output")
	cfg.Storage.Path = filepath.Join(dir, "smartdip.db")
	if err := os.MkdirAll(cfg.Uploads.Dir, 0o755); err != nil {
		t.Fatal(err)
	}

	store, err := storage.New("sqlite", cfg.Storage.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	root := NewRoot(cfg, logging.New("error", "text"), store)
	root.serveFn = func(context.Context, serveOptions) error {
		t.Fatalf("serve should be stubbed")
		return nil
	}
	root.dialFn = func(string) (remoteClient, error) {
		return nil, errors.New("dial should be stubbed")
	}
	return root, store
}

func execute(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := NewRootCmd(root)
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 24, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 24; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 15), B: 60, A: 255})
		}
	}
	var b bytes.Buffer
	if err := png.Encode(&b, img); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("touch %s: %v", path, err)
	}
}

// fakePipeline finishes each job as soon as it is submitted. The rejectCall-th
// submit fails with ErrQueueFull.
type fakePipeline struct {
	mu         sync.Mutex
	jobs       []pipeline.Job
	calls      int
	rejectCall int
	failSource string
	stopped    bool
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == f.rejectCall {
		return pipeline.ErrQueueFull
	}
	f.jobs = append(f.jobs, job)
	ev := pipeline.Event{JobID: job.ID, Kind: pipeline.EventCompleted, Output: job.ID + ".png"}
	if f.failSource != "" && filepath.Base(job.Source) == f.failSource {
		ev = pipeline.Event{JobID: job.ID, Kind: pipeline.EventFailed, Error: "decode failed"}
	}
	job.Done <- ev
	return nil
}

func (f *fakePipeline) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

type fakeRemote struct {
	catalog ops.Catalog
	reply   grpcserver.ProcessReply
	stages  []pipeline.Stage
	closed  bool
}

func (f *fakeRemote) ListOperations(context.Context) (ops.Catalog, error) {
	return f.catalog, nil
}

func (f *fakeRemote) Process(_ context.Context, _ []byte, stages []pipeline.Stage) (grpcserver.ProcessReply, error) {
	f.stages = stages
	return f.reply, nil
}

func (f *fakeRemote) Close() error {
	f.closed = true
	return nil
}
