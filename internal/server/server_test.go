package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartdip/internal/config"
	"smartdip/internal/logging"
	"smartdip/internal/ops"
	"smartdip/internal/pipeline"
	"smartdip/internal/storage"
	"smartdip/internal/transfer"
)

type fixture struct {
	srv    *Server
	http   *httptest.Server
	store  *storage.Store
	cfg    *config.Config
	cancel context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Uploads.Dir = filepath.Join(dir, "uploads")
	cfg.Processing.OutputDir = filepath.Join(dir, "results")

	store, err := storage.New("sqlite", filepath.Join(dir, "test.db"))
	require.NoError(t, err)

	logger := logging.New("error", "text")
	exec := pipeline.NewExecutor(ops.Default(), logger)
	codec := transfer.NewCodec(cfg.Transfer)
	ctx, cancel := context.WithCancel(context.Background())
	queue := pipeline.New(ctx, exec, codec, pipeline.Options{Workers: 1, QueueSize: 4, OutputDir: cfg.Processing.OutputDir, Store: store, Logger: logger})

	srv := New(Deps{Config: cfg, Executor: exec, Codec: codec, Queue: queue, Store: store, Logger: logger})
	srv.Background(ctx)
	hs := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		hs.Close()
		cancel()
		queue.Stop()
		store.Close()
	})
	return &fixture{srv: srv, http: hs, store: store, cfg: cfg, cancel: cancel}
}

func cardPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 9), G: uint8(y * 7), B: uint8(x + y), A: 255})
		}
	}
	var b bytes.Buffer
	require.NoError(t, png.Encode(&b, img))
	return b.Bytes()
}

func (f *fixture) upload(t *testing.T, name string, data []byte) (*http.Response, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.http.URL+"/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func (f *fixture) postJSON(t *testing.T, path string, v any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(f.http.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func stages(names ...string) []map[string]any {
	out := make([]map[string]any, len(names))
	for i, op := range names {
		out[i] = map[string]any{"type": op}
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUploadAndProcess(t *testing.T) {
	f := newFixture(t)
	resp, body := f.upload(t, "card.png", cardPNG(t, 32, 24))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 32, body["width"])
	assert.EqualValues(t, 24, body["height"])
	name := body["filename"].(string)
	assert.True(t, strings.HasPrefix(name, "card_"))
	assert.NotEmpty(t, body["image"])
	assert.FileExists(t, filepath.Join(f.cfg.Uploads.Dir, name))

	resp, body = f.postJSON(t, "/process", map[string]any{
		"filename": name,
		"operations": []map[string]any{
			{"type": "grayscale"},
			{"type": "threshold", "params": map[string]any{"threshold_value": 100}},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	results := body["results"].([]any)
	require.Len(t, results, 2)
	second := results[1].(map[string]any)
	assert.Equal(t, "threshold", second["operation"])
	assert.EqualValues(t, 3, second["channels"])
	assert.Contains(t, second["description"], "<strong>")

	raw, err := transfer.DecodeBase64(second["image"].(string))
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Width)

	runs, err := f.store.RecentRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, body["run_id"], runs[0].ID)

	ups, err := f.store.Uploads(5)
	require.NoError(t, err)
	require.Len(t, ups, 1)
	assert.Equal(t, SourceUpload, ups[0].Source)
}

func TestUploadRejections(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.upload(t, "notes.txt", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.upload(t, "fake.png", []byte("not an image"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid image file", body["error"])
	entries, _ := os.ReadDir(f.cfg.Uploads.Dir)
	assert.Empty(t, entries, "undecodable upload must be removed")
}

func TestProcessErrors(t *testing.T) {
	f := newFixture(t)
	_, body := f.upload(t, "card.png", cardPNG(t, 24, 16))
	name := body["filename"].(string)

	cases := []struct {
		name   string
		req    map[string]any
		status int
	}{
		{"no operations", map[string]any{"filename": name, "operations": []any{}}, http.StatusBadRequest},
		{"unknown operation", map[string]any{"filename": name, "operations": stages("grayscale", "sparkle")}, http.StatusBadRequest},
		{"bad params", map[string]any{"filename": name, "operations": []map[string]any{{"type": "erosion", "params": map[string]any{"iterations": 0}}}}, http.StatusBadRequest},
		{"missing upload", map[string]any{"filename": "nope.png", "operations": stages("negative")}, http.StatusNotFound},
		{"path escape", map[string]any{"filename": "../x.png", "operations": stages("negative")}, http.StatusBadRequest},
		{"no filename", map[string]any{"operations": stages("negative")}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.postJSON(t, "/process", tc.req)
			assert.Equal(t, tc.status, resp.StatusCode, body)
			assert.Equal(t, false, body["success"])
		})
	}

	resp, body := f.postJSON(t, "/process", map[string]any{"filename": name, "operations": stages("grayscale", "sparkle")})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "sparkle", body["operation"])
	assert.EqualValues(t, 1, body["stage"])
}

func TestProcessStageFailureReturnsPartialResults(t *testing.T) {
	f := newFixture(t)
	_, body := f.upload(t, "small.png", cardPNG(t, 24, 16))
	name := body["filename"].(string)

	// inpainting needs an image wider than twice its mask radius
	resp, body := f.postJSON(t, "/process", map[string]any{"filename": name, "operations": stages("grayscale", "inpainting", "negative")})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "inpainting", body["operation"])
	assert.EqualValues(t, 1, body["stage"])
	require.Len(t, body["results"].([]any), 1)

	runs, err := f.store.RecentRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "failed", runs[0].Status)
	require.NotNil(t, runs[0].FailedStage)
	assert.Equal(t, 1, *runs[0].FailedStage)
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestProcessLogsRunBookkeepingFailures(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.cfg.Uploads.Dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.Uploads.Dir, "card.png"), cardPNG(t, 16, 12), 0o644))

	var logs lockedBuffer
	f.srv.log = slog.New(slog.NewJSONHandler(&logs, nil))
	require.NoError(t, f.store.Close())

	resp, body := f.postJSON(t, "/process", map[string]any{"filename": "card.png", "operations": stages("grayscale")})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, logs.String(), `"msg":"record run start"`)
}

func TestSaveProcessed(t *testing.T) {
	f := newFixture(t)
	img := transfer.DataURL(transfer.PNG, cardPNG(t, 8, 8))
	resp, body := f.postJSON(t, "/save_processed", map[string]any{"image": img, "operation": "canny_edge"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	name := body["filename"].(string)
	assert.Regexp(t, `^canny_edge_[0-9a-f-]{36}\.png$`, name)

	got, err := http.Get(f.http.URL + "/uploads/" + name)
	require.NoError(t, err)
	defer got.Body.Close()
	assert.Equal(t, http.StatusOK, got.StatusCode)
	data, _ := io.ReadAll(got.Body)
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)

	resp, _ = f.postJSON(t, "/save_processed", map[string]any{"image": "%%%"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAvailableOperations(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/get_available_operations")
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, true, body["success"])
	cats := body["operations"].(map[string]any)
	assert.Contains(t, cats["basic"], "grayscale")
	details := body["operation_details"].(map[string]any)
	assert.Len(t, details, 37)
	blur := details["gaussian_blur"].(map[string]any)
	assert.Equal(t, "basic", blur["category"])
	params := blur["parameters"].(map[string]any)
	assert.EqualValues(t, 5, params["kernel_size"].(map[string]any)["default"])
}

func TestClearUploads(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "a.png", cardPNG(t, 8, 8))
	f.upload(t, "b.png", cardPNG(t, 8, 8))

	resp, body := f.postJSON(t, "/clear_uploads", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["removed"])
	ups, err := f.store.Uploads(10)
	require.NoError(t, err)
	assert.Empty(t, ups)
}

func TestRunsEndpoints(t *testing.T) {
	f := newFixture(t)
	_, body := f.upload(t, "card.png", cardPNG(t, 16, 16))
	_, body = f.postJSON(t, "/process", map[string]any{"filename": body["filename"], "operations": stages("negative", "median_blur")})
	id := body["run_id"].(string)

	resp, err := http.Get(f.http.URL + "/runs/" + id)
	require.NoError(t, err)
	run := decode(t, resp)
	assert.Equal(t, id, run["run"].(map[string]any)["id"])
	assert.Len(t, run["stages"].([]any), 2)

	resp, err = http.Get(f.http.URL + "/runs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/runs?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 1)
}

func TestPlan(t *testing.T) {
	f := newFixture(t)
	data, _ := json.Marshal(map[string]any{"operations": stages("grayscale", "sobel_edge")})
	resp, err := http.Post(f.http.URL+"/plan", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/vnd.graphviz", resp.Header.Get("Content-Type"))
	dot, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(dot), `"0:grayscale" -> "1:sobel_edge"`)

	resp2, body := f.postJSON(t, "/plan", map[string]any{"operations": stages("nope")})
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	assert.Equal(t, "nope", body["operation"])
}

func TestJobsAreStreamedOverWebSocket(t *testing.T) {
	f := newFixture(t)
	_, body := f.upload(t, "card.png", cardPNG(t, 16, 16))
	name := body["filename"].(string)

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	// let the hub register the client before events flow
	time.Sleep(100 * time.Millisecond)

	resp, body := f.postJSON(t, "/jobs", map[string]any{"filename": name, "operations": stages("grayscale", "canny_edge")})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	id := body["id"].(string)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev pipeline.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		if ev.JobID != id {
			continue
		}
		if ev.Kind == pipeline.EventCompleted {
			assert.Equal(t, 2, ev.Stages)
			assert.FileExists(t, ev.Output)
			break
		}
		require.NotEqual(t, pipeline.EventFailed, ev.Kind, ev.Error)
	}

	resp, _ = f.postJSON(t, "/jobs", map[string]any{"filename": "missing.png", "operations": stages("negative")})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.postJSON(t, "/jobs", map[string]any{"filename": name, "operations": stages("nope")})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	resp, body := f.upload(t, "card.png", cardPNG(t, 16, 16))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	resp, body = f.postJSON(t, "/process", map[string]any{
		"filename":   body["filename"],
		"operations": []map[string]any{{"type": "negative"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	runID := body["run_id"].(string)

	page, err := http.Get(f.http.URL + "/")
	require.NoError(t, err)
	defer page.Body.Close()
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, page.Header.Get("Content-Type"), "text/html")

	html, err := io.ReadAll(page.Body)
	require.NoError(t, err)
	assert.Contains(t, string(html), runID)
	assert.Contains(t, string(html), "watershed")
	assert.Contains(t, string(html), "1 uploads")
}
