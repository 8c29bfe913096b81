package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"smartdip/internal/fsutil"
	"smartdip/internal/ops"
	"smartdip/internal/pipeline"
	"smartdip/internal/storage"
	"smartdip/internal/transfer"
)

// Upload sources recorded in the catalogue.
const (
	SourceUpload    = "upload"
	SourceProcessed = "processed"
)

type processRequest struct {
	Filename   string           `json:"filename"`
	Operations []pipeline.Stage `json:"operations"`
}

type stageResponse struct {
	Operation   string `json:"operation"`
	Image       string `json:"image"`
	Description string `json:"description"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Channels    int    `json:"channels"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// statusFor classifies request-boundary failures.
func statusFor(err error) int {
	var unknown *ops.UnknownOperationError
	var perr *ops.ParamError
	switch {
	case errors.As(err, &unknown), errors.As(err, &perr), errors.Is(err, pipeline.ErrNoStages),
		errors.Is(err, transfer.ErrInvalidImage), errors.Is(err, fsutil.ErrUnsafeName):
		return http.StatusBadRequest
	case errors.Is(err, os.ErrNotExist), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func stageFailure(err error) map[string]any {
	body := map[string]any{"success": false, "error": err.Error()}
	var serr *pipeline.StageError
	if errors.As(err, &serr) {
		body["operation"] = serr.Operation
		body["stage"] = serr.Index
	}
	return body
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Uploads.MaxBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the "+humanize.IBytes(uint64(limit))+" upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file part")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No selected file")
		return
	}
	if !s.cfg.Uploads.AllowedExtension(filepath.Ext(header.Filename)) {
		writeError(w, http.StatusBadRequest, "File type not allowed")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}
	if int64(len(data)) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the "+humanize.IBytes(uint64(limit))+" upload limit")
		return
	}

	name := fsutil.UniqueName(header.Filename)
	path := filepath.Join(s.cfg.Uploads.Dir, name)
	if err := os.MkdirAll(s.cfg.Uploads.Dir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	img, err := s.codec.Decode(data)
	if err != nil {
		os.Remove(path)
		writeError(w, http.StatusBadRequest, "Invalid image file")
		return
	}
	defer img.Close()

	if err := s.store.RecordUpload(storage.UploadRecord{
		Filename:  name,
		Path:      path,
		SizeBytes: int64(len(data)),
		Width:     img.Cols(),
		Height:    img.Rows(),
		Format:    fsutil.Ext(name),
		Source:    SourceUpload,
	}); err != nil {
		s.log.Warn("record upload", "file", name, "error", err)
	}

	encoded, err := s.codec.EncodeBase64(img)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("upload stored", "file", name, "size", humanize.IBytes(uint64(len(data))), "width", img.Cols(), "height", img.Rows())
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"filename": name,
		"image":    encoded,
		"width":    img.Cols(),
		"height":   img.Rows(),
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Filename == "" {
		writeError(w, http.StatusBadRequest, "No filename specified")
		return
	}
	if err := pipeline.Validate(s.registry, req.Operations); err != nil {
		writeJSON(w, statusFor(err), stageFailure(err))
		return
	}
	path, err := fsutil.Resolve(s.cfg.Uploads.Dir, req.Filename)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	src, err := s.codec.DecodeFile(path)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusNotFound {
			writeError(w, status, "File not found")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	defer src.Close()

	runID := uuid.NewString()
	names := make([]string, len(req.Operations))
	for i, st := range req.Operations {
		names[i] = st.Operation
	}
	if err := s.store.RecordRunQueued(storage.RunRecord{ID: runID, Source: req.Filename, Operations: names}); err != nil {
		s.log.Warn("record run", "run", runID, "error", err)
	}
	if err := s.store.RecordRunStart(runID); err != nil {
		s.log.Warn("record run start", "run", runID, "error", err)
	}

	hook := func(sr pipeline.StageResult) {
		if err := s.store.RecordStage(storage.StageRecord{
			RunID: runID, Index: sr.Index, Operation: sr.Operation, ParamsJSON: sr.Params,
			Width: sr.Width, Height: sr.Height, Channels: sr.Channels, Duration: sr.Duration,
		}); err != nil {
			s.log.Warn("record stage", "run", runID, "error", err)
		}
	}
	ctx := pipeline.WithRun(r.Context(), pipeline.RunInfo{ID: runID, Source: req.Filename})
	res, runErr := s.executor.Run(ctx, src, req.Operations, hook)
	defer res.Close()

	results := make([]stageResponse, 0, len(res.Stages))
	for _, sr := range res.Stages {
		encoded, err := s.codec.EncodeBase64(sr.Image)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		results = append(results, stageResponse{
			Operation:   sr.Operation,
			Image:       encoded,
			Description: sr.Description,
			Width:       sr.Width,
			Height:      sr.Height,
			Channels:    sr.Channels,
		})
	}

	s.recordOutcome(runID, len(res.Stages), res.Duration, runErr)
	if runErr != nil {
		body := stageFailure(runErr)
		body["results"] = results
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "run_id": runID, "results": results})
}

func (s *Server) recordOutcome(runID string, stages int, d time.Duration, err error) {
	out := storage.RunOutcome{Status: "completed", StageCount: stages, Duration: d}
	if err != nil {
		out.Status = "failed"
		out.Error = err.Error()
		var serr *pipeline.StageError
		if errors.As(err, &serr) {
			idx := serr.Index
			out.FailedStage = &idx
			out.FailedOperation = serr.Operation
		}
	}
	if rerr := s.store.RecordRunResult(runID, out); rerr != nil {
		s.log.Warn("record run result", "run", runID, "error", rerr)
	}
}

func (s *Server) handleSaveProcessed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Image     string `json:"image"`
		Operation string `json:"operation"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, "No image data")
		return
	}
	data, err := transfer.DecodeBase64(req.Image)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	img, err := s.codec.Decode(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer img.Close()
	png, err := transfer.EncodeFormat(img, transfer.PNG, 0, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	op := "processed"
	if req.Operation != "" {
		op = fsutil.SafeName(req.Operation)
	}
	name := fmt.Sprintf("%s_%s.png", op, uuid.NewString())
	path := filepath.Join(s.cfg.Uploads.Dir, name)
	if err := os.MkdirAll(s.cfg.Uploads.Dir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.RecordUpload(storage.UploadRecord{
		Filename: name, Path: path, SizeBytes: int64(len(png)),
		Width: img.Cols(), Height: img.Rows(), Format: transfer.PNG, Source: SourceProcessed,
	}); err != nil {
		s.log.Warn("record processed image", "file", name, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "filename": name})
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	c := ops.Describe(s.registry)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"operations":        c.Operations,
		"operation_details": c.Details,
	})
}

func (s *Server) handleClearUploads(w http.ResponseWriter, r *http.Request) {
	removed, err := fsutil.Clear(s.cfg.Uploads.Dir)
	if _, serr := s.store.ClearUploads(); serr != nil {
		s.log.Warn("clear upload catalogue", "error", serr)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error(), "removed": removed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	path, err := fsutil.Resolve(s.cfg.Uploads.Dir, mux.Vars(r)["filename"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	http.ServeFile(w, r, path)
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleUploadList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.Uploads(queryLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.UploadRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentRuns(queryLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	rec, stages, err := s.store.Run(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": rec, "stages": stages})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "job queue disabled")
		return
	}
	var req processRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	path, err := fsutil.Resolve(s.cfg.Uploads.Dir, req.Filename)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	job := pipeline.Job{ID: uuid.NewString(), Upload: req.Filename, Source: path, Stages: req.Operations}
	if err := s.queue.Submit(job); err != nil {
		writeJSON(w, statusFor(err), stageFailure(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "id": job.ID})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	if err := pipeline.WriteDOT(w, s.registry, req.Operations); err != nil {
		writeJSON(w, statusFor(err), stageFailure(err))
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "job queue disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
