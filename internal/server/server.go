package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"smartdip/internal/config"
	"smartdip/internal/ops"
	"smartdip/internal/pipeline"
	"smartdip/internal/storage"
	"smartdip/internal/transfer"
)

// Server exposes the workbench over HTTP.
type Server struct {
	cfg      *config.Config
	registry *ops.Registry
	executor *pipeline.Executor
	codec    *transfer.Codec
	queue    *pipeline.Pipeline
	store    *storage.Store
	hub      *Hub
	log      *slog.Logger
	router   *mux.Router
}

// Deps are the collaborators a Server dispatches to. Queue and Store may be nil.
type Deps struct {
	Config   *config.Config
	Executor *pipeline.Executor
	Codec    *transfer.Codec
	Queue    *pipeline.Pipeline
	Store    *storage.Store
	Logger   *slog.Logger
}

// New builds the server and its routes.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		cfg:      d.Config,
		registry: d.Executor.Registry(),
		executor: d.Executor,
		codec:    d.Codec,
		queue:    d.Queue,
		store:    d.Store,
		hub:      newHub(d.Logger),
		log:      d.Logger,
		router:   mux.NewRouter(),
	}
	s.setupRoutes(s.router)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/", s.handleDashboard).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/upload", s.handleUpload).Methods("POST")
	r.HandleFunc("/process", s.handleProcess).Methods("POST")
	r.HandleFunc("/save_processed", s.handleSaveProcessed).Methods("POST")
	r.HandleFunc("/get_available_operations", s.handleOperations).Methods("GET")
	r.HandleFunc("/clear_uploads", s.handleClearUploads).Methods("POST")
	r.HandleFunc("/uploads", s.handleUploadList).Methods("GET")
	r.HandleFunc("/uploads/{filename}", s.handleUploadFile).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	r.HandleFunc("/plan", s.handlePlan).Methods("POST")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Background starts the websocket hub and the queue event relay. They stop with ctx.
func (s *Server) Background(ctx context.Context) {
	go s.hub.run(ctx)
	if s.queue != nil {
		go s.forwardEvents(ctx)
	}
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.Background(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		timeout := s.cfg.Server.ShutdownTimeout.Duration
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctxShutdown, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(ctxShutdown); err != nil {
			s.log.Warn("http shutdown", "error", err)
		}
	}()

	s.log.Info("http server starting", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Publish sends v to every websocket client.
func (s *Server) Publish(v any) { s.hub.Broadcast(v) }

// forwardEvents relays queue events to websocket clients.
func (s *Server) forwardEvents(ctx context.Context) {
	events, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.hub.Broadcast(ev)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
