package cli

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"smartdip/internal/grpcserver"
	"smartdip/internal/pipeline"
	"smartdip/internal/server"
	"smartdip/internal/watch"
)

type serveOptions struct {
	Addr     string
	GRPCAddr string
	Watch    bool
}

// serve runs the HTTP API, the optional gRPC service, the upload watcher and
// the job queue until ctx is done or one of them fails.
func (r *Root) serve(ctx context.Context, opts serveOptions) error {
	queue := pipeline.New(ctx, r.executor, r.codec, pipeline.Options{
		Workers:   r.cfg.Processing.Workers,
		QueueSize: r.cfg.Processing.QueueSize,
		OutputDir: r.cfg.Processing.OutputDir,
		Store:     r.store,
		Logger:    r.log,
	})
	defer queue.Stop()

	api := server.New(server.Deps{
		Config:   r.cfg,
		Executor: r.executor,
		Codec:    r.codec,
		Queue:    queue,
		Store:    r.store,
		Logger:   r.log,
	})

	// The watcher is set up first so a failure leaves nothing running.
	var w *watch.Watcher
	if opts.Watch {
		var err error
		w, err = watch.New(r.cfg.Uploads.Dir, r.cfg.Uploads.AllowedExtension, r.store, r.log)
		if err != nil {
			return fmt.Errorf("upload watcher: %w", err)
		}
		n, err := w.Sync()
		if err != nil {
			r.log.Warn("initial upload sync incomplete", "error", err)
		}
		r.log.Info("upload catalogue synced", "files", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Start(ctx, opts.Addr) })

	if opts.GRPCAddr != "" {
		rpc := grpcserver.New(r.executor, r.codec, r.log)
		g.Go(func() error { return rpc.Serve(ctx, opts.GRPCAddr) })
	}

	if w != nil {
		g.Go(func() error { return w.Run(ctx) })
		g.Go(func() error {
			for ev := range w.Events {
				api.Publish(map[string]any{"kind": "upload", "event": ev})
			}
			return nil
		})
	}

	r.log.Info("smartdip ready",
		"addr", opts.Addr,
		"grpc_addr", opts.GRPCAddr,
		"watch", opts.Watch,
		"operations", r.registry.Len(),
	)
	return g.Wait()
}
