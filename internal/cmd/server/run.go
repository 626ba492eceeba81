package serverrun

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfgpkg "github.com/rzbill/satb/internal/config"
	"github.com/rzbill/satb/internal/runtime"
	grpcserver "github.com/rzbill/satb/internal/server/grpc"
	httpserver "github.com/rzbill/satb/internal/server/http"
	logpkg "github.com/rzbill/satb/pkg/log"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Config cfgpkg.Config
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
	// SimulateEvery runs one simulated marking cycle per interval when
	// positive, so a bare server has queue traffic to inspect.
	SimulateEvery time.Duration
	Sim           runtime.SimOptions
	// Ready, when set, is called once both listeners are bound.
	Ready func(httpAddr, grpcAddr string)
}

// Run starts gRPC and HTTP servers and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	procLogger := opts.Logger
	if procLogger == nil {
		l, err := logpkg.ApplyConfig(&opts.Config.Log)
		if err != nil {
			lvl := logpkg.InfoLevel
			if parsed, e := logpkg.ParseLevel(opts.Config.Log.Level); e == nil {
				lvl = parsed
			}
			l = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
		}
		procLogger = l
	}
	// Pebble and grpc internals log through the stdlib logger.
	restore := logpkg.RedirectStdLog(procLogger)
	defer restore()

	rt, err := runtime.Open(runtime.Options{Config: opts.Config, Logger: procLogger})
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := opts.Config.Server
	procLogger.Info("Starting SATB server",
		logpkg.Str("grpc", srv.GRPCAddr),
		logpkg.Str("http", srv.HTTPAddr),
		logpkg.Int("buffer_capacity", opts.Config.BufferCapacity),
		logpkg.Int("process_completed_threshold", opts.Config.ProcessCompletedThreshold),
		logpkg.Bool("trace", opts.Config.Trace.Enabled),
		logpkg.Duration("simulate_every", opts.SimulateEvery),
	)

	gsrv := grpcserver.New(rt, procLogger)
	hsrv := httpserver.New(rt, procLogger)

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return gsrv.ListenAndServe(gctx, srv.GRPCAddr) })
	g.Go(func() error { return hsrv.ListenAndServe(gctx, srv.HTTPAddr) })
	g.Go(func() error {
		if err := rt.Process(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if opts.SimulateEvery > 0 {
		g.Go(func() error { return simulateLoop(gctx, rt, opts, procLogger) })
	}
	if opts.Ready != nil {
		g.Go(func() error { return waitReady(gctx, hsrv, gsrv, opts.Ready) })
	}

	err = g.Wait()
	// Stop servers before the deferred runtime close shuts storage.
	gsrv.Close()
	hsrv.Close()
	if err != nil && sctx.Err() == nil {
		return err
	}
	return nil
}

func simulateLoop(ctx context.Context, rt *runtime.Runtime, opts Options, logger logpkg.Logger) error {
	t := time.NewTicker(opts.SimulateEvery)
	defer t.Stop()
	sim := opts.Sim
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		sim.Seed++
		rep, err := rt.Simulate(ctx, sim)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, runtime.ErrMarkingActive):
			continue
		case err != nil:
			logger.Error("simulated cycle failed", logpkg.Err(err), logpkg.Int("missing", rep.Missing))
			if errors.Is(err, runtime.ErrInvariantBroken) {
				return err
			}
		}
	}
}

func waitReady(ctx context.Context, h *httpserver.Server, g *grpcserver.Server, ready func(string, string)) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		if h.Addr() != "" && g.Addr() != "" {
			ready(h.Addr(), g.Addr())
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
