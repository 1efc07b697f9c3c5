// Package process implements the default engine: every instance is a
// kiln-worker subprocess started in the application root. Because a worker
// snapshots code when a handler is loaded, replacing the instance is what
// makes edited application code visible.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/worker"
)

// Name is the engine name used by the kiln.engine parameter.
const Name = "process"

const (
	// socketName is the worker socket inside the instance directory.
	socketName = "worker.sock"

	// workDirName is the worker's snapshot directory inside the instance directory.
	workDirName = "work"

	// unloadTimeout bounds a handler's unload request.
	unloadTimeout = 2 * time.Second
)

// Boundary launches and terminates worker processes.
type Boundary struct {
	launcher Launcher
	logger   *slog.Logger
}

// Option configures a Boundary.
type Option func(*Boundary)

// WithLauncher replaces the default ExecLauncher.
func WithLauncher(l Launcher) Option {
	return func(b *Boundary) { b.launcher = l }
}

// New creates a process engine boundary.
func New(logger *slog.Logger, opts ...Option) *Boundary {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	b := &Boundary{launcher: ExecLauncher{}, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ engine.Boundary = (*Boundary)(nil)

// Name implements engine.Boundary.
func (b *Boundary) Name() string { return Name }

// Construct launches a worker in the application root named by v and waits
// until it answers.
func (b *Boundary) Construct(ctx context.Context, v config.View) (engine.Instance, error) {
	cfg, err := ParseConfig(v)
	if err != nil {
		return nil, err
	}
	settings, err := config.ParseRuntimeSettings(v)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "kiln-")
	if err != nil {
		return nil, fmt.Errorf("create instance dir: %w", err)
	}

	client := &client{socket: filepath.Join(dir, socketName)}
	spec := LaunchSpec{
		Bin:     cfg.Bin,
		Dir:     settings.AppRoot,
		Socket:  client.socket,
		WorkDir: filepath.Join(dir, workDirName),
		Env:     worker.EnvList(settings.Env),
	}

	bootStart := time.Now()
	proc, err := b.launcher.Launch(ctx, spec)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("launch worker: %w", err)
	}

	bootCtx, cancel := context.WithTimeout(ctx, cfg.BootTimeout)
	defer cancel()
	pid, err := client.waitReady(bootCtx, proc)
	workerBootDuration.Observe(time.Since(bootStart).Seconds())
	if err != nil {
		b.kill(proc, cfg.ShutdownTimeout)
		os.RemoveAll(dir)
		return nil, fmt.Errorf("boot worker: %w", err)
	}
	activeWorkers.Inc()

	inst := &Instance{
		id:     strings.ToLower(model.NewID()),
		pid:    pid,
		dir:    dir,
		cfg:    cfg,
		proc:   proc,
		client: client,
	}

	b.logger.Info("worker started",
		"instance", inst.id,
		"pid", pid,
		"app_root", settings.AppRoot,
		"boot_ms", time.Since(bootStart).Milliseconds(),
	)
	return inst, nil
}

// Terminate implements engine.Boundary. It waits up to the call timeout for
// running calls to finish, asks the worker to shut down, kills it after the
// grace period and removes the instance directory. It uses its own timeouts
// so it completes even when ctx is already done.
func (b *Boundary) Terminate(_ context.Context, inst engine.Instance) error {
	i, ok := inst.(*Instance)
	if !ok {
		return fmt.Errorf("terminate: not a process instance: %T", inst)
	}

	var err error
	i.terminateOnce.Do(func() { err = b.terminate(i) })
	return err
}

func (b *Boundary) terminate(i *Instance) error {
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), i.cfg.CallTimeout)
	if n := i.calls.closeAndWait(drainCtx); n > 0 {
		b.logger.Warn("calls still running at shutdown", "instance", i.id, "calls", n)
	}
	cancelDrain()

	cleanupStart := time.Now()
	defer func() { workerCleanupDuration.Observe(time.Since(cleanupStart).Seconds()) }()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), i.cfg.ShutdownTimeout)
	defer cancel()

	if _, err := i.client.do(shutdownCtx, worker.Request{Op: worker.OpShutdown}, nil); err != nil {
		b.logger.Debug("graceful shutdown failed, killing worker", "instance", i.id, "error", err)
	}

	var errs []error
	select {
	case <-i.proc.Done():
	case <-shutdownCtx.Done():
		if err := b.kill(i.proc, i.cfg.ShutdownTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	activeWorkers.Dec()

	if err := os.RemoveAll(i.dir); err != nil {
		errs = append(errs, fmt.Errorf("remove instance dir: %w", err))
	}

	b.logger.Info("worker stopped", "instance", i.id, "pid", i.pid)
	return errors.Join(errs...)
}

// kill stops proc and waits up to timeout for it to exit.
func (b *Boundary) kill(proc Process, timeout time.Duration) error {
	if err := proc.Kill(); err != nil {
		return err
	}
	select {
	case <-proc.Done():
		return nil
	case <-time.After(timeout):
		return errors.New("worker did not exit after kill")
	}
}

// Instance is one running worker.
type Instance struct {
	id     string
	pid    int
	dir    string
	cfg    Config
	proc   Process
	client *client

	calls         inflight
	terminateOnce sync.Once
}

var _ engine.Instance = (*Instance)(nil)

// ID implements engine.Instance.
func (i *Instance) ID() string { return i.id }

// Dir returns the instance directory holding the socket and snapshots.
func (i *Instance) Dir() string { return i.dir }

// NewHandler implements engine.Instance. The worker snapshots the
// entrypoint, so later edits are only seen by handlers of later instances.
func (i *Instance) NewHandler(ctx context.Context, spec engine.HandlerSpec) (engine.Handler, error) {
	if spec.Lang == "" {
		spec.Lang = model.LangFor(spec.Entrypoint)
	}
	res, err := i.client.do(ctx, worker.Request{Op: worker.OpLoad, Load: &spec}, nil)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", spec.App, err)
	}
	if !res.OK {
		return nil, fmt.Errorf("load %s: %s", spec.App, res.Error)
	}
	return &Handler{inst: i, id: res.Handler, spec: spec}, nil
}

// Handler serves one application through its instance's worker.
type Handler struct {
	inst  *Instance
	id    string
	spec  engine.HandlerSpec
	calls inflight
}

var _ engine.Handler = (*Handler)(nil)

// ID returns the worker-side handler id.
func (h *Handler) ID() string { return h.id }

// Serve implements engine.Handler. It fails with engine.ErrHandlerClosed once
// the handler or its instance is closing.
func (h *Handler) Serve(ctx context.Context, req engine.Request) (engine.Response, error) {
	if !h.calls.acquire() {
		return engine.Response{}, engine.ErrHandlerClosed
	}
	defer h.calls.release()
	if !h.inst.calls.acquire() {
		return engine.Response{}, engine.ErrHandlerClosed
	}
	defer h.inst.calls.release()

	ctx, cancel := context.WithTimeout(ctx, h.inst.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	res, err := h.inst.client.do(ctx, worker.Request{
		Op:        worker.OpCall,
		Handler:   h.id,
		Call:      &req,
		TimeoutMS: int(h.inst.cfg.CallTimeout.Milliseconds()),
	}, req.LogWriter)
	callDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		if errors.Is(err, context.DeadlineExceeded) {
			callsTotal.WithLabelValues(h.spec.Lang, outcomeTimeout).Inc()
		} else {
			callsTotal.WithLabelValues(h.spec.Lang, outcomeFailed).Inc()
		}
		return engine.Response{}, fmt.Errorf("call %s: %w", h.spec.App, err)
	case !res.OK:
		callsTotal.WithLabelValues(h.spec.Lang, outcomeFailed).Inc()
		return engine.Response{}, fmt.Errorf("call %s: %s", h.spec.App, res.Error)
	case res.Response == nil:
		callsTotal.WithLabelValues(h.spec.Lang, outcomeFailed).Inc()
		return engine.Response{}, fmt.Errorf("call %s: empty response", h.spec.App)
	}

	callsTotal.WithLabelValues(h.spec.Lang, outcomeCompleted).Inc()
	return *res.Response, nil
}

// Close implements engine.Handler. It waits up to the call timeout for
// running calls, then unloads the handler. Closing a handler whose worker has
// already exited only stops new calls.
func (h *Handler) Close(ctx context.Context) error {
	drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), h.inst.cfg.CallTimeout)
	h.calls.closeAndWait(drainCtx)
	cancelDrain()

	select {
	case <-h.inst.proc.Done():
		return nil
	default:
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unloadTimeout)
	defer cancel()
	res, err := h.inst.client.do(ctx, worker.Request{Op: worker.OpUnload, Handler: h.id}, nil)
	if err != nil {
		return fmt.Errorf("unload %s: %w", h.spec.App, err)
	}
	if !res.OK {
		return fmt.Errorf("unload %s: %s", h.spec.App, res.Error)
	}
	return nil
}
