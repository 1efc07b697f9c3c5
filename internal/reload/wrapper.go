package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
)

// ChildSpec tells a Wrapper how to build and dispose of its child.
type ChildSpec[C any] struct {
	// Build creates a child bound to inst.
	Build func(ctx context.Context, inst engine.Instance) (C, error)

	// Destroy disposes of a child that is no longer published. Optional.
	Destroy func(ctx context.Context, child C) error
}

// Wrapper holds a child object built from its runtime's current engine
// instance and rebuilds it on every restart. Readers load the child with a
// single atomic read.
//
// Lifecycle: uninitialized -> initialized -> destroyed.
type Wrapper[C any] struct {
	name     string
	registry *Registry
	spec     ChildSpec[C]
	logger   *slog.Logger

	// mu serializes lifecycle changes and rebuilds. It is never held while
	// releasing a lease, since releasing may wait for a restart sweep that
	// is itself waiting on mu.
	mu    sync.Mutex
	state string

	lease atomic.Pointer[Lease]
	child atomic.Pointer[C]
}

var _ Dependent = (*Wrapper[int])(nil)

// NewWrapper creates an uninitialized wrapper.
func NewWrapper[C any](name string, reg *Registry, spec ChildSpec[C], logger *slog.Logger) *Wrapper[C] {
	return &Wrapper[C]{
		name:     name,
		registry: reg,
		spec:     spec,
		logger:   logger,
		state:    model.StateUninitialized,
	}
}

// Name implements Dependent.
func (w *Wrapper[C]) Name() string { return w.name }

// State returns the lifecycle state.
func (w *Wrapper[C]) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Initialize attaches to the runtime selected by v, builds the first child
// and publishes it. On any failure the wrapper stays uninitialized and holds
// no reference.
func (w *Wrapper[C]) Initialize(ctx context.Context, v config.View) error {
	w.mu.Lock()
	if !model.ValidTransition(w.state, model.StateInitialized) {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("initialize %s from %s: %w", w.name, state, ErrInvalidTransition)
	}

	lease, err := w.registry.Acquire(ctx, v, w)
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("initialize %s: %w", w.name, err)
	}

	child, err := w.build(ctx, lease.Runtime())
	if err != nil {
		w.mu.Unlock()
		if rerr := lease.Release(ctx); rerr != nil {
			w.logger.Warn("release runtime after failed initialize", "dependent", w.name, "error", rerr)
		}
		return fmt.Errorf("initialize %s: %w", w.name, &ConstructionError{
			Runtime:   lease.Factory().Key(),
			Component: w.name,
			Err:       err,
		})
	}

	w.child.Store(&child)
	w.lease.Store(lease)
	w.state = model.StateInitialized
	w.mu.Unlock()

	w.logger.Info("initialized", "dependent", w.name, "runtime", lease.Factory().Key())
	return nil
}

func (w *Wrapper[C]) build(ctx context.Context, rt *Runtime) (C, error) {
	inst := rt.Current()
	if inst == nil {
		var zero C
		return zero, ErrDestroyed
	}
	return w.spec.Build(ctx, inst)
}

// Restart implements Dependent. It builds a new child against the runtime's
// current instance, publishes it, then destroys the old child. On failure the
// old child stays published. A wrapper that is not initialized is skipped.
func (w *Wrapper[C]) Restart(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != model.StateInitialized {
		return nil
	}

	lease := w.lease.Load()
	child, err := w.build(ctx, lease.Runtime())
	if err != nil {
		return err
	}

	old := w.child.Swap(&child)
	if old != nil {
		w.destroyChild(ctx, *old)
	}
	w.logger.Info("restarted", "dependent", w.name, "runtime", lease.Factory().Key())
	return nil
}

// Terminate destroys the current child, releases the runtime and moves the
// wrapper to destroyed. Terminating twice returns ErrInvalidTransition.
func (w *Wrapper[C]) Terminate(ctx context.Context) error {
	w.mu.Lock()
	if !model.ValidTransition(w.state, model.StateDestroyed) {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("terminate %s from %s: %w", w.name, state, ErrInvalidTransition)
	}
	w.state = model.StateDestroyed
	lease := w.lease.Swap(nil)
	old := w.child.Swap(nil)
	if old != nil {
		w.destroyChild(ctx, *old)
	}
	w.mu.Unlock()

	if err := lease.Release(ctx); err != nil {
		w.logger.Debug("release runtime", "dependent", w.name, "error", err)
	}
	w.logger.Info("terminated", "dependent", w.name)
	return nil
}

func (w *Wrapper[C]) destroyChild(ctx context.Context, child C) {
	if w.spec.Destroy == nil {
		return
	}
	if err := w.spec.Destroy(ctx, child); err != nil {
		w.logger.Warn("destroy child", "dependent", w.name, "error", err)
	}
}

// Child returns the published child.
func (w *Wrapper[C]) Child() (C, error) {
	p := w.child.Load()
	if p == nil {
		var zero C
		return zero, ErrNotInitialized
	}
	return *p, nil
}

// CheckRestart triggers a background restart of the wrapper's runtime when
// its marker is stale. It never blocks and reports whether a restart started.
func (w *Wrapper[C]) CheckRestart() bool {
	lease := w.lease.Load()
	if lease == nil {
		return false
	}
	return lease.Factory().CheckRestart()
}

// Factory returns the factory the wrapper is attached to, or nil.
func (w *Wrapper[C]) Factory() *Factory {
	lease := w.lease.Load()
	if lease == nil {
		return nil
	}
	return lease.Factory()
}
