package reload

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
)

// Dependent is a component that must rebuild its own state whenever its
// runtime replaces the engine instance. Implementations must be comparable
// (typically a pointer) so they can be unregistered.
type Dependent interface {
	Name() string

	// Restart rebuilds against the runtime's current instance. It is called
	// from the restart goroutine, one dependent at a time.
	Restart(ctx context.Context) error
}

// Observer receives every runtime event. It is called synchronously on the
// goroutine that emitted the event, so a slow observer delays restarts and
// Destroy; keep it short and bounded.
type Observer func(ev model.RuntimeEvent)

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithClock replaces time.Now for creation and restart timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(r *Runtime) { r.observe = o }
}

type generation struct {
	inst engine.Instance
}

// Runtime owns exactly one live engine instance and replaces it on demand.
// At most one restart runs at a time.
type Runtime struct {
	key      string
	boundary engine.Boundary
	view     config.View
	logger   *slog.Logger
	now      func() time.Time
	observe  Observer

	current     atomic.Pointer[generation]
	createdAt   time.Time
	restartedAt atomic.Int64
	restarts    atomic.Int64
	restarting  atomic.Bool

	token *semaphore.Weighted
	wg    sync.WaitGroup

	mu         sync.Mutex
	dependents []Dependent
	destroyed  bool
}

// NewRuntime constructs the first engine instance for key. A construction
// failure returns a *ConstructionError and no runtime.
func NewRuntime(ctx context.Context, key string, b engine.Boundary, v config.View, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		key:      key,
		boundary: b,
		view:     v,
		logger:   slog.Default(),
		now:      time.Now,
		token:    semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(r)
	}

	// Taken before construction so a marker touched during boot is stale.
	r.createdAt = r.now()

	start := time.Now()
	inst, err := b.Construct(ctx, v)
	if err != nil {
		return nil, &ConstructionError{Runtime: key, Component: b.Name() + " engine", Err: err}
	}
	r.current.Store(&generation{inst: inst})
	activeRuntimes.Inc()

	r.logger.Info("created engine instance",
		"runtime", key,
		"engine", b.Name(),
		"instance_id", inst.ID(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	r.emit(model.EventCreated, inst.ID(), "", nil, time.Since(start))
	return r, nil
}

// Key returns the runtime's registry key.
func (r *Runtime) Key() string { return r.key }

// Engine returns the name of the runtime's engine boundary.
func (r *Runtime) Engine() string { return r.boundary.Name() }

// CreatedAt returns when the runtime started constructing its first instance.
func (r *Runtime) CreatedAt() time.Time { return r.createdAt }

// RestartedAt returns the trigger time of the last restart, if any.
func (r *Runtime) RestartedAt() (time.Time, bool) {
	ns := r.restartedAt.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// IsStale reports whether a marker modified at marker is newer than the
// last restart, or than creation if the runtime never restarted.
func (r *Runtime) IsStale(marker time.Time) bool {
	ref := r.createdAt
	if t, ok := r.RestartedAt(); ok {
		ref = t
	}
	return marker.After(ref)
}

// Current returns the published engine instance, or nil once destroyed.
func (r *Runtime) Current() engine.Instance {
	g := r.current.Load()
	if g == nil {
		return nil
	}
	return g.inst
}

// Register adds d to the set rebuilt on every restart. Registering twice
// has no effect.
func (r *Runtime) Register(d Dependent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.dependents, d) {
		r.dependents = append(r.dependents, d)
	}
}

// Unregister removes d. Unregistering an unknown dependent has no effect.
func (r *Runtime) Unregister(d Dependent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dependents = slices.DeleteFunc(r.dependents, func(x Dependent) bool { return x == d })
}

// Dependents returns a snapshot of the registered dependents in
// registration order.
func (r *Runtime) Dependents() []Dependent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.dependents)
}

// TriggerRestart starts a background restart and returns true, or returns
// false without effect when a restart is already running or the runtime was
// destroyed. It never blocks.
func (r *Runtime) TriggerRestart() bool {
	if r.Destroyed() {
		restartsTotal.WithLabelValues(outcomeRefused).Inc()
		r.logger.Debug("restart refused, runtime destroyed", "runtime", r.key)
		return false
	}
	if !r.token.TryAcquire(1) {
		restartsTotal.WithLabelValues(outcomeCoalesced).Inc()
		r.logger.Debug("restart already in progress", "runtime", r.key)
		return false
	}
	r.restarting.Store(true)

	triggeredAt := r.now()
	r.logger.Info("restart triggered", "runtime", r.key, "engine", r.boundary.Name())
	r.wg.Go(func() {
		r.restart(triggeredAt)
	})
	return true
}

// Restarting reports whether a restart is in flight.
func (r *Runtime) Restarting() bool { return r.restarting.Load() }

// Restarts returns the number of successfully published replacement instances.
func (r *Runtime) Restarts() int64 { return r.restarts.Load() }

// Wait blocks until in-flight restart goroutines finish.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

// restart runs on its own goroutine while holding the token.
func (r *Runtime) restart(triggeredAt time.Time) {
	defer r.token.Release(1)
	defer r.restarting.Store(false)
	defer func() {
		if p := recover(); p != nil {
			restartsTotal.WithLabelValues(outcomeFailed).Inc()
			r.logger.Error("restart panicked",
				"runtime", r.key,
				"error", &RestartError{Runtime: r.key, Err: fmt.Errorf("panic: %v", p)},
			)
		}
	}()

	ctx := context.Background()
	start := time.Now()

	prev := r.current.Load()
	r.emit(model.EventRestartStarted, prev.inst.ID(), "", nil, 0)

	inst, err := r.boundary.Construct(ctx, r.view)
	if err != nil {
		// The marker touch is consumed. Touch it again to retry.
		r.restartedAt.Store(triggeredAt.UnixNano())
		rerr := &RestartError{Runtime: r.key, Err: err}
		restartsTotal.WithLabelValues(outcomeFailed).Inc()
		r.logger.Error("restart failed, keeping current instance",
			"runtime", r.key,
			"instance_id", prev.inst.ID(),
			"error", rerr,
		)
		r.emit(model.EventRestartFailed, prev.inst.ID(), "", rerr, time.Since(start))
		return
	}

	old := r.current.Swap(&generation{inst: inst})
	r.restartedAt.Store(triggeredAt.UnixNano())
	r.restarts.Add(1)
	r.logger.Info("published new engine instance",
		"runtime", r.key,
		"instance_id", inst.ID(),
		"previous_instance_id", old.inst.ID(),
	)

	// The old instance outlives every dependent rebuild and is terminated
	// even if the sweep panics.
	defer r.terminate(ctx, old.inst)

	failed := 0
	for _, d := range r.Dependents() {
		if err := r.restartDependent(ctx, d); err != nil {
			failed++
		}
	}

	dur := time.Since(start)
	restartDuration.Observe(dur.Seconds())
	restartsTotal.WithLabelValues(outcomeCompleted).Inc()
	r.logger.Info("restart completed",
		"runtime", r.key,
		"instance_id", inst.ID(),
		"failed_dependents", failed,
		"duration_ms", dur.Milliseconds(),
	)
	r.emit(model.EventRestartCompleted, inst.ID(), "", nil, dur)
}

// restartDependent rebuilds d, converting errors and panics into a
// *RestartError so the sweep can continue.
func (r *Runtime) restartDependent(ctx context.Context, d Dependent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err == nil {
			return
		}
		rerr := &RestartError{Runtime: r.key, Dependent: d.Name(), Err: err}
		dependentFailures.Inc()
		r.logger.Error("dependent restart failed", "runtime", r.key, "dependent", d.Name(), "error", rerr)
		r.emit(model.EventDependentFailed, r.Current().ID(), d.Name(), rerr, 0)
		err = rerr
	}()
	return d.Restart(ctx)
}

// terminate releases inst through the boundary. Failures and panics are
// logged as a *TerminationError.
func (r *Runtime) terminate(ctx context.Context, inst engine.Instance) {
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		err = r.boundary.Terminate(ctx, inst)
	}()
	if err != nil {
		terminationFailures.Inc()
		r.logger.Warn("terminate engine instance",
			"runtime", r.key,
			"error", &TerminationError{Runtime: r.key, InstanceID: inst.ID(), Err: err},
		)
		return
	}
	r.logger.Info("terminated engine instance", "runtime", r.key, "instance_id", inst.ID())
}

// Destroy waits for any in-flight restart, then terminates the current
// instance. No restart can start afterwards. Calling Destroy again is a no-op.
func (r *Runtime) Destroy(ctx context.Context) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	r.dependents = nil
	r.mu.Unlock()

	// The token is never released, so later triggers are refused.
	_ = r.token.Acquire(context.WithoutCancel(ctx), 1)
	r.wg.Wait()

	g := r.current.Swap(nil)
	if g == nil {
		return
	}
	r.terminate(ctx, g.inst)
	activeRuntimes.Dec()
	r.emit(model.EventDestroyed, g.inst.ID(), "", nil, 0)
}

// Destroyed reports whether Destroy has been called.
func (r *Runtime) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

func (r *Runtime) emit(kind, instanceID, dependent string, err error, dur time.Duration) {
	if r.observe == nil {
		return
	}
	ev := model.RuntimeEvent{
		ID:         model.NewID(),
		Runtime:    r.key,
		Kind:       kind,
		Engine:     r.boundary.Name(),
		InstanceID: instanceID,
		Dependent:  dependent,
		CreatedAt:  r.now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if dur > 0 {
		ms := int(dur.Milliseconds())
		ev.DurationMS = &ms
	}
	r.observe(ev)
}
