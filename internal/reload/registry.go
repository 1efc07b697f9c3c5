package reload

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
)

// exclusiveKeySep separates the runtime name from the unique suffix of a
// private factory's key.
const exclusiveKeySep = "#"

// Registry publishes at most one shared Factory per key. It is passed to
// every component that needs a runtime.
type Registry struct {
	engines *engine.Registry
	logger  *slog.Logger
	opts    []Option

	sf singleflight.Group

	mu        sync.RWMutex
	factories map[string]*Factory
	private   map[string]*Factory
	closed    bool
}

// NewRegistry creates a registry that resolves engines from engines. The
// options are applied to every runtime it creates.
func NewRegistry(engines *engine.Registry, logger *slog.Logger, opts ...Option) *Registry {
	return &Registry{
		engines:   engines,
		logger:    logger,
		opts:      append([]Option{WithLogger(logger)}, opts...),
		factories: make(map[string]*Factory),
		private:   make(map[string]*Factory),
	}
}

// GetOrCreate returns the factory published under key, creating it from v
// on first use. Lookups of an existing key take only a read lock; concurrent
// first-time callers share a single engine construction.
func (r *Registry) GetOrCreate(ctx context.Context, key string, v config.View) (*Factory, error) {
	if f, ok, err := r.lookupShared(key); ok || err != nil {
		return f, err
	}

	res, err, _ := r.sf.Do(key, func() (any, error) {
		if f, ok, err := r.lookupShared(key); ok || err != nil {
			return f, err
		}

		// Shared by every waiting caller, so no single caller may cancel it.
		f, err := r.newFactory(context.WithoutCancel(ctx), key, v, false)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			f.shutdown(ctx)
			return nil, ErrRegistryClosed
		}
		f.registry = r
		r.factories[key] = f
		r.mu.Unlock()

		r.logger.Info("created shared runtime", "runtime", key, "engine", f.settings.Engine)
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Factory), nil
}

func (r *Registry) lookupShared(key string) (*Factory, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, false, ErrRegistryClosed
	}
	f, ok := r.factories[key]
	return f, ok, nil
}

// newFactory resolves the engine named in v and boots its runtime.
func (r *Registry) newFactory(ctx context.Context, key string, v config.View, exclusive bool) (*Factory, error) {
	settings, err := config.ParseRuntimeSettings(v)
	if err != nil {
		return nil, &ConstructionError{Runtime: key, Component: "runtime settings", Err: err}
	}
	b, err := r.engines.Resolve(settings.Engine)
	if err != nil {
		return nil, &ConstructionError{Runtime: key, Component: settings.Engine + " engine", Err: err}
	}
	rt, err := NewRuntime(ctx, key, b, v, r.opts...)
	if err != nil {
		return nil, err
	}
	return &Factory{
		key:       key,
		settings:  settings,
		runtime:   rt,
		exclusive: exclusive,
	}, nil
}

// Acquire attaches to the runtime selected by v and takes a reference. If d
// is non-nil it is registered for restart sweeps. The returned lease must be
// released exactly once; extra releases are ignored.
//
// With kiln.exclusive set, the lease owns a private runtime that is never
// shared with other components.
func (r *Registry) Acquire(ctx context.Context, v config.View, d Dependent) (*Lease, error) {
	settings, err := config.ParseRuntimeSettings(v)
	if err != nil {
		return nil, &ConstructionError{Runtime: config.GetDefault(v, config.KeyRuntime, config.DefaultRuntime), Component: "runtime settings", Err: err}
	}
	if settings.Exclusive {
		return r.acquireExclusive(ctx, settings.Runtime, v, d)
	}

	for {
		f, err := r.GetOrCreate(ctx, settings.Runtime, v)
		if err != nil {
			return nil, err
		}
		if err := f.Reference(); err != nil {
			if errors.Is(err, ErrDestroyed) {
				// Lost a race with the last release; the key is already forgotten.
				continue
			}
			return nil, err
		}
		if f.settings.Engine != settings.Engine || f.settings.AppRoot != settings.AppRoot {
			r.logger.Warn("reusing shared runtime with different settings",
				"runtime", f.key,
				"engine", f.settings.Engine,
				"app_root", f.settings.AppRoot,
				"requested_engine", settings.Engine,
				"requested_app_root", settings.AppRoot,
			)
		}
		if d != nil {
			f.Register(d)
		}
		return newLease(f, d), nil
	}
}

// acquireExclusive builds a private factory that no other Acquire can find.
func (r *Registry) acquireExclusive(ctx context.Context, name string, v config.View, d Dependent) (*Lease, error) {
	key := name + exclusiveKeySep + strings.ToLower(model.NewID())

	f, err := r.newFactory(ctx, key, v, true)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		f.shutdown(ctx)
		return nil, ErrRegistryClosed
	}
	f.registry = r
	r.private[key] = f
	r.mu.Unlock()

	if err := f.Reference(); err != nil {
		return nil, err
	}
	if d != nil {
		f.Register(d)
	}
	r.logger.Info("created exclusive runtime", "runtime", key, "engine", f.settings.Engine)
	return newLease(f, d), nil
}

// forget removes f if it is still the factory stored under its key.
func (r *Registry) forget(f *Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.factories
	if f.exclusive {
		m = r.private
	}
	if m[f.key] == f {
		delete(m, f.key)
	}
}

// Lookup returns the live factory under key, shared or exclusive.
func (r *Registry) Lookup(key string) (*Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.factories[key]; ok {
		return f, true
	}
	f, ok := r.private[key]
	return f, ok
}

// List describes every live runtime, sorted by key.
func (r *Registry) List() []RuntimeInfo {
	infos := make([]RuntimeInfo, 0)
	for _, f := range r.snapshot() {
		infos = append(infos, f.Info())
	}
	slices.SortFunc(infos, func(a, b RuntimeInfo) int {
		return strings.Compare(a.Key, b.Key)
	})
	return infos
}

func (r *Registry) snapshot() []*Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Factory, 0, len(r.factories)+len(r.private))
	for _, f := range r.factories {
		out = append(out, f)
	}
	for _, f := range r.private {
		out = append(out, f)
	}
	return out
}

// Close destroys every remaining runtime, regardless of outstanding leases,
// and refuses further acquisitions. Terminate wrappers before calling Close:
// a wrapper still initialized afterwards keeps its last child, bound to a
// terminated instance, and never restarts again. Terminating it later is
// safe and only destroys the child.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	fs := r.snapshot()

	r.mu.Lock()
	clear(r.factories)
	clear(r.private)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, f := range fs {
		wg.Go(func() {
			f.shutdown(ctx)
		})
	}
	wg.Wait()
}
