// Package enginetest provides an in-memory engine boundary for tests and the
// test server.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
)

// ErrTerminated is returned when a terminated instance is used.
var ErrTerminated = errors.New("engine instance terminated")

// InstanceHeader carries the serving instance ID on every response.
const InstanceHeader = "X-Kiln-Instance"

var _ engine.Boundary = (*Boundary)(nil)

// Boundary is an in-memory engine. Instances are numbered in construction order.
type Boundary struct {
	name string

	mu          sync.Mutex
	seq         int
	failErr     error
	gate        <-chan struct{}
	beforeServe func()
	instances   []*Instance
	terminated  map[string]int
}

// New creates an in-memory boundary registered under name.
func New(name string) *Boundary {
	return &Boundary{
		name:       name,
		terminated: make(map[string]int),
	}
}

// Name implements engine.Boundary.
func (b *Boundary) Name() string { return b.name }

// Construct implements engine.Boundary.
func (b *Boundary) Construct(ctx context.Context, v config.View) (engine.Instance, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return nil, b.failErr
	}
	b.seq++
	inst := &Instance{
		id:     fmt.Sprintf("%s-%d", b.name, b.seq),
		params: config.AllWithPrefix(v, config.PrefixEnv),
		owner:  b,
	}
	b.instances = append(b.instances, inst)
	return inst, nil
}

// Terminate implements engine.Boundary.
func (b *Boundary) Terminate(_ context.Context, inst engine.Instance) error {
	i, ok := inst.(*Instance)
	if !ok {
		return fmt.Errorf("enginetest: foreign instance %T", inst)
	}
	i.terminated.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.terminated[i.id]++
	return nil
}

// FailConstruct makes every later Construct return err. A nil err clears it.
func (b *Boundary) FailConstruct(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
}

// Gate makes every later Construct wait until gate is closed. A nil gate
// clears it.
func (b *Boundary) Gate(gate <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = gate
}

// BeforeServe makes every later Serve call fn before it checks whether the
// handler was closed. A nil fn clears it.
func (b *Boundary) BeforeServe(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.beforeServe = fn
}

// Constructs returns the number of successfully constructed instances.
func (b *Boundary) Constructs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.instances)
}

// Instances returns every constructed instance in construction order.
func (b *Boundary) Instances() []*Instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Instance(nil), b.instances...)
}

// Terminations returns how many times the instance with id was terminated.
func (b *Boundary) Terminations(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminated[id]
}

// Live returns the number of constructed instances not yet terminated.
func (b *Boundary) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	live := 0
	for _, inst := range b.instances {
		if b.terminated[inst.id] == 0 {
			live++
		}
	}
	return live
}

// Instance is an in-memory engine instance.
type Instance struct {
	id         string
	params     map[string]string
	owner      *Boundary
	terminated atomic.Bool
	handlers   atomic.Int32
}

// ID implements engine.Instance.
func (i *Instance) ID() string { return i.id }

// Env returns the kiln.env.* parameters the instance was built with.
func (i *Instance) Env() map[string]string { return i.params }

// Terminated reports whether the instance has been terminated.
func (i *Instance) Terminated() bool { return i.terminated.Load() }

// Handlers returns how many handlers were built on the instance.
func (i *Instance) Handlers() int { return int(i.handlers.Load()) }

// NewHandler implements engine.Instance.
func (i *Instance) NewHandler(_ context.Context, spec engine.HandlerSpec) (engine.Handler, error) {
	if i.Terminated() {
		return nil, ErrTerminated
	}
	i.handlers.Add(1)
	return &Handler{inst: i, spec: spec}, nil
}

// Handler echoes the application, instance and path of every request.
type Handler struct {
	inst   *Instance
	spec   engine.HandlerSpec
	closed atomic.Int32
}

// Instance returns the instance that built the handler.
func (h *Handler) Instance() *Instance { return h.inst }

// Closes returns how many times Close was called.
func (h *Handler) Closes() int { return int(h.closed.Load()) }

// Serve implements engine.Handler.
func (h *Handler) Serve(_ context.Context, req engine.Request) (engine.Response, error) {
	h.inst.owner.mu.Lock()
	before := h.inst.owner.beforeServe
	h.inst.owner.mu.Unlock()
	if before != nil {
		before()
	}

	if h.closed.Load() > 0 {
		return engine.Response{}, engine.ErrHandlerClosed
	}
	if h.inst.Terminated() {
		return engine.Response{}, ErrTerminated
	}
	if req.LogWriter != nil {
		req.LogWriter(fmt.Sprintf("%s %s", req.Method, req.Path))
	}
	hdr := make(http.Header)
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	hdr.Set(InstanceHeader, h.inst.id)
	return engine.Response{
		Status: http.StatusOK,
		Header: hdr,
		Body:   fmt.Appendf(nil, "%s %s %s", h.spec.App, h.inst.id, req.Path),
	}, nil
}

// Close implements engine.Handler.
func (h *Handler) Close(context.Context) error {
	h.closed.Add(1)
	return nil
}
