package reload_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/engine/enginetest"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/reload"
)

const memEngine = "mem"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeClock is a settable clock safe for concurrent use.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// events collects runtime events.
type events struct {
	mu  sync.Mutex
	evs []model.RuntimeEvent
}

func (e *events) observe(ev model.RuntimeEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, ev)
}

func (e *events) kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.evs))
	for i, ev := range e.evs {
		out[i] = ev.Kind
	}
	return out
}

func newRegistry(t *testing.T, opts ...reload.Option) (*reload.Registry, *enginetest.Boundary) {
	t.Helper()
	b := enginetest.New(memEngine)
	reg := reload.NewRegistry(engine.NewRegistry(b), discardLogger(), opts...)
	t.Cleanup(func() { reg.Close(context.Background()) })
	return reg, b
}

func appView(root string, extra map[string]string) config.View {
	v := config.MapView{
		config.KeyAppRoot: root,
		config.KeyEngine:  memEngine,
	}
	for k, val := range extra {
		v[k] = val
	}
	return v
}

// child is the object a test wrapper publishes.
type child struct {
	inst      engine.Instance
	destroyed atomic.Int32
}

// childSpec builds children on the current instance. Builds fail while
// fail is set.
func childSpec(fail *atomic.Bool) reload.ChildSpec[*child] {
	return reload.ChildSpec[*child]{
		Build: func(_ context.Context, inst engine.Instance) (*child, error) {
			if fail != nil && fail.Load() {
				return nil, errors.New("build failed")
			}
			return &child{inst: inst}, nil
		},
		Destroy: func(_ context.Context, c *child) error {
			c.destroyed.Add(1)
			return nil
		},
	}
}

func newWrapper(t *testing.T, name string, reg *reload.Registry, fail *atomic.Bool) *reload.Wrapper[*child] {
	t.Helper()
	return reload.NewWrapper(name, reg, childSpec(fail), discardLogger())
}

func mustChild(t *testing.T, w *reload.Wrapper[*child]) *child {
	t.Helper()
	c, err := w.Child()
	require.NoError(t, err)
	return c
}

// fakeDependent records restarts and optionally fails or panics.
type fakeDependent struct {
	name     string
	err      error
	panicMsg string
	restarts atomic.Int32
}

func (d *fakeDependent) Name() string { return d.name }

func (d *fakeDependent) Restart(context.Context) error {
	d.restarts.Add(1)
	if d.panicMsg != "" {
		panic(d.panicMsg)
	}
	return d.err
}
