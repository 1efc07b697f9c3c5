package reload

import (
	"context"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/config"
)

// Factory owns one Runtime and counts the components referencing it. The
// runtime is destroyed exactly once, when the last reference is dropped.
type Factory struct {
	key       string
	settings  config.RuntimeSettings
	runtime   *Runtime
	exclusive bool
	registry  *Registry

	mu        sync.Mutex
	refs      int
	destroyed bool
}

// Key returns the key the factory is registered under.
func (f *Factory) Key() string { return f.key }

// Runtime returns the owned runtime.
func (f *Factory) Runtime() *Runtime { return f.runtime }

// Exclusive reports whether the factory is private to one component.
func (f *Factory) Exclusive() bool { return f.exclusive }

// Refs returns the current reference count.
func (f *Factory) Refs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs
}

// Destroyed reports whether the runtime has been torn down.
func (f *Factory) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// Reference takes one reference. It fails with ErrDestroyed once the
// factory has been destroyed.
func (f *Factory) Reference() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return ErrDestroyed
	}
	f.refs++
	return nil
}

// Unreference drops one reference and destroys the runtime when the count
// reaches zero. Each Reference must be matched by exactly one Unreference.
func (f *Factory) Unreference(ctx context.Context) error {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return ErrDestroyed
	}
	f.refs--
	if f.refs > 0 {
		f.mu.Unlock()
		return nil
	}
	f.destroyed = true
	// Forget before unlocking so no lookup can return a destroyed factory.
	if f.registry != nil {
		f.registry.forget(f)
	}
	f.mu.Unlock()

	f.runtime.Destroy(ctx)
	return nil
}

// shutdown destroys the runtime regardless of outstanding references.
func (f *Factory) shutdown(ctx context.Context) {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.destroyed = true
	f.mu.Unlock()

	f.runtime.Destroy(ctx)
}

// Register adds d to the runtime's restart sweep.
func (f *Factory) Register(d Dependent) { f.runtime.Register(d) }

// Unregister removes d from the runtime's restart sweep.
func (f *Factory) Unregister(d Dependent) { f.runtime.Unregister(d) }

// MarkerPath returns the restart marker watched for this runtime.
func (f *Factory) MarkerPath() string { return f.settings.MarkerPath() }

// CheckRestart triggers a restart when the marker file is newer than the
// runtime's last restart. It never blocks and reports whether a restart was
// started.
func (f *Factory) CheckRestart() bool {
	mtime, ok := ModTime(f.MarkerPath())
	if !ok || !f.runtime.IsStale(mtime) {
		return false
	}
	return f.runtime.TriggerRestart()
}

// Info returns a snapshot of the factory and its runtime.
func (f *Factory) Info() RuntimeInfo {
	rt := f.runtime
	info := RuntimeInfo{
		Key:        f.key,
		Engine:     rt.Engine(),
		AppRoot:    f.settings.AppRoot,
		Marker:     f.MarkerPath(),
		Exclusive:  f.exclusive,
		Refs:       f.Refs(),
		CreatedAt:  rt.CreatedAt().UTC(),
		Restarts:   rt.Restarts(),
		Restarting: rt.Restarting(),
		Destroyed:  f.Destroyed(),
	}
	if inst := rt.Current(); inst != nil {
		info.InstanceID = inst.ID()
	}
	if t, ok := rt.RestartedAt(); ok {
		t = t.UTC()
		info.RestartedAt = &t
	}
	if mtime, ok := ModTime(info.Marker); ok {
		info.Stale = rt.IsStale(mtime)
	}
	for _, d := range rt.Dependents() {
		info.Dependents = append(info.Dependents, d.Name())
	}
	return info
}

// RuntimeInfo describes a runtime for the admin API.
type RuntimeInfo struct {
	Key         string     `json:"key"`
	Engine      string     `json:"engine"`
	InstanceID  string     `json:"instance_id,omitempty"`
	AppRoot     string     `json:"app_root"`
	Marker      string     `json:"marker"`
	Exclusive   bool       `json:"exclusive"`
	Refs        int        `json:"refs"`
	Dependents  []string   `json:"dependents"`
	CreatedAt   time.Time  `json:"created_at"`
	RestartedAt *time.Time `json:"restarted_at,omitempty"`
	Restarts    int64      `json:"restarts"`
	Restarting  bool       `json:"restarting"`
	Stale       bool       `json:"stale"`
	Destroyed   bool       `json:"destroyed"`
}
