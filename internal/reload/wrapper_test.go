package reload_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/reload"
)

func TestWrapper_Lifecycle(t *testing.T) {
	reg, b := newRegistry(t)
	w := newWrapper(t, "app", reg, nil)

	_, err := w.Child()
	assert.ErrorIs(t, err, reload.ErrNotInitialized)
	assert.False(t, w.CheckRestart())
	assert.ErrorIs(t, w.Terminate(context.Background()), reload.ErrInvalidTransition)

	require.NoError(t, w.Initialize(context.Background(), appView(t.TempDir(), nil)))
	assert.Equal(t, model.StateInitialized, w.State())
	c := mustChild(t, w)
	assert.Equal(t, b.Instances()[0].ID(), c.inst.ID())
	assert.ErrorIs(t, w.Initialize(context.Background(), appView(t.TempDir(), nil)), reload.ErrInvalidTransition)

	f := w.Factory()
	require.NotNil(t, f)
	assert.Equal(t, []string{"app"}, f.Info().Dependents)

	require.NoError(t, w.Terminate(context.Background()))
	assert.Equal(t, model.StateDestroyed, w.State())
	assert.Equal(t, int32(1), c.destroyed.Load())
	assert.True(t, f.Destroyed(), "last reference destroys the runtime")
	assert.Equal(t, 0, b.Live())
	assert.Nil(t, w.Factory())

	assert.ErrorIs(t, w.Terminate(context.Background()), reload.ErrInvalidTransition)
	assert.Equal(t, int32(1), c.destroyed.Load())
}

func TestWrapper_RestartRebuildsEveryDependent(t *testing.T) {
	reg, b := newRegistry(t)
	v := appView(t.TempDir(), nil)

	wrappers := make([]*reload.Wrapper[*child], 3)
	before := make([]*child, 3)
	for i := range wrappers {
		wrappers[i] = newWrapper(t, "app"+string(rune('a'+i)), reg, nil)
		require.NoError(t, wrappers[i].Initialize(context.Background(), v))
		before[i] = mustChild(t, wrappers[i])
	}

	rt := wrappers[0].Factory().Runtime()
	old := rt.Current()
	require.True(t, rt.TriggerRestart())
	rt.Wait()

	for i, w := range wrappers {
		after := mustChild(t, w)
		assert.NotSame(t, before[i], after, "wrapper %d must publish a new child", i)
		assert.Equal(t, rt.Current().ID(), after.inst.ID())
		assert.Equal(t, int32(1), before[i].destroyed.Load(), "old child destroyed exactly once")
		assert.Equal(t, int32(0), after.destroyed.Load())
	}
	assert.Equal(t, 1, b.Terminations(old.ID()))
}

func TestWrapper_FailingDependentKeepsPreviousChild(t *testing.T) {
	reg, b := newRegistry(t)
	v := appView(t.TempDir(), nil)

	var failB atomic.Bool
	a := newWrapper(t, "a", reg, nil)
	bw := newWrapper(t, "b", reg, &failB)
	c := newWrapper(t, "c", reg, nil)
	for _, w := range []*reload.Wrapper[*child]{a, bw, c} {
		require.NoError(t, w.Initialize(context.Background(), v))
	}
	oldA, oldB, oldC := mustChild(t, a), mustChild(t, bw), mustChild(t, c)

	rt := a.Factory().Runtime()
	oldInst := rt.Current()
	failB.Store(true)
	require.True(t, rt.TriggerRestart())
	rt.Wait()

	assert.NotSame(t, oldA, mustChild(t, a))
	assert.NotSame(t, oldC, mustChild(t, c))
	assert.Same(t, oldB, mustChild(t, bw), "failed rebuild keeps the previous child")
	assert.Equal(t, int32(0), oldB.destroyed.Load())
	assert.Equal(t, 1, b.Terminations(oldInst.ID()), "old instance terminated exactly once after the sweep")
	assert.Equal(t, model.StateInitialized, bw.State())
}

func TestWrapper_InitializeEngineFailureLeavesNoReference(t *testing.T) {
	reg, b := newRegistry(t)
	b.FailConstruct(errors.New("boot failed"))
	w := newWrapper(t, "app", reg, nil)

	err := w.Initialize(context.Background(), appView(t.TempDir(), nil))

	var cerr *reload.ConstructionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, model.StateUninitialized, w.State())
	assert.Nil(t, w.Factory())
	assert.Empty(t, reg.List(), "no factory was published or referenced")

	b.FailConstruct(nil)
	require.NoError(t, w.Initialize(context.Background(), appView(t.TempDir(), nil)), "initialize may be retried")
	require.NoError(t, w.Terminate(context.Background()))
}

func TestWrapper_InitializeChildFailureReleasesRuntime(t *testing.T) {
	reg, b := newRegistry(t)
	var fail atomic.Bool
	fail.Store(true)
	w := newWrapper(t, "app", reg, &fail)

	err := w.Initialize(context.Background(), appView(t.TempDir(), nil))

	var cerr *reload.ConstructionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "app", cerr.Component)
	assert.Equal(t, model.StateUninitialized, w.State())
	assert.Empty(t, reg.List())
	assert.Equal(t, 0, b.Live(), "the runtime created for the failed wrapper was destroyed")
}

func TestWrapper_ConcurrentChecksStartOneRestart(t *testing.T) {
	clock := newFakeClock(time.Now().Add(-time.Hour))
	reg, b := newRegistry(t, reload.WithClock(clock.Now))
	root := t.TempDir()
	w := newWrapper(t, "app", reg, nil)
	require.NoError(t, w.Initialize(context.Background(), appView(root, nil)))

	require.NoError(t, reload.Touch(filepath.Join(root, config.DefaultWatchFile)))

	gate := make(chan struct{})
	b.Gate(gate)

	var started atomic.Int32
	var served atomic.Int32
	var wg sync.WaitGroup
	for range 2 {
		wg.Go(func() {
			if w.CheckRestart() {
				started.Add(1)
			}
			c, err := w.Child()
			if assert.NoError(t, err) && !c.inst.(interface{ Terminated() bool }).Terminated() {
				served.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, int32(2), served.Load(), "requests are served by the published child during the restart")

	close(gate)
	w.Factory().Runtime().Wait()
	assert.Equal(t, 2, b.Constructs())
	assert.Equal(t, b.Instances()[1].ID(), mustChild(t, w).inst.ID())
}

func TestWrapper_CheckRestartIgnoresMissingOrOldMarker(t *testing.T) {
	reg, _ := newRegistry(t)
	root := t.TempDir()
	w := newWrapper(t, "app", reg, nil)
	require.NoError(t, w.Initialize(context.Background(), appView(root, nil)))

	assert.False(t, w.CheckRestart(), "missing marker is never stale")

	marker := filepath.Join(root, config.DefaultWatchFile)
	require.NoError(t, reload.Touch(marker))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, chtimes(marker, past))
	assert.False(t, w.CheckRestart(), "marker older than the runtime is not stale")
}

func TestWrapper_ExclusiveRuntimesAreIndependent(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg, b := newRegistry(t, reload.WithClock(func() time.Time {
		clock.Advance(time.Second)
		return clock.Now()
	}))
	v := appView(t.TempDir(), map[string]string{config.KeyExclusive: "true"})

	w1 := newWrapper(t, "one", reg, nil)
	w2 := newWrapper(t, "two", reg, nil)
	require.NoError(t, w1.Initialize(context.Background(), v))
	require.NoError(t, w2.Initialize(context.Background(), v))

	f1, f2 := w1.Factory(), w2.Factory()
	require.NotSame(t, f1, f2)
	assert.True(t, f1.Exclusive())
	assert.NotEqual(t, f1.Key(), f2.Key())
	assert.NotEqual(t, f1.Runtime().CreatedAt(), f2.Runtime().CreatedAt())
	assert.Equal(t, 2, b.Constructs())

	_, err := reg.GetOrCreate(context.Background(), config.DefaultRuntime, appView(t.TempDir(), nil))
	require.NoError(t, err)
	assert.Equal(t, 3, b.Constructs(), "exclusive runtimes are never returned by shared lookups")

	before2 := mustChild(t, w2)
	require.True(t, f1.Runtime().TriggerRestart())
	require.True(t, f2.Runtime().TriggerRestart(), "each private runtime has its own restart token")
	f1.Runtime().Wait()
	f2.Runtime().Wait()
	assert.NotSame(t, before2, mustChild(t, w2))

	require.NoError(t, w1.Terminate(context.Background()))
	assert.True(t, f1.Destroyed())
	assert.False(t, f2.Destroyed())
	require.NoError(t, w2.Terminate(context.Background()))
}

func TestWrapper_TerminateDuringRestart(t *testing.T) {
	reg, b := newRegistry(t)
	w := newWrapper(t, "app", reg, nil)
	require.NoError(t, w.Initialize(context.Background(), appView(t.TempDir(), nil)))
	rt := w.Factory().Runtime()

	gate := make(chan struct{})
	b.Gate(gate)
	require.True(t, rt.TriggerRestart())

	done := make(chan error, 1)
	go func() { done <- w.Terminate(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	close(gate)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("terminate deadlocked with an in-flight restart")
	}
	assert.Equal(t, 0, b.Live())
}

func TestWrapper_TerminateAfterRegistryClose(t *testing.T) {
	reg, b := newRegistry(t)
	root := t.TempDir()
	w := newWrapper(t, "app", reg, nil)
	require.NoError(t, w.Initialize(context.Background(), appView(root, nil)))
	c := mustChild(t, w)

	reg.Close(context.Background())
	assert.Equal(t, 0, b.Live())
	assert.Equal(t, model.StateInitialized, w.State())

	marker := filepath.Join(root, "tmp", "restart.txt")
	require.NoError(t, reload.Touch(marker))
	assert.False(t, w.CheckRestart(), "a destroyed runtime never restarts")
	assert.Len(t, b.Instances(), 1)

	require.NoError(t, w.Terminate(context.Background()))
	assert.Equal(t, model.StateDestroyed, w.State())
	assert.Equal(t, int32(1), c.destroyed.Load())
}
