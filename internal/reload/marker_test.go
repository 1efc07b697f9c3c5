package reload_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/reload"
)

func chtimes(path string, t time.Time) error {
	return os.Chtimes(path, t, t)
}

func TestTouchCreatesAndBumpsMarker(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "tmp", "restart.txt")

	_, ok := reload.ModTime(marker)
	assert.False(t, ok)

	require.NoError(t, reload.Touch(marker))
	first, ok := reload.ModTime(marker)
	require.True(t, ok)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, chtimes(marker, past))
	require.NoError(t, reload.Touch(marker))
	second, ok := reload.ModTime(marker)
	require.True(t, ok)
	assert.True(t, second.After(past))
	assert.False(t, second.Before(first.Add(-time.Second)))
}

// countingChecker counts CheckRestart calls.
type countingChecker struct {
	calls atomic.Int32
}

func (c *countingChecker) CheckRestart() bool {
	c.calls.Add(1)
	return true
}

func TestWatcherFiresOnTouch(t *testing.T) {
	w, err := reload.NewWatcher(discardLogger())
	require.NoError(t, err)

	marker := filepath.Join(t.TempDir(), "tmp", "restart.txt")
	other := filepath.Join(filepath.Dir(marker), "other.txt")
	c := &countingChecker{}
	require.NoError(t, w.Add(marker, c))
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))
	require.NoError(t, reload.Touch(marker))

	require.Eventually(t, func() bool { return c.calls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestWatcherRestartsWrapperWithoutRequests(t *testing.T) {
	clock := newFakeClock(time.Now().Add(-time.Hour))
	reg, b := newRegistry(t, reload.WithClock(clock.Now))
	root := t.TempDir()
	wr := newWrapper(t, "app", reg, nil)
	require.NoError(t, wr.Initialize(context.Background(), appView(root, nil)))
	defer wr.Terminate(context.Background())

	w, err := reload.NewWatcher(discardLogger())
	require.NoError(t, err)
	require.NoError(t, w.Add(wr.Factory().MarkerPath(), wr))
	w.Start()
	defer w.Stop()

	require.NoError(t, reload.Touch(filepath.Join(root, config.DefaultWatchFile)))

	require.Eventually(t, func() bool { return b.Constructs() >= 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestWatcherStopWithoutStart(t *testing.T) {
	w, err := reload.NewWatcher(discardLogger())
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
}
