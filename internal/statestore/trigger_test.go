package statestore

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/pkg/logging"
)

func TestTriggerWatcher_FiresAfterDebounceAndRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recalculate.bot.trigger")

	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	var fired atomic.Int32
	w := NewTriggerWatcher(path, 5*time.Millisecond, 20*time.Millisecond, func(ctx context.Context) {
		fired.Add(1)
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte{}, 0o644))

	require.Eventually(t, func() bool {
		return fired.Load() == 1
	}, time.Second, 5*time.Millisecond, "trigger callback should fire once after debounce")

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond, "trigger file should be removed after firing")
}

func TestTriggerWatcher_CancelledBeforeDebounceNeverFires(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recalculate.bot2.trigger")

	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	var fired atomic.Int32
	w := NewTriggerWatcher(path, 5*time.Millisecond, 200*time.Millisecond, func(ctx context.Context) {
		fired.Add(1)
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte{}, 0o644))
	time.Sleep(30 * time.Millisecond)
	cancel()
	time.Sleep(250 * time.Millisecond)

	assert.Equal(t, int32(0), fired.Load())
}

func TestTriggerWatcher_FileRemovedBeforeDebounceCancelsFire(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recalculate.bot3.trigger")

	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	var fired atomic.Int32
	w := NewTriggerWatcher(path, 5*time.Millisecond, 100*time.Millisecond, func(ctx context.Context) {
		fired.Add(1)
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte{}, 0o644))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.Remove(path))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
