package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_DetectsWriteAndRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agenthub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 8080\n"), 0o644))

	w := NewWatcher(path, WithPollInterval(10*time.Millisecond), WithDebounce(10*time.Millisecond))

	var mu sync.Mutex
	var events []FileEvent
	w.OnChange(func(e FileEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// 确保修改时间可区分
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.Chtimes(path, time.Now(), time.Now().Add(time.Second)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 1 && events[0].Op == FileOpWrite
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 2 && events[len(events)-1].Op == FileOpRemove
	}, time.Second, 10*time.Millisecond)
}

func TestWatcher_DetectsCreation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "late.yaml")

	w := NewWatcher(path, WithPollInterval(10*time.Millisecond), WithDebounce(10*time.Millisecond))

	var mu sync.Mutex
	var created bool
	w.OnChange(func(e FileEvent) {
		mu.Lock()
		if e.Op == FileOpCreate {
			created = true
		}
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return created
	}, time.Second, 10*time.Millisecond)
}

func TestWatcher_DoubleStartFails(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "x.yaml"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	assert.Error(t, w.Start(ctx))
}
