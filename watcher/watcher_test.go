package watcher

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

func testOptions() Options {
	return Options{Debounce: 80 * time.Millisecond, Poll: 20 * time.Millisecond}
}

func start(t *testing.T, w *Watcher) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, w.Run(ctx))
	}()
	select {
	case <-w.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not start")
	}
	return func() {
		cancel()
		wg.Wait()
	}
}

func expectEvent(t *testing.T, w *Watcher, path string) {
	t.Helper()
	select {
	case ev := <-w.Events():
		assert.Equal(t, path, ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatalf("no event for %s", path)
	}
}

func expectQuiet(t *testing.T, w *Watcher, d time.Duration) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(d):
	}
}

func TestDebounceCollapsesBurst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waves.frag")
	require.NoError(t, os.WriteFile(path, []byte("v0"), 0o644))

	w, err := New([]string{path}, testOptions())
	require.NoError(t, err)
	defer start(t, w)()

	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0o644))
		time.Sleep(5 * time.Millisecond)
	}
	expectEvent(t, w, path)
	expectQuiet(t, w, 300*time.Millisecond)
}

func TestSeparateFilesSeparateEvents(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.frag")
	b := filepath.Join(dir, "b.frag")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{a, b, other} {
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}

	w, err := New([]string{a, b}, testOptions())
	require.NoError(t, err)
	defer start(t, w)()

	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("x"), 0o644))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-w.Events():
			got[ev.Path] = true
		case <-time.After(2 * time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, map[string]bool{a: true, b: true}, got)
	expectQuiet(t, w, 200*time.Millisecond)
}

func TestRenameReplaceIsAChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waves.frag")
	require.NoError(t, os.WriteFile(path, []byte("v0"), 0o644))

	w, err := New([]string{path}, testOptions())
	require.NoError(t, err)
	defer start(t, w)()

	tmp := filepath.Join(dir, ".waves.frag.swp")
	require.NoError(t, os.WriteFile(tmp, []byte("v1"), 0o644))
	require.NoError(t, os.Rename(tmp, path))
	expectEvent(t, w, path)
}

func TestMissingFileKeepsWatching(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "later.frag")

	w, err := New([]string{path}, testOptions())
	require.NoError(t, err)
	defer start(t, w)()

	require.NoError(t, os.WriteFile(path, []byte("v0"), 0o644))
	expectEvent(t, w, path)

	require.NoError(t, os.Remove(path))
	expectQuiet(t, w, 200*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	expectEvent(t, w, path)
}

func TestMissingDirectoryIsRetried(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shaders")
	path := filepath.Join(dir, "waves.frag")

	w, err := New([]string{path}, testOptions())
	require.NoError(t, err)
	defer start(t, w)()

	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(path, []byte("v0"), 0o644))
	expectEvent(t, w, path)
}

func TestRunIsRestartable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waves.frag")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	w, err := New([]string{path}, testOptions())
	require.NoError(t, err)

	stop := start(t, w)
	require.NoError(t, os.WriteFile(path, []byte("1"), 0o644))
	expectEvent(t, w, path)
	stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	assert.ErrorIs(t, w.Run(context.Background()), errRunning)

	require.NoError(t, os.WriteFile(path, []byte("2"), 0o644))
	expectEvent(t, w, path)
	cancel()
	assert.NoError(t, <-done)
}

func TestNewRequiresPaths(t *testing.T) {
	_, err := New(nil, DefaultOptions())
	assert.Error(t, err)
}
