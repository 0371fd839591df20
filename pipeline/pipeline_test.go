package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/goshaderpanel/shader"
)

type fakePipeline struct {
	req       Request
	destroyed atomic.Bool
}

func (p *fakePipeline) Destroy() { p.destroyed.Store(true) }

type fakeBuilder struct {
	mu    sync.Mutex
	fail  map[*shader.Artifact]error
	built []*fakePipeline
	gate  chan struct{}
}

func (b *fakeBuilder) Build(ctx context.Context, req Request) (Pipeline, error) {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail[req.Fragment]; err != nil {
		return nil, err
	}
	p := &fakePipeline{req: req}
	b.built = append(b.built, p)
	return p, nil
}

func artifact(code string) *shader.Artifact {
	return &shader.Artifact{Code: code}
}

func run(t *testing.T, m *Manager) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, m.Run(ctx))
	}()
	return func() {
		cancel()
		<-done
	}
}

func activeFragment(m *Manager) *shader.Artifact {
	if p, ok := m.Active().(*fakePipeline); ok {
		return p.req.Fragment
	}
	return nil
}

func TestManagerStartsEmpty(t *testing.T) {
	m := NewManager(&fakeBuilder{})
	assert.Nil(t, m.Active())
	assert.Equal(t, NoPipeline, m.State())
	assert.Zero(t, m.Generation())
	assert.False(t, m.TrySwap(nil, Request{}))
}

func TestManagerSwapsOnSuccess(t *testing.T) {
	b := &fakeBuilder{}
	m := NewManager(b)
	defer run(t, m)()

	vert, frag1, frag2 := artifact("v"), artifact("f1"), artifact("f2")
	m.Submit(Request{Scene: "waves", Vertex: vert, Fragment: frag1})
	require.Eventually(t, func() bool { return activeFragment(m) == frag1 }, time.Second, time.Millisecond)
	assert.Equal(t, Active, m.State())
	first := m.Active().(*fakePipeline)

	m.Submit(Request{Scene: "waves", Vertex: vert, Fragment: frag2})
	require.Eventually(t, func() bool { return activeFragment(m) == frag2 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(2), m.Generation())

	assert.False(t, first.destroyed.Load(), "retired pipelines wait for Collect")
	m.Collect()
	assert.True(t, first.destroyed.Load())
	assert.False(t, m.Active().(*fakePipeline).destroyed.Load())
}

func TestManagerKeepsActiveOnFailure(t *testing.T) {
	bad := artifact("broken")
	buildErr := errors.New("link failed: undefined symbol")
	b := &fakeBuilder{fail: map[*shader.Artifact]error{bad: buildErr}}
	m := NewManager(b)
	defer run(t, m)()

	good := artifact("good")
	m.Submit(Request{Vertex: artifact("v"), Fragment: good})
	require.Eventually(t, func() bool { return activeFragment(m) == good }, time.Second, time.Millisecond)

	m.Submit(Request{Vertex: artifact("v"), Fragment: bad})
	require.Eventually(t, func() bool { return m.LastError() != nil }, time.Second, time.Millisecond)
	assert.ErrorIs(t, m.LastError(), buildErr)
	assert.Same(t, good, activeFragment(m))
	assert.Equal(t, uint64(1), m.Generation())
}

func TestManagerLatestSubmissionWins(t *testing.T) {
	b := &fakeBuilder{gate: make(chan struct{})}
	m := NewManager(b)
	defer run(t, m)()

	vert := artifact("v")
	first := artifact("1")
	m.Submit(Request{Vertex: vert, Fragment: first})
	// The first build is now blocked in the builder; these two collapse.
	time.Sleep(20 * time.Millisecond)
	m.Submit(Request{Vertex: vert, Fragment: artifact("2")})
	last := artifact("3")
	m.Submit(Request{Vertex: vert, Fragment: last})

	b.gate <- struct{}{}
	b.gate <- struct{}{}
	require.Eventually(t, func() bool { return activeFragment(m) == last }, time.Second, time.Millisecond)

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.built, 2)
	assert.Same(t, first, b.built[0].req.Fragment)
}

func TestManagerRejectsIncompleteRequest(t *testing.T) {
	m := NewManager(&fakeBuilder{})
	defer run(t, m)()

	m.Submit(Request{Fragment: artifact("f")})
	require.Eventually(t, func() bool { return m.LastError() != nil }, time.Second, time.Millisecond)
	assert.Nil(t, m.Active())
}

func TestManagerCloseDestroysEverything(t *testing.T) {
	m := NewManager(&fakeBuilder{})
	a, b := &fakePipeline{}, &fakePipeline{}
	require.True(t, m.TrySwap(a, Request{}))
	require.True(t, m.TrySwap(b, Request{}))

	m.Close()
	assert.True(t, a.destroyed.Load())
	assert.True(t, b.destroyed.Load())
	assert.Equal(t, NoPipeline, m.State())
}

func TestActiveNeverObservesPartialSwap(t *testing.T) {
	m := NewManager(&fakeBuilder{})
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			p, _ := m.Active().(*fakePipeline)
			if p != nil && p.req.Fragment == nil {
				t.Error("observed a pipeline without its fragment stage")
				return
			}
		}
	}()
	for i := 0; i < 1000; i++ {
		m.TrySwap(&fakePipeline{req: Request{Vertex: artifact("v"), Fragment: artifact("f")}}, Request{})
		m.Collect()
	}
	close(stop)
	wg.Wait()
}
