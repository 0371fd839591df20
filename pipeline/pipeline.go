// Package pipeline owns the GPU pipeline the render loop draws with and
// replaces it when new shader artifacts arrive.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/richinsley/goshaderpanel/shader"
)

// Pipeline is a fully linked, ready to draw GPU object. Destroy is only
// called on the render thread.
type Pipeline interface {
	Destroy()
}

// Request describes the pipeline to build for one scene.
type Request struct {
	Scene    string
	Vertex   *shader.Artifact
	Fragment *shader.Artifact
}

func (r Request) valid() bool {
	return r.Vertex != nil && r.Fragment != nil
}

// Builder constructs pipelines. Build runs on the manager's goroutine, never
// on the render thread, and must return either a complete pipeline or an
// error.
type Builder interface {
	Build(ctx context.Context, req Request) (Pipeline, error)
}

type State int

const (
	NoPipeline State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "no pipeline"
}

type current struct {
	p   Pipeline
	req Request
	gen uint64
}

// Manager holds the active pipeline. Active is a single atomic load, so the
// render loop never waits on a build.
type Manager struct {
	builder Builder
	log     *log.Logger

	active atomic.Pointer[current]
	gen    atomic.Uint64

	mu      sync.Mutex
	next    *Request
	lastErr error
	retired []Pipeline
	wake    chan struct{}
}

func NewManager(b Builder) *Manager {
	return &Manager{
		builder: b,
		log:     log.WithPrefix("pipeline"),
		wake:    make(chan struct{}, 1),
	}
}

// Active returns the pipeline to draw with, or nil before the first
// successful build.
func (m *Manager) Active() Pipeline {
	if c := m.active.Load(); c != nil {
		return c.p
	}
	return nil
}

// ActiveRequest returns what the active pipeline was built from.
func (m *Manager) ActiveRequest() (Request, bool) {
	if c := m.active.Load(); c != nil {
		return c.req, true
	}
	return Request{}, false
}

// Generation counts successful swaps.
func (m *Manager) Generation() uint64 { return m.gen.Load() }

func (m *Manager) State() State {
	if m.active.Load() == nil {
		return NoPipeline
	}
	return Active
}

// LastError returns the error of the most recent build, nil after a success.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// TrySwap makes p the active pipeline. The previous one is retired and
// destroyed by the next Collect. A nil pipeline is refused.
func (m *Manager) TrySwap(p Pipeline, req Request) bool {
	if p == nil {
		return false
	}
	gen := m.gen.Add(1)
	old := m.active.Swap(&current{p: p, req: req, gen: gen})
	if old != nil {
		m.mu.Lock()
		m.retired = append(m.retired, old.p)
		m.mu.Unlock()
	}
	return true
}

// Submit queues req for building. Only the latest submission is kept.
func (m *Manager) Submit(req Request) {
	m.mu.Lock()
	m.next = &req
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run builds submitted requests until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
		}
		m.mu.Lock()
		req := m.next
		m.next = nil
		m.mu.Unlock()
		if req == nil {
			continue
		}
		m.build(ctx, *req)
	}
}

func (m *Manager) build(ctx context.Context, req Request) {
	if !req.valid() {
		m.setErr(errors.New("pipeline request is missing a stage"))
		m.log.Warn("skipping incomplete build", "scene", req.Scene)
		return
	}
	p, err := m.builder.Build(ctx, req)
	if err != nil {
		m.setErr(err)
		if ctx.Err() == nil {
			m.log.Error("build failed, keeping the active pipeline", "scene", req.Scene, "err", err)
		}
		return
	}
	m.setErr(nil)
	m.TrySwap(p, req)
	m.log.Info("pipeline swapped", "scene", req.Scene, "generation", m.Generation(),
		"vertex", req.Vertex.Version, "fragment", req.Fragment.Version)
}

func (m *Manager) setErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// Collect destroys retired pipelines. Call it on the render thread between
// frames.
func (m *Manager) Collect() {
	m.mu.Lock()
	retired := m.retired
	m.retired = nil
	m.mu.Unlock()
	for _, p := range retired {
		p.Destroy()
	}
}

// Close destroys every pipeline, active included. Call it on the render
// thread after the loop exits.
func (m *Manager) Close() {
	if c := m.active.Swap(nil); c != nil {
		m.mu.Lock()
		m.retired = append(m.retired, c.p)
		m.mu.Unlock()
	}
	m.Collect()
}
