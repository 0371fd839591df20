package renderer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/charmbracelet/log"
	gl "github.com/go-gl/gl/v4.1-core/gl"

	"github.com/richinsley/goshaderpanel/graphics"
	"github.com/richinsley/goshaderpanel/pipeline"
	"github.com/richinsley/goshaderpanel/shader"
)

// Program is a linked scene program with its uniform block bound to
// shader.BlockBinding. It is the pipeline.Pipeline the render loop draws.
type Program struct {
	Scene string
	id    uint32
}

// Destroy deletes the program. Programs live in the shared object space, so
// the render context may delete what the builder context created.
func (p *Program) Destroy() {
	gl.DeleteProgram(p.id)
}

type buildJob struct {
	req   pipeline.Request
	reply chan buildResult
}

type buildResult struct {
	prog *Program
	err  error
}

// ProgramBuilder links programs on its own OS thread with a context shared
// with the render context, so a slow driver link never stalls a frame.
type ProgramBuilder struct {
	gctx graphics.Context
	jobs chan buildJob
	quit chan struct{}
	done chan struct{}
	once sync.Once
	log  *log.Logger
}

// NewProgramBuilder starts the build thread. shared must have been created
// with NewShared from the render context and not be current anywhere.
func NewProgramBuilder(shared graphics.Context) (*ProgramBuilder, error) {
	b := &ProgramBuilder{
		gctx: shared,
		jobs: make(chan buildJob),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		log:  log.WithPrefix("builder"),
	}
	ready := make(chan error, 1)
	go b.loop(ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return b, nil
}

func (b *ProgramBuilder) loop(ready chan<- error) {
	defer close(b.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	b.gctx.MakeCurrent()
	defer b.gctx.DetachCurrent()
	if err := initGL(); err != nil {
		ready <- err
		return
	}
	ready <- nil

	for {
		select {
		case <-b.quit:
			return
		case job := <-b.jobs:
			prog, err := b.link(job.req)
			job.reply <- buildResult{prog: prog, err: err}
		}
	}
}

// Build implements pipeline.Builder. A build abandoned through ctx still
// completes; its program is released with the context at shutdown.
func (b *ProgramBuilder) Build(ctx context.Context, req pipeline.Request) (pipeline.Pipeline, error) {
	job := buildJob{req: req, reply: make(chan buildResult, 1)}
	select {
	case b.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, errors.New("program builder is closed")
	}
	select {
	case res := <-job.reply:
		if res.err != nil {
			return nil, res.err
		}
		return res.prog, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *ProgramBuilder) link(req pipeline.Request) (*Program, error) {
	vs, fs := req.Vertex, req.Fragment
	id, err := newProgram(vs.Code, fs.Code,
		attribBinding{vs.Mapped(shader.PositionAttrib), 0},
		attribBinding{vs.Mapped(shader.TexCoordAttrib), 1},
	)
	if err != nil {
		return nil, fmt.Errorf("scene %s: %w", req.Scene, err)
	}

	index := uint32(gl.INVALID_INDEX)
	for _, name := range []string{fs.Mapped(shader.BlockName), shader.BlockName} {
		if index = gl.GetUniformBlockIndex(id, gl.Str(name+"\x00")); index != gl.INVALID_INDEX {
			break
		}
	}
	if index == gl.INVALID_INDEX {
		// The shader declares the block but never reads it.
		b.log.Debug("uniform block inactive", "scene", req.Scene)
	} else {
		var size int32
		gl.GetActiveUniformBlockiv(id, index, gl.UNIFORM_BLOCK_DATA_SIZE, &size)
		if size != shader.BlockSize {
			gl.DeleteProgram(id)
			return nil, fmt.Errorf("scene %s: uniform block %s is %d bytes, want %d", req.Scene, shader.BlockName, size, shader.BlockSize)
		}
		gl.UniformBlockBinding(id, index, shader.BlockBinding)
	}

	// The render context may use the program as soon as it is published.
	gl.Finish()
	if err := checkGL(); err != nil {
		gl.DeleteProgram(id)
		return nil, fmt.Errorf("scene %s: %w", req.Scene, err)
	}
	return &Program{Scene: req.Scene, id: id}, nil
}

// Close stops the build thread and detaches its context. The caller shuts
// the context down afterwards on the thread that created it.
func (b *ProgramBuilder) Close() {
	b.once.Do(func() { close(b.quit) })
	<-b.done
}
