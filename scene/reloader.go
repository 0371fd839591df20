package scene

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"

	"github.com/richinsley/goshaderpanel/compiler"
	"github.com/richinsley/goshaderpanel/pipeline"
	"github.com/richinsley/goshaderpanel/shader"
	"github.com/richinsley/goshaderpanel/watcher"
)

// Submitter accepts pipeline build requests; *pipeline.Manager implements it.
type Submitter interface {
	Submit(req pipeline.Request)
}

// Reloader recompiles programs when their files change and asks for a new
// pipeline whenever the active scene is affected.
type Reloader struct {
	set      *Set
	compiler compiler.Compiler
	sub      Submitter
	events   <-chan watcher.Event
	log      *log.Logger
}

func NewReloader(set *Set, c compiler.Compiler, sub Submitter, events <-chan watcher.Event) *Reloader {
	return &Reloader{set: set, compiler: c, sub: sub, events: events, log: log.WithPrefix("reload")}
}

// Run compiles every program, submits the active scene and then follows file
// changes and scene switches until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	for _, p := range r.set.Programs() {
		r.compile(ctx, p)
	}
	r.submitActive()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.events:
			progs := r.set.Lookup(ev.Path)
			affected := false
			for _, p := range progs {
				if !r.compile(ctx, p) {
					continue
				}
				if p == r.set.Vertex || p == r.set.Active() {
					affected = true
				}
			}
			if affected {
				r.submitActive()
			}
		case <-r.set.Changed():
			r.log.Info("switching scene", "scene", r.set.Active().Name)
			r.submitActive()
		}
	}
}

// compile reports whether p has a new artifact.
func (r *Reloader) compile(ctx context.Context, p *shader.Program) bool {
	a, err := r.compiler.Compile(ctx, p.Stage, p.Path)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.SetFailed(err)
		var ce *compiler.CompileError
		if errors.As(err, &ce) {
			r.log.Errorf("%s failed to compile, keeping the last good version\n%s", p.Name, ce.Log)
		} else {
			r.log.Error("cannot compile", "program", p.Name, "err", err)
		}
		return false
	}

	snap := p.Snapshot()
	if snap.Status == shader.Compiled && snap.Artifact.Hash == a.Hash {
		r.log.Debug("source unchanged", "program", p.Name)
		return false
	}
	p.SetCompiled(a)
	r.log.Info("compiled", "program", p.Name, "version", a.Version)
	return true
}

func (r *Reloader) submitActive() {
	scene := r.set.Active()
	v, f := r.set.Vertex.Artifact(), scene.Artifact()
	if v == nil || f == nil {
		r.log.Warn("scene has no compiled version yet", "scene", scene.Name)
		return
	}
	r.sub.Submit(pipeline.Request{Scene: scene.Name, Vertex: v, Fragment: f})
}
