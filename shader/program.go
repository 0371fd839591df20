package shader

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

type Stage int

const (
	Vertex Stage = iota
	Fragment
)

// String returns the stage name in the form the translator expects.
func (s Stage) String() string {
	switch s {
	case Vertex:
		return "vertex"
	case Fragment:
		return "fragment"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// StageFromPath infers the stage from a .vert or .frag extension.
func StageFromPath(path string) (Stage, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".vert":
		return Vertex, nil
	case ".frag":
		return Fragment, nil
	}
	return 0, fmt.Errorf("%s: cannot infer shader stage from extension", path)
}

// Artifact is the output of a successful compilation. It is immutable once
// handed to a Program.
type Artifact struct {
	Stage  Stage
	Source string
	Code   string
	// Variables maps declared names to the names in Code.
	Variables map[string]string
	Hash      [32]byte
	Version   uint64
}

// Mapped returns the name a declared variable has in the compiled code.
func (a *Artifact) Mapped(name string) string {
	if m, ok := a.Variables[name]; ok && m != "" {
		return m
	}
	return name
}

type Status int

const (
	Pending Status = iota
	Compiled
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Compiled:
		return "compiled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Program is one shader source file and its last known good artifact.
type Program struct {
	Name  string
	Path  string
	Stage Stage

	mu       sync.RWMutex
	status   Status
	artifact *Artifact
	err      error
	version  uint64
}

func NewProgram(name, path string, stage Stage) *Program {
	return &Program{Name: name, Path: path, Stage: stage}
}

// Snapshot is a consistent view of a Program.
type Snapshot struct {
	Status   Status
	Artifact *Artifact
	Err      error
}

func (p *Program) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{Status: p.status, Artifact: p.artifact, Err: p.err}
}

// Artifact returns the last good artifact, or nil if none compiled yet.
func (p *Program) Artifact() *Artifact {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.artifact
}

// SetCompiled installs a and stamps it with the next version. The Program
// owns a afterwards.
func (p *Program) SetCompiled(a *Artifact) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.version++
	a.Version = p.version
	p.artifact = a
	p.status = Compiled
	p.err = nil
}

// SetFailed records err. The previous artifact stays in place.
func (p *Program) SetFailed(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = Failed
	p.err = err
}
