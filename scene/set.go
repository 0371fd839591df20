// Package scene groups shader programs into switchable scenes and keeps the
// active scene's pipeline in sync with the files on disk.
package scene

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/richinsley/goshaderpanel/shader"
)

// Set is one vertex program shared by every scene plus one fragment program
// per scene.
type Set struct {
	Vertex *shader.Program
	Scenes []*shader.Program

	active  atomic.Int32
	changed chan struct{}
}

// NewSet names each scene after its file name without the extension.
func NewSet(vertexPath string, fragmentPaths []string) (*Set, error) {
	if len(fragmentPaths) == 0 {
		return nil, errors.New("at least one fragment shader is required")
	}
	abs, err := filepath.Abs(vertexPath)
	if err != nil {
		return nil, err
	}
	s := &Set{
		Vertex:  shader.NewProgram(baseName(abs), abs, shader.Vertex),
		changed: make(chan struct{}, 1),
	}
	seen := make(map[string]bool)
	for _, p := range fragmentPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		if seen[abs] {
			return nil, fmt.Errorf("fragment shader %s listed twice", p)
		}
		seen[abs] = true
		s.Scenes = append(s.Scenes, shader.NewProgram(baseName(abs), abs, shader.Fragment))
	}
	return s, nil
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// Paths returns every file the set depends on.
func (s *Set) Paths() []string {
	paths := []string{s.Vertex.Path}
	for _, p := range s.Scenes {
		paths = append(paths, p.Path)
	}
	return paths
}

// Programs returns the vertex program followed by the scenes.
func (s *Set) Programs() []*shader.Program {
	return append([]*shader.Program{s.Vertex}, s.Scenes...)
}

// Lookup returns the programs loaded from path.
func (s *Set) Lookup(path string) []*shader.Program {
	var out []*shader.Program
	for _, p := range s.Programs() {
		if p.Path == path {
			out = append(out, p)
		}
	}
	return out
}

func (s *Set) Active() *shader.Program {
	return s.Scenes[s.active.Load()]
}

// Next switches to the following scene, wrapping around. It is safe to call
// from input callbacks and signal handlers.
func (s *Set) Next() *shader.Program {
	for {
		cur := s.active.Load()
		next := (cur + 1) % int32(len(s.Scenes))
		if s.active.CompareAndSwap(cur, next) {
			s.notify()
			return s.Scenes[next]
		}
	}
}

// Select switches to the scene called name.
func (s *Set) Select(name string) error {
	for i, p := range s.Scenes {
		if p.Name == name {
			if s.active.Swap(int32(i)) != int32(i) {
				s.notify()
			}
			return nil
		}
	}
	return fmt.Errorf("no scene named %q", name)
}

// Changed signals after the active scene changed.
func (s *Set) Changed() <-chan struct{} { return s.changed }

func (s *Set) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}
