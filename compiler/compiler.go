// Package compiler turns shader source files into artifacts the GPU backend
// can link.
package compiler

import (
	"context"
	"fmt"
	"strings"

	"github.com/richinsley/goshaderpanel/shader"
)

// Compiler compiles one stage from a file on disk. Implementations may block
// for a long time and must only be called off the render thread.
type Compiler interface {
	Compile(ctx context.Context, stage shader.Stage, path string) (*shader.Artifact, error)
}

// CompileError carries the toolchain diagnostics verbatim.
type CompileError struct {
	Path  string
	Stage shader.Stage
	Log   string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s shader %s:\n%s", e.Stage, e.Path, strings.TrimRight(e.Log, "\n"))
}
