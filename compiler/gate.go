package compiler

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/richinsley/goshaderpanel/shader"
)

// Gate runs an external validator (for example `glslangValidator -S {stage}
// {path}`) before handing the file to the next compiler. A non-zero exit
// fails the compilation with the validator's output as the log.
type Gate struct {
	args    []string
	timeout time.Duration
	next    Compiler
}

// NewGate parses command with shell quoting rules. The placeholders {path}
// and {stage} (vert or frag) are substituted per call; without {path} the
// file is appended as the last argument.
func NewGate(command string, timeout time.Duration, next Compiler) (*Gate, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse validator command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, errors.New("validator command is empty")
	}
	hasPath := false
	for _, a := range args {
		if strings.Contains(a, "{path}") {
			hasPath = true
		}
	}
	if !hasPath {
		args = append(args, "{path}")
	}
	return &Gate{args: args, timeout: timeout, next: next}, nil
}

func (g *Gate) Compile(ctx context.Context, stage shader.Stage, path string) (*shader.Artifact, error) {
	r := strings.NewReplacer("{path}", path, "{stage}", stageFlag(stage))
	argv := make([]string, len(g.args))
	for i, a := range g.args {
		argv[i] = r.Replace(a)
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, &CompileError{Path: path, Stage: stage, Log: fmt.Sprintf("%s timed out after %s\n%s", argv[0], g.timeout, out)}
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return nil, &CompileError{Path: path, Stage: stage, Log: string(out)}
		}
		return nil, fmt.Errorf("run validator %s: %w", argv[0], err)
	}
	return g.next.Compile(ctx, stage, path)
}

func stageFlag(s shader.Stage) string {
	if s == shader.Vertex {
		return "vert"
	}
	return "frag"
}
