package compiler

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/richinsley/goshaderpanel/shader"
	xlate "github.com/richinsley/goshaderpanel/translator"
	gst "github.com/richinsley/goshadertranslator"
)

// Translator validates WebGL2 (ESSL 3.00) sources with ANGLE and emits them
// in the dialect of the active GL context. The emitted code keeps the
// source's own names, so attributes and the uniform block are found by the
// names the author wrote.
type Translator struct {
	gles bool

	// The embedded translator is not safe for concurrent use.
	mu sync.Mutex
}

// NewTranslator targets GLSL 4.10 core, or ESSL when gles is set.
func NewTranslator(gles bool) *Translator {
	return &Translator{gles: gles}
}

var (
	esslVersion = regexp.MustCompile(`(?m)^[ \t]*#[ \t]*version[ \t]+300[ \t]+es[ \t]*$`)
	// frameBlock matches the uniform block declaration, with an optional
	// instance name.
	frameBlock = regexp.MustCompile(`(?:layout\s*\([^)]*\)\s*)?uniform\s+` + shader.BlockName + `\s*\{([^}]*)\}\s*(\w+)?\s*;`)
)

func (t *Translator) Compile(ctx context.Context, stage shader.Stage, path string) (*shader.Artifact, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s shader: %w", stage, err)
	}
	if !esslVersion.Match(src) {
		return nil, &CompileError{Path: path, Stage: stage, Log: "source must start with #version 300 es"}
	}
	if stage == shader.Fragment {
		if err := shader.CheckUniformLayout(string(src)); err != nil {
			return nil, &CompileError{Path: path, Stage: stage, Log: err.Error()}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tr, err := xlate.Get()
	if err != nil {
		return nil, err
	}
	format := gst.OutputFormatGLSL410
	if t.gles {
		format = gst.OutputFormatESSL
	}
	out, err := t.validate(tr, validationSource(string(src)), stage, format)
	if err != nil {
		return nil, &CompileError{Path: path, Stage: stage, Log: err.Error()}
	}

	vars := make(map[string]string, len(out.Variables)+1)
	for name := range out.Variables {
		vars[name] = name
	}
	if stage == shader.Fragment {
		vars[shader.BlockName] = shader.BlockName
	}
	return &shader.Artifact{
		Stage:     stage,
		Source:    path,
		Code:      t.emit(src),
		Variables: vars,
		Hash:      sha256.Sum256(src),
	}, nil
}

func (t *Translator) validate(tr *gst.ShaderTranslator, src string, stage shader.Stage, format gst.OutputFormat) (out *gst.Shader, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("shader translator failed: %v", r)
		}
	}()
	return tr.TranslateShader(src, stage.String(), gst.ShaderSpecWebGL2, format)
}

// emit rewrites the version directive for desktop GL. ESSL 3.00 sources are
// otherwise valid GLSL 4.10 core.
func (t *Translator) emit(src []byte) string {
	if t.gles {
		return string(src)
	}
	return string(esslVersion.ReplaceAll(src, []byte("#version 410 core")))
}

// validationSource replaces the frame uniform block with global declarations
// of the same members, which the translator reports without trouble. Line
// numbers are kept so diagnostics point at the author's lines.
func validationSource(src string) string {
	return frameBlock.ReplaceAllStringFunc(src, func(decl string) string {
		m := frameBlock.FindStringSubmatch(decl)
		repl := m[1]
		if m[2] != "" {
			repl = "struct " + shader.BlockName + "Members {" + m[1] + "} " + m[2] + ";"
		}
		if n := strings.Count(decl, "\n") - strings.Count(repl, "\n"); n > 0 {
			repl += strings.Repeat("\n", n)
		}
		return repl
	})
}
