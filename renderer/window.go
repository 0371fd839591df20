package renderer

import (
	"errors"

	gl "github.com/go-gl/gl/v4.1-core/gl"

	"github.com/richinsley/goshaderpanel/graphics"
	"github.com/richinsley/goshaderpanel/present"
	"github.com/richinsley/goshaderpanel/shader"
)

var errForeignFrame = errors.New("frame was not produced by this renderer")

// Window presents frames on the context's default framebuffer. It draws on
// the render thread and paces the loop through the swap interval.
type Window struct {
	gctx    graphics.Context
	program uint32
	vao     uint32
	vbo     uint32
}

// NewWindow builds the blit program. The render context must be current.
func NewWindow(gctx graphics.Context) (*Window, error) {
	if err := initGL(); err != nil {
		return nil, err
	}
	prog, err := newProgram(shader.BlitVertexShader(gctx.IsGLES()), shader.BlitFragmentShader(false, gctx.IsGLES()))
	if err != nil {
		return nil, err
	}
	w := &Window{gctx: gctx, program: prog}
	w.vao, w.vbo = newQuad(shader.QuadVertices, shader.QuadStride)
	gl.UseProgram(prog)
	gl.Uniform1i(gl.GetUniformLocation(prog, gl.Str("u_texture\x00")), 0)
	gl.UseProgram(0)
	return w, nil
}

func (w *Window) Name() string { return "window" }

func (w *Window) Present(f present.Frame) error {
	fr, ok := f.(*Frame)
	if !ok {
		return errForeignFrame
	}
	fbWidth, fbHeight := w.gctx.GetFramebufferSize()
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	gl.Viewport(0, 0, int32(fbWidth), int32(fbHeight))
	gl.Clear(gl.COLOR_BUFFER_BIT)
	gl.UseProgram(w.program)
	gl.ActiveTexture(gl.TEXTURE0)
	gl.BindTexture(gl.TEXTURE_2D, fr.target.textureID)
	gl.BindVertexArray(w.vao)
	gl.DrawArrays(gl.TRIANGLES, 0, shader.QuadVertexCount)
	gl.BindVertexArray(0)
	gl.BindTexture(gl.TEXTURE_2D, 0)

	w.gctx.EndFrame()
	return nil
}

// Close releases the GL objects. Call it on the render thread.
func (w *Window) Close() error {
	gl.DeleteProgram(w.program)
	gl.DeleteVertexArrays(1, &w.vao)
	gl.DeleteBuffers(1, &w.vbo)
	return nil
}
