// Package renderer draws the active scene into an off-screen buffer once per
// frame and hands the result to the presenters.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	gl "github.com/go-gl/gl/v4.1-core/gl"

	"github.com/richinsley/goshaderpanel/graphics"
	"github.com/richinsley/goshaderpanel/pipeline"
	"github.com/richinsley/goshaderpanel/present"
	"github.com/richinsley/goshaderpanel/sensor"
	"github.com/richinsley/goshaderpanel/shader"
)

// VectorSource supplies the latest sensor reading without blocking.
type VectorSource interface {
	Load() sensor.Vector
}

type Options struct {
	// Width and Height size the off-screen buffer when it does not follow
	// a window.
	Width, Height int
	// FollowWindow resizes the off-screen buffer to the framebuffer of the
	// context and lets the swap interval pace the loop.
	FollowWindow bool
	// FPS paces the loop when it does not follow a window.
	FPS int
	// SensorScale multiplies the sensor vector before upload. Zero means 1.
	SensorScale float32
}

// Stats is a snapshot of the render loop counters.
type Stats struct {
	Frames  uint64
	Skipped uint64
	FPS     float64
}

// Renderer owns the render context. Every method except Stats must be
// called on the thread the context is current on.
type Renderer struct {
	gctx       graphics.Context
	manager    *pipeline.Manager
	source     VectorSource
	presenters *present.Set
	opts       Options
	log        *log.Logger

	quadVAO   uint32
	quadVBO   uint32
	ubo       uint32
	uboData   []byte
	target    *target
	readbacks map[image.Point]*readback
	// lost latches a context loss seen outside renderFrame.
	lost bool

	frames  atomic.Uint64
	skipped atomic.Uint64
	fps     atomic.Uint64 // float64 bits
}

// New sets up the quad, the uniform buffer and the off-screen target. The
// context must be current on the calling thread.
func New(gctx graphics.Context, m *pipeline.Manager, src VectorSource, ps *present.Set, opts Options) (*Renderer, error) {
	if err := initGL(); err != nil {
		return nil, err
	}
	r := &Renderer{
		gctx:       gctx,
		manager:    m,
		source:     src,
		presenters: ps,
		opts:       opts,
		log:        log.WithPrefix("render"),
		uboData:    make([]byte, shader.BlockSize),
		readbacks:  make(map[image.Point]*readback),
	}

	if r.opts.SensorScale == 0 {
		r.opts.SensorScale = 1
	}
	r.quadVAO, r.quadVBO = newQuad(shader.QuadVertices, shader.QuadStride)

	gl.GenBuffers(1, &r.ubo)
	gl.BindBuffer(gl.UNIFORM_BUFFER, r.ubo)
	gl.BufferData(gl.UNIFORM_BUFFER, shader.BlockSize, nil, gl.DYNAMIC_DRAW)
	gl.BindBuffer(gl.UNIFORM_BUFFER, 0)

	width, height := r.renderSize()
	var err error
	r.target, err = newTarget(width, height)
	if err != nil {
		r.Shutdown()
		return nil, fmt.Errorf("failed to create offscreen target: %w", err)
	}
	if err := checkGL(); err != nil {
		r.Shutdown()
		return nil, err
	}
	r.log.Info("renderer ready", "size", fmt.Sprintf("%dx%d", width, height), "gles", gctx.IsGLES(),
		"gl", gl.GoStr(gl.GetString(gl.VERSION)))
	return r, nil
}

func (r *Renderer) renderSize() (int, int) {
	if r.opts.FollowWindow {
		w, h := r.gctx.GetFramebufferSize()
		if w > 0 && h > 0 {
			return w, h
		}
	}
	return r.opts.Width, r.opts.Height
}

// Run renders until ctx is cancelled or the window is closed, both of which
// return nil. It returns ErrDeviceLost when the context is gone.
func (r *Renderer) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if !r.opts.FollowWindow {
		fps := r.opts.FPS
		if fps <= 0 {
			fps = 30
		}
		t := time.NewTicker(time.Second / time.Duration(fps))
		defer t.Stop()
		tick = t.C
	}

	start := r.gctx.Time()
	counter := newFPSCounter(time.Second, time.Now())
	var seq uint64
	for {
		if ctx.Err() != nil || r.gctx.ShouldClose() {
			return nil
		}

		err := r.renderFrame(r.gctx.Time() - start)
		switch {
		case errors.Is(err, ErrDeviceLost):
			return err
		case err != nil:
			if n := r.skipped.Add(1); n == 1 || n%100 == 0 {
				r.log.Warn("frame skipped", "seq", seq, "skipped", n, "err", err)
			}
		default:
			r.presenters.Present(&Frame{r: r, target: r.target, seq: seq})
			r.frames.Add(1)
		}
		seq++
		r.manager.Collect()

		if fps, ok := counter.tick(time.Now()); ok {
			r.fps.Store(math.Float64bits(fps))
			r.log.Infof("FPS: %.0f", fps)
		}

		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		}
	}
}

// renderFrame draws one frame into the target: elapsed time, sensor
// snapshot and aspect ratio go into the uniform block, then the active
// pipeline draws the quad. Without a pipeline the frame is cleared to black.
func (r *Renderer) renderFrame(elapsed float64) error {
	if r.lost {
		return ErrDeviceLost
	}
	if r.opts.FollowWindow {
		w, h := r.gctx.GetFramebufferSize()
		if w > 0 && h > 0 && (w != r.target.width || h != r.target.height) {
			if err := r.target.resize(w, h); err != nil {
				return err
			}
			r.dropReadbacks()
			r.log.Debug("resized", "size", fmt.Sprintf("%dx%d", w, h))
		}
	}
	width, height := r.target.width, r.target.height

	u := shader.FrameUniforms{
		Time:        float32(elapsed),
		Sensor:      r.source.Load().Scale(r.opts.SensorScale).Array(),
		AspectRatio: float32(width) / float32(height),
	}
	u.Put(r.uboData)
	gl.BindBuffer(gl.UNIFORM_BUFFER, r.ubo)
	gl.BufferSubData(gl.UNIFORM_BUFFER, 0, shader.BlockSize, gl.Ptr(r.uboData))
	gl.BindBuffer(gl.UNIFORM_BUFFER, 0)

	gl.BindFramebuffer(gl.FRAMEBUFFER, r.target.fbo)
	gl.Viewport(0, 0, int32(width), int32(height))
	gl.ClearColor(0, 0, 0, 1)
	gl.Clear(gl.COLOR_BUFFER_BIT)

	if prog, ok := r.manager.Active().(*Program); ok {
		gl.UseProgram(prog.id)
		gl.BindBufferBase(gl.UNIFORM_BUFFER, shader.BlockBinding, r.ubo)
		gl.BindVertexArray(r.quadVAO)
		gl.DrawArrays(gl.TRIANGLES, 0, shader.QuadVertexCount)
		gl.BindVertexArray(0)
		gl.UseProgram(0)
	}
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	return checkGL()
}

func (r *Renderer) capture(t *target, maxW, maxH int) (*image.RGBA, error) {
	w, h := fitWithin(t.width, t.height, maxW, maxH)
	key := image.Pt(w, h)
	rb, ok := r.readbacks[key]
	if !ok {
		var err error
		if rb, err = newReadback(w, h); err != nil {
			return nil, err
		}
		r.readbacks[key] = rb
	}
	img, err := rb.capture(t)
	if err == nil {
		err = checkGL()
	}
	if errors.Is(err, ErrDeviceLost) {
		r.lost = true
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

// dropReadbacks releases the capture buffers, whose sizes derive from the
// target size.
func (r *Renderer) dropReadbacks() {
	for k, rb := range r.readbacks {
		rb.destroy()
		delete(r.readbacks, k)
	}
}

func (r *Renderer) Stats() Stats {
	return Stats{
		Frames:  r.frames.Load(),
		Skipped: r.skipped.Load(),
		FPS:     math.Float64frombits(r.fps.Load()),
	}
}

// Shutdown releases the renderer's GL objects. Pipelines are released by
// the manager.
func (r *Renderer) Shutdown() {
	r.dropReadbacks()
	if r.target != nil {
		r.target.destroy()
	}
	gl.DeleteBuffers(1, &r.ubo)
	gl.DeleteBuffers(1, &r.quadVBO)
	gl.DeleteVertexArrays(1, &r.quadVAO)
}

// Frame is the present.Frame handed to presenters. It is only valid during
// Present.
type Frame struct {
	r      *Renderer
	target *target
	seq    uint64
}

func (f *Frame) Seq() uint64 { return f.seq }

func (f *Frame) Size() (int, int) { return f.target.width, f.target.height }

// Capture reads the frame back scaled to fit within width×height. It runs
// on the render thread.
func (f *Frame) Capture(width, height int) (*image.RGBA, error) {
	return f.r.capture(f.target, width, height)
}
