package renderer

import (
	"fmt"
	"image"
	"unsafe"

	gl "github.com/go-gl/gl/v4.1-core/gl"
)

// target is the off-screen color buffer every frame is drawn into.
type target struct {
	fbo       uint32
	textureID uint32
	width     int
	height    int
}

func newTarget(width, height int) (*target, error) {
	t := &target{}
	gl.GenFramebuffers(1, &t.fbo)
	gl.GenTextures(1, &t.textureID)
	if err := t.resize(width, height); err != nil {
		t.destroy()
		return nil, err
	}
	return t, nil
}

func (t *target) resize(width, height int) error {
	gl.BindTexture(gl.TEXTURE_2D, t.textureID)
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(width), int32(height), 0, gl.RGBA, gl.UNSIGNED_BYTE, nil)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	gl.BindTexture(gl.TEXTURE_2D, 0)

	gl.BindFramebuffer(gl.FRAMEBUFFER, t.fbo)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, t.textureID, 0)
	status := gl.CheckFramebufferStatus(gl.FRAMEBUFFER)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	if status != gl.FRAMEBUFFER_COMPLETE {
		return fmt.Errorf("offscreen fbo %dx%d is not complete (0x%04X)", width, height, status)
	}
	t.width, t.height = width, height
	return nil
}

func (t *target) destroy() {
	gl.DeleteFramebuffers(1, &t.fbo)
	gl.DeleteTextures(1, &t.textureID)
}

const numPBOs = 2

// readback downsamples the target into a smaller framebuffer and reads it
// through a ring of pixel pack buffers. Each call starts the transfer for
// the current frame and maps the one started by the previous call, so the
// result lags by one capture but the CPU never waits on the GPU.
type readback struct {
	fbo       uint32
	textureID uint32
	width     int
	height    int
	pbos      [numPBOs]uint32
	filled    [numPBOs]bool
	index     int
}

func newReadback(width, height int) (*readback, error) {
	rb := &readback{width: width, height: height}
	gl.GenFramebuffers(1, &rb.fbo)
	gl.GenTextures(1, &rb.textureID)
	gl.BindTexture(gl.TEXTURE_2D, rb.textureID)
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(width), int32(height), 0, gl.RGBA, gl.UNSIGNED_BYTE, nil)
	gl.BindTexture(gl.TEXTURE_2D, 0)
	gl.BindFramebuffer(gl.FRAMEBUFFER, rb.fbo)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, rb.textureID, 0)
	status := gl.CheckFramebufferStatus(gl.FRAMEBUFFER)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	if status != gl.FRAMEBUFFER_COMPLETE {
		rb.destroy()
		return nil, fmt.Errorf("readback fbo %dx%d is not complete (0x%04X)", width, height, status)
	}

	gl.GenBuffers(numPBOs, &rb.pbos[0])
	size := width * height * 4
	for _, pbo := range rb.pbos {
		gl.BindBuffer(gl.PIXEL_PACK_BUFFER, pbo)
		gl.BufferData(gl.PIXEL_PACK_BUFFER, size, nil, gl.STREAM_READ)
	}
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
	return rb, nil
}

func (rb *readback) destroy() {
	gl.DeleteFramebuffers(1, &rb.fbo)
	gl.DeleteTextures(1, &rb.textureID)
	if rb.pbos[0] != 0 {
		gl.DeleteBuffers(numPBOs, &rb.pbos[0])
	}
}

// capture scales src into the readback framebuffer and returns the pixels
// top row first.
func (rb *readback) capture(src *target) (*image.RGBA, error) {
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, src.fbo)
	gl.BindFramebuffer(gl.DRAW_FRAMEBUFFER, rb.fbo)
	gl.BlitFramebuffer(0, 0, int32(src.width), int32(src.height),
		0, 0, int32(rb.width), int32(rb.height), gl.COLOR_BUFFER_BIT, gl.LINEAR)

	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, rb.fbo)
	gl.ReadBuffer(gl.COLOR_ATTACHMENT0)
	gl.PixelStorei(gl.PACK_ALIGNMENT, 1)

	cur := rb.index
	prev := (rb.index + 1) % numPBOs
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, rb.pbos[cur])
	gl.ReadPixels(0, 0, int32(rb.width), int32(rb.height), gl.RGBA, gl.UNSIGNED_BYTE, nil)
	rb.filled[cur] = true
	rb.index = prev

	// The first capture has nothing older to map.
	mapIdx := prev
	if !rb.filled[prev] {
		mapIdx = cur
	}

	stride := rb.width * 4
	size := stride * rb.height
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, rb.pbos[mapIdx])
	ptr := gl.MapBufferRange(gl.PIXEL_PACK_BUFFER, 0, size, gl.MAP_READ_BIT)
	defer func() {
		gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
		gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	}()
	if ptr == nil {
		return nil, fmt.Errorf("failed to map pixel buffer %dx%d", rb.width, rb.height)
	}
	img := image.NewRGBA(image.Rect(0, 0, rb.width, rb.height))
	flipRows(img.Pix, unsafe.Slice((*byte)(ptr), size), stride, rb.height)
	gl.UnmapBuffer(gl.PIXEL_PACK_BUFFER)
	return img, nil
}
