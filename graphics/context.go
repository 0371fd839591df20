package graphics

// Context defines the interface for an OpenGL context.
type Context interface {
	MakeCurrent()
	// DetachCurrent makes no context current on the calling thread.
	DetachCurrent()
	Shutdown()
	ShouldClose() bool
	EndFrame()
	GetFramebufferSize() (int, int)
	Time() float64
	IsGLES() bool
	// NewShared creates a context that shares objects (programs, buffers,
	// textures) with this one, for use on another thread.
	NewShared() (Context, error)
}
