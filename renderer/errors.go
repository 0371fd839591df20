package renderer

import (
	"errors"
	"fmt"
)

// ErrDeviceLost means the GPU context is gone. Nothing can be drawn after
// it and the process should exit.
var ErrDeviceLost = errors.New("graphics device lost")

// GL_CONTEXT_LOST, core since 4.5 and absent from the 4.1 bindings.
const glContextLost = 0x0507

// GLError is any other error reported by glGetError. The frame it occurred
// in is skipped.
type GLError struct {
	Codes []uint32
}

func (e *GLError) Error() string {
	return fmt.Sprintf("gl error %s", formatCodes(e.Codes))
}

func formatCodes(codes []uint32) string {
	s := ""
	for i, c := range codes {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("0x%04X", c)
	}
	return s
}

// classify turns the drained glGetError queue into an error.
func classify(codes []uint32) error {
	if len(codes) == 0 {
		return nil
	}
	for _, c := range codes {
		if c == glContextLost {
			return fmt.Errorf("%w (%s)", ErrDeviceLost, formatCodes(codes))
		}
	}
	return &GLError{Codes: codes}
}
