package sensor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chewxy/math32"
)

// Vector is one tilt sample from the companion device.
type Vector struct {
	X, Y, Z float32
}

// Array returns the vector as a three component array, the layout used by
// the shader uniform block.
// Scale multiplies every component by s.
func (v Vector) Scale(s float32) Vector {
	return Vector{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

func (v Vector) Array() [3]float32 {
	return [3]float32{v.X, v.Y, v.Z}
}

// ParseError reports a line that does not match `X: <f>, Y: <f>, Z: <f>`.
// The line is dropped; the connection stays up.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sensor: malformed line %q: %s", e.Line, e.Reason)
}

var axes = [3]string{"X", "Y", "Z"}

// ParseLine parses a single line of the sensor stream. The trailing newline
// (and a carriage return, which some phone apps send) is optional.
func ParseLine(line string) (Vector, error) {
	trimmed := strings.TrimSpace(line)
	fields := strings.Split(trimmed, ",")
	if len(fields) != len(axes) {
		return Vector{}, &ParseError{Line: trimmed, Reason: fmt.Sprintf("expected 3 fields, got %d", len(fields))}
	}

	var out [3]float32
	for i, field := range fields {
		label, value, ok := strings.Cut(field, ":")
		if !ok || strings.TrimSpace(label) != axes[i] {
			return Vector{}, &ParseError{Line: trimmed, Reason: fmt.Sprintf("field %d is not labelled %s", i, axes[i])}
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 32)
		if err != nil {
			return Vector{}, &ParseError{Line: trimmed, Reason: fmt.Sprintf("%s: %v", axes[i], err)}
		}
		x := float32(f)
		if math32.IsNaN(x) || math32.IsInf(x, 0) {
			return Vector{}, &ParseError{Line: trimmed, Reason: fmt.Sprintf("%s is not finite", axes[i])}
		}
		out[i] = x
	}
	return Vector{X: out[0], Y: out[1], Z: out[2]}, nil
}

// Filter smooths raw samples with a first order low-pass and clamps the
// result. Alpha is the weight of a new sample, so small values favor the
// previous vector.
type Filter struct {
	Alpha float32
	Gain  float32
	Min   float32
	Max   float32
}

// DefaultFilter keeps phone accelerometer readings in m/s², clamped to ±10,
// and keeps 90% of the previous value on every sample. Scaling into shader
// units happens when the uniforms are assembled.
func DefaultFilter() Filter {
	return Filter{Alpha: 0.1, Gain: 1, Min: -10, Max: 10}
}

// Validate checks the filter constants.
func (f Filter) Validate() error {
	switch {
	case !(f.Alpha > 0 && f.Alpha <= 1):
		return fmt.Errorf("smoothing alpha must be in (0, 1], got %v", f.Alpha)
	case math32.IsNaN(f.Gain) || math32.IsInf(f.Gain, 0):
		return fmt.Errorf("gain must be finite, got %v", f.Gain)
	case !(f.Min < f.Max):
		return fmt.Errorf("clamp range [%v, %v] is empty", f.Min, f.Max)
	}
	return nil
}

// Apply folds sample into prev.
func (f Filter) Apply(prev, sample Vector) Vector {
	return Vector{
		X: f.axis(prev.X, sample.X),
		Y: f.axis(prev.Y, sample.Y),
		Z: f.axis(prev.Z, sample.Z),
	}
}

func (f Filter) axis(prev, sample float32) float32 {
	v := prev + f.Alpha*(f.Gain*sample-prev)
	return math32.Max(f.Min, math32.Min(f.Max, v))
}
