// Package present delivers rendered frames to output targets.
package present

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/charmbracelet/log"
)

// Frame is one rendered frame. It is only valid during Present; presenters
// that need the pixels later must Capture them.
type Frame interface {
	Seq() uint64
	Size() (width, height int)
	// Capture reads the frame back scaled to fit within width×height with
	// its aspect ratio preserved. The image is top row first.
	Capture(width, height int) (*image.RGBA, error)
}

// Presenter puts a frame on one output. Present runs on the render thread
// and must not block on slow I/O.
type Presenter interface {
	Name() string
	Present(f Frame) error
	Close() error
}

// Sink is a slow output driven off the render thread by Async.
type Sink interface {
	Name() string
	// Size is the capture size the sink wants.
	Size() (width, height int)
	Write(ctx context.Context, img *image.RGBA) error
	Close() error
}

// WriteError reports a frame that did not reach one output. Only that
// output drops the frame.
type WriteError struct {
	Presenter string
	Seq       uint64
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: frame %d dropped: %v", e.Presenter, e.Seq, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Set presents every frame to each presenter in order.
type Set struct {
	presenters []Presenter
	failures   map[string]uint64
	log        *log.Logger
}

func NewSet(ps ...Presenter) *Set {
	return &Set{presenters: ps, failures: make(map[string]uint64), log: log.WithPrefix("present")}
}

func (s *Set) Add(p Presenter) { s.presenters = append(s.presenters, p) }

func (s *Set) Len() int { return len(s.presenters) }

// Present hands f to every presenter. Errors are logged and stay with the
// presenter that caused them.
func (s *Set) Present(f Frame) {
	for _, p := range s.presenters {
		if err := p.Present(f); err != nil {
			n := s.failures[p.Name()] + 1
			s.failures[p.Name()] = n
			// A broken output fails every frame; keep the log readable.
			if n == 1 || n%100 == 0 {
				s.log.Warn("present failed", "presenter", p.Name(), "failures", n, "err", err)
			}
		}
	}
}

// Failures returns how many frames a presenter failed to present.
func (s *Set) Failures(name string) uint64 { return s.failures[name] }

// Close closes the presenters in reverse order.
func (s *Set) Close() error {
	var errs []error
	for i := len(s.presenters) - 1; i >= 0; i-- {
		if err := s.presenters[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.presenters[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}
