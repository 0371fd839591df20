package sensor

import "sync/atomic"

// State is the lifecycle of the sensor link.
type State int32

const (
	Disconnected State = iota
	Discovering
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Discovering:
		return "discovering"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// Store is the single slot the reader publishes into and the render loop
// samples once per frame. Writes replace the whole vector, so a reader never
// sees a partially updated value. The zero value holds a zero vector.
type Store struct {
	vec   atomic.Pointer[Vector]
	state atomic.Int32
}

// Load returns the latest published vector.
func (s *Store) Load() Vector {
	if v := s.vec.Load(); v != nil {
		return *v
	}
	return Vector{}
}

// State returns the link state last published by the reader.
func (s *Store) State() State {
	return State(s.state.Load())
}

// Connected reports whether a peer is currently streaming.
func (s *Store) Connected() bool {
	return s.State() == Connected
}

func (s *Store) publish(v Vector) {
	s.vec.Store(&v)
}

func (s *Store) reset() {
	s.publish(Vector{})
}

func (s *Store) setState(st State) {
	s.state.Store(int32(st))
}
