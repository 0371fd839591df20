//go:build !linux

package sensor

import (
	"context"
	"errors"
	"time"
)

var errNoRFCOMM = errors.New("rfcomm transport is only supported on linux")

// RFCOMM is unavailable on this platform; use the TCP transport instead.
type RFCOMM struct {
	Channel          uint8
	Greeting         string
	HandshakeTimeout time.Duration
}

func NewRFCOMM(channel uint8) *RFCOMM {
	return &RFCOMM{Channel: channel, Greeting: DefaultGreeting, HandshakeTimeout: 2 * time.Second}
}

func (t *RFCOMM) Discover(ctx context.Context) (Peer, error) { return nil, errNoRFCOMM }

func (t *RFCOMM) Connect(ctx context.Context, p Peer) (Conn, error) { return nil, errNoRFCOMM }

func (t *RFCOMM) Close() error { return nil }
