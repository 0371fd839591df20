package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// acceptPoll bounds every blocking accept so discovery notices cancellation.
const acceptPoll = 250 * time.Millisecond

// DefaultGreeting is written to a peer right after it connects.
const DefaultGreeting = "Hello from goshaderpanel!\n"

// errDeadline is what a read returns when the liveness deadline passes.
// Both net.Conn and *os.File wrap it.
var errDeadline = os.ErrDeadlineExceeded

// Conn is an established link to the companion device.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Prober is implemented by connections that can check the link without
// reading from it.
type Prober interface {
	Probe() error
}

// Peer is a discovered device that has not completed the handshake yet.
type Peer interface {
	Addr() string
	Close() error
}

// Transport discovers peers and connects to them. The companion app is the
// active side: discovery makes this endpoint reachable and waits for a peer.
type Transport interface {
	Discover(ctx context.Context) (Peer, error)
	Connect(ctx context.Context, p Peer) (Conn, error)
	Close() error
}

// LinkError reports a lost or failed link. The reader drops the connection,
// resets the published vector and becomes available for discovery again.
type LinkError struct {
	Op   string
	Peer string
	Err  error
}

func (e *LinkError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("sensor link %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sensor link %s %s: %v", e.Op, e.Peer, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// greet performs the handshake: one greeting line, bounded by timeout.
func greet(ctx context.Context, c Conn, greeting string, timeout time.Duration) error {
	if greeting == "" {
		return nil
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer c.SetWriteDeadline(time.Time{})
	_, err := io.WriteString(c, greeting)
	return err
}

// TCP accepts the companion stream over TCP. It behaves like the RFCOMM
// transport and is meant for development hosts and phones on Wi-Fi.
type TCP struct {
	Addr             string
	Greeting         string
	HandshakeTimeout time.Duration

	mu sync.Mutex
	ln *net.TCPListener
}

// NewTCP returns a transport listening on addr once discovery starts.
func NewTCP(addr string) *TCP {
	return &TCP{Addr: addr, Greeting: DefaultGreeting, HandshakeTimeout: 2 * time.Second}
}

func (t *TCP) listener() (*net.TCPListener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		return t.ln, nil
	}
	ln, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return nil, err
	}
	t.ln = ln.(*net.TCPListener)
	return t.ln, nil
}

// ListenAddr returns the bound address, or nil before the first discovery.
func (t *TCP) ListenAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *TCP) Discover(ctx context.Context) (Peer, error) {
	ln, err := t.listener()
	if err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := ln.SetDeadline(time.Now().Add(acceptPoll)); err != nil {
			return nil, err
		}
		c, err := ln.AcceptTCP()
		if err == nil {
			return &tcpPeer{conn: c}, nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		return nil, err
	}
}

func (t *TCP) Connect(ctx context.Context, p Peer) (Conn, error) {
	tp, ok := p.(*tcpPeer)
	if !ok {
		return nil, fmt.Errorf("tcp transport cannot connect to %T", p)
	}
	if err := greet(ctx, tp.conn, t.Greeting, t.HandshakeTimeout); err != nil {
		tp.conn.Close()
		return nil, err
	}
	return tp.conn, nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	err := t.ln.Close()
	t.ln = nil
	return err
}

type tcpPeer struct {
	conn *net.TCPConn
}

func (p *tcpPeer) Addr() string { return p.conn.RemoteAddr().String() }
func (p *tcpPeer) Close() error { return p.conn.Close() }
