package sensor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport hands out one end of a net.Pipe per discovery. The test
// drives the other end.
type pipeTransport struct {
	peers chan net.Conn
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{peers: make(chan net.Conn, 4)}
}

// dial makes a peer available and returns the companion side of the link.
func (p *pipeTransport) dial() net.Conn {
	local, remote := net.Pipe()
	p.peers <- local
	return remote
}

func (p *pipeTransport) Discover(ctx context.Context) (Peer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-p.peers:
		return &pipePeer{c}, nil
	}
}

func (p *pipeTransport) Connect(ctx context.Context, peer Peer) (Conn, error) {
	return peer.(*pipePeer).Conn, nil
}

func (p *pipeTransport) Close() error { return nil }

type pipePeer struct{ net.Conn }

func (p *pipePeer) Addr() string { return "pipe" }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Filter = Filter{Alpha: 1, Gain: 1, Min: -10, Max: 10}
	cfg.LivenessInterval = 20 * time.Millisecond
	cfg.RetryDelay = 10 * time.Millisecond
	return cfg
}

func startReader(t *testing.T, tr Transport, cfg Config) (*Reader, func()) {
	t.Helper()
	r := NewReader(tr, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, r.Run(ctx))
	}()
	return r, func() {
		cancel()
		wg.Wait()
	}
}

func TestReaderPublishes(t *testing.T) {
	tr := newPipeTransport()
	r, stop := startReader(t, tr, testConfig())
	defer stop()

	remote := tr.dial()
	defer remote.Close()

	_, err := io.WriteString(remote, "X: 1, Y: 2, Z: 3\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r.Store().Load() == Vector{X: 1, Y: 2, Z: 3}
	}, time.Second, 5*time.Millisecond)
	assert.True(t, r.Store().Connected())
}

func TestReaderIgnoresMalformedLines(t *testing.T) {
	tr := newPipeTransport()
	r, stop := startReader(t, tr, testConfig())
	defer stop()

	remote := tr.dial()
	defer remote.Close()

	_, err := io.WriteString(remote, "X: 0.5, Y: 0.5, Z: 0.5\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		a, _ := r.Stats()
		return a == 1
	}, time.Second, 5*time.Millisecond)

	_, err = io.WriteString(remote, "garbage\nX: notanumber, Y: 0, Z: 0\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, d := r.Stats()
		return d == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, Vector{X: 0.5, Y: 0.5, Z: 0.5}, r.Store().Load())
	assert.True(t, r.Store().Connected())
}

func TestReaderSplitsPartialLines(t *testing.T) {
	tr := newPipeTransport()
	r, stop := startReader(t, tr, testConfig())
	defer stop()

	remote := tr.dial()
	defer remote.Close()

	for _, chunk := range []string{"X: 4", ", Y: -", "1, Z: 2", "\n"} {
		_, err := io.WriteString(remote, chunk)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return r.Store().Load() == Vector{X: 4, Y: -1, Z: 2}
	}, time.Second, 5*time.Millisecond)
}

func TestReaderResetsOnDisconnect(t *testing.T) {
	tr := newPipeTransport()
	cfg := testConfig()
	r, stop := startReader(t, tr, cfg)
	defer stop()

	remote := tr.dial()
	_, err := io.WriteString(remote, "X: 1, Y: 1, Z: 1\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r.Store().Load() == Vector{X: 1, Y: 1, Z: 1}
	}, time.Second, 5*time.Millisecond)

	remote.Close()
	require.Eventually(t, func() bool {
		return r.Store().Load() == Vector{} && !r.Store().Connected()
	}, 10*cfg.LivenessInterval, time.Millisecond)

	// Auto discovery makes the reader available for the next peer.
	remote = tr.dial()
	defer remote.Close()
	_, err = io.WriteString(remote, "X: 2, Y: 2, Z: 2\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r.Store().Load() == Vector{X: 2, Y: 2, Z: 2}
	}, time.Second, 5*time.Millisecond)
}

func TestReaderDisconnectRequest(t *testing.T) {
	tr := newPipeTransport()
	cfg := testConfig()
	cfg.AutoDiscover = false
	r, stop := startReader(t, tr, cfg)
	defer stop()

	remote := tr.dial()
	defer remote.Close()
	r.Discover()

	_, err := io.WriteString(remote, "X: 3, Y: 0, Z: 0\n")
	require.NoError(t, err)
	require.Eventually(t, r.Store().Connected, time.Second, 5*time.Millisecond)

	r.Disconnect()
	require.Eventually(t, func() bool {
		return r.Store().State() == Disconnected && r.Store().Load() == Vector{}
	}, time.Second, 5*time.Millisecond)
}

func TestReaderIdleTimeout(t *testing.T) {
	tr := newPipeTransport()
	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	r, stop := startReader(t, tr, cfg)
	defer stop()

	remote := tr.dial()
	defer remote.Close()
	_, err := io.WriteString(remote, "X: 1, Y: 0, Z: 0\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r.Store().Load().X == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return r.Store().Load() == Vector{} && !r.Store().Connected()
	}, time.Second, 5*time.Millisecond)
}

func TestReaderRejectsUnlistedPeer(t *testing.T) {
	tr := newPipeTransport()
	cfg := testConfig()
	cfg.Allow = []string{"AA:BB:CC:DD:EE:FF"}
	r, stop := startReader(t, tr, cfg)
	defer stop()

	remote := tr.dial()
	defer remote.Close()
	// An accepted peer would have its lines read; a rejected one is closed.
	require.Eventually(t, func() bool {
		remote.SetWriteDeadline(time.Now().Add(20 * time.Millisecond))
		_, err := io.WriteString(remote, "X: 1, Y: 0, Z: 0\n")
		return errors.Is(err, io.ErrClosedPipe)
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, r.Store().Connected())
	assert.Equal(t, Vector{}, r.Store().Load())
	accepted, _ := r.Stats()
	assert.Zero(t, accepted)
}

func TestTCPTransportGreets(t *testing.T) {
	tr := NewTCP("127.0.0.1:0")
	r := NewReader(tr, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return tr.ListenAddr() != nil }, time.Second, 5*time.Millisecond)
	c, err := net.Dial("tcp", tr.ListenAddr().String())
	require.NoError(t, err)
	defer c.Close()

	greeting, err := bufio.NewReader(c).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, DefaultGreeting, greeting)

	_, err = io.WriteString(c, "X: 0.25, Y: 0, Z: 0\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r.Store().Load().X == 0.25
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reader did not stop")
	}
	assert.Equal(t, Disconnected, r.Store().State())
}
