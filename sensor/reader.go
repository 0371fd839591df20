package sensor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// maxLineLength bounds the partial line kept between reads. A peer sending
// bytes without newlines cannot grow the buffer without limit.
const maxLineLength = 256

var errDisconnectRequested = errors.New("disconnect requested")

// Config tunes the reader. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	Filter Filter
	// LivenessInterval is both the read deadline and the period of the
	// liveness check while connected.
	LivenessInterval time.Duration
	// IdleTimeout drops a link that delivered no bytes for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	// AutoDiscover starts discovery on Run and again after every link loss.
	AutoDiscover bool
	// RetryDelay is the pause after a failed discovery.
	RetryDelay time.Duration
	// Allow lists peer addresses that may connect. Empty allows any peer.
	Allow []string
}

func DefaultConfig() Config {
	return Config{
		Filter:           DefaultFilter(),
		LivenessInterval: 500 * time.Millisecond,
		AutoDiscover:     true,
		RetryDelay:       time.Second,
	}
}

// Reader owns the connection to the companion device. It is the only writer
// of its Store.
type Reader struct {
	cfg       Config
	transport Transport
	store     *Store
	log       *log.Logger

	discover   chan struct{}
	disconnect chan struct{}

	accepted atomic.Uint64
	dropped  atomic.Uint64
}

func NewReader(t Transport, cfg Config) *Reader {
	return &Reader{
		cfg:        cfg,
		transport:  t,
		store:      &Store{},
		log:        log.WithPrefix("sensor"),
		discover:   make(chan struct{}, 1),
		disconnect: make(chan struct{}, 1),
	}
}

// Store returns the slot the reader publishes into.
func (r *Reader) Store() *Store { return r.store }

// Discover asks the reader to become available to a peer. It has no effect
// while a discovery or connection is in progress.
func (r *Reader) Discover() {
	select {
	case r.discover <- struct{}{}:
	default:
	}
}

// Disconnect asks the reader to drop the current link. The request is
// observed at the next liveness check.
func (r *Reader) Disconnect() {
	select {
	case r.disconnect <- struct{}{}:
	default:
	}
}

// Stats returns the number of accepted and dropped lines.
func (r *Reader) Stats() (accepted, dropped uint64) {
	return r.accepted.Load(), r.dropped.Load()
}

// Run drives the connection lifecycle until ctx is cancelled.
func (r *Reader) Run(ctx context.Context) error {
	defer r.transport.Close()
	defer r.store.setState(Disconnected)

	if r.cfg.AutoDiscover {
		r.Discover()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.discover:
		}
		// A disconnect request left over from an earlier link must not
		// cut the next one.
		select {
		case <-r.disconnect:
		default:
		}

		r.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if r.cfg.AutoDiscover {
			r.Discover()
		}
	}
}

// session runs one Discovering -> Connecting -> Connected -> Disconnected cycle.
func (r *Reader) session(ctx context.Context) {
	r.store.setState(Discovering)
	r.log.Info("waiting for a peer")
	peer, err := r.transport.Discover(ctx)
	if err != nil {
		r.store.setState(Disconnected)
		if ctx.Err() == nil {
			r.log.Warn("discovery failed", "err", err)
			r.sleep(ctx, r.cfg.RetryDelay)
		}
		return
	}

	if !r.selectPeer(peer.Addr()) {
		r.log.Warn("rejected peer", "addr", peer.Addr())
		peer.Close()
		r.store.setState(Disconnected)
		return
	}

	r.store.setState(Connecting)
	conn, err := r.transport.Connect(ctx, peer)
	if err != nil {
		r.log.Warn("handshake failed", "err", &LinkError{Op: "connect", Peer: peer.Addr(), Err: err})
		r.store.setState(Disconnected)
		return
	}

	r.store.setState(Connected)
	r.log.Info("connected", "addr", peer.Addr())
	err = r.stream(ctx, conn)

	r.store.setState(Disconnecting)
	conn.Close()
	r.store.reset()
	r.store.setState(Disconnected)

	var le *LinkError
	switch {
	case err == nil:
		r.log.Info("connection closed", "addr", peer.Addr())
	case errors.Is(err, errDisconnectRequested):
		r.log.Info("disconnected on request", "addr", peer.Addr())
	case errors.As(err, &le):
		le.Peer = peer.Addr()
		r.log.Warn("link lost", "err", le)
	default:
		r.log.Warn("link lost", "addr", peer.Addr(), "err", err)
	}
}

func (r *Reader) selectPeer(addr string) bool {
	return len(r.cfg.Allow) == 0 || slices.Contains(r.cfg.Allow, addr)
}

// stream reads newline-delimited samples until the link fails, the
// liveness check trips or ctx is cancelled (nil error).
func (r *Reader) stream(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, 1024)
	var pending []byte
	vec := r.store.Load()
	lastData := time.Now()
	lastCheck := lastData

	for {
		if err := conn.SetReadDeadline(time.Now().Add(r.cfg.LivenessInterval)); err != nil {
			return &LinkError{Op: "deadline", Err: err}
		}
		n, err := conn.Read(buf)
		if ctx.Err() != nil {
			return nil
		}
		if n > 0 {
			lastData = time.Now()
			pending = append(pending, buf[:n]...)
			pending = r.consume(pending, &vec)
		}
		if err != nil && !errors.Is(err, errDeadline) {
			if errors.Is(err, io.EOF) {
				return &LinkError{Op: "read", Err: errors.New("peer closed the stream")}
			}
			return &LinkError{Op: "read", Err: err}
		}
		if time.Since(lastCheck) >= r.cfg.LivenessInterval || err != nil {
			lastCheck = time.Now()
			if err := r.checkLiveness(conn, lastData); err != nil {
				return err
			}
		}
	}
}

// consume publishes every complete line in pending and returns the rest.
func (r *Reader) consume(pending []byte, vec *Vector) []byte {
	for {
		i := bytes.IndexByte(pending, '\n')
		if i < 0 {
			break
		}
		line := string(pending[:i])
		pending = pending[i+1:]

		sample, err := ParseLine(line)
		if err != nil {
			r.dropped.Add(1)
			r.log.Debug("dropped line", "err", err)
			continue
		}
		*vec = r.cfg.Filter.Apply(*vec, sample)
		r.store.publish(*vec)
		r.accepted.Add(1)
	}
	if len(pending) > maxLineLength {
		r.dropped.Add(1)
		r.log.Debug("dropped oversized line", "bytes", len(pending))
		pending = pending[:0]
	}
	// Compact so the backing array does not creep forward forever.
	return append(make([]byte, 0, len(pending)), pending...)
}

func (r *Reader) checkLiveness(conn Conn, lastData time.Time) error {
	select {
	case <-r.disconnect:
		return errDisconnectRequested
	default:
	}
	if p, ok := conn.(Prober); ok {
		if err := p.Probe(); err != nil {
			return &LinkError{Op: "probe", Err: err}
		}
	}
	if idle := time.Since(lastData); r.cfg.IdleTimeout > 0 && idle > r.cfg.IdleTimeout {
		return &LinkError{Op: "idle", Err: fmt.Errorf("no data for %s", idle.Round(time.Millisecond))}
	}
	return nil
}

func (r *Reader) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
