//go:build linux

package sensor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var errLinkDown = errors.New("peer hung up")

// RFCOMM is a Bluetooth Classic serial-port server. The adapter must be
// powered and discoverable (bluetoothctl: power on, discoverable on); this
// transport only binds a channel and accepts one peer at a time.
type RFCOMM struct {
	Channel          uint8
	Greeting         string
	HandshakeTimeout time.Duration

	mu sync.Mutex
	fd int
}

// NewRFCOMM returns a transport bound to channel once discovery starts.
func NewRFCOMM(channel uint8) *RFCOMM {
	return &RFCOMM{Channel: channel, Greeting: DefaultGreeting, HandshakeTimeout: 2 * time.Second, fd: -1}
}

func (t *RFCOMM) listen() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd >= 0 {
		return t.fd, nil
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return -1, fmt.Errorf("rfcomm socket: %w", err)
	}
	// The zero address is BDADDR_ANY.
	if err := unix.Bind(fd, &unix.SockaddrRFCOMM{Channel: t.Channel}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("rfcomm bind channel %d: %w", t.Channel, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("rfcomm listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	t.fd = fd
	return fd, nil
}

func (t *RFCOMM) Discover(ctx context.Context) (Peer, error) {
	fd, err := t.listen()
	if err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(acceptPoll/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, fmt.Errorf("rfcomm poll: %w", err)
		}
		if n == 0 {
			continue
		}
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, fmt.Errorf("rfcomm accept: %w", err)
		}
		// A non-blocking descriptor is registered with the runtime poller,
		// which is what makes read deadlines work on the file.
		f := os.NewFile(uintptr(nfd), "rfcomm")
		return &rfcommPeer{conn: &rfcommConn{File: f}, addr: formatBDAddr(sa)}, nil
	}
}

func (t *RFCOMM) Connect(ctx context.Context, p Peer) (Conn, error) {
	rp, ok := p.(*rfcommPeer)
	if !ok {
		return nil, fmt.Errorf("rfcomm transport cannot connect to %T", p)
	}
	if err := greet(ctx, rp.conn, t.Greeting, t.HandshakeTimeout); err != nil {
		rp.conn.Close()
		return nil, err
	}
	return rp.conn, nil
}

func (t *RFCOMM) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}

type rfcommPeer struct {
	conn *rfcommConn
	addr string
}

func (p *rfcommPeer) Addr() string { return p.addr }
func (p *rfcommPeer) Close() error { return p.conn.Close() }

type rfcommConn struct {
	*os.File
}

// Probe polls the socket for a hang-up without consuming data.
func (c *rfcommConn) Probe() error {
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var perr error
	err = raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd)}}
		n, err := unix.Poll(fds, 0)
		if err != nil {
			perr = err
			return
		}
		if n > 0 && fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			perr = errLinkDown
		}
	})
	if err != nil {
		return err
	}
	return perr
}

// formatBDAddr prints a Bluetooth address. The kernel stores the bytes in
// reverse order.
func formatBDAddr(sa unix.Sockaddr) string {
	rc, ok := sa.(*unix.SockaddrRFCOMM)
	if !ok {
		return "unknown"
	}
	a := rc.Addr
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}
