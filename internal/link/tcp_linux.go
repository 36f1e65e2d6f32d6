//go:build linux

package link

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// TCPLink dials the device (real hardware or the bundled simulator) as a
// TCP client. After connect the underlying socket is switched to
// non-blocking and all I/O goes directly through the raw fd via
// unix.Read/unix.Write/unix.Poll, mirroring the teacher's SocketCAN backend
// (internal/socketcan/device.go's unix.Read(d.fd, buf)/unix.Write(d.fd, buf)
// against a raw AF_CAN socket) rather than going back through net.Conn's own
// blocking-with-deadline Read/Write.
type TCPLink struct {
	host string
	port int

	mu     sync.Mutex
	conn   *net.TCPConn // kept solely to own/close the fd; all I/O bypasses it
	fd     int
	closed bool
}

func NewTCPLink(host string, port int) *TCPLink {
	return &TCPLink{host: host, port: port}
}

func (t *TCPLink) Open(ctx context.Context) error {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", t.host, t.port))
	if err != nil {
		return ErrLinkOpen
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return ErrLinkOpen
	}
	_ = tcpConn.SetNoDelay(true)

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		_ = tcpConn.Close()
		return ErrLinkOpen
	}
	var fd int
	var sockErr error
	err = rawConn.Control(func(rfd uintptr) {
		fd = int(rfd)
		sockErr = unix.SetNonblock(fd, true)
	})
	if err != nil || sockErr != nil {
		_ = tcpConn.Close()
		return ErrLinkOpen
	}

	t.mu.Lock()
	t.conn = tcpConn
	t.fd = fd
	t.closed = false
	t.mu.Unlock()
	return nil
}

// pollTimeoutMs is the poll() deadline before Read reports "nothing yet",
// mirroring serialReadInterval*serialReadMultiplier.
const pollTimeoutMs = int(serialReadInterval * serialReadMultiplier / time.Millisecond)

func (t *TCPLink) Read(buf []byte) (int, error) {
	t.mu.Lock()
	conn := t.conn
	fd := t.fd
	closed := t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return 0, ErrClosed
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, pollTimeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, ErrClosed
	}
	if n == 0 || pfd[0].Revents&unix.POLLIN == 0 {
		return 0, nil // poll timeout: nothing to read yet
	}

	nr, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, nil
		}
		return 0, ErrClosed
	}
	if nr == 0 {
		// Peer closed its end of the stream.
		return 0, ErrClosed
	}
	return nr, nil
}

func (t *TCPLink) Write(b []byte) error {
	t.mu.Lock()
	conn := t.conn
	fd := t.fd
	closed := t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return ErrClosed
	}

	total := 0
	for total < len(b) {
		n, err := unix.Write(fd, b[total:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
				if _, perr := unix.Poll(pfd, pollTimeoutMs); perr != nil {
					return ErrWrite
				}
				continue
			}
			return ErrWrite
		}
		total += n
	}
	return nil
}

func (t *TCPLink) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
