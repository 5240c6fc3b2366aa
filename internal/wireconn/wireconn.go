// Package wireconn provides the non-blocking Unix-domain stream socket
// transport the protocol rides on: length-prefixed frame assembly per
// spec.md §4.2's two-phase receive state machine, and ancillary
// SCM_RIGHTS file-descriptor passing for DMA-BUF/SHM handles, grounded
// on original_source/utils/cube_ipc.c's cb_sendmsg/cb_recvmsg. Every
// read and write is non-blocking; callers drive Conn from fd readiness
// events delivered by an evloop.Loop.
package wireconn

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// MaxFDs is the ancillary descriptor cap per message (spec.md §4.2).
const MaxFDs = 32

// ErrWouldBlock is returned by Send when the socket send buffer is
// full; the caller retries once the fd signals writable again.
var ErrWouldBlock = unix.EAGAIN

// Listener is a bound, listening Cube protocol socket.
type Listener struct {
	fd   int
	path string
}

// Listen creates a close-on-exec Unix stream socket at path, removing
// any stale socket left behind by a previous instance first.
func Listen(path string) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("wireconn: socket: %w", err)
	}
	unix.Unlink(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("wireconn: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 200); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("wireconn: listen: %w", err)
	}
	return &Listener{fd: fd, path: path}, nil
}

// FD is the listener's raw descriptor, for registration with an evloop.
func (l *Listener) FD() int { return l.fd }

// Accept accepts one pending connection as a non-blocking, close-on-exec
// Conn.
func (l *Listener) Accept() (*Conn, error) {
	nfd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Conn{fd: nfd}, nil
}

// Close closes the listening socket and unlinks its path.
func (l *Listener) Close() error {
	err := unix.Close(l.fd)
	unix.Unlink(l.path)
	return err
}

// Dial connects to an already-listening Cube protocol socket at path.
func Dial(path string) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("wireconn: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("wireconn: connect %s: %w", path, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("wireconn: set nonblock: %w", err)
	}
	return &Conn{fd: fd}, nil
}

// Conn is one connection's framing state. Not safe for concurrent use;
// the event loop thread owns it exclusively (spec.md §5).
type Conn struct {
	fd int

	header     [8]byte
	haveHeader int
	body       []byte
	haveBody   int
}

// FD is the connection's raw descriptor, for registration with an evloop.
func (c *Conn) FD() int { return c.fd }

// Close releases the underlying socket.
func (c *Conn) Close() error { return unix.Close(c.fd) }

// Send writes one complete frame (as produced by wire.Encode), passing
// fds as ancillary SCM_RIGHTS data. Returns unix.EAGAIN when the send
// buffer is full; the caller retries once the fd signals writable.
func (c *Conn) Send(frame []byte, fds []int) error {
	if len(fds) > MaxFDs {
		return fmt.Errorf("wireconn: %d fds exceeds max %d", len(fds), MaxFDs)
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	for {
		err := unix.Sendmsg(c.fd, frame, oob, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// ReadFrame advances the two-phase receive state machine with whatever
// is currently readable. ok is true exactly when one full frame (the
// bytes following the 8-byte length prefix) has been assembled; frame
// aliases an internal buffer that is only valid until the next call.
// A nil error with ok false means the socket would block; the caller
// waits for the next readiness notification. io.EOF means the peer
// hung up.
func (c *Conn) ReadFrame() (frame []byte, fds []int, ok bool, err error) {
	for {
		if c.haveHeader < 8 {
			n, rfds, rerr := c.recv(c.header[c.haveHeader:8])
			fds = append(fds, rfds...)
			if rerr != nil {
				return nil, fds, false, rerr
			}
			if n == 0 {
				return nil, fds, false, nil
			}
			c.haveHeader += n
			if c.haveHeader < 8 {
				continue
			}
			want := binary.LittleEndian.Uint64(c.header[:])
			c.body = make([]byte, want)
			c.haveBody = 0
		}

		if c.haveBody < len(c.body) {
			n, rfds, rerr := c.recv(c.body[c.haveBody:])
			fds = append(fds, rfds...)
			if rerr != nil {
				return nil, fds, false, rerr
			}
			if n == 0 {
				return nil, fds, false, nil
			}
			c.haveBody += n
			if c.haveBody < len(c.body) {
				continue
			}
		}

		body := c.body
		c.haveHeader = 0
		c.body = nil
		c.haveBody = 0
		return body, fds, true, nil
	}
}

func (c *Conn) recv(buf []byte) (n int, fds []int, err error) {
	oob := make([]byte, unix.CmsgSpace(4*MaxFDs))
	for {
		nn, noob, _, _, rerr := unix.Recvmsg(c.fd, buf, oob, unix.MSG_DONTWAIT)
		if rerr == unix.EINTR {
			continue
		}
		if rerr == unix.EAGAIN {
			return 0, nil, nil
		}
		if rerr != nil {
			return 0, nil, fmt.Errorf("wireconn: recvmsg: %w", rerr)
		}
		if nn == 0 {
			return 0, nil, io.EOF
		}
		if noob > 0 {
			fds = parseRights(oob[:noob])
		}
		return nn, fds, nil
	}
}

func parseRights(oob []byte) []int {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}
	var fds []int
	for i := range scms {
		rights, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			continue
		}
		for _, fd := range rights {
			unix.CloseOnExec(fd)
			fds = append(fds, fd)
		}
	}
	return fds
}
