package transport

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// tcpTransport speaks to a stub bridge over a TCP socket. The descriptor
// is non-blocking throughout; writes loop on poll for writability so the
// Write contract stays blocking.
type tcpTransport struct {
	fd  int
	w   *fdWaiter
	log zerolog.Logger
}

func newTCP(rest string, log zerolog.Logger) (*tcpTransport, error) {
	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return nil, fmt.Errorf("transport: tcp device %q: %w", rest, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("transport: tcp device %q: invalid port", rest)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", host, err)
	}
	var addr [4]byte
	found := false
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			copy(addr[:], ip4)
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("transport: %q has no IPv4 address", host)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrInet4{Port: port, Addr: addr}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: connect %s:%d: %w", host, port, err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: set nodelay: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: set nonblock: %w", err)
	}
	w, err := newFDWaiter()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	t := &tcpTransport{fd: fd, w: w, log: log}
	t.log.Debug().Str("host", host).Int("port", port).Msg("tcp transport connected")
	return t, nil
}

func (t *tcpTransport) Peek() int {
	n, err := unix.IoctlGetInt(t.fd, unix.TIOCINQ)
	if err != nil {
		return 0
	}
	return n
}

func (t *tcpTransport) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(t.fd, p)
		switch {
		case n > 0:
			return n, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, fmt.Errorf("transport: recv: %w", err)
		default:
			// Orderly shutdown by the peer.
			return 0, ErrClosed
		}
	}
}

func (t *tcpTransport) Write(p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(t.fd, p)
		switch {
		case n > 0:
			p = p[n:]
		case err == unix.EINTR:
		case err == unix.EAGAIN:
			if _, werr := t.w.wait(t.fd, unix.POLLOUT, -1); werr != nil {
				return werr
			}
		case err != nil:
			return fmt.Errorf("transport: send: %w", err)
		default:
			return ErrClosed
		}
	}
	return nil
}

func (t *tcpTransport) Poll(d time.Duration) (bool, error) {
	return t.w.wait(t.fd, unix.POLLIN|unix.POLLHUP|unix.POLLERR, d)
}

func (t *tcpTransport) Interrupt() error {
	return t.w.interrupt()
}

func (t *tcpTransport) Close() error {
	unix.Shutdown(t.fd, unix.SHUT_RDWR)
	err := unix.Close(t.fd)
	t.w.close()
	return err
}
