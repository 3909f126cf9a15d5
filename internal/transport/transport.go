// Package transport owns the byte-stream providers the PDU engine runs on.
//
// Ownership boundary:
// - the Transport contract (peek/read/write/poll/interrupt)
// - the device URI factory and its scheme registry
// - tcp, serial and em100tcp flash ring-buffer providers
//
// All providers are Linux-only: they sit directly on termios, poll(2) and
// raw sockets.
package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNoSuchProvider reports a device URI scheme no provider serves.
	ErrNoSuchProvider = errors.New("transport: no such provider")
	// ErrClosed reports an operation on a lost or shut-down connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrInterrupted reports a Poll or blocking Write cut short by
	// Interrupt.
	ErrInterrupted = errors.New("transport: interrupted")
)

// Transport is a byte-oriented channel to the stub. Implementations never
// panic; any returned error means the link is lost.
type Transport interface {
	// Peek returns the number of bytes available for a non-blocking read.
	// It may conservatively return 0.
	Peek() int
	// Read drains up to len(p) bytes without blocking. A return of (0, nil)
	// means no data right now; an error means the connection is lost.
	Read(p []byte) (int, error)
	// Write blocks until all of p is out or the link failed.
	Write(p []byte) error
	// Poll blocks up to d until data could be read or the link closed.
	// (false, nil) is a timeout.
	Poll(d time.Duration) (bool, error)
	// Interrupt unblocks a concurrent Poll on this transport. It is safe
	// from a second goroutine or a signal handler context.
	Interrupt() error
	// Close releases the underlying handle.
	Close() error
}

// New opens the transport a device URI names. Supported schemes are
// tcp://host:port, serial://path:baud:databits:parity:stopbits and
// em100tcp://host:port.
func New(device string, log zerolog.Logger) (Transport, error) {
	scheme, rest, ok := strings.Cut(device, "://")
	if !ok {
		return nil, fmt.Errorf("%w: device %q has no scheme", ErrNoSuchProvider, device)
	}
	switch scheme {
	case "tcp":
		return newTCP(rest, log)
	case "serial":
		return newSerial(rest, log)
	case "em100tcp":
		return newFlashRB(rest, log)
	}
	return nil, fmt.Errorf("%w: %q", ErrNoSuchProvider, scheme)
}
