package transport

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// serialParams is the parsed serial:// device tail.
type serialParams struct {
	path     string
	baud     uint32
	dataBits uint32
	parity   byte
	stopBits uint32
}

var baudFlags = map[uint32]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

var dataBitFlags = map[uint32]uint32{
	5: unix.CS5,
	6: unix.CS6,
	7: unix.CS7,
	8: unix.CS8,
}

// parseSerialDevice splits "path:baud:databits:parity:stopbits".
func parseSerialDevice(rest string) (serialParams, error) {
	parts := strings.Split(rest, ":")
	if len(parts) != 5 {
		return serialParams{}, fmt.Errorf("transport: serial device %q: want path:baud:databits:parity:stopbits", rest)
	}
	p := serialParams{path: parts[0]}
	if p.path == "" {
		return serialParams{}, fmt.Errorf("transport: serial device %q: empty path", rest)
	}
	baud, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return serialParams{}, fmt.Errorf("transport: serial device %q: bad baud rate", rest)
	}
	p.baud = uint32(baud)
	if _, ok := baudFlags[p.baud]; !ok {
		return serialParams{}, fmt.Errorf("transport: serial device %q: unsupported baud rate %d", rest, p.baud)
	}
	bits, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return serialParams{}, fmt.Errorf("transport: serial device %q: bad data bits", rest)
	}
	p.dataBits = uint32(bits)
	if _, ok := dataBitFlags[p.dataBits]; !ok {
		return serialParams{}, fmt.Errorf("transport: serial device %q: unsupported data bits %d", rest, p.dataBits)
	}
	if len(parts[3]) != 1 || !strings.ContainsRune("noe", rune(parts[3][0])) {
		return serialParams{}, fmt.Errorf("transport: serial device %q: parity must be n, o or e", rest)
	}
	p.parity = parts[3][0]
	stop, err := strconv.ParseUint(parts[4], 10, 32)
	if err != nil || (stop != 1 && stop != 2) {
		return serialParams{}, fmt.Errorf("transport: serial device %q: stop bits must be 1 or 2", rest)
	}
	p.stopBits = uint32(stop)
	return p, nil
}

// serialTransport drives a raw-mode tty. The descriptor toggles between
// non-blocking reads and blocking writes; the current mode is cached to
// avoid redundant fcntls.
type serialTransport struct {
	fd       int
	w        *fdWaiter
	nonblock bool
	log      zerolog.Logger
}

func newSerial(rest string, log zerolog.Logger) (*serialTransport, error) {
	params, err := parseSerialDevice(rest)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(params.path, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", params.path, err)
	}
	if err := configureTTY(fd, params); err != nil {
		unix.Close(fd)
		return nil, err
	}
	w, err := newFDWaiter()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	t := &serialTransport{fd: fd, w: w, log: log}
	t.log.Debug().Str("path", params.path).Uint32("baud", params.baud).Msg("serial transport opened")
	return t, nil
}

// configureTTY puts the tty into raw mode and applies line parameters:
// no canonical processing, no echo, no signals, VMIN=0/VTIME=0, the
// requested speed, character size, parity and stop bits, receiver enabled
// and modem control lines ignored. Both queues are flushed before the new
// settings apply.
func configureTTY(fd int, params serialParams) error {
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("transport: tcgets: %w", err)
	}

	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.INPCK
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHONL | unix.ISIG | unix.IEXTEN

	tio.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CBAUD
	tio.Cflag |= dataBitFlags[params.dataBits]
	switch params.parity {
	case 'o':
		tio.Cflag |= unix.PARENB | unix.PARODD
	case 'e':
		tio.Cflag |= unix.PARENB
	}
	if params.stopBits == 2 {
		tio.Cflag |= unix.CSTOPB
	}
	tio.Cflag |= unix.CREAD | unix.CLOCAL

	speed := baudFlags[params.baud]
	tio.Cflag |= speed
	tio.Ispeed = speed
	tio.Ospeed = speed

	tio.Cc[unix.VMIN] = 0
	tio.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		return fmt.Errorf("transport: tcflush: %w", err)
	}
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		return fmt.Errorf("transport: tcsets: %w", err)
	}
	return nil
}

func (t *serialTransport) setNonblock(want bool) error {
	if t.nonblock == want {
		return nil
	}
	if err := unix.SetNonblock(t.fd, want); err != nil {
		return fmt.Errorf("transport: fcntl: %w", err)
	}
	t.nonblock = want
	return nil
}

func (t *serialTransport) Peek() int {
	n, err := unix.IoctlGetInt(t.fd, unix.TIOCINQ)
	if err != nil {
		return 0
	}
	return n
}

func (t *serialTransport) Read(p []byte) (int, error) {
	if err := t.setNonblock(true); err != nil {
		return 0, err
	}
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
			return 0, fmt.Errorf("transport: read: %w", err)
		default:
			// VMIN=0 ttys legitimately return zero with no data queued.
			return 0, nil
		}
	}
}

func (t *serialTransport) Write(p []byte) error {
	if err := t.setNonblock(false); err != nil {
		return err
	}
	for len(p) > 0 {
		n, err := unix.Write(t.fd, p)
		switch {
		case n > 0:
			p = p[n:]
		case err == unix.EINTR:
		case err != nil:
			return fmt.Errorf("transport: write: %w", err)
		default:
			return ErrClosed
		}
	}
	return nil
}

func (t *serialTransport) Poll(d time.Duration) (bool, error) {
	return t.w.wait(t.fd, unix.POLLIN|unix.POLLHUP|unix.POLLERR, d)
}

func (t *serialTransport) Interrupt() error {
	return t.w.interrupt()
}

func (t *serialTransport) Close() error {
	err := unix.Close(t.fd)
	t.w.close()
	return err
}
