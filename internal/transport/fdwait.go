package transport

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// fdWaiter multiplexes poll(2) over a transport descriptor and a self-pipe
// so a concurrent Interrupt can unblock the wait.
type fdWaiter struct {
	pipeR int
	pipeW int
}

func newFDWaiter() (*fdWaiter, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("transport: pipe: %w", err)
	}
	return &fdWaiter{pipeR: p[0], pipeW: p[1]}, nil
}

// wait blocks until fd reports one of events, the deadline passes, or the
// self-pipe fires. d < 0 waits forever.
func (w *fdWaiter) wait(fd int, events int16, d time.Duration) (bool, error) {
	var dl time.Time
	if d >= 0 {
		dl = time.Now().Add(d)
	}
	for {
		ms := -1
		if d >= 0 {
			remaining := time.Until(dl)
			if remaining < 0 {
				remaining = 0
			}
			ms = int(remaining.Milliseconds())
			if ms == 0 && remaining > 0 {
				ms = 1
			}
		}
		fds := []unix.PollFd{
			{Fd: int32(fd), Events: events},
			{Fd: int32(w.pipeR), Events: unix.POLLIN},
		}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("transport: poll: %w", err)
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			w.drain()
			return false, ErrInterrupted
		}
		if n > 0 && fds[0].Revents != 0 {
			return true, nil
		}
		if d >= 0 && !time.Now().Before(dl) {
			return false, nil
		}
	}
}

func (w *fdWaiter) interrupt() error {
	_, err := unix.Write(w.pipeW, []byte{0})
	if err == unix.EAGAIN {
		// A pending interrupt is already queued.
		return nil
	}
	return err
}

func (w *fdWaiter) drain() {
	var buf [16]byte
	for {
		n, err := unix.Read(w.pipeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *fdWaiter) close() {
	unix.Close(w.pipeR)
	unix.Close(w.pipeW)
}
