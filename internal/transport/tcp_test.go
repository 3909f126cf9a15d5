package transport

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// startTCPServer accepts a single connection and exposes it to the test.
func startTCPServer(t *testing.T) (addr string, connCh chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	connCh = make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		connCh <- conn
	}()
	return ln.Addr().String(), connCh
}

func TestTCPTransportReadWrite(t *testing.T) {
	addr, connCh := startTCPServer(t)
	tr, err := newTCP(addr, zerolog.Nop())
	if err != nil {
		t.Fatalf("new tcp: %v", err)
	}
	defer tr.Close()
	server := <-connCh
	defer server.Close()

	// Nothing queued yet: non-blocking read returns no data, no error.
	var buf [64]byte
	if n, err := tr.Read(buf[:]); n != 0 || err != nil {
		t.Fatalf("idle read: n=%d err=%v", n, err)
	}

	if _, err := server.Write([]byte("stub says hi")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	ready, err := tr.Poll(time.Second)
	if err != nil || !ready {
		t.Fatalf("poll: ready=%v err=%v", ready, err)
	}
	if got := tr.Peek(); got == 0 {
		t.Fatalf("peek returned 0 with data queued")
	}
	n, err := tr.Read(buf[:])
	if err != nil || string(buf[:n]) != "stub says hi" {
		t.Fatalf("read: n=%d err=%v data=%q", n, err, buf[:n])
	}

	if err := tr.Write([]byte("host says hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	echo := make([]byte, len("host says hi"))
	if _, err := io.ReadFull(server, echo); err != nil || string(echo) != "host says hi" {
		t.Fatalf("server read: %v %q", err, echo)
	}
}

func TestTCPPollTimesOut(t *testing.T) {
	addr, connCh := startTCPServer(t)
	tr, err := newTCP(addr, zerolog.Nop())
	if err != nil {
		t.Fatalf("new tcp: %v", err)
	}
	defer tr.Close()
	server := <-connCh
	defer server.Close()

	start := time.Now()
	ready, err := tr.Poll(50 * time.Millisecond)
	if err != nil || ready {
		t.Fatalf("poll: ready=%v err=%v", ready, err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("poll returned early")
	}
}

func TestTCPInterruptUnblocksPoll(t *testing.T) {
	addr, connCh := startTCPServer(t)
	tr, err := newTCP(addr, zerolog.Nop())
	if err != nil {
		t.Fatalf("new tcp: %v", err)
	}
	defer tr.Close()
	server := <-connCh
	defer server.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		tr.Interrupt()
	}()
	_, err = tr.Poll(5 * time.Second)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("poll: err=%v want interrupted", err)
	}
}

func TestTCPReadReportsPeerClose(t *testing.T) {
	addr, connCh := startTCPServer(t)
	tr, err := newTCP(addr, zerolog.Nop())
	if err != nil {
		t.Fatalf("new tcp: %v", err)
	}
	defer tr.Close()
	server := <-connCh
	server.Close()

	ready, err := tr.Poll(time.Second)
	if err != nil || !ready {
		t.Fatalf("poll after close: ready=%v err=%v", ready, err)
	}
	var buf [8]byte
	if _, err := tr.Read(buf[:]); !errors.Is(err, ErrClosed) {
		t.Fatalf("read after close: %v", err)
	}
}
