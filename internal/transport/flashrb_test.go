package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// flashEmu is an in-process flash emulator server speaking the REQHDR
// protocol over a real socket, backed by one image buffer.
type flashEmu struct {
	mu    sync.Mutex
	image []byte
	ln    net.Listener
}

func startFlashEmu(t *testing.T) *flashEmu {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	emu := &flashEmu{
		image: make([]byte, int(MsgChanOff)+int(MsgChanHdrSize)+2*int(RingSize)),
		ln:    ln,
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go emu.serve(conn)
		}
	}()
	return emu
}

func (e *flashEmu) addr() string { return e.ln.Addr().String() }

func (e *flashEmu) serve(conn net.Conn) {
	defer conn.Close()
	for {
		var hdr [flashReqSize]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		magic := binary.LittleEndian.Uint32(hdr[0:4])
		cmd := binary.LittleEndian.Uint32(hdr[4:8])
		start := binary.LittleEndian.Uint32(hdr[8:12])
		cb := binary.LittleEndian.Uint32(hdr[12:16])
		if magic != flashReqMagic || int(start)+int(cb) > len(e.image) {
			return
		}
		var status [4]byte
		switch cmd {
		case flashCmdRead:
			e.mu.Lock()
			data := append([]byte(nil), e.image[start:start+cb]...)
			e.mu.Unlock()
			conn.Write(status[:])
			conn.Write(data)
		case flashCmdWrite:
			data := make([]byte, cb)
			if _, err := io.ReadFull(conn, data); err != nil {
				return
			}
			e.mu.Lock()
			copy(e.image[start:], data)
			e.mu.Unlock()
			conn.Write(status[:])
		default:
			return
		}
	}
}

// Stub-side ring helpers operating directly on the image, the way the
// firmware end of the channel does.
func (e *flashEmu) hdr() MsgChanHdr {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, _ := DecodeMsgChanHdr(e.image[MsgChanOff : MsgChanOff+MsgChanHdrSize])
	return h
}

func (e *flashEmu) stubPush(t *testing.T, data []byte) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	h, _ := DecodeMsgChanHdr(e.image[MsgChanOff : MsgChanOff+MsgChanHdrSize])
	rb := &h.Psp2Ext
	for len(data) > 0 {
		span := rb.WriteSpan()
		if span == 0 {
			t.Fatalf("stub push: ring full")
		}
		n := minU32(span, uint32(len(data)))
		base := MsgChanOff + h.OffPsp2Ext + rb.OffHead
		copy(e.image[base:], data[:n])
		rb.AdvanceHead(n)
		data = data[n:]
	}
	copy(e.image[MsgChanOff:], EncodeMsgChanHdr(h))
}

func (e *flashEmu) stubDrain(n uint32) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, _ := DecodeMsgChanHdr(e.image[MsgChanOff : MsgChanOff+MsgChanHdrSize])
	rb := &h.Ext2Psp
	var out []byte
	for uint32(len(out)) < n && rb.Used() > 0 {
		span := minU32(rb.ReadSpan(), n-uint32(len(out)))
		base := MsgChanOff + h.OffExt2Psp + rb.OffTail
		out = append(out, e.image[base:base+span]...)
		rb.AdvanceTail(span)
	}
	copy(e.image[MsgChanOff:], EncodeMsgChanHdr(h))
	return out
}

func TestFlashRBInitWritesChannelHeader(t *testing.T) {
	emu := startFlashEmu(t)
	tr, err := newFlashRB(emu.addr(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new flash transport: %v", err)
	}
	defer tr.Close()

	h := emu.hdr()
	if h.Magic != MsgChanMagic {
		t.Fatalf("channel magic %#x", h.Magic)
	}
	if h.OffExt2Psp != MsgChanHdrSize || h.OffPsp2Ext != MsgChanHdrSize+RingSize {
		t.Fatalf("ring offsets %+v", h)
	}
	if h.Ext2Psp.CbRingBuf != RingSize || h.Ext2Psp.OffHead != 0 || h.Ext2Psp.OffTail != 0 {
		t.Fatalf("ext2psp ring %+v", h.Ext2Psp)
	}
}

func TestFlashRBWriteLandsInRing(t *testing.T) {
	emu := startFlashEmu(t)
	tr, err := newFlashRB(emu.addr(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new flash transport: %v", err)
	}
	defer tr.Close()

	msg := []byte("pdu frame bytes going to the psp")
	if err := tr.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := emu.stubDrain(uint32(len(msg)))
	if !bytes.Equal(got, msg) {
		t.Fatalf("stub drained %q", got)
	}
}

func TestFlashRBPeekReadAfterStubPush(t *testing.T) {
	emu := startFlashEmu(t)
	tr, err := newFlashRB(emu.addr(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new flash transport: %v", err)
	}
	defer tr.Close()

	if got := tr.Peek(); got != 0 {
		t.Fatalf("peek on empty ring: %d", got)
	}
	msg := []byte("frame from the psp side")
	emu.stubPush(t, msg)

	ready, err := tr.Poll(time.Second)
	if err != nil || !ready {
		t.Fatalf("poll: ready=%v err=%v", ready, err)
	}
	if got := tr.Peek(); got != len(msg) {
		t.Fatalf("peek=%d want %d", got, len(msg))
	}
	buf := make([]byte, 64)
	n, err := tr.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("read %q", buf[:n])
	}
	// The tail pointer published back to flash reflects the consumption.
	if h := emu.hdr(); h.Psp2Ext.OffTail != uint32(len(msg)) {
		t.Fatalf("published tail %d", h.Psp2Ext.OffTail)
	}
}

func TestFlashRBWrapAround(t *testing.T) {
	emu := startFlashEmu(t)
	tr, err := newFlashRB(emu.addr(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new flash transport: %v", err)
	}
	defer tr.Close()

	chunk := bytes.Repeat([]byte{0x5A}, 3000)
	if err := tr.Write(chunk); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if got := emu.stubDrain(3000); len(got) != 3000 {
		t.Fatalf("first drain %d", len(got))
	}
	// Second write wraps the head pointer past the ring end.
	chunk2 := make([]byte, 3000)
	for i := range chunk2 {
		chunk2[i] = byte(i)
	}
	if err := tr.Write(chunk2); err != nil {
		t.Fatalf("wrapping write: %v", err)
	}
	got := emu.stubDrain(3000)
	if !bytes.Equal(got, chunk2) {
		t.Fatalf("wrapped data mismatch (%d bytes)", len(got))
	}

	// And the same on the stub-to-host ring.
	emu.stubPush(t, chunk)
	buf := make([]byte, 4096)
	var drained []byte
	for len(drained) < 3000 {
		n, err := tr.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if n == 0 {
			t.Fatalf("ring empty after %d bytes", len(drained))
		}
		drained = append(drained, buf[:n]...)
	}
	emu.stubPush(t, chunk2)
	drained = drained[:0]
	for len(drained) < 3000 {
		n, err := tr.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		drained = append(drained, buf[:n]...)
	}
	if !bytes.Equal(drained, chunk2) {
		t.Fatalf("wrapped stub data mismatch")
	}
}

func TestFlashRBPollTimesOutAndInterrupts(t *testing.T) {
	emu := startFlashEmu(t)
	tr, err := newFlashRB(emu.addr(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new flash transport: %v", err)
	}
	defer tr.Close()

	ready, err := tr.Poll(50 * time.Millisecond)
	if err != nil || ready {
		t.Fatalf("poll: ready=%v err=%v", ready, err)
	}

	tr.Interrupt()
	if _, err := tr.Poll(time.Second); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("interrupted poll: %v", err)
	}
}
