package pspproxy

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/pspproxy/internal/pdu"
	"github.com/danmuck/pspproxy/internal/testutil/pipet"
	"github.com/danmuck/pspproxy/internal/testutil/stubemu"
	"github.com/danmuck/pspproxy/internal/testutil/testlog"
)

func newProxy(t *testing.T, cfg stubemu.Config, handler stubemu.Handler, opts ...Option) (*Proxy, *stubemu.Stub) {
	t.Helper()
	testlog.Start(t)
	hostEp, stubEp := pipet.New()
	stub := stubemu.New(stubEp, cfg, handler)
	stub.Start()
	t.Cleanup(stub.Stop)

	p := defaults(opts)
	if err := p.start(hostEp); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, stub
}

func TestNewRejectsUnknownScheme(t *testing.T) {
	_, err := New("sev:///dev/sev")
	if !errors.Is(err, ErrNoSuchProvider) {
		t.Fatalf("err=%v want no such provider", err)
	}
}

func TestProxySmnReadEndToEnd(t *testing.T) {
	handler := func(s *stubemu.Stub, req stubemu.Request) (uint32, []byte) {
		if req.Rrn != pdu.RrnReqSmnRead {
			return 1, nil
		}
		if binary.LittleEndian.Uint32(req.Payload[0:4]) != 0x02DC4000 {
			t.Errorf("smn addr %#x", binary.LittleEndian.Uint32(req.Payload[0:4]))
		}
		return pdu.StsSuccess, []byte{0xDE, 0xAD, 0xBE, 0xEF}
	}
	p, _ := newProxy(t, stubemu.DefaultConfig(), handler)

	val, err := p.SmnRead(0, 0x02DC4000, 4)
	if err != nil {
		t.Fatalf("smn read: %v", err)
	}
	if val != 0xEFBEADDE {
		t.Fatalf("val=%#x", val)
	}

	info, err := p.QueryInfo()
	if err != nil {
		t.Fatalf("query info: %v", err)
	}
	if info.CbPduMax != 4096 || info.CCcds != 1 {
		t.Fatalf("info %+v", info)
	}
}

func TestProxyArgumentValidation(t *testing.T) {
	p, stub := newProxy(t, stubemu.DefaultConfig(), nil)

	if _, err := p.SmnRead(0, 0x10, 3); !errors.Is(err, ErrArgument) {
		t.Fatalf("register size 3: %v", err)
	}
	if err := p.PspMmioWrite(0, 0x10, 16, 0); !errors.Is(err, ErrArgument) {
		t.Fatalf("register size 16: %v", err)
	}

	addr := Addr{Space: AddrSpacePspMem, Value: 0x1000}
	data := make([]byte, 64)
	cases := []struct {
		name   string
		addr   Addr
		stride uint32
		flags  XferFlags
		cb     uint32
	}{
		{"bad stride", addr, 3, XferRead, 64},
		{"misaligned", addr, 4, XferRead, 62},
		{"no kind", addr, 4, XferIncrAddr, 64},
		{"two kinds", addr, 4, XferRead | XferWrite, 64},
		{"unknown flag bit", addr, 4, XferRead | XferFlags(0x80), 64},
		{"bad space", Addr{Space: AddrSpace(99)}, 4, XferRead, 64},
	}
	for _, tc := range cases {
		if err := p.AddrXfer(0, tc.addr, tc.stride, tc.flags, tc.cb, data); !errors.Is(err, ErrArgument) {
			t.Fatalf("%s: err=%v want argument error", tc.name, err)
		}
	}

	if err := p.CodeModLoad(0, CodeModTypeFlat, nil); !errors.Is(err, ErrArgument) {
		t.Fatalf("empty image: %v", err)
	}

	// Nothing of the above touched the wire.
	if got := len(stub.Requests()); got != 0 {
		t.Fatalf("%d requests reached the stub", got)
	}
}

func TestProxyScratchAllocatorLifecycle(t *testing.T) {
	p, _ := newProxy(t, stubemu.DefaultConfig(), nil)

	a, err := p.ScratchAlloc(0x1000)
	if err != nil {
		t.Fatalf("alloc A: %v", err)
	}
	if a != 0x2F000 {
		t.Fatalf("A=%#x want 0x2F000", a)
	}
	b, err := p.ScratchAlloc(0x1000)
	if err != nil {
		t.Fatalf("alloc B: %v", err)
	}
	if b != 0x2E000 {
		t.Fatalf("B=%#x want 0x2E000", b)
	}
	if err := p.ScratchFree(a, 0x1000); err != nil {
		t.Fatalf("free A: %v", err)
	}
	if err := p.ScratchFree(b, 0x1000); err != nil {
		t.Fatalf("free B: %v", err)
	}

	// The whole region coalesced back; the next best-fit allocation comes
	// from the top again.
	c, err := p.ScratchAlloc(0x2000)
	if err != nil {
		t.Fatalf("alloc C: %v", err)
	}
	if c != 0x2E000 {
		t.Fatalf("C=%#x want 0x2E000", c)
	}
}

func TestProxyHostIOCallbacks(t *testing.T) {
	var lines []string
	io := &HostIOFuncs{
		LogMsgFn: func(msg string) { lines = append(lines, msg) },
	}
	p, stub := newProxy(t, stubemu.DefaultConfig(), nil, WithHostIO(io))

	stub.SendLogMsg("abc: hello\n")
	if err := p.PspMemWrite(0, 0x100, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(lines) != 1 || lines[0] != "abc: hello\n" {
		t.Fatalf("lines=%q", lines)
	}
}

func TestProxyPeerResetSurfaces(t *testing.T) {
	p, stub := newProxy(t, stubemu.DefaultConfig(), nil)

	stub.SendBeaconValue(0)
	err := p.PspMemWrite(0, 0x100, []byte{1})
	if !errors.Is(err, ErrPeerReset) {
		t.Fatalf("err=%v want peer reset", err)
	}
	if _, err := p.SmnRead(0, 0x10, 4); !errors.Is(err, ErrPeerReset) {
		t.Fatalf("latched err=%v", err)
	}
}

func TestProxyRequestTimeoutOption(t *testing.T) {
	// A stub that answers too late: the handler sleeps past the proxy
	// timeout before it responds.
	handler := func(s *stubemu.Stub, req stubemu.Request) (uint32, []byte) {
		time.Sleep(300 * time.Millisecond)
		return pdu.StsSuccess, nil
	}
	p, _ := newProxy(t, stubemu.DefaultConfig(), handler,
		WithRequestTimeout(50*time.Millisecond))

	err := p.PspMemWrite(0, 0x100, []byte{1})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v want timeout", err)
	}
}
