package pdu

import (
	"bytes"
	"math/rand"
	"testing"
)

// collector gathers emitted frame bytes.
type collector struct {
	data   []byte
	writes int
}

func (c *collector) Write(p []byte) error {
	c.data = append(c.data, p...)
	c.writes++
	return nil
}

// feed pushes a byte stream through a receiver and collects the outcome.
func feed(rx *Receiver, data []byte) (frames []*Frame, rejects []Reject) {
	for len(data) > 0 {
		n := copy(rx.Window(), data)
		data = data[n:]
		frame, rej := rx.Advance(n)
		if rej != RejectNone {
			rejects = append(rejects, rej)
		}
		if frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames, rejects
}

func emitOne(t *testing.T, e *Emitter, idCcd uint32, rrn RrnID, payload []byte) []byte {
	t.Helper()
	var c collector
	if err := e.Emit(&c, idCcd, rrn, 0, payload); err != nil {
		t.Fatalf("emit: %v", err)
	}
	return c.data
}

func TestEmitReceiveRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0x42},
		[]byte("seven b"),
		[]byte("exactly 8 bytes!")[:8],
		bytes.Repeat([]byte{0xa5}, 517),
	}
	for _, payload := range payloads {
		em := NewEmitter(DirPspToHost, nil)
		rx := NewReceiver(DirPspToHost)
		raw := emitOne(t, em, 0, RrnNotLogMsg, payload)

		if len(raw) != HdrSize+PadTo8(len(payload))+FooterSize {
			t.Fatalf("frame length %d for payload %d", len(raw), len(payload))
		}
		// The pad region must be zero-filled.
		for i := HdrSize + len(payload); i < HdrSize+PadTo8(len(payload)); i++ {
			if raw[i] != 0 {
				t.Fatalf("pad byte %d not zero", i)
			}
		}

		frames, rejects := feed(rx, raw)
		if len(rejects) != 0 {
			t.Fatalf("unexpected rejects: %v", rejects)
		}
		if len(frames) != 1 {
			t.Fatalf("got %d frames, want 1", len(frames))
		}
		if !bytes.Equal(frames[0].Payload, payload) {
			t.Fatalf("payload mismatch: got %x want %x", frames[0].Payload, payload)
		}
	}
}

func TestEmitCountersAreSequential(t *testing.T) {
	em := NewEmitter(DirHostToPsp, nil)
	rx := NewReceiver(DirHostToPsp)
	const n = 25
	var stream []byte
	for i := 0; i < n; i++ {
		stream = append(stream, emitOne(t, em, 0, RrnReqPspMemRead, []byte{byte(i)})...)
	}
	frames, rejects := feed(rx, stream)
	if len(rejects) != 0 || len(frames) != n {
		t.Fatalf("frames=%d rejects=%v", len(frames), rejects)
	}
	for i, f := range frames {
		if f.Header.Counter != uint32(i+1) {
			t.Fatalf("frame %d carries counter %d", i, f.Header.Counter)
		}
	}
}

func TestSingleByteCorruptionNeverAccepted(t *testing.T) {
	payload := []byte("corruption probe 123")
	em := NewEmitter(DirPspToHost, nil)
	pristine := emitOne(t, em, 0, RrnNotLogMsg, payload)

	// Every byte is flipped, the footer end magic included; a flipped end
	// magic is reported as a distinct reject, and only acceptance is checked.
	for i := 0; i < len(pristine); i++ {
		corrupted := append([]byte(nil), pristine...)
		corrupted[i] ^= 0x40

		rx := NewReceiver(DirPspToHost)
		frames, _ := feed(rx, corrupted)
		if len(frames) != 0 {
			t.Fatalf("corrupted byte %d still accepted", i)
		}
	}
}

func TestByteWiseResync(t *testing.T) {
	payload := []byte("resync target")
	for k := 0; k < 16; k++ {
		garbage := make([]byte, k)
		rng := rand.New(rand.NewSource(int64(k) + 7))
		for i := range garbage {
			garbage[i] = byte(rng.Intn(256))
			if garbage[i] == 0x11 {
				// Keep the prefix from faking the inbound start magic.
				garbage[i] = 0x12
			}
		}
		em := NewEmitter(DirPspToHost, nil)
		stream := append(garbage, emitOne(t, em, 0, RrnNotLogMsg, payload)...)

		rx := NewReceiver(DirPspToHost)
		frames, _ := feed(rx, stream)
		if len(frames) != 1 {
			t.Fatalf("k=%d: got %d frames, want 1", k, len(frames))
		}
		if !bytes.Equal(frames[0].Payload, payload) {
			t.Fatalf("k=%d: payload mismatch", k)
		}
	}
}

func TestHeaderValidationRejects(t *testing.T) {
	build := func(mutate func(*Header)) []byte {
		h := Header{
			Magic:     DirPspToHost.startMagic(),
			CbPayload: 0,
			Counter:   1,
			Rrn:       RrnNotBeacon,
		}
		mutate(&h)
		hdr := EncodeHeader(h)
		sum := ByteSum(0, hdr)
		footer := make([]byte, FooterSize)
		putU32(footer[0:4], ChecksumFor(sum))
		putU32(footer[4:8], DirPspToHost.endMagic())
		return append(hdr, footer...)
	}

	cases := []struct {
		name   string
		mutate func(*Header)
		want   Reject
	}{
		{"oversize payload", func(h *Header) { h.CbPayload = MaxPayload + 1 }, RejectPayloadLen},
		{"request id inbound", func(h *Header) { h.Rrn = RrnReqSmnRead }, RejectRrn},
		{"undefined id", func(h *Header) { h.Rrn = 0x9999 }, RejectRrn},
		{"ccd out of range", func(h *Header) { h.CcdID = 1 }, RejectCcd},
	}
	for _, tc := range cases {
		rx := NewReceiver(DirPspToHost)
		frames, rejects := feed(rx, build(tc.mutate))
		if len(frames) != 0 {
			t.Fatalf("%s: frame accepted", tc.name)
		}
		if len(rejects) != 1 || rejects[0] != tc.want {
			t.Fatalf("%s: rejects=%v want %v", tc.name, rejects, tc.want)
		}
	}
}

func TestCounterValidationWhenConnected(t *testing.T) {
	em := NewEmitter(DirPspToHost, nil)
	rx := NewReceiver(DirPspToHost)
	rx.SetConnected(1, 0)

	frame1 := emitOne(t, em, 0, RrnNotBeacon, EncodeBeaconNot(BeaconNot{CBeaconsSent: 1}))
	frames, rejects := feed(rx, frame1)
	if len(frames) != 1 || len(rejects) != 0 {
		t.Fatalf("in-sequence frame not accepted: %v", rejects)
	}

	// Skip a counter: emit 2 then drop it, feed 3.
	emitOne(t, em, 0, RrnNotBeacon, EncodeBeaconNot(BeaconNot{CBeaconsSent: 2}))
	frame3 := emitOne(t, em, 0, RrnNotBeacon, EncodeBeaconNot(BeaconNot{CBeaconsSent: 3}))
	frames, rejects = feed(rx, frame3)
	if len(frames) != 0 {
		t.Fatalf("gapped counter accepted")
	}
	if len(rejects) != 1 || rejects[0] != RejectCounter {
		t.Fatalf("rejects=%v want counter", rejects)
	}
}

func TestEmitterWritesHeaderPayloadPadFooterSeparately(t *testing.T) {
	em := NewEmitter(DirHostToPsp, nil)
	var c collector
	if err := em.Emit(&c, 0, RrnReqPspMemWrite, 0, []byte("abc")); err != nil {
		t.Fatalf("emit: %v", err)
	}
	// Header, payload, pad, footer.
	if c.writes != 4 {
		t.Fatalf("writes=%d want 4", c.writes)
	}
	var c2 collector
	if err := em.Emit(&c2, 0, RrnReqConnect, 0); err != nil {
		t.Fatalf("emit: %v", err)
	}
	// No payload, no pad.
	if c2.writes != 2 {
		t.Fatalf("writes=%d want 2", c2.writes)
	}
}
