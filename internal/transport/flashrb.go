package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Flash emulator wire protocol: a request header, then data (writes) or a
// status code followed by data (reads).
const (
	flashReqMagic uint32 = 0xEBADC0DE
	flashCmdRead  uint32 = 0
	flashCmdWrite uint32 = 1
	flashReqSize         = 16
)

// SPI message channel embedded in the flash image: a header at a fixed
// offset followed by two single-producer/single-consumer ring buffers.
const (
	// MsgChanOff is the fixed flash offset of the message channel header.
	MsgChanOff uint32 = 0xAAB000
	// MsgChanMagic identifies an initialized message channel.
	MsgChanMagic uint32 = 0x18920103
	// MsgChanHdrSize is the encoded channel header size.
	MsgChanHdrSize uint32 = 36
	// RingSize is the capacity of each direction's ring.
	RingSize uint32 = 4096

	offExt2PspHead = 12
	offPsp2ExtTail = 28
)

// RingHdr is one ring buffer's bookkeeping triple.
type RingHdr struct {
	CbRingBuf uint32
	OffHead   uint32
	OffTail   uint32
}

// MsgChanHdr is the message channel header as laid out in flash.
type MsgChanHdr struct {
	OffExt2Psp uint32
	OffPsp2Ext uint32
	Ext2Psp    RingHdr
	Psp2Ext    RingHdr
	Magic      uint32
}

// NewMsgChanHdr returns a freshly initialized channel header with both
// rings empty.
func NewMsgChanHdr() MsgChanHdr {
	return MsgChanHdr{
		OffExt2Psp: MsgChanHdrSize,
		OffPsp2Ext: MsgChanHdrSize + RingSize,
		Ext2Psp:    RingHdr{CbRingBuf: RingSize},
		Psp2Ext:    RingHdr{CbRingBuf: RingSize},
		Magic:      MsgChanMagic,
	}
}

// EncodeMsgChanHdr serializes the channel header.
func EncodeMsgChanHdr(h MsgChanHdr) []byte {
	b := make([]byte, MsgChanHdrSize)
	binary.LittleEndian.PutUint32(b[0:4], h.OffExt2Psp)
	binary.LittleEndian.PutUint32(b[4:8], h.OffPsp2Ext)
	binary.LittleEndian.PutUint32(b[8:12], h.Ext2Psp.CbRingBuf)
	binary.LittleEndian.PutUint32(b[12:16], h.Ext2Psp.OffHead)
	binary.LittleEndian.PutUint32(b[16:20], h.Ext2Psp.OffTail)
	binary.LittleEndian.PutUint32(b[20:24], h.Psp2Ext.CbRingBuf)
	binary.LittleEndian.PutUint32(b[24:28], h.Psp2Ext.OffHead)
	binary.LittleEndian.PutUint32(b[28:32], h.Psp2Ext.OffTail)
	binary.LittleEndian.PutUint32(b[32:36], h.Magic)
	return b
}

// DecodeMsgChanHdr parses the channel header.
func DecodeMsgChanHdr(b []byte) (MsgChanHdr, error) {
	if len(b) != int(MsgChanHdrSize) {
		return MsgChanHdr{}, fmt.Errorf("transport: message channel header length %d", len(b))
	}
	return MsgChanHdr{
		OffExt2Psp: binary.LittleEndian.Uint32(b[0:4]),
		OffPsp2Ext: binary.LittleEndian.Uint32(b[4:8]),
		Ext2Psp: RingHdr{
			CbRingBuf: binary.LittleEndian.Uint32(b[8:12]),
			OffHead:   binary.LittleEndian.Uint32(b[12:16]),
			OffTail:   binary.LittleEndian.Uint32(b[16:20]),
		},
		Psp2Ext: RingHdr{
			CbRingBuf: binary.LittleEndian.Uint32(b[20:24]),
			OffHead:   binary.LittleEndian.Uint32(b[24:28]),
			OffTail:   binary.LittleEndian.Uint32(b[28:32]),
		},
		Magic: binary.LittleEndian.Uint32(b[32:36]),
	}, nil
}

// Free returns the writable byte count of the ring.
func (r *RingHdr) Free() uint32 {
	if r.OffHead >= r.OffTail {
		return r.CbRingBuf - (r.OffHead - r.OffTail)
	}
	return r.OffTail - r.OffHead
}

// Used returns the readable byte count of the ring.
func (r *RingHdr) Used() uint32 { return r.CbRingBuf - r.Free() }

// WriteSpan returns how many bytes fit before the head pointer wraps.
func (r *RingHdr) WriteSpan() uint32 {
	return minU32(r.Free(), r.CbRingBuf-r.OffHead)
}

// ReadSpan returns how many bytes can be read before the tail wraps.
func (r *RingHdr) ReadSpan() uint32 {
	return minU32(r.Used(), r.CbRingBuf-r.OffTail)
}

// AdvanceHead publishes cb produced bytes.
func (r *RingHdr) AdvanceHead(cb uint32) { r.OffHead = (r.OffHead + cb) % r.CbRingBuf }

// AdvanceTail consumes cb bytes.
func (r *RingHdr) AdvanceTail(cb uint32) { r.OffTail = (r.OffTail + cb) % r.CbRingBuf }

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// flashTransport tunnels the PDU byte stream through ring buffers embedded
// in a flash image served by a remote emulator. Every peek, read and write
// is at least one emulator round trip, so latency is orders of magnitude
// above the socket transports; Poll is a paced busy loop.
type flashTransport struct {
	conn        net.Conn
	hdr         MsgChanHdr
	interrupted atomic.Bool
	rng         *rand.Rand
	log         zerolog.Logger
}

func newFlashRB(rest string, log zerolog.Logger) (*flashTransport, error) {
	conn, err := net.Dial("tcp", rest)
	if err != nil {
		return nil, fmt.Errorf("transport: em100 connect %q: %w", rest, err)
	}
	t := &flashTransport{
		conn: conn,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		log:  log,
	}
	// Install a fresh channel header with both rings empty.
	t.hdr = NewMsgChanHdr()
	if err := t.flashWrite(MsgChanOff, EncodeMsgChanHdr(t.hdr)); err != nil {
		conn.Close()
		return nil, err
	}
	zero := make([]byte, 2*RingSize)
	if err := t.flashWrite(MsgChanOff+MsgChanHdrSize, zero); err != nil {
		conn.Close()
		return nil, err
	}
	t.log.Debug().Str("emulator", rest).Msg("flash ring-buffer transport initialized")
	return t, nil
}

func encodeFlashReq(cmd, start, cb uint32) []byte {
	b := make([]byte, flashReqSize)
	binary.LittleEndian.PutUint32(b[0:4], flashReqMagic)
	binary.LittleEndian.PutUint32(b[4:8], cmd)
	binary.LittleEndian.PutUint32(b[8:12], start)
	binary.LittleEndian.PutUint32(b[12:16], cb)
	return b
}

// flashRead fetches len(p) bytes from the flash image.
func (t *flashTransport) flashRead(start uint32, p []byte) error {
	if _, err := t.conn.Write(encodeFlashReq(flashCmdRead, start, uint32(len(p)))); err != nil {
		return fmt.Errorf("transport: em100 read request: %w", err)
	}
	var status [4]byte
	if _, err := io.ReadFull(t.conn, status[:]); err != nil {
		return fmt.Errorf("transport: em100 read status: %w", err)
	}
	if rc := int32(binary.LittleEndian.Uint32(status[:])); rc != 0 {
		return fmt.Errorf("transport: em100 read failed with status %d", rc)
	}
	if _, err := io.ReadFull(t.conn, p); err != nil {
		return fmt.Errorf("transport: em100 read data: %w", err)
	}
	return nil
}

// flashWrite stores p at the given flash offset.
func (t *flashTransport) flashWrite(start uint32, p []byte) error {
	if _, err := t.conn.Write(encodeFlashReq(flashCmdWrite, start, uint32(len(p)))); err != nil {
		return fmt.Errorf("transport: em100 write request: %w", err)
	}
	if _, err := t.conn.Write(p); err != nil {
		return fmt.Errorf("transport: em100 write data: %w", err)
	}
	var status [4]byte
	if _, err := io.ReadFull(t.conn, status[:]); err != nil {
		return fmt.Errorf("transport: em100 write status: %w", err)
	}
	if rc := int32(binary.LittleEndian.Uint32(status[:])); rc != 0 {
		return fmt.Errorf("transport: em100 write failed with status %d", rc)
	}
	return nil
}

// fetchHdr refreshes the local channel header copy from flash.
func (t *flashTransport) fetchHdr() error {
	buf := make([]byte, MsgChanHdrSize)
	if err := t.flashRead(MsgChanOff, buf); err != nil {
		return err
	}
	hdr, err := DecodeMsgChanHdr(buf)
	if err != nil {
		return err
	}
	if hdr.Magic != MsgChanMagic {
		return fmt.Errorf("transport: message channel magic %#x", hdr.Magic)
	}
	t.hdr = hdr
	return nil
}

// publishU32 writes a single header field back to flash.
func (t *flashTransport) publishU32(off uint32, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return t.flashWrite(MsgChanOff+off, b[:])
}

func (t *flashTransport) Peek() int {
	if err := t.fetchHdr(); err != nil {
		return 0
	}
	return int(t.hdr.Psp2Ext.Used())
}

func (t *flashTransport) Read(p []byte) (int, error) {
	if err := t.fetchHdr(); err != nil {
		return 0, err
	}
	rb := &t.hdr.Psp2Ext
	n := minU32(rb.ReadSpan(), uint32(len(p)))
	if n == 0 {
		return 0, nil
	}
	if err := t.flashRead(MsgChanOff+t.hdr.OffPsp2Ext+rb.OffTail, p[:n]); err != nil {
		return 0, err
	}
	rb.AdvanceTail(n)
	if err := t.publishU32(offPsp2ExtTail, rb.OffTail); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (t *flashTransport) Write(p []byte) error {
	attempt := 0
	for len(p) > 0 {
		if t.interrupted.Load() {
			return ErrInterrupted
		}
		if err := t.fetchHdr(); err != nil {
			return err
		}
		rb := &t.hdr.Ext2Psp
		n := minU32(rb.WriteSpan(), uint32(len(p)))
		if n == 0 {
			// Ring full until the stub drains it.
			attempt++
			time.Sleep(NextBackoffDelay(flashPollBackoff, attempt, t.rng))
			continue
		}
		attempt = 0
		if err := t.flashWrite(MsgChanOff+t.hdr.OffExt2Psp+rb.OffHead, p[:n]); err != nil {
			return err
		}
		rb.AdvanceHead(n)
		if err := t.publishU32(offExt2PspHead, rb.OffHead); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (t *flashTransport) Poll(d time.Duration) (bool, error) {
	dl := time.Now().Add(d)
	attempt := 0
	for {
		if t.interrupted.Load() {
			return false, ErrInterrupted
		}
		if err := t.fetchHdr(); err != nil {
			return false, err
		}
		if t.hdr.Psp2Ext.Used() > 0 {
			return true, nil
		}
		if !time.Now().Before(dl) {
			return false, nil
		}
		attempt++
		delay := NextBackoffDelay(flashPollBackoff, attempt, t.rng)
		if remaining := time.Until(dl); delay > remaining {
			delay = remaining
		}
		time.Sleep(delay)
	}
}

func (t *flashTransport) Interrupt() error {
	t.interrupted.Store(true)
	return nil
}

func (t *flashTransport) Close() error {
	return t.conn.Close()
}
