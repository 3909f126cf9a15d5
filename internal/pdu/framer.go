package pdu

// Writer is the sink frames are emitted into. Write blocks until the whole
// buffer is out or fails; transports satisfy it.
type Writer interface {
	Write(p []byte) error
}

// Emitter builds and writes outbound PDU frames. The counter of the N-th
// emitted frame is exactly N, counting from 1.
type Emitter struct {
	dir  Direction
	sent uint32
	// nowMillies stamps the informational timestamp field; zero when unset.
	nowMillies func() uint32
}

// NewEmitter returns an emitter stamping frames for the given direction.
func NewEmitter(dir Direction, nowMillies func() uint32) *Emitter {
	return &Emitter{dir: dir, nowMillies: nowMillies}
}

// Sent returns the number of frames emitted so far.
func (e *Emitter) Sent() uint32 { return e.sent }

var zeroPad [8]byte

// Emit frames the concatenation of parts as one PDU and writes it: header
// first, then the payload parts, then padding and footer. rc is zero on
// requests; the stub fills it on responses.
func (e *Emitter) Emit(w Writer, idCcd uint32, rrn RrnID, rc uint32, parts ...[]byte) error {
	cb := 0
	for _, p := range parts {
		cb += len(p)
	}

	e.sent++
	var ts uint32
	if e.nowMillies != nil {
		ts = e.nowMillies()
	}
	hdr := EncodeHeader(Header{
		Magic:     e.dir.startMagic(),
		CbPayload: uint32(cb),
		Counter:   e.sent,
		Rrn:       rrn,
		CcdID:     idCcd,
		TsMillies: ts,
		ReqRC:     rc,
	})

	sum := ByteSum(0, hdr)
	for _, p := range parts {
		sum = ByteSum(sum, p)
	}
	pad := zeroPad[:PadTo8(cb)-cb]

	footer := make([]byte, FooterSize)
	putU32(footer[0:4], ChecksumFor(sum))
	putU32(footer[4:8], e.dir.endMagic())

	if err := w.Write(hdr); err != nil {
		return err
	}
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		if err := w.Write(p); err != nil {
			return err
		}
	}
	if len(pad) > 0 {
		if err := w.Write(pad); err != nil {
			return err
		}
	}
	return w.Write(footer)
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Reject classifies why the receiver dropped an in-flight frame.
type Reject int

const (
	RejectNone Reject = iota
	RejectHdrMagic
	RejectPayloadLen
	RejectRrn
	RejectCounter
	RejectCcd
	RejectFooterMagic
	RejectChecksum
)

func (r Reject) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectHdrMagic:
		return "hdr_magic"
	case RejectPayloadLen:
		return "payload_len"
	case RejectRrn:
		return "rrn"
	case RejectCounter:
		return "counter"
	case RejectCcd:
		return "ccd"
	case RejectFooterMagic:
		return "footer_magic"
	case RejectChecksum:
		return "checksum"
	}
	return "unknown"
}

type recvState int

const (
	stateSeekMagic recvState = iota
	stateHeader
	statePayload
	stateFooter
)

// Receiver is the frame receive state machine: SeekMagic, Header, Payload,
// Footer. It resynchronizes byte-wise on garbage and validates headers and
// the footer checksum (which covers the padding) before publishing a frame;
// padding bytes are not checked to be zero.
type Receiver struct {
	dir   Direction
	state recvState
	buf   [RecvBufSize]byte
	off   int
	need  int

	hdr       Header
	cbPadded  int
	connected bool
	ccds      uint32
	// accepted counts published frames; when connected, the next inbound
	// counter must equal accepted+1.
	accepted uint32
}

// NewReceiver returns a receiver expecting frames of the given direction.
// Before the handshake completes a single CCD is assumed so the connect
// phase frames pass validation.
func NewReceiver(dir Direction) *Receiver {
	r := &Receiver{dir: dir, ccds: 1}
	r.Reset()
	return r
}

// Reset places the state machine back into SeekMagic.
func (r *Receiver) Reset() {
	r.state = stateSeekMagic
	r.off = 0
	r.need = 4
}

// SetCcds widens the CCD id range accepted in headers.
func (r *Receiver) SetCcds(ccds uint32) { r.ccds = ccds }

// SetConnected arms strict counter validation after the handshake. accepted
// re-bases the count of frames already published (the ConnectResponse is
// number one).
func (r *Receiver) SetConnected(ccds, accepted uint32) {
	r.connected = true
	r.ccds = ccds
	r.accepted = accepted
}

// Need returns the number of bytes wanted to complete the current state.
func (r *Receiver) Need() int { return r.need }

// Window returns the buffer slice the caller reads transport bytes into;
// up to Need bytes may be filled before calling Advance.
func (r *Receiver) Window() []byte { return r.buf[r.off : r.off+r.need] }

// Advance consumes n bytes previously read into Window. It returns a
// completed frame, or a reject reason when a frame in flight was dropped.
// The payload of a returned frame is a copy and stays valid.
func (r *Receiver) Advance(n int) (*Frame, Reject) {
	r.off += n
	r.need -= n
	if r.need > 0 {
		return nil, RejectNone
	}

	switch r.state {
	case stateSeekMagic:
		if getU32(r.buf[0:4]) == r.dir.startMagic() {
			r.state = stateHeader
			r.need = HdrSize - 4
			return nil, RejectNone
		}
		// Byte-wise resync: drop the first byte, pull one more.
		copy(r.buf[0:3], r.buf[1:4])
		r.off = 3
		r.need = 1
		return nil, RejectNone

	case stateHeader:
		hdr, err := DecodeHeader(r.buf[:HdrSize])
		if err != nil {
			r.Reset()
			return nil, RejectHdrMagic
		}
		if rej := r.validateHeader(hdr); rej != RejectNone {
			r.Reset()
			return nil, rej
		}
		r.hdr = hdr
		r.cbPadded = PadTo8(int(hdr.CbPayload))
		if r.cbPadded > 0 {
			r.state = statePayload
			r.need = r.cbPadded
		} else {
			r.state = stateFooter
			r.need = FooterSize
		}
		return nil, RejectNone

	case statePayload:
		r.state = stateFooter
		r.need = FooterSize
		return nil, RejectNone

	case stateFooter:
		defer r.Reset()
		footer := r.buf[HdrSize+r.cbPadded : HdrSize+r.cbPadded+FooterSize]
		if getU32(footer[4:8]) != r.dir.endMagic() {
			return nil, RejectFooterMagic
		}
		sum := ByteSum(0, r.buf[:HdrSize+r.cbPadded])
		if sum+getU32(footer[0:4]) != 0 {
			return nil, RejectChecksum
		}
		r.accepted++
		payload := append([]byte(nil), r.buf[HdrSize:HdrSize+int(r.hdr.CbPayload)]...)
		return &Frame{Header: r.hdr, Payload: payload}, RejectNone
	}

	return nil, RejectNone
}

func (r *Receiver) validateHeader(hdr Header) Reject {
	if hdr.Magic != r.dir.startMagic() {
		return RejectHdrMagic
	}
	if hdr.CbPayload > MaxPayload {
		return RejectPayloadLen
	}
	if r.dir == DirPspToHost {
		if !hdr.Rrn.IsResponse() && !hdr.Rrn.IsNotification() {
			return RejectRrn
		}
	} else if !hdr.Rrn.IsRequest() {
		return RejectRrn
	}
	if r.connected && hdr.Counter != r.accepted+1 {
		return RejectCounter
	}
	if hdr.CcdID >= r.ccds {
		return RejectCcd
	}
	return RejectNone
}
