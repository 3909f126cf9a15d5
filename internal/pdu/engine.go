package pdu

import (
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/danmuck/pspproxy/internal/observability"
	"github.com/danmuck/pspproxy/internal/transport"
)

// HostIO is the embedder-provided callback sink for in-band host I/O. Log
// and output-buffer callbacks may not fail the engine; input-buffer
// callbacks are consulted only while a code module executes.
type HostIO interface {
	// LogMsg receives one complete stub log line, including its newline.
	LogMsg(msg string)
	// OutBufWrite receives bytes the stub pushed into an output buffer.
	OutBufWrite(idOutBuf uint32, data []byte)
	// InBufPeek returns the number of bytes waiting in a host input source.
	InBufPeek(idInBuf uint32) int
	// InBufRead drains up to len(p) bytes from a host input source.
	InBufRead(idInBuf uint32, p []byte) int
}

// logBufSize is the assembly buffer for stub log messages. Messages that
// would overflow it are dropped whole.
const logBufSize = 1024

// inBufChunk is how much host input is forwarded per input-buffer write
// while a code module runs.
const inBufChunk = 512

// execPollTick is the recv poll granularity of the exec runloop.
const execPollTick = time.Millisecond

// ConnState carries everything learned from the handshake. It exists only
// while the engine is connected.
type ConnState struct {
	CbPduMax       uint32
	PspAddrScratch PSPAddr
	CbScratch      uint32
	CSysSockets    uint32
	CCcdsPerSocket uint32
	CCcds          uint32
	CBeaconsSeen   uint32
}

// Info is the QueryInfo view of the connected state.
type Info struct {
	CbPduMax       uint32
	PspAddrScratch PSPAddr
	CbScratch      uint32
	CSysSockets    uint32
	CCcdsPerSocket uint32
	CCcds          uint32
}

type irqSlot struct {
	pending bool
	irq     bool
	firq    bool
}

// IrqEvent is one drained per-CCD interrupt state change.
type IrqEvent struct {
	CcdID uint32
	Irq   bool
	Firq  bool
}

// Engine is the PDU protocol engine: connect handshake, request/response
// correlation, notification dispatch and payload chunking over a Transport.
// It is single-threaded cooperative; one engine belongs to one caller.
type Engine struct {
	tr  transport.Transport
	io  HostIO
	log zerolog.Logger

	emit *Emitter
	rx   *Receiver

	// conn is nil while disconnected; the handshake populates it once.
	conn *ConnState
	// failed latches the first fatal error; every later call returns it.
	failed error
	// rcLast is the stub status of the most recent response.
	rcLast uint32

	logBuf [logBufSize]byte
	logLen int

	irq        []irqSlot
	irqOrder   []uint32
	irqPending int

	execActive bool
	execDone   bool
	execRet    uint32

	started time.Time
}

// NewEngine wires an engine to its transport and host I/O sinks. io may be
// nil when the embedder has no interest in stub I/O.
func NewEngine(tr transport.Transport, io HostIO, log zerolog.Logger) *Engine {
	observability.Register()
	e := &Engine{
		tr:      tr,
		io:      io,
		started: time.Now(),
		rx:      NewReceiver(DirPspToHost),
	}
	e.emit = NewEmitter(DirHostToPsp, func() uint32 {
		return uint32(time.Since(e.started).Milliseconds())
	})
	e.log = log.With().Str("session", xid.New().String()).Logger()
	return e
}

// RcLast returns the stub status code of the most recent response.
func (e *Engine) RcLast() uint32 { return e.rcLast }

// Connected reports whether the handshake completed.
func (e *Engine) Connected() bool { return e.conn != nil }

// QueryInfo returns the peer-advertised limits, scratch region and
// topology recorded at connect time.
func (e *Engine) QueryInfo() (Info, error) {
	if e.failed != nil {
		return Info{}, e.failed
	}
	if e.conn == nil {
		return Info{}, ErrNotConnected
	}
	return Info{
		CbPduMax:       e.conn.CbPduMax,
		PspAddrScratch: e.conn.PspAddrScratch,
		CbScratch:      e.conn.CbScratch,
		CSysSockets:    e.conn.CSysSockets,
		CCcdsPerSocket: e.conn.CCcdsPerSocket,
		CCcds:          e.conn.CCcds,
	}, nil
}

// fail latches err as the engine's terminal state. Once latched, the
// original error keeps surfacing; the engine must be torn down.
func (e *Engine) fail(err error) error {
	if e.failed == nil {
		e.failed = err
		e.log.Error().Err(err).Msg("engine failed")
	}
	return e.failed
}

// Connect performs the handshake: wait for a beacon, issue the connect
// request, ingest the connect response. It may complete exactly once.
func (e *Engine) Connect(timeout time.Duration) error {
	if e.failed != nil {
		return e.failed
	}
	if e.conn != nil {
		return fmt.Errorf("%w: already connected", ErrProtocol)
	}
	dl := time.Now().Add(timeout)

	beacons, err := e.waitBeacon(dl)
	if err != nil {
		return err
	}

	if err := e.send(0, RrnReqConnect, nil); err != nil {
		return err
	}
	frame, err := e.recvID(dl, RrnReqConnect.Response())
	if err != nil {
		return err
	}
	resp, err := DecodeConnectResp(frame.Payload)
	if err != nil {
		return e.fail(fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	ccds := resp.CSysSockets * resp.CCcdsPerSocket
	if ccds == 0 {
		return e.fail(fmt.Errorf("%w: connect response advertises zero ccds", ErrProtocol))
	}

	e.conn = &ConnState{
		CbPduMax:       resp.CbPduMax,
		PspAddrScratch: resp.PspAddrScratch,
		CbScratch:      resp.CbScratch,
		CSysSockets:    resp.CSysSockets,
		CCcdsPerSocket: resp.CCcdsPerSocket,
		CCcds:          ccds,
		CBeaconsSeen:   beacons,
	}
	e.irq = make([]irqSlot, ccds)
	// The ConnectResponse counts as inbound PDU number one.
	e.rx.SetConnected(ccds, 1)

	e.log.Info().
		Uint32("cb_pdu_max", resp.CbPduMax).
		Uint32("scratch_addr", uint32(resp.PspAddrScratch)).
		Uint32("cb_scratch", resp.CbScratch).
		Uint32("sockets", resp.CSysSockets).
		Uint32("ccds_per_socket", resp.CCcdsPerSocket).
		Msg("connected")
	return nil
}

// waitBeacon blocks until the first beacon arrives and returns its counter.
func (e *Engine) waitBeacon(dl time.Time) (uint32, error) {
	for {
		frame, err := e.recvPdu(dl)
		if err != nil {
			return 0, err
		}
		switch frame.Header.Rrn {
		case RrnNotBeacon:
			b, err := DecodeBeaconNot(frame.Payload)
			if err != nil {
				return 0, e.fail(fmt.Errorf("%w: %v", ErrProtocol, err))
			}
			observability.BeaconSeen()
			return b.CBeaconsSent, nil
		case RrnNotLogMsg:
			e.handleLogMsg(frame.Payload)
		default:
			return 0, e.fail(fmt.Errorf("%w: unexpected %v before connect", ErrProtocol, frame.Header.Rrn))
		}
	}
}

// send emits one request frame built from parts.
func (e *Engine) send(idCcd uint32, rrn RrnID, parts [][]byte) error {
	if err := e.emit.Emit(e.tr, idCcd, rrn, 0, parts...); err != nil {
		return e.fail(fmt.Errorf("%w: %v", ErrTransport, err))
	}
	observability.PduSent(rrn.String())
	e.log.Trace().Stringer("rrn", rrn).Uint32("counter", e.emit.Sent()).Msg("pdu sent")
	return nil
}

// recvPdu drives the transport and the receive state machine until one
// valid frame is published or the deadline elapses.
func (e *Engine) recvPdu(dl time.Time) (*Frame, error) {
	if e.failed != nil {
		return nil, e.failed
	}
	for {
		remaining := time.Until(dl)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		ready, err := e.tr.Poll(remaining)
		if err != nil {
			return nil, e.fail(fmt.Errorf("%w: %v", ErrTransport, err))
		}
		if !ready {
			return nil, ErrTimeout
		}

		want := e.rx.Need()
		if avail := e.tr.Peek(); avail > 0 && avail < want {
			want = avail
		}
		n, err := e.tr.Read(e.rx.Window()[:want])
		if err != nil {
			return nil, e.fail(fmt.Errorf("%w: %v", ErrTransport, err))
		}
		if n == 0 {
			continue
		}

		frame, rej := e.rx.Advance(n)
		if rej != RejectNone {
			observability.FrameRejected(rej.String())
			if rej == RejectCounter {
				return nil, e.fail(fmt.Errorf("%w: inbound pdu counter gap", ErrProtocol))
			}
			e.log.Debug().Stringer("reason", rej).Msg("frame rejected")
			continue
		}
		if frame != nil {
			observability.PduReceived(kindOf(frame.Header.Rrn))
			return frame, nil
		}
	}
}

func kindOf(id RrnID) string {
	if id.IsNotification() {
		return "notification"
	}
	return "response"
}

// recvID waits for a frame with the wanted response id, dispatching any
// interleaved notifications. Any other frame is a protocol violation.
func (e *Engine) recvID(dl time.Time, want RrnID) (*Frame, error) {
	for {
		frame, err := e.recvPdu(dl)
		if err != nil {
			return nil, err
		}
		if frame.Header.Rrn == want {
			return frame, nil
		}
		if frame.Header.Rrn.IsNotification() {
			if err := e.handleNotification(frame); err != nil {
				return nil, err
			}
			continue
		}
		return nil, e.fail(fmt.Errorf("%w: unexpected %v while waiting for %v",
			ErrProtocol, frame.Header.Rrn, want))
	}
}

// handleNotification routes one async notification. Beacons out of
// sequence surface as a fatal peer reset.
func (e *Engine) handleNotification(frame *Frame) error {
	observability.Notification(frame.Header.Rrn.String())
	switch frame.Header.Rrn {
	case RrnNotBeacon:
		b, err := DecodeBeaconNot(frame.Payload)
		if err != nil {
			return e.fail(fmt.Errorf("%w: %v", ErrProtocol, err))
		}
		observability.BeaconSeen()
		if e.conn == nil {
			return nil
		}
		if b.CBeaconsSent != e.conn.CBeaconsSeen+1 {
			return e.fail(fmt.Errorf("%w: beacon counter %d, expected %d",
				ErrPeerReset, b.CBeaconsSent, e.conn.CBeaconsSeen+1))
		}
		e.conn.CBeaconsSeen++
		return nil

	case RrnNotLogMsg:
		e.handleLogMsg(frame.Payload)
		return nil

	case RrnNotOutBufWrite:
		n, err := DecodeOutBufWriteNot(frame.Payload)
		if err != nil {
			return e.fail(fmt.Errorf("%w: %v", ErrProtocol, err))
		}
		if e.io != nil {
			e.io.OutBufWrite(n.IdOutBuf, n.Data)
		}
		return nil

	case RrnNotIrqChange:
		cur, err := DecodeIrqChangeNot(frame.Payload)
		if err != nil {
			return e.fail(fmt.Errorf("%w: %v", ErrProtocol, err))
		}
		e.handleIrqChange(frame.Header.CcdID, cur)
		return nil

	case RrnNotExecFinished:
		if !e.execActive {
			return e.fail(fmt.Errorf("%w: exec finished notification with no code module running", ErrProtocol))
		}
		ret, err := DecodeExecFinishedNot(frame.Payload)
		if err != nil {
			return e.fail(fmt.Errorf("%w: %v", ErrProtocol, err))
		}
		e.execDone = true
		e.execRet = ret
		return nil
	}
	return e.fail(fmt.Errorf("%w: unhandled notification %v", ErrProtocol, frame.Header.Rrn))
}

// handleLogMsg assembles stub log bytes into newline-terminated lines and
// hands each complete line to the embedder.
func (e *Engine) handleLogMsg(payload []byte) {
	if e.logLen+len(payload) > logBufSize {
		e.log.Warn().Int("len", len(payload)).Msg("log message dropped, buffer full")
		return
	}
	copy(e.logBuf[e.logLen:], payload)
	e.logLen += len(payload)

	for {
		nl := -1
		for i := 0; i < e.logLen; i++ {
			if e.logBuf[i] == '\n' {
				nl = i
				break
			}
		}
		if nl < 0 {
			return
		}
		line := string(e.logBuf[:nl+1])
		if e.io != nil {
			e.io.LogMsg(line)
		}
		copy(e.logBuf[:], e.logBuf[nl+1:e.logLen])
		e.logLen -= nl + 1
	}
}

// handleIrqChange folds one IrqChange notification into the per-CCD table.
// The first change since the last drain queues the CCD in arrival order.
func (e *Engine) handleIrqChange(idCcd uint32, fIrqCur uint32) {
	if int(idCcd) >= len(e.irq) {
		return
	}
	slot := &e.irq[idCcd]
	slot.irq = fIrqCur&IrqCurIrq != 0
	slot.firq = fIrqCur&IrqCurFirq != 0
	if !slot.pending {
		slot.pending = true
		e.irqPending++
		e.irqOrder = append(e.irqOrder, idCcd)
	}
}

// drainIrq pops the oldest pending CCD state, if any.
func (e *Engine) drainIrq() (IrqEvent, bool) {
	if e.irqPending == 0 {
		return IrqEvent{}, false
	}
	idCcd := e.irqOrder[0]
	e.irqOrder = e.irqOrder[1:]
	slot := &e.irq[idCcd]
	slot.pending = false
	e.irqPending--
	return IrqEvent{CcdID: idCcd, Irq: slot.irq, Firq: slot.firq}, true
}

// WaitForIrq drains the per-CCD change table, one CCD per call, in FIFO
// order of arrival. With an empty table and a zero timeout it reports no
// change; with a non-zero timeout it blocks for the next IrqChange.
func (e *Engine) WaitForIrq(timeout time.Duration) (IrqEvent, bool, error) {
	if e.failed != nil {
		return IrqEvent{}, false, e.failed
	}
	if e.conn == nil {
		return IrqEvent{}, false, ErrNotConnected
	}
	if ev, ok := e.drainIrq(); ok {
		return ev, true, nil
	}
	if timeout == 0 {
		return IrqEvent{}, false, nil
	}
	dl := time.Now().Add(timeout)
	for {
		frame, err := e.recvPdu(dl)
		if err != nil {
			return IrqEvent{}, false, err
		}
		if !frame.Header.Rrn.IsNotification() {
			return IrqEvent{}, false, e.fail(fmt.Errorf("%w: unexpected %v while waiting for irq",
				ErrProtocol, frame.Header.Rrn))
		}
		if err := e.handleNotification(frame); err != nil {
			return IrqEvent{}, false, err
		}
		if ev, ok := e.drainIrq(); ok {
			return ev, true, nil
		}
	}
}

// reqResp performs one serialized request/response exchange. The response
// payload must have exactly cbResp bytes, which are copied into resp when
// non-nil.
func (e *Engine) reqResp(idCcd uint32, req RrnID, parts [][]byte, resp []byte, cbResp int, dl time.Time) error {
	if e.failed != nil {
		return e.failed
	}
	if err := e.send(idCcd, req, parts); err != nil {
		return err
	}
	frame, err := e.recvID(dl, req.Response())
	if err != nil {
		return err
	}
	e.rcLast = frame.Header.ReqRC
	if frame.Header.ReqRC != StsSuccess {
		return &StatusError{Code: frame.Header.ReqRC}
	}
	if len(frame.Payload) != cbResp {
		return e.fail(fmt.Errorf("%w: response payload %d bytes, expected %d",
			ErrProtocol, len(frame.Payload), cbResp))
	}
	if resp != nil {
		copy(resp, frame.Payload)
	}
	return nil
}

// connected returns the handshake state or the applicable error.
func (e *Engine) connected() (*ConnState, error) {
	if e.failed != nil {
		return nil, e.failed
	}
	if e.conn == nil {
		return nil, ErrNotConnected
	}
	return e.conn, nil
}
