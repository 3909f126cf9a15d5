// Package stubemu emulates the firmware stub's observable wire behavior
// for tests: beacons, the connect handshake, request serving and scripted
// notifications over an in-memory pipe.
package stubemu

import (
	"sync"
	"time"

	"github.com/danmuck/pspproxy/internal/pdu"
	"github.com/danmuck/pspproxy/internal/testutil/pipet"
)

// Config shapes what the emulated stub advertises in its ConnectResponse.
type Config struct {
	CbPduMax       uint32
	PspAddrScratch pdu.PSPAddr
	CbScratch      uint32
	Sockets        uint32
	CcdsPerSocket  uint32
	// BeaconStart is the counter value of the first beacon sent.
	BeaconStart uint32
}

// DefaultConfig mirrors a small single-CCD system.
func DefaultConfig() Config {
	return Config{
		CbPduMax:       4096,
		PspAddrScratch: 0x20000,
		CbScratch:      0x10000,
		Sockets:        1,
		CcdsPerSocket:  1,
		BeaconStart:    1,
	}
}

// Request is one recorded host request.
type Request struct {
	Rrn     pdu.RrnID
	CcdID   uint32
	Payload []byte
}

// Handler serves one host request, returning the stub status code and the
// response payload. It runs on the stub goroutine and may inject
// notifications through the Stub before the response goes out.
type Handler func(s *Stub, req Request) (rc uint32, resp []byte)

// Stub is the emulated peer of the PDU engine.
type Stub struct {
	ep      *pipet.Endpoint
	cfg     Config
	handler Handler

	mu       sync.Mutex
	emit     *pdu.Emitter
	beacons  uint32
	requests []Request

	stop chan struct{}
	done chan struct{}
}

// New builds a stub on the given pipe endpoint. A nil handler accepts
// every request with an empty success response.
func New(ep *pipet.Endpoint, cfg Config, handler Handler) *Stub {
	if handler == nil {
		handler = func(*Stub, Request) (uint32, []byte) { return pdu.StsSuccess, nil }
	}
	return &Stub{
		ep:      ep,
		cfg:     cfg,
		handler: handler,
		emit:    pdu.NewEmitter(pdu.DirPspToHost, nil),
		beacons: cfg.BeaconStart - 1,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start sends the first beacon and serves requests until Stop.
func (s *Stub) Start() {
	go s.run()
}

// Stop terminates the serve loop.
func (s *Stub) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

// Requests returns a copy of all recorded host requests.
func (s *Stub) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// SendBeacon emits the next in-sequence beacon.
func (s *Stub) SendBeacon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beacons++
	s.emit.Emit(s.ep, 0, pdu.RrnNotBeacon, 0, pdu.EncodeBeaconNot(pdu.BeaconNot{CBeaconsSent: s.beacons}))
}

// SendBeaconValue emits a beacon with an explicit counter, as a stub that
// resumed from reset would.
func (s *Stub) SendBeaconValue(v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beacons = v
	s.emit.Emit(s.ep, 0, pdu.RrnNotBeacon, 0, pdu.EncodeBeaconNot(pdu.BeaconNot{CBeaconsSent: v}))
}

// SendLogMsg emits a log message notification carrying raw bytes.
func (s *Stub) SendLogMsg(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit.Emit(s.ep, 0, pdu.RrnNotLogMsg, 0, []byte(msg))
}

// SendOutBufWrite emits an output-buffer notification.
func (s *Stub) SendOutBufWrite(idOutBuf uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit.Emit(s.ep, 0, pdu.RrnNotOutBufWrite, 0, pdu.EncodeOutBufWriteNot(idOutBuf, data))
}

// SendIrqChange emits an interrupt state notification for one CCD.
func (s *Stub) SendIrqChange(idCcd uint32, fIrqCur uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit.Emit(s.ep, idCcd, pdu.RrnNotIrqChange, 0, pdu.EncodeIrqChangeNot(fIrqCur))
}

// SendExecFinished emits the code module finish notification.
func (s *Stub) SendExecFinished(cmRet uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit.Emit(s.ep, 0, pdu.RrnNotExecFinished, 0, pdu.EncodeExecFinishedNot(cmRet))
}

// SendRaw pushes arbitrary bytes into the host's receive path.
func (s *Stub) SendRaw(b []byte) {
	s.ep.Write(b)
}

func (s *Stub) run() {
	defer close(s.done)
	rx := pdu.NewReceiver(pdu.DirHostToPsp)
	rx.SetCcds(s.cfg.Sockets * s.cfg.CcdsPerSocket)
	s.SendBeacon()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		ready, err := s.ep.Poll(20 * time.Millisecond)
		if err != nil {
			return
		}
		if !ready {
			continue
		}
		want := rx.Need()
		if avail := s.ep.Peek(); avail > 0 && avail < want {
			want = avail
		}
		n, err := s.ep.Read(rx.Window()[:want])
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		frame, _ := rx.Advance(n)
		if frame == nil {
			continue
		}
		s.serve(frame)
	}
}

// serve answers one host request.
func (s *Stub) serve(frame *pdu.Frame) {
	if frame.Header.Rrn == pdu.RrnReqConnect {
		s.mu.Lock()
		// The ConnectResponse is inbound PDU number one for the host.
		s.emit = pdu.NewEmitter(pdu.DirPspToHost, nil)
		s.emit.Emit(s.ep, 0, pdu.RrnReqConnect.Response(), pdu.StsSuccess,
			pdu.EncodeConnectResp(pdu.ConnectResp{
				CbPduMax:       s.cfg.CbPduMax,
				PspAddrScratch: s.cfg.PspAddrScratch,
				CbScratch:      s.cfg.CbScratch,
				CSysSockets:    s.cfg.Sockets,
				CCcdsPerSocket: s.cfg.CcdsPerSocket,
			}))
		s.mu.Unlock()
		return
	}

	req := Request{
		Rrn:     frame.Header.Rrn,
		CcdID:   frame.Header.CcdID,
		Payload: append([]byte(nil), frame.Payload...),
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	rc, resp := s.handler(s, req)

	s.mu.Lock()
	s.emit.Emit(s.ep, frame.Header.CcdID, frame.Header.Rrn.Response(), rc, resp)
	s.mu.Unlock()
}
