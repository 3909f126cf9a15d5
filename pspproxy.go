// Package pspproxy drives AMD Platform Security Processor hardware through
// a remote debugging stub. Typed requests (SRAM, MMIO and SMN access, x86
// physical memory, coprocessor registers, code module upload and
// execution, interrupt waits) are framed into a checksummed PDU protocol
// and carried over a pluggable byte transport: a TCP socket, a raw-mode
// serial line, or ring buffers embedded in an emulated SPI flash image.
package pspproxy

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/danmuck/pspproxy/internal/pdu"
	"github.com/danmuck/pspproxy/internal/scratch"
	"github.com/danmuck/pspproxy/internal/transport"
)

// Address and flag types of the wire protocol.
type (
	SMNAddr    = pdu.SMNAddr
	PSPAddr    = pdu.PSPAddr
	X86PAddr   = pdu.X86PAddr
	Addr       = pdu.Addr
	AddrSpace  = pdu.AddrSpace
	X86Caching = pdu.X86Caching
	XferFlags  = pdu.XferFlags
	CoProcReg  = pdu.CoProcReg
	IrqEvent   = pdu.IrqEvent
	Info       = pdu.Info
)

const (
	AddrSpacePspMem  = pdu.AddrSpacePspMem
	AddrSpacePspMmio = pdu.AddrSpacePspMmio
	AddrSpaceSmn     = pdu.AddrSpaceSmn
	AddrSpaceX86Mem  = pdu.AddrSpaceX86Mem
	AddrSpaceX86Mmio = pdu.AddrSpaceX86Mmio

	X86CachingUc = pdu.X86CachingUc
	X86CachingWc = pdu.X86CachingWc
	X86CachingWb = pdu.X86CachingWb

	XferRead     = pdu.XferRead
	XferWrite    = pdu.XferWrite
	XferMemset   = pdu.XferMemset
	XferIncrAddr = pdu.XferIncrAddr

	CodeModTypeFlat = pdu.CodeModTypeFlat
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// Proxy is a connected session with one PSP stub. It is single-threaded
// cooperative: one goroutine owns it, requests are strictly serialized.
type Proxy struct {
	tr  transport.Transport
	eng *pdu.Engine
	log zerolog.Logger

	hostIO         HostIO
	connectTimeout time.Duration
	requestTimeout time.Duration

	scratch *scratch.Allocator
}

// Option adjusts proxy construction.
type Option func(*Proxy)

// WithLogger installs the logger the engine and transport log through.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Proxy) { p.log = log }
}

// WithHostIO installs the embedder's stub I/O callback sinks.
func WithHostIO(h HostIO) Option {
	return func(p *Proxy) { p.hostIO = h }
}

// WithConnectTimeout bounds the handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Proxy) { p.connectTimeout = d }
}

// WithRequestTimeout bounds each request/response exchange. Chunked
// transfers re-arm the timeout at every chunk.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Proxy) { p.requestTimeout = d }
}

// New opens the device URI, performs the connect handshake and returns a
// connected proxy. Supported schemes: tcp://host:port,
// serial://path:baud:databits:parity:stopbits, em100tcp://host:port.
func New(device string, opts ...Option) (*Proxy, error) {
	p := defaults(opts)
	tr, err := transport.New(device, p.log)
	if err != nil {
		return nil, err
	}
	if err := p.start(tr); err != nil {
		tr.Close()
		return nil, err
	}
	return p, nil
}

func defaults(opts []Option) *Proxy {
	p := &Proxy{
		log:            zerolog.Nop(),
		connectTimeout: defaultConnectTimeout,
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Proxy) start(tr transport.Transport) error {
	p.tr = tr
	p.eng = pdu.NewEngine(tr, p.hostIO, p.log)
	return p.eng.Connect(p.connectTimeout)
}

// Close releases the transport. The proxy is unusable afterwards.
func (p *Proxy) Close() error {
	var errs *multierror.Error
	if p.tr != nil {
		errs = multierror.Append(errs, p.tr.Close())
	}
	return errs.ErrorOrNil()
}

// Interrupt unblocks an in-flight request from another goroutine or a
// signal handler. The interrupted request surfaces a transport failure.
func (p *Proxy) Interrupt() error {
	return p.tr.Interrupt()
}

// QueryInfo returns the limits, scratch region and topology the stub
// advertised during the handshake.
func (p *Proxy) QueryInfo() (Info, error) {
	return p.eng.QueryInfo()
}

// RcLast returns the stub status code of the most recent response.
func (p *Proxy) RcLast() uint32 { return p.eng.RcLast() }

func validRegSize(cb uint32) bool {
	return cb == 1 || cb == 2 || cb == 4 || cb == 8
}

// SmnRead reads a register of cbVal bytes from the System Management
// Network. cbVal must be 1, 2, 4 or 8.
func (p *Proxy) SmnRead(idCcd uint32, addr SMNAddr, cbVal uint32) (uint64, error) {
	if !validRegSize(cbVal) {
		return 0, fmt.Errorf("%w: register size %d", ErrArgument, cbVal)
	}
	return p.eng.SmnRead(idCcd, addr, cbVal, p.requestTimeout)
}

// SmnWrite writes a register of cbVal bytes on the System Management
// Network. cbVal must be 1, 2, 4 or 8.
func (p *Proxy) SmnWrite(idCcd uint32, addr SMNAddr, cbVal uint32, val uint64) error {
	if !validRegSize(cbVal) {
		return fmt.Errorf("%w: register size %d", ErrArgument, cbVal)
	}
	return p.eng.SmnWrite(idCcd, addr, cbVal, val, p.requestTimeout)
}

// PspMemRead fills buf from PSP SRAM starting at addr. Transfers larger
// than the peer maximum are chunked transparently.
func (p *Proxy) PspMemRead(idCcd uint32, addr PSPAddr, buf []byte) error {
	return p.eng.PspMemRead(idCcd, addr, buf, p.requestTimeout)
}

// PspMemWrite stores buf into PSP SRAM starting at addr.
func (p *Proxy) PspMemWrite(idCcd uint32, addr PSPAddr, buf []byte) error {
	return p.eng.PspMemWrite(idCcd, addr, buf, p.requestTimeout)
}

// PspMmioRead reads a PSP MMIO register of cbVal bytes.
func (p *Proxy) PspMmioRead(idCcd uint32, addr PSPAddr, cbVal uint32) (uint64, error) {
	if !validRegSize(cbVal) {
		return 0, fmt.Errorf("%w: register size %d", ErrArgument, cbVal)
	}
	return p.eng.PspMmioRead(idCcd, addr, cbVal, p.requestTimeout)
}

// PspMmioWrite writes a PSP MMIO register of cbVal bytes.
func (p *Proxy) PspMmioWrite(idCcd uint32, addr PSPAddr, cbVal uint32, val uint64) error {
	if !validRegSize(cbVal) {
		return fmt.Errorf("%w: register size %d", ErrArgument, cbVal)
	}
	return p.eng.PspMmioWrite(idCcd, addr, cbVal, val, p.requestTimeout)
}

// X86MemRead fills buf from x86 physical memory through the PSP.
func (p *Proxy) X86MemRead(idCcd uint32, addr X86PAddr, buf []byte, caching X86Caching) error {
	return p.eng.X86MemRead(idCcd, addr, buf, caching, p.requestTimeout)
}

// X86MemWrite stores buf into x86 physical memory through the PSP.
func (p *Proxy) X86MemWrite(idCcd uint32, addr X86PAddr, buf []byte, caching X86Caching) error {
	return p.eng.X86MemWrite(idCcd, addr, buf, caching, p.requestTimeout)
}

// X86MmioRead reads an x86 MMIO register of cbVal bytes.
func (p *Proxy) X86MmioRead(idCcd uint32, addr X86PAddr, cbVal uint32, caching X86Caching) (uint64, error) {
	if !validRegSize(cbVal) {
		return 0, fmt.Errorf("%w: register size %d", ErrArgument, cbVal)
	}
	return p.eng.X86MmioRead(idCcd, addr, cbVal, caching, p.requestTimeout)
}

// X86MmioWrite writes an x86 MMIO register of cbVal bytes.
func (p *Proxy) X86MmioWrite(idCcd uint32, addr X86PAddr, cbVal uint32, val uint64, caching X86Caching) error {
	if !validRegSize(cbVal) {
		return fmt.Errorf("%w: register size %d", ErrArgument, cbVal)
	}
	return p.eng.X86MmioWrite(idCcd, addr, cbVal, val, caching, p.requestTimeout)
}

// CoProcRead reads one coprocessor register.
func (p *Proxy) CoProcRead(idCcd uint32, reg CoProcReg) (uint32, error) {
	return p.eng.CoProcRead(idCcd, reg, p.requestTimeout)
}

// CoProcWrite writes one coprocessor register.
func (p *Proxy) CoProcWrite(idCcd uint32, reg CoProcReg, val uint32) error {
	return p.eng.CoProcWrite(idCcd, reg, val, p.requestTimeout)
}

// BranchTo diverts the PSP to pc with the given initial registers.
func (p *Proxy) BranchTo(idCcd uint32, pc PSPAddr, flags uint32, gprs [6]uint32) error {
	return p.eng.BranchTo(idCcd, pc, flags, gprs, p.requestTimeout)
}

// AddrXfer performs a generic address transfer. Exactly one of XferRead,
// XferWrite or XferMemset must be set, optionally combined with
// XferIncrAddr. stride must be 1, 2 or 4 and divide cbXfer. data supplies
// the write or memset pattern and receives read data; for memset only one
// stride of data is consumed.
func (p *Proxy) AddrXfer(idCcd uint32, addr Addr, stride uint32, flags XferFlags, cbXfer uint32, data []byte) error {
	if err := validateXfer(addr, stride, flags, cbXfer, data); err != nil {
		return err
	}
	return p.eng.AddrXfer(idCcd, addr, stride, flags, cbXfer, data, p.requestTimeout)
}

func validateXfer(addr Addr, stride uint32, flags XferFlags, cbXfer uint32, data []byte) error {
	if !addr.Space.Valid() {
		return fmt.Errorf("%w: unknown address space %d", ErrArgument, addr.Space)
	}
	if stride != 1 && stride != 2 && stride != 4 {
		return fmt.Errorf("%w: stride %d", ErrArgument, stride)
	}
	if cbXfer == 0 || cbXfer%stride != 0 {
		return fmt.Errorf("%w: transfer size %d not a multiple of stride %d", ErrArgument, cbXfer, stride)
	}
	kind := flags & (XferRead | XferWrite | XferMemset)
	if kind != XferRead && kind != XferWrite && kind != XferMemset {
		return fmt.Errorf("%w: exactly one of read, write or memset required", ErrArgument)
	}
	if flags&^(XferRead|XferWrite|XferMemset|XferIncrAddr) != 0 {
		return fmt.Errorf("%w: unknown transfer flags %#x", ErrArgument, flags)
	}
	switch kind {
	case XferMemset:
		if len(data) < int(stride) {
			return fmt.Errorf("%w: memset pattern shorter than stride", ErrArgument)
		}
	default:
		if len(data) < int(cbXfer) {
			return fmt.Errorf("%w: data buffer %d bytes, transfer needs %d", ErrArgument, len(data), cbXfer)
		}
	}
	return nil
}

// CodeModLoad uploads a code module image into the stub's input buffer,
// chunked to the peer maximum.
func (p *Proxy) CodeModLoad(idCcd uint32, cmType uint32, image []byte) error {
	if len(image) == 0 {
		return fmt.Errorf("%w: empty code module image", ErrArgument)
	}
	return p.eng.CodeModLoad(idCcd, cmType, image, p.requestTimeout)
}

// CodeModExec runs the loaded code module and returns its return value,
// forwarding host input to the stub while it executes.
func (p *Proxy) CodeModExec(idCcd uint32, args [4]uint32, timeout time.Duration) (uint32, error) {
	return p.eng.CodeModExec(idCcd, args, timeout)
}

// WaitForIrq returns the next pending per-CCD interrupt change, draining
// arrivals in FIFO order. With an empty table it blocks up to timeout; a
// zero timeout reports no change instead.
func (p *Proxy) WaitForIrq(timeout time.Duration) (IrqEvent, bool, error) {
	return p.eng.WaitForIrq(timeout)
}
