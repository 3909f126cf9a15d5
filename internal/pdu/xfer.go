package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/pspproxy/internal/observability"
)

// chunkCap returns the largest data payload a single request of the given
// struct size can carry, bounded by the peer-advertised maximum frame size
// and the local receive buffer.
func (e *Engine) chunkCap(reqSize int) (int, error) {
	conn, err := e.connected()
	if err != nil {
		return 0, err
	}
	max := int(conn.CbPduMax)
	if max > RecvBufSize {
		max = RecvBufSize
	}
	cap := max - HdrSize - FooterSize - reqSize
	if cap <= 0 {
		return 0, fmt.Errorf("%w: peer pdu size %d leaves no payload room", ErrProtocol, conn.CbPduMax)
	}
	return cap, nil
}

// memXfer moves buf to or from the remote address space in chunks of at
// most the chunk cap, advancing the remote address and the local cursor in
// lockstep. The deadline re-arms at each chunk.
func (e *Engine) memXfer(idCcd uint32, req RrnID, addr uint64, buf []byte, write bool,
	enc func(addr uint64, cb uint32) []byte, reqSize int, timeout time.Duration) error {

	cap, err := e.chunkCap(reqSize)
	if err != nil {
		return err
	}
	for len(buf) > 0 {
		cb := len(buf)
		if cb > cap {
			cb = cap
		}
		dl := time.Now().Add(timeout)
		reqPayload := enc(addr, uint32(cb))
		if write {
			err = e.reqResp(idCcd, req, [][]byte{reqPayload, buf[:cb]}, nil, 0, dl)
		} else {
			err = e.reqResp(idCcd, req, [][]byte{reqPayload}, buf[:cb], cb, dl)
		}
		if err != nil {
			return err
		}
		observability.ChunkIssued()
		addr += uint64(cb)
		buf = buf[cb:]
	}
	return nil
}

// regRead performs a single register-sized read, returning the value
// little-endian decoded into a uint64.
func (e *Engine) regRead(idCcd uint32, req RrnID, reqPayload []byte, cbVal uint32, timeout time.Duration) (uint64, error) {
	buf := make([]byte, cbVal)
	dl := time.Now().Add(timeout)
	if err := e.reqResp(idCcd, req, [][]byte{reqPayload}, buf, int(cbVal), dl); err != nil {
		return 0, err
	}
	return decodeRegVal(buf), nil
}

func decodeRegVal(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func encodeRegVal(val uint64, cbVal uint32) []byte {
	b := make([]byte, cbVal)
	switch cbVal {
	case 1:
		b[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(val))
	default:
		binary.LittleEndian.PutUint64(b, val)
	}
	return b
}

// SmnRead reads a register of cbVal bytes at the given SMN address.
func (e *Engine) SmnRead(idCcd uint32, addr SMNAddr, cbVal uint32, timeout time.Duration) (uint64, error) {
	return e.regRead(idCcd, RrnReqSmnRead, encodeSmnXferReq(addr, cbVal), cbVal, timeout)
}

// SmnWrite writes a register of cbVal bytes at the given SMN address.
func (e *Engine) SmnWrite(idCcd uint32, addr SMNAddr, cbVal uint32, val uint64, timeout time.Duration) error {
	dl := time.Now().Add(timeout)
	return e.reqResp(idCcd, RrnReqSmnWrite,
		[][]byte{encodeSmnXferReq(addr, cbVal), encodeRegVal(val, cbVal)}, nil, 0, dl)
}

// PspMemRead reads len(buf) bytes of PSP SRAM starting at addr, chunked
// against the peer-advertised maximum PDU size.
func (e *Engine) PspMemRead(idCcd uint32, addr PSPAddr, buf []byte, timeout time.Duration) error {
	return e.memXfer(idCcd, RrnReqPspMemRead, uint64(addr), buf, false,
		func(a uint64, cb uint32) []byte { return encodePspXferReq(PSPAddr(a), cb) },
		pspXferReqSize, timeout)
}

// PspMemWrite writes buf into PSP SRAM starting at addr, chunked.
func (e *Engine) PspMemWrite(idCcd uint32, addr PSPAddr, buf []byte, timeout time.Duration) error {
	return e.memXfer(idCcd, RrnReqPspMemWrite, uint64(addr), buf, true,
		func(a uint64, cb uint32) []byte { return encodePspXferReq(PSPAddr(a), cb) },
		pspXferReqSize, timeout)
}

// PspMmioRead reads a PSP MMIO register of cbVal bytes.
func (e *Engine) PspMmioRead(idCcd uint32, addr PSPAddr, cbVal uint32, timeout time.Duration) (uint64, error) {
	return e.regRead(idCcd, RrnReqPspMmioRead, encodePspXferReq(addr, cbVal), cbVal, timeout)
}

// PspMmioWrite writes a PSP MMIO register of cbVal bytes.
func (e *Engine) PspMmioWrite(idCcd uint32, addr PSPAddr, cbVal uint32, val uint64, timeout time.Duration) error {
	dl := time.Now().Add(timeout)
	return e.reqResp(idCcd, RrnReqPspMmioWr,
		[][]byte{encodePspXferReq(addr, cbVal), encodeRegVal(val, cbVal)}, nil, 0, dl)
}

// X86MemRead reads x86 physical memory through the PSP, chunked.
func (e *Engine) X86MemRead(idCcd uint32, addr X86PAddr, buf []byte, caching X86Caching, timeout time.Duration) error {
	return e.memXfer(idCcd, RrnReqX86MemRead, uint64(addr), buf, false,
		func(a uint64, cb uint32) []byte { return encodeX86XferReq(X86PAddr(a), cb, caching) },
		x86XferReqSize, timeout)
}

// X86MemWrite writes x86 physical memory through the PSP, chunked.
func (e *Engine) X86MemWrite(idCcd uint32, addr X86PAddr, buf []byte, caching X86Caching, timeout time.Duration) error {
	return e.memXfer(idCcd, RrnReqX86MemWrite, uint64(addr), buf, true,
		func(a uint64, cb uint32) []byte { return encodeX86XferReq(X86PAddr(a), cb, caching) },
		x86XferReqSize, timeout)
}

// X86MmioRead reads an x86 MMIO register of cbVal bytes.
func (e *Engine) X86MmioRead(idCcd uint32, addr X86PAddr, cbVal uint32, caching X86Caching, timeout time.Duration) (uint64, error) {
	return e.regRead(idCcd, RrnReqX86MmioRead, encodeX86XferReq(addr, cbVal, caching), cbVal, timeout)
}

// X86MmioWrite writes an x86 MMIO register of cbVal bytes.
func (e *Engine) X86MmioWrite(idCcd uint32, addr X86PAddr, cbVal uint32, val uint64, caching X86Caching, timeout time.Duration) error {
	dl := time.Now().Add(timeout)
	return e.reqResp(idCcd, RrnReqX86MmioWr,
		[][]byte{encodeX86XferReq(addr, cbVal, caching), encodeRegVal(val, cbVal)}, nil, 0, dl)
}

// CoProcRead reads one coprocessor register.
func (e *Engine) CoProcRead(idCcd uint32, reg CoProcReg, timeout time.Duration) (uint32, error) {
	v, err := e.regRead(idCcd, RrnReqCoProcRead, encodeCoProcReadReq(reg), 4, timeout)
	return uint32(v), err
}

// CoProcWrite writes one coprocessor register.
func (e *Engine) CoProcWrite(idCcd uint32, reg CoProcReg, val uint32, timeout time.Duration) error {
	dl := time.Now().Add(timeout)
	return e.reqResp(idCcd, RrnReqCoProcWrite, [][]byte{encodeCoProcWriteReq(reg, val)}, nil, 0, dl)
}

// BranchTo diverts the PSP to pc with the given initial register set. The
// stub acknowledges the branch before taking it.
func (e *Engine) BranchTo(idCcd uint32, pc PSPAddr, flags uint32, gprs [6]uint32, timeout time.Duration) error {
	dl := time.Now().Add(timeout)
	return e.reqResp(idCcd, RrnReqBranchTo, [][]byte{encodeBranchToReq(pc, flags, gprs)}, nil, 0, dl)
}

// AddrXfer is the generic address transfer: exactly one of Read, Write or
// Memset, optionally auto-incrementing the remote address per stride. For
// Memset the data transferred is one stride regardless of cbXfer; for Read
// and Write it is cbXfer. Chunking preserves the flag semantics.
func (e *Engine) AddrXfer(idCcd uint32, addr Addr, stride uint32, flags XferFlags, cbXfer uint32,
	data []byte, timeout time.Duration) error {

	switch {
	case flags&XferMemset != 0:
		// One stride of fill data; no payload advancing, no chunking.
		dl := time.Now().Add(timeout)
		return e.reqResp(idCcd, RrnReqAddrXfer,
			[][]byte{encodeAddrXferReq(addr, stride, flags, cbXfer), data[:stride]}, nil, 0, dl)

	case flags&XferWrite != 0:
		return e.addrXferChunks(addr, stride, flags, cbXfer, timeout, func(a Addr, cb uint32, dl time.Time) error {
			err := e.reqResp(idCcd, RrnReqAddrXfer,
				[][]byte{encodeAddrXferReq(a, stride, flags, cb), data[:cb]}, nil, 0, dl)
			data = data[cb:]
			return err
		})

	default: // read
		return e.addrXferChunks(addr, stride, flags, cbXfer, timeout, func(a Addr, cb uint32, dl time.Time) error {
			err := e.reqResp(idCcd, RrnReqAddrXfer,
				[][]byte{encodeAddrXferReq(a, stride, flags, cb)}, data[:cb], int(cb), dl)
			data = data[cb:]
			return err
		})
	}
}

// addrXferChunks splits a generic transfer into stride-aligned chunks,
// bumping the address between chunks only when IncrAddr is set.
func (e *Engine) addrXferChunks(addr Addr, stride uint32, flags XferFlags, cbXfer uint32,
	timeout time.Duration, xfer func(a Addr, cb uint32, dl time.Time) error) error {

	cap, err := e.chunkCap(addrXferReqSize)
	if err != nil {
		return err
	}
	// Keep every chunk a multiple of the stride.
	chunkMax := uint32(cap) / stride * stride
	if chunkMax == 0 {
		return fmt.Errorf("%w: stride %d exceeds chunk capacity %d", ErrProtocol, stride, cap)
	}
	for cbXfer > 0 {
		cb := cbXfer
		if cb > chunkMax {
			cb = chunkMax
		}
		dl := time.Now().Add(timeout)
		if err := xfer(addr, cb, dl); err != nil {
			return err
		}
		observability.ChunkIssued()
		if flags&XferIncrAddr != 0 {
			addr.Value += uint64(cb)
		}
		cbXfer -= cb
	}
	return nil
}

// CodeModType selects how the stub interprets an uploaded code module.
const CodeModTypeFlat uint32 = 0

// CodeModLoad stages a code module: a load request describing the image,
// then the image itself as a sequence of input-buffer writes sized to the
// peer maximum.
func (e *Engine) CodeModLoad(idCcd uint32, cmType uint32, image []byte, timeout time.Duration) error {
	dl := time.Now().Add(timeout)
	if err := e.reqResp(idCcd, RrnReqCodeModLoad,
		[][]byte{encodeCodeModLoadReq(cmType, uint32(len(image)))}, nil, 0, dl); err != nil {
		return err
	}
	cap, err := e.chunkCap(inBufWriteSize)
	if err != nil {
		return err
	}
	for len(image) > 0 {
		cb := len(image)
		if cb > cap {
			cb = cap
		}
		dl = time.Now().Add(timeout)
		if err := e.reqResp(idCcd, RrnReqInBufWrite,
			[][]byte{encodeInBufWriteReq(0), image[:cb]}, nil, 0, dl); err != nil {
			return err
		}
		observability.ChunkIssued()
		image = image[cb:]
	}
	return nil
}

// CodeModExec starts the loaded code module and pumps host input to the
// stub until the module's finish notification delivers its return value.
func (e *Engine) CodeModExec(idCcd uint32, args [4]uint32, timeout time.Duration) (uint32, error) {
	if e.failed != nil {
		return 0, e.failed
	}
	if _, err := e.connected(); err != nil {
		return 0, err
	}

	e.execActive = true
	e.execDone = false
	defer func() { e.execActive = false }()

	dl := time.Now().Add(timeout)
	if err := e.reqResp(idCcd, RrnReqCodeModExec, [][]byte{encodeCodeModExecReq(args)}, nil, 0, dl); err != nil {
		return 0, err
	}

	// Runloop: short recv ticks for the finish notification, forwarding
	// host input between ticks.
	var inBuf [inBufChunk]byte
	for {
		if e.execDone {
			return e.execRet, nil
		}
		if time.Now().After(dl) {
			return 0, ErrTimeout
		}

		if err := e.recvNotifications(time.Now().Add(execPollTick)); err != nil {
			return 0, err
		}
		if e.execDone {
			return e.execRet, nil
		}

		if e.io != nil && e.io.InBufPeek(0) > 0 {
			n := e.io.InBufRead(0, inBuf[:])
			if n > 0 {
				chunkDl := time.Now().Add(timeout)
				if err := e.reqResp(idCcd, RrnReqInBufWrite,
					[][]byte{encodeInBufWriteReq(0), inBuf[:n]}, nil, 0, chunkDl); err != nil {
					return 0, err
				}
			}
		}
	}
}

// recvNotifications dispatches notifications until the deadline passes.
// A non-notification frame here is a protocol violation.
func (e *Engine) recvNotifications(dl time.Time) error {
	for {
		frame, err := e.recvPdu(dl)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return nil
			}
			return err
		}
		if !frame.Header.Rrn.IsNotification() {
			return e.fail(fmt.Errorf("%w: unexpected %v, no request outstanding",
				ErrProtocol, frame.Header.Rrn))
		}
		if err := e.handleNotification(frame); err != nil {
			return err
		}
	}
}
