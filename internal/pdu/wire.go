package pdu

import (
	"encoding/binary"
	"fmt"
)

// Direction selects the magic pair a frame is stamped with. The stub and the
// host use distinct sentinels so a byte stream can never be mistaken for
// traffic from the wrong end.
type Direction int

const (
	DirHostToPsp Direction = iota
	DirPspToHost
)

const (
	startMagicHostToPsp uint32 = 0xC0DEBA5E
	endMagicHostToPsp   uint32 = 0xC0DEBAE5
	startMagicPspToHost uint32 = 0xC0DEBA11
	endMagicPspToHost   uint32 = 0xC0DEBAFF
)

func (d Direction) startMagic() uint32 {
	if d == DirHostToPsp {
		return startMagicHostToPsp
	}
	return startMagicPspToHost
}

func (d Direction) endMagic() uint32 {
	if d == DirHostToPsp {
		return endMagicHostToPsp
	}
	return endMagicPspToHost
}

const (
	// HdrSize is the fixed wire header size in bytes.
	HdrSize = 32
	// FooterSize is the fixed wire footer size in bytes.
	FooterSize = 8
	// RecvBufSize is the receive buffer capacity. Inbound payloads larger
	// than RecvBufSize - HdrSize - FooterSize are rejected.
	RecvBufSize = 4096
	// MaxPayload is the largest inbound payload the receiver accepts.
	MaxPayload = RecvBufSize - HdrSize - FooterSize
)

// RrnID is the request/response/notification tag carried in the PDU header.
// The id space is partitioned into three disjoint contiguous ranges; each
// request maps to exactly one response id at a fixed offset.
type RrnID uint32

const (
	RrnInvalid RrnID = 0

	RrnReqConnect     RrnID = 0x0001
	RrnReqPspMemRead  RrnID = 0x0002
	RrnReqPspMemWrite RrnID = 0x0003
	RrnReqPspMmioRead RrnID = 0x0004
	RrnReqPspMmioWr   RrnID = 0x0005
	RrnReqSmnRead     RrnID = 0x0006
	RrnReqSmnWrite    RrnID = 0x0007
	RrnReqX86MemRead  RrnID = 0x0008
	RrnReqX86MemWrite RrnID = 0x0009
	RrnReqX86MmioRead RrnID = 0x000a
	RrnReqX86MmioWr   RrnID = 0x000b
	RrnReqCoProcRead  RrnID = 0x000c
	RrnReqCoProcWrite RrnID = 0x000d
	RrnReqAddrXfer    RrnID = 0x000e
	RrnReqBranchTo    RrnID = 0x000f
	RrnReqCodeModLoad RrnID = 0x0010
	RrnReqCodeModExec RrnID = 0x0011
	RrnReqInBufWrite  RrnID = 0x0012
	rrnReqLast        RrnID = RrnReqInBufWrite

	// rrnRespOffset maps a request id to its response id.
	rrnRespOffset RrnID = 0x0100

	rrnRespFirst RrnID = RrnReqConnect + rrnRespOffset
	rrnRespLast  RrnID = rrnReqLast + rrnRespOffset

	RrnNotBeacon       RrnID = 0x0200
	RrnNotLogMsg       RrnID = 0x0201
	RrnNotOutBufWrite  RrnID = 0x0202
	RrnNotIrqChange    RrnID = 0x0203
	RrnNotExecFinished RrnID = 0x0204
	rrnNotLast         RrnID = RrnNotExecFinished
)

// Response returns the response id expected for a request id.
func (id RrnID) Response() RrnID { return id + rrnRespOffset }

// IsRequest reports whether the id lies in the request range.
func (id RrnID) IsRequest() bool { return id >= RrnReqConnect && id <= rrnReqLast }

// IsResponse reports whether the id lies in the response range.
func (id RrnID) IsResponse() bool { return id >= rrnRespFirst && id <= rrnRespLast }

// IsNotification reports whether the id lies in the notification range.
func (id RrnID) IsNotification() bool { return id >= RrnNotBeacon && id <= rrnNotLast }

func (id RrnID) String() string {
	switch id {
	case RrnReqConnect:
		return "req.connect"
	case RrnReqPspMemRead:
		return "req.psp_mem_read"
	case RrnReqPspMemWrite:
		return "req.psp_mem_write"
	case RrnReqPspMmioRead:
		return "req.psp_mmio_read"
	case RrnReqPspMmioWr:
		return "req.psp_mmio_write"
	case RrnReqSmnRead:
		return "req.smn_read"
	case RrnReqSmnWrite:
		return "req.smn_write"
	case RrnReqX86MemRead:
		return "req.x86_mem_read"
	case RrnReqX86MemWrite:
		return "req.x86_mem_write"
	case RrnReqX86MmioRead:
		return "req.x86_mmio_read"
	case RrnReqX86MmioWr:
		return "req.x86_mmio_write"
	case RrnReqCoProcRead:
		return "req.coproc_read"
	case RrnReqCoProcWrite:
		return "req.coproc_write"
	case RrnReqAddrXfer:
		return "req.addr_xfer"
	case RrnReqBranchTo:
		return "req.branch_to"
	case RrnReqCodeModLoad:
		return "req.code_mod_load"
	case RrnReqCodeModExec:
		return "req.code_mod_exec"
	case RrnReqInBufWrite:
		return "req.in_buf_write"
	case RrnNotBeacon:
		return "not.beacon"
	case RrnNotLogMsg:
		return "not.log_msg"
	case RrnNotOutBufWrite:
		return "not.out_buf_write"
	case RrnNotIrqChange:
		return "not.irq_change"
	case RrnNotExecFinished:
		return "not.exec_finished"
	}
	if id.IsResponse() {
		return "resp." + (id - rrnRespOffset).String()[len("req."):]
	}
	return fmt.Sprintf("rrn(%#x)", uint32(id))
}

// StsSuccess is the stub status code signalling a successfully served request.
const StsSuccess uint32 = 0

// Header is the fixed 32-byte little-endian PDU header.
type Header struct {
	Magic     uint32
	CbPayload uint32
	Counter   uint32
	Rrn       RrnID
	CcdID     uint32
	TsMillies uint32
	ReqRC     uint32
	Reserved  uint32
}

// Frame is one complete, validated PDU.
type Frame struct {
	Header  Header
	Payload []byte
}

// EncodeHeader serializes the header into its canonical byte order. The
// checksum is always computed over these bytes, never over in-memory layout.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HdrSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.CbPayload)
	binary.LittleEndian.PutUint32(buf[8:12], h.Counter)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Rrn))
	binary.LittleEndian.PutUint32(buf[16:20], h.CcdID)
	binary.LittleEndian.PutUint32(buf[20:24], h.TsMillies)
	binary.LittleEndian.PutUint32(buf[24:28], h.ReqRC)
	binary.LittleEndian.PutUint32(buf[28:32], h.Reserved)
	return buf
}

// DecodeHeader deserializes a header from exactly HdrSize bytes.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HdrSize {
		return Header{}, fmt.Errorf("pdu: invalid header length: %d", len(b))
	}
	return Header{
		Magic:     binary.LittleEndian.Uint32(b[0:4]),
		CbPayload: binary.LittleEndian.Uint32(b[4:8]),
		Counter:   binary.LittleEndian.Uint32(b[8:12]),
		Rrn:       RrnID(binary.LittleEndian.Uint32(b[12:16])),
		CcdID:     binary.LittleEndian.Uint32(b[16:20]),
		TsMillies: binary.LittleEndian.Uint32(b[20:24]),
		ReqRC:     binary.LittleEndian.Uint32(b[24:28]),
		Reserved:  binary.LittleEndian.Uint32(b[28:32]),
	}, nil
}

// PadTo8 returns the padded length of a payload: payload plus zero padding
// is always a multiple of 8 on the wire.
func PadTo8(n int) int { return (n + 7) &^ 7 }

// ByteSum accumulates the wrapping byte sum used by the frame checksum.
func ByteSum(sum uint32, b []byte) uint32 {
	for _, v := range b {
		sum += uint32(v)
	}
	return sum
}

// ChecksumFor returns the footer checksum completing sum to zero mod 2^32.
func ChecksumFor(sum uint32) uint32 { return (0xffffffff - sum) + 1 }

// SMNAddr is a 32-bit System Management Network address.
type SMNAddr uint32

// PSPAddr is an address in the PSP SRAM/MMIO address space.
type PSPAddr uint32

// X86PAddr is an x86 physical address accessed through the PSP.
type X86PAddr uint64

// AddrSpace tags which address space a generic transfer targets.
type AddrSpace uint32

const (
	AddrSpacePspMem AddrSpace = iota
	AddrSpacePspMmio
	AddrSpaceSmn
	AddrSpaceX86Mem
	AddrSpaceX86Mmio
	addrSpaceLast = AddrSpaceX86Mmio
)

// Valid reports whether the address space tag is one of the defined spaces.
func (s AddrSpace) Valid() bool { return s <= addrSpaceLast }

// X86Caching selects the caching attribute the stub applies when touching
// x86 memory on behalf of the host.
type X86Caching uint32

const (
	X86CachingUc X86Caching = iota
	X86CachingWc
	X86CachingWb
)

// XferFlags control the generic address transfer operation. Exactly one of
// Read/Write/Memset must be set; IncrAddr is optional.
type XferFlags uint32

const (
	XferRead     XferFlags = 1 << 0
	XferWrite    XferFlags = 1 << 1
	XferMemset   XferFlags = 1 << 2
	XferIncrAddr XferFlags = 1 << 3

	xferKindMask = XferRead | XferWrite | XferMemset
)

// Addr is a tagged address for the generic transfer operation.
type Addr struct {
	Space   AddrSpace
	Value   uint64
	Caching X86Caching
}

// ConnectResp is the handshake response payload.
type ConnectResp struct {
	CbPduMax       uint32
	PspAddrScratch PSPAddr
	CbScratch      uint32
	CSysSockets    uint32
	CCcdsPerSocket uint32
}

const connectRespSize = 20

// DecodeConnectResp parses the ConnectResponse payload.
func DecodeConnectResp(b []byte) (ConnectResp, error) {
	if len(b) != connectRespSize {
		return ConnectResp{}, fmt.Errorf("pdu: connect response payload length %d", len(b))
	}
	return ConnectResp{
		CbPduMax:       binary.LittleEndian.Uint32(b[0:4]),
		PspAddrScratch: PSPAddr(binary.LittleEndian.Uint32(b[4:8])),
		CbScratch:      binary.LittleEndian.Uint32(b[8:12]),
		CSysSockets:    binary.LittleEndian.Uint32(b[12:16]),
		CCcdsPerSocket: binary.LittleEndian.Uint32(b[16:20]),
	}, nil
}

// EncodeConnectResp builds the ConnectResponse payload.
func EncodeConnectResp(r ConnectResp) []byte {
	b := make([]byte, connectRespSize)
	binary.LittleEndian.PutUint32(b[0:4], r.CbPduMax)
	binary.LittleEndian.PutUint32(b[4:8], uint32(r.PspAddrScratch))
	binary.LittleEndian.PutUint32(b[8:12], r.CbScratch)
	binary.LittleEndian.PutUint32(b[12:16], r.CSysSockets)
	binary.LittleEndian.PutUint32(b[16:20], r.CCcdsPerSocket)
	return b
}

// Request payload struct sizes. The chunking cap subtracts these from the
// peer-advertised maximum frame size.
const (
	smnXferReqSize   = 8
	pspXferReqSize   = 8
	x86XferReqSize   = 16
	addrXferReqSize  = 32
	coProcReadSize   = 20
	coProcWriteSize  = 24
	branchToReqSize  = 32
	codeModLoadSize  = 8
	codeModExecSize  = 16
	inBufWriteSize   = 8
	outBufWriteHdrSz = 8
)

func encodeSmnXferReq(addr SMNAddr, cbXfer uint32) []byte {
	b := make([]byte, smnXferReqSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(addr))
	binary.LittleEndian.PutUint32(b[4:8], cbXfer)
	return b
}

func encodePspXferReq(addr PSPAddr, cbXfer uint32) []byte {
	b := make([]byte, pspXferReqSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(addr))
	binary.LittleEndian.PutUint32(b[4:8], cbXfer)
	return b
}

func encodeX86XferReq(addr X86PAddr, cbXfer uint32, caching X86Caching) []byte {
	b := make([]byte, x86XferReqSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(addr))
	binary.LittleEndian.PutUint32(b[8:12], cbXfer)
	binary.LittleEndian.PutUint32(b[12:16], uint32(caching))
	return b
}

func encodeAddrXferReq(addr Addr, stride uint32, flags XferFlags, cbXfer uint32) []byte {
	b := make([]byte, addrXferReqSize)
	binary.LittleEndian.PutUint64(b[0:8], addr.Value)
	binary.LittleEndian.PutUint32(b[8:12], uint32(addr.Space))
	binary.LittleEndian.PutUint32(b[12:16], uint32(addr.Caching))
	binary.LittleEndian.PutUint32(b[16:20], stride)
	binary.LittleEndian.PutUint32(b[20:24], uint32(flags))
	binary.LittleEndian.PutUint32(b[24:28], cbXfer)
	return b
}

// CoProcReg identifies one coprocessor register in the ARM CRn/CRm/opcode
// addressing scheme.
type CoProcReg struct {
	CoProc uint32
	Opc1   uint32
	CrN    uint32
	CrM    uint32
	Opc2   uint32
}

func encodeCoProcReadReq(reg CoProcReg) []byte {
	b := make([]byte, coProcReadSize)
	binary.LittleEndian.PutUint32(b[0:4], reg.CoProc)
	binary.LittleEndian.PutUint32(b[4:8], reg.Opc1)
	binary.LittleEndian.PutUint32(b[8:12], reg.CrN)
	binary.LittleEndian.PutUint32(b[12:16], reg.CrM)
	binary.LittleEndian.PutUint32(b[16:20], reg.Opc2)
	return b
}

func encodeCoProcWriteReq(reg CoProcReg, val uint32) []byte {
	b := make([]byte, coProcWriteSize)
	copy(b, encodeCoProcReadReq(reg))
	binary.LittleEndian.PutUint32(b[20:24], val)
	return b
}

func encodeBranchToReq(pc PSPAddr, flags uint32, gprs [6]uint32) []byte {
	b := make([]byte, branchToReqSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(pc))
	binary.LittleEndian.PutUint32(b[4:8], flags)
	for i, v := range gprs {
		binary.LittleEndian.PutUint32(b[8+i*4:12+i*4], v)
	}
	return b
}

func encodeCodeModLoadReq(cmType uint32, cbCm uint32) []byte {
	b := make([]byte, codeModLoadSize)
	binary.LittleEndian.PutUint32(b[0:4], cmType)
	binary.LittleEndian.PutUint32(b[4:8], cbCm)
	return b
}

func encodeCodeModExecReq(args [4]uint32) []byte {
	b := make([]byte, codeModExecSize)
	for i, v := range args {
		binary.LittleEndian.PutUint32(b[i*4:i*4+4], v)
	}
	return b
}

func encodeInBufWriteReq(idInBuf uint32) []byte {
	b := make([]byte, inBufWriteSize)
	binary.LittleEndian.PutUint32(b[0:4], idInBuf)
	return b
}

// BeaconNot is the heartbeat notification payload.
type BeaconNot struct {
	CBeaconsSent uint32
}

const beaconNotSize = 4

// DecodeBeaconNot parses a Beacon notification payload.
func DecodeBeaconNot(b []byte) (BeaconNot, error) {
	if len(b) != beaconNotSize {
		return BeaconNot{}, fmt.Errorf("pdu: beacon payload length %d", len(b))
	}
	return BeaconNot{CBeaconsSent: binary.LittleEndian.Uint32(b[0:4])}, nil
}

// EncodeBeaconNot builds a Beacon notification payload.
func EncodeBeaconNot(n BeaconNot) []byte {
	b := make([]byte, beaconNotSize)
	binary.LittleEndian.PutUint32(b, n.CBeaconsSent)
	return b
}

// OutBufWriteNot is the parsed output-buffer notification.
type OutBufWriteNot struct {
	IdOutBuf uint32
	Data     []byte
}

// DecodeOutBufWriteNot parses an OutBufWrite notification payload.
func DecodeOutBufWriteNot(b []byte) (OutBufWriteNot, error) {
	if len(b) < outBufWriteHdrSz {
		return OutBufWriteNot{}, fmt.Errorf("pdu: out buf notification length %d", len(b))
	}
	id := binary.LittleEndian.Uint32(b[0:4])
	cb := binary.LittleEndian.Uint32(b[4:8])
	if int(cb) > len(b)-outBufWriteHdrSz {
		return OutBufWriteNot{}, fmt.Errorf("pdu: out buf notification data length %d exceeds payload", cb)
	}
	return OutBufWriteNot{IdOutBuf: id, Data: b[outBufWriteHdrSz : outBufWriteHdrSz+int(cb)]}, nil
}

// EncodeOutBufWriteNot builds an OutBufWrite notification payload.
func EncodeOutBufWriteNot(idOutBuf uint32, data []byte) []byte {
	b := make([]byte, outBufWriteHdrSz+len(data))
	binary.LittleEndian.PutUint32(b[0:4], idOutBuf)
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(data)))
	copy(b[outBufWriteHdrSz:], data)
	return b
}

// IRQ level bits of the IrqChange notification payload.
const (
	IrqCurIrq  uint32 = 1 << 0
	IrqCurFirq uint32 = 1 << 1
)

// DecodeIrqChangeNot parses an IrqChange notification payload.
func DecodeIrqChangeNot(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("pdu: irq change payload length %d", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// EncodeIrqChangeNot builds an IrqChange notification payload.
func EncodeIrqChangeNot(fIrqCur uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, fIrqCur)
	return b
}

// DecodeExecFinishedNot parses a CodeModExecFinished notification payload.
func DecodeExecFinishedNot(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("pdu: exec finished payload length %d", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// EncodeExecFinishedNot builds a CodeModExecFinished notification payload.
func EncodeExecFinishedNot(cmRet uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, cmRet)
	return b
}
