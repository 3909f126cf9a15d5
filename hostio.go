package pspproxy

import "github.com/danmuck/pspproxy/internal/pdu"

// HostIO is the embedder-provided callback table for in-band stub I/O:
// assembled log lines, output-buffer writes, and the input source pumped
// to the stub while a code module runs. All callbacks are optional; their
// failures never fail the engine.
type HostIO = pdu.HostIO

// HostIOFuncs adapts plain functions to HostIO; nil fields are no-ops.
type HostIOFuncs struct {
	LogMsgFn      func(msg string)
	OutBufWriteFn func(idOutBuf uint32, data []byte)
	InBufPeekFn   func(idInBuf uint32) int
	InBufReadFn   func(idInBuf uint32, p []byte) int
}

func (h *HostIOFuncs) LogMsg(msg string) {
	if h.LogMsgFn != nil {
		h.LogMsgFn(msg)
	}
}

func (h *HostIOFuncs) OutBufWrite(idOutBuf uint32, data []byte) {
	if h.OutBufWriteFn != nil {
		h.OutBufWriteFn(idOutBuf, data)
	}
}

func (h *HostIOFuncs) InBufPeek(idInBuf uint32) int {
	if h.InBufPeekFn != nil {
		return h.InBufPeekFn(idInBuf)
	}
	return 0
}

func (h *HostIOFuncs) InBufRead(idInBuf uint32, p []byte) int {
	if h.InBufReadFn != nil {
		return h.InBufReadFn(idInBuf, p)
	}
	return 0
}
