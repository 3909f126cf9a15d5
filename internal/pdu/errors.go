package pdu

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport reports a failed I/O on the underlying channel; the
	// engine is unusable afterwards.
	ErrTransport = errors.New("pdu: transport failure")
	// ErrTimeout reports an elapsed deadline with no data.
	ErrTimeout = errors.New("pdu: timeout")
	// ErrProtocol reports a violated wire invariant: a skewed counter, an
	// unexpected RRN id, or a response payload of the wrong size.
	ErrProtocol = errors.New("pdu: protocol violation")
	// ErrPeerReset reports a beacon counter out of sequence, implying the
	// stub resumed from reset.
	ErrPeerReset = errors.New("pdu: peer reset")
	// ErrRequestRejected reports a request the stub served with a
	// non-success status code.
	ErrRequestRejected = errors.New("pdu: request rejected")
	// ErrNotConnected reports an operation before a successful handshake.
	ErrNotConnected = errors.New("pdu: not connected")
)

// StatusError carries the stub status code of a rejected request.
type StatusError struct {
	Code uint32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pdu: request rejected by stub (status %#x)", e.Code)
}

func (e *StatusError) Unwrap() error { return ErrRequestRejected }
