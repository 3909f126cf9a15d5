package pspproxy

import (
	"errors"

	"github.com/danmuck/pspproxy/internal/pdu"
	"github.com/danmuck/pspproxy/internal/transport"
)

// Error kinds surfaced at the API boundary, matchable with errors.Is.
var (
	// ErrTransport: I/O on the underlying channel failed; the proxy is
	// unusable.
	ErrTransport = pdu.ErrTransport
	// ErrTimeout: a poll deadline elapsed with no data.
	ErrTimeout = pdu.ErrTimeout
	// ErrProtocol: frame validation failed, a counter skewed, or a
	// response did not match its request. Fatal for the session.
	ErrProtocol = pdu.ErrProtocol
	// ErrPeerReset: the stub resumed from reset mid-session. Fatal; tear
	// the proxy down and reconnect.
	ErrPeerReset = pdu.ErrPeerReset
	// ErrRequestRejected: the stub served the request with a non-success
	// status; see StatusError for the code.
	ErrRequestRejected = pdu.ErrRequestRejected
	// ErrNoSuchProvider: the device URI scheme has no transport.
	ErrNoSuchProvider = transport.ErrNoSuchProvider
	// ErrArgument: the call was rejected before anything went on the wire.
	ErrArgument = errors.New("pspproxy: invalid argument")
)

// StatusError carries the stub status code of a rejected request. It
// unwraps to ErrRequestRejected.
type StatusError = pdu.StatusError
