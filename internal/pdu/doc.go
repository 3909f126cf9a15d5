// Package pdu owns the wire protocol spoken with the PSP stub.
//
// Ownership boundary:
// - frame layout, magics, RRN id space and payload codecs
// - the emit path and the receive state machine with checksum validation
// - the engine: handshake, request/response correlation, notification
//   dispatch, transfer chunking, code module execution
//
// The engine is single-threaded cooperative. One goroutine owns it; the
// only suspension points are the transport's poll, read and write calls.
package pdu
