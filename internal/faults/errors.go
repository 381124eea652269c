// Package faults holds the error taxonomy shared by the reader, provider and engine.
package faults

import (
	"errors"
	"fmt"
)

// ErrStaleEpoch marks data produced under a superseded epoch. It is an expected discard.
var ErrStaleEpoch = errors.New("stale epoch discard")

// TransportError is a network or connection failure. It is retried with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolGapError reports a sequence gap in a depth diff stream.
type ProtocolGapError struct {
	Symbol        string
	LastUpdateID  int64
	FirstUpdateID int64
	Reason        string
}

func (e *ProtocolGapError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("depth %s out of sync at %d: %s", e.Symbol, e.LastUpdateID, e.Reason)
	}
	return fmt.Sprintf("depth %s gap: last update %d, next diff starts at %d", e.Symbol, e.LastUpdateID, e.FirstUpdateID)
}

// MalformedMessageError is an unparseable payload. The message is dropped and the stream continues.
type MalformedMessageError struct {
	Stream string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed %s message: %v", e.Stream, e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// RESTError is a request that failed after its retries were spent. The
// provider keeps running without the result.
type RESTError struct {
	Op  string
	Err error
}

func (e *RESTError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RESTError) Unwrap() error { return e.Err }

// Status codes carried by STATUS events.
const (
	CodeTransport      = "transport"
	CodeProtocolGap    = "protocol_gap"
	CodeResyncRequired = "resync_required"
	CodeMalformed      = "malformed"
	CodeStaleEpoch     = "stale_epoch"
	CodeInternal       = "internal"
	CodeNoData         = "no_data"
	CodeStreamDown     = "stream_down"
	CodeRESTFailed     = "rest_failed"
	CodeInfo           = "info"
)

// Code maps err onto a STATUS code.
func Code(err error) string {
	var (
		transport *TransportError
		gap       *ProtocolGapError
		malformed *MalformedMessageError
		rest      *RESTError
	)
	switch {
	case err == nil:
		return CodeInfo
	case errors.Is(err, ErrStaleEpoch):
		return CodeStaleEpoch
	case errors.As(err, &rest):
		return CodeRESTFailed
	case errors.As(err, &gap):
		return CodeProtocolGap
	case errors.As(err, &malformed):
		return CodeMalformed
	case errors.As(err, &transport):
		return CodeTransport
	default:
		return CodeInternal
	}
}
