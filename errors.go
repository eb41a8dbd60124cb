package meshcoap

import (
	"errors"
	"fmt"
)

// Sentinel errors for session state.
var (
	ErrNotStarted     = errors.New("session is not started")
	ErrAlreadyStarted = errors.New("session is already started")
	ErrSessionClosed  = errors.New("session is closed")
)

// Sentinel errors matched by SendError through errors.Is.
var (
	ErrNoPeer           = errors.New("no peer address known")
	ErrAllocationFailed = errors.New("message allocation failed")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrTransport        = errors.New("transport error")
)

// Errors a Transport reports from NewMessage and Append.
var (
	ErrNoBufs     = errors.New("no message buffers available")
	ErrNoCapacity = errors.New("message capacity exceeded")
)

// SendErrorKind classifies a failed send.
type SendErrorKind int

const (
	SendNoPeer SendErrorKind = iota
	SendAllocationFailed
	SendPayloadTooLarge
	SendTransportError
)

var sendErrorKindNames = [...]string{
	SendNoPeer:           "NoPeer",
	SendAllocationFailed: "AllocationFailed",
	SendPayloadTooLarge:  "PayloadTooLarge",
	SendTransportError:   "TransportError",
}

func (k SendErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(sendErrorKindNames) {
		return sendErrorKindNames[k]
	}
	return fmt.Sprintf("SendErrorKind(%d)", k)
}

var sendErrorSentinels = [...]error{
	SendNoPeer:           ErrNoPeer,
	SendAllocationFailed: ErrAllocationFailed,
	SendPayloadTooLarge:  ErrPayloadTooLarge,
	SendTransportError:   ErrTransport,
}

// SendError is returned by Dispatcher.Send.
type SendError struct {
	Kind  SendErrorKind
	Code  int // transport status, set for SendTransportError
	Peer  PeerAddress
	Cause error
}

func (e *SendError) Error() string {
	switch {
	case e.Kind == SendTransportError:
		return fmt.Sprintf("send to %s: %s(%d): %v", e.Peer, e.Kind, e.Code, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("send to %s: %s: %v", e.Peer, e.Kind, e.Cause)
	default:
		return fmt.Sprintf("send to %s: %s", e.Peer, e.Kind)
	}
}

func (e *SendError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrPayloadTooLarge) and friends match on Kind.
func (e *SendError) Is(target error) bool {
	if int(e.Kind) >= 0 && int(e.Kind) < len(sendErrorSentinels) {
		return sendErrorSentinels[e.Kind] == target
	}
	return false
}

// TransportFailure carries a numeric status from the transport layer.
type TransportFailure struct {
	Status int
	Err    error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("transport status %d: %v", e.Status, e.Err)
}

func (e *TransportFailure) Unwrap() error {
	return e.Err
}

// Transport status codes used by CoAPTransport.
const (
	StatusFailed       = 1
	StatusInvalidState = 13
	StatusDialFailed   = 28
)

// transportCode extracts the status of a TransportFailure, or StatusFailed.
func transportCode(err error) int {
	var tf *TransportFailure
	if errors.As(err, &tf) {
		return tf.Status
	}
	return StatusFailed
}

// ResolutionError reports that a hostname could not be resolved.
type ResolutionError struct {
	Hostname string
	Reason   string
	Cause    error
}

func (e *ResolutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("resolve %s: %s: %v", e.Hostname, e.Reason, e.Cause)
	}
	return fmt.Sprintf("resolve %s: %s", e.Hostname, e.Reason)
}

func (e *ResolutionError) Unwrap() error {
	return e.Cause
}
