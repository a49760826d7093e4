package connectivity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Pre-flight and cancellation outcomes. None of them is retried.
var (
	// ErrAborted means a save was superseded by a newer one or cancelled.
	ErrAborted = errors.New("connectivity: aborted")
	// ErrOffline means the environment reported no connectivity.
	ErrOffline = errors.New("connectivity: client is offline")
	// ErrMissingEndpoint means no endpoint was configured for the call.
	ErrMissingEndpoint = errors.New("connectivity: missing endpoint")
	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("connectivity: conflict")
	// ErrRejected means the server answered 2xx with success=false.
	ErrRejected = errors.New("connectivity: rejected by server")
)

// TransportError is a network failure or a non-2xx, non-409 response.
// Status is 0 when no response was received.
type TransportError struct {
	Endpoint string
	Status   int
	Attempts int
	Cause    error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("connectivity: %s", e.Endpoint)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Cause }

// ConflictKind distinguishes the two 409 payload shapes.
type ConflictKind int

const (
	// ConflictLock: the cell is held by another user.
	ConflictLock ConflictKind = iota + 1
	// ConflictVersion: another writer saved since the last read.
	ConflictVersion
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictLock:
		return "lock"
	case ConflictVersion:
		return "version"
	}
	return "unknown"
}

// ConflictError is a 409 answer. Lock conflicts carry the holder and expiry,
// version conflicts carry the server's current document.
type ConflictError struct {
	Endpoint       string
	Kind           ConflictKind
	Holder         string
	HolderID       string
	ExpiresAt      time.Time
	CurrentData    json.RawMessage
	CurrentVersion int64
	Message        string
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case ConflictLock:
		return fmt.Sprintf("connectivity: %s: locked by %s until %s", e.Endpoint, e.Holder, e.ExpiresAt.Format(time.RFC3339))
	case ConflictVersion:
		return fmt.Sprintf("connectivity: %s: version conflict (server at %d)", e.Endpoint, e.CurrentVersion)
	}
	return fmt.Sprintf("connectivity: %s: conflict: %s", e.Endpoint, e.Message)
}

// Is makes errors.Is(err, ErrConflict) match any conflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ErrCircuitOpen is returned when the circuit breaker rejects a call without
// attempting it.
type ErrCircuitOpen struct {
	Endpoint string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Endpoint)
}

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}
