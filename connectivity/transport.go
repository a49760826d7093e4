// Package connectivity is the transport contract shared by the persistence
// queue and the edit-lock manager: every call is a JSON POST to an endpoint
// answering with the envelope
//
//	{"success": bool, "error": "...", "data": {...}, "details": {...}}
//
// A Handler performs one call. Middlewares (logging, timeout, recovery,
// circuit breaker, retry) wrap it without changing its signature:
//
//	h := connectivity.Chain(
//		connectivity.Logging(logger),
//		connectivity.Recovery(logger),
//		connectivity.Timeout(10*time.Second),
//	)(httpClient.Post)
//
// Classify turns a Handler outcome into the error taxonomy of this package.
package connectivity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// Handler posts body to endpoint. The error is non-nil only when no HTTP
// response was obtained; HTTP level failures are reported through the
// Response and Classify.
type Handler func(ctx context.Context, endpoint string, body []byte) (*Response, error)

// Envelope is the JSON reply shape of the tablesync endpoints. Success is a
// pointer because an absent flag on a 2xx reply counts as success.
type Envelope struct {
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Response is one HTTP reply.
type Response struct {
	Status   int
	Body     []byte
	Envelope Envelope
}

// NewResponse decodes body leniently: a body that is not an envelope leaves
// the envelope empty.
func NewResponse(status int, body []byte) *Response {
	r := &Response{Status: status, Body: body}
	if len(bytes.TrimSpace(body)) > 0 {
		_ = json.Unmarshal(body, &r.Envelope)
	}
	return r
}

// OK reports a 2xx status whose envelope does not say success=false.
func (r *Response) OK() bool {
	if r.Status < 200 || r.Status >= 300 {
		return false
	}
	return r.Envelope.Success == nil || *r.Envelope.Success
}

// Version returns data.version_number when present.
func (r *Response) Version() (int64, bool) {
	if len(r.Envelope.Data) == 0 {
		return 0, false
	}
	var d struct {
		VersionNumber *int64 `json:"version_number"`
	}
	if err := json.Unmarshal(r.Envelope.Data, &d); err != nil || d.VersionNumber == nil {
		return 0, false
	}
	return *d.VersionNumber, true
}

// conflictDetails is the details object of a 409 reply.
type conflictDetails struct {
	LockedBy       json.RawMessage `json:"locked_by"`
	LockedByID     string          `json:"locked_by_id"`
	ExpiresAt      json.RawMessage `json:"expires_at"`
	CurrentData    json.RawMessage `json:"current_data"`
	CurrentVersion int64           `json:"current_version"`
}

// Conflict decodes a 409 reply. The kind follows the payload shape: a
// current_data field (even null) makes it a version conflict, anything else
// a lock conflict.
func (r *Response) Conflict(endpoint string) *ConflictError {
	ce := &ConflictError{Endpoint: endpoint, Message: r.Envelope.Error}
	var (
		d      conflictDetails
		fields map[string]json.RawMessage
	)
	if len(r.Envelope.Details) > 0 {
		_ = json.Unmarshal(r.Envelope.Details, &d)
		_ = json.Unmarshal(r.Envelope.Details, &fields)
	}
	if _, ok := fields["current_data"]; ok {
		ce.Kind = ConflictVersion
		ce.CurrentData = d.CurrentData
		ce.CurrentVersion = d.CurrentVersion
		return ce
	}
	ce.Kind = ConflictLock
	ce.Holder, ce.HolderID = decodeHolder(d.LockedBy)
	if d.LockedByID != "" {
		ce.HolderID = d.LockedByID
	}
	ce.ExpiresAt = DecodeTime(d.ExpiresAt)
	return ce
}

// decodeHolder accepts "name" or {"holder_id": ..., "holder_name": ...}.
func decodeHolder(raw json.RawMessage) (name, id string) {
	if len(raw) == 0 {
		return "", ""
	}
	if err := json.Unmarshal(raw, &name); err == nil {
		return name, ""
	}
	var h struct {
		ID   string `json:"holder_id"`
		Name string `json:"holder_name"`
	}
	_ = json.Unmarshal(raw, &h)
	return h.Name, h.ID
}

// DecodeTime accepts RFC 3339 strings and millisecond epochs. Anything else
// yields the zero time.
func DecodeTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		return time.Time{}
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(int64(ms))
	}
	return time.Time{}
}

// Classify maps a Handler outcome to nil (success), ErrAborted (the context
// was cancelled), *ConflictError (409), an ErrRejected wrap (2xx with
// success=false) or *TransportError (everything else).
func Classify(ctx context.Context, endpoint string, resp *Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ErrAborted
		}
		return &TransportError{Endpoint: endpoint, Cause: err}
	}
	switch {
	case resp.OK():
		return nil
	case resp.Status == 409:
		return resp.Conflict(endpoint)
	case resp.Status >= 200 && resp.Status < 300:
		if resp.Envelope.Error != "" {
			return errors.Join(ErrRejected, errors.New(resp.Envelope.Error))
		}
		return ErrRejected
	}
	te := &TransportError{Endpoint: endpoint, Status: resp.Status}
	if resp.Envelope.Error != "" {
		te.Cause = errors.New(resp.Envelope.Error)
	}
	return te
}

// Retryable reports whether err is worth another attempt: transport
// failures are, conflicts, rejections and aborts are not.
func Retryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
