package persist

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hazyhaar/tablesync/connectivity"
)

// Result is the outcome of one save. Exactly one of Success and Err is set.
// Aborted saves (superseded, offline, no endpoint, queue closed) carry
// Aborted=true and are never retried.
type Result struct {
	Success bool
	Aborted bool
	Err     error
	// Data is the "data" member of the server reply. Empty for beacons.
	Data json.RawMessage
	// Version is data.version_number when the server returned one.
	Version    int64
	HasVersion bool
	Attempts   int
	// Beacon is set when the save was handed to the environment beacon
	// and its outcome is therefore unknown.
	Beacon bool
	// Resumed is set for saves re-queued after connectivity came back.
	Resumed bool
}

// Pending is the future of a queued save.
type Pending struct {
	done   chan struct{}
	result Result
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the save resolves or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the result if the save has resolved.
func (p *Pending) Result() (Result, bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return Result{}, false
	}
}

// Status is the save indicator shown to users.
type Status string

const (
	StatusSaving   Status = "saving"
	StatusSaved    Status = "saved"
	StatusError    Status = "error"
	StatusConflict Status = "conflict"
)

// StatusOf maps a result to the indicator. A save superseded by a newer one
// shows "saving": the newer save is still on its way.
func StatusOf(r Result) Status {
	switch {
	case r.Success:
		return StatusSaved
	case errors.Is(r.Err, connectivity.ErrConflict):
		return StatusConflict
	case r.Aborted && errors.Is(r.Err, connectivity.ErrAborted):
		return StatusSaving
	}
	return StatusError
}
