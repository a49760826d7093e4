package editlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/tablesync/connectivity"
	"github.com/hazyhaar/tablesync/persist"
)

// SaveResult is the outcome of a successful versioned save.
type SaveResult struct {
	Cell    string
	Version int64
	// Reply is the data member of the server reply.
	Reply json.RawMessage
}

// Cached returns the last content known to be on the server for cellID.
func (m *Manager) Cached(cellID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cells[cellID]
	if c == nil || !c.cached {
		return Entry{}, false
	}
	return c.entryCopy(), true
}

// Remember seeds the cache with content read from the server.
func (m *Manager) Remember(cellID string, data json.RawMessage, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cellLocked(cellID)
	c.entry = Entry{Data: append(json.RawMessage(nil), data...), Version: version}
	c.cached = true
}

// Conflict returns the unresolved conflict of cellID, if any.
func (m *Manager) Conflict(cellID string) (*connectivity.ConflictError, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cells[cellID]
	if c == nil || c.conflict == nil {
		return nil, false
	}
	return c.conflict, true
}

func (m *Manager) saveBody(cellID string, data any, expected int64) (json.RawMessage, []byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("editlock: encode %s: %w", cellID, err)
	}
	body, err := m.requestBody(cellID, raw, expected)
	if err != nil {
		return nil, nil, err
	}
	return raw, body, nil
}

func (m *Manager) requestBody(cellID string, raw json.RawMessage, expected int64) ([]byte, error) {
	body, err := json.Marshal(saveRequest{
		HexID:           cellID,
		Data:            raw,
		ExpectedVersion: expected,
		HolderID:        m.cfg.HolderID,
	})
	if err != nil {
		return nil, fmt.Errorf("editlock: encode %s: %w", cellID, err)
	}
	return body, nil
}

// SaveVersioned writes data for cellID if the server still holds
// expectedVersion. On success the cache takes the new version. A version
// conflict is returned as a *connectivity.ConflictError carrying the
// server's current data, and blocks further saves on the cell until
// ResolveConflict. The cache is never touched by a failed save.
func (m *Manager) SaveVersioned(ctx context.Context, cellID string, data any, expectedVersion int64) (SaveResult, error) {
	m.mu.Lock()
	if c := m.cells[cellID]; c != nil && c.conflict != nil {
		m.mu.Unlock()
		return SaveResult{}, fmt.Errorf("editlock: save %s: %w", cellID, ErrConflictPending)
	}
	m.mu.Unlock()

	raw, body, err := m.saveBody(cellID, data, expectedVersion)
	if err != nil {
		return SaveResult{}, err
	}
	resp, err := m.call(ctx, m.transport, m.cfg.SaveURL, body)

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cellLocked(cellID)
	if err != nil {
		m.saveFailedLocked(cellID, c, err)
		return SaveResult{}, fmt.Errorf("editlock: save %s: %w", cellID, err)
	}
	version, ok := resp.Version()
	if !ok {
		version = expectedVersion + 1
	}
	c.entry = Entry{Data: raw, Version: version}
	c.cached = true
	m.logger.Debug("editlock: saved", "cell", cellID, "version", version)
	return SaveResult{Cell: cellID, Version: version, Reply: resp.Envelope.Data}, nil
}

// saveFailedLocked records what a failed save teaches about the cell.
func (m *Manager) saveFailedLocked(cellID string, c *cell, err error) {
	var ce *connectivity.ConflictError
	if !errors.As(err, &ce) {
		return
	}
	switch ce.Kind {
	case connectivity.ConflictVersion:
		c.conflict = ce
		m.logger.Warn("editlock: version conflict",
			"cell", cellID, "current_version", ce.CurrentVersion)
	case connectivity.ConflictLock:
		m.denyLocked(c, ce)
		m.logger.Warn("editlock: save refused, cell locked", "cell", cellID, "holder", ce.Holder)
	}
}

// ResolveConflict settles the pending conflict of cellID.
//
// Discard adopts the server's data and version. Overwrite saves local over
// the server's current version. Reload clears the conflict and the cached
// entry so the caller fetches the cell again. The returned Entry is the
// cell's content after resolution (empty for Reload).
func (m *Manager) ResolveConflict(ctx context.Context, cellID string, choice Resolution, local any) (Entry, error) {
	m.mu.Lock()
	c := m.cells[cellID]
	if c == nil || c.conflict == nil {
		m.mu.Unlock()
		return Entry{}, fmt.Errorf("editlock: resolve %s: no conflict", cellID)
	}
	ce := c.conflict
	c.conflict = nil
	switch choice {
	case Discard:
		c.entry = Entry{Data: append(json.RawMessage(nil), ce.CurrentData...), Version: ce.CurrentVersion}
		c.cached = true
		e := c.entryCopy()
		m.mu.Unlock()
		m.logger.Info("editlock: conflict resolved", "cell", cellID, "choice", "discard")
		return e, nil
	case Reload:
		c.entry, c.cached = Entry{}, false
		m.mu.Unlock()
		m.logger.Info("editlock: conflict resolved", "cell", cellID, "choice", "reload")
		return Entry{}, nil
	case Overwrite:
		m.mu.Unlock()
		res, err := m.SaveVersioned(ctx, cellID, local, ce.CurrentVersion)
		if err != nil {
			return Entry{}, fmt.Errorf("editlock: resolve %s: %w", cellID, err)
		}
		m.logger.Info("editlock: conflict resolved", "cell", cellID, "choice", "overwrite", "version", res.Version)
		e, _ := m.Cached(cellID)
		return e, nil
	}
	c.conflict = ce
	m.mu.Unlock()
	return Entry{}, fmt.Errorf("editlock: resolve %s: unknown resolution %d", cellID, choice)
}

func (c *cell) entryCopy() Entry {
	return Entry{Data: append(json.RawMessage(nil), c.entry.Data...), Version: c.entry.Version}
}

// QueueEdit schedules a debounced save of data for a cell this client
// holds, through the persistence queue under Key(cellID). A save already on
// the wire is left to complete, and each attempt carries the version cached
// when it is sent. Completion updates the cache or records the conflict
// before opts.OnComplete runs.
func (m *Manager) QueueEdit(cellID string, data any, opts persist.SaveOptions) (*persist.Pending, error) {
	if m.queue == nil {
		return nil, ErrNoQueue
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	c := m.cellLocked(cellID)
	m.expireLocked(cellID, c)
	switch {
	case c.state != LockedByMe:
		m.mu.Unlock()
		return nil, fmt.Errorf("editlock: edit %s: %w", cellID, ErrNotHolder)
	case c.conflict != nil:
		m.mu.Unlock()
		return nil, fmt.Errorf("editlock: edit %s: %w", cellID, ErrConflictPending)
	}
	m.mu.Unlock()

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("editlock: encode %s: %w", cellID, err)
	}
	var expected int64 // guarded by m.mu
	opts.FinishInFlight = true
	opts.Encode = func() ([]byte, error) {
		m.mu.Lock()
		c := m.cellLocked(cellID)
		if c.conflict != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("editlock: edit %s: %w", cellID, ErrConflictPending)
		}
		expected = c.entry.Version
		m.mu.Unlock()
		return m.requestBody(cellID, raw, expected)
	}
	user := opts.OnComplete
	opts.OnComplete = func(r persist.Result) {
		m.queuedDone(cellID, raw, &expected, r)
		if user != nil {
			user(r)
		}
	}
	return m.queue.QueueSave(Key(cellID), nil, m.cfg.SaveURL, opts), nil
}

func (m *Manager) queuedDone(cellID string, raw json.RawMessage, expected *int64, r persist.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cellLocked(cellID)
	switch {
	case r.Success && r.Beacon:
		// delivered blind; the next read refreshes the version
	case r.Success:
		version := *expected + 1
		if r.HasVersion {
			version = r.Version
		}
		c.entry = Entry{Data: raw, Version: version}
		c.cached = true
	case r.Err != nil:
		m.saveFailedLocked(cellID, c, r.Err)
	}
}
