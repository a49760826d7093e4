// Package editlock lets one client at a time edit a shared cell (the notes
// of a map hex) and detects version conflicts when it saves.
//
// A cell moves through
//
//	Unlocked -> LockedByMe    -> Unlocked           (release, expiry, unload)
//	Unlocked -> LockedByOther -> LockedByOther | LockedByMe
//
// Leases are granted by the server for Config.TTL and renewed by a client
// timer Config.RenewBefore ahead of expiry. Saves carry the last known
// version_number; a 409 surfaces the server's current data and blocks
// further saves on the cell until ResolveConflict is called.
package editlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/tablesync/connectivity"
	"github.com/hazyhaar/tablesync/envsig"
	"github.com/hazyhaar/tablesync/idgen"
	"github.com/hazyhaar/tablesync/persist"
)

var (
	// ErrConflictPending refuses saves on a cell with an unresolved
	// version conflict.
	ErrConflictPending = errors.New("editlock: unresolved conflict")
	// ErrNotHolder refuses local edits on a cell this client does not hold.
	ErrNotHolder = errors.New("editlock: cell is not locked by this client")
	// ErrNoQueue is returned by QueueEdit when the manager has no queue.
	ErrNoQueue = errors.New("editlock: no persistence queue configured")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("editlock: manager closed")
)

// CellState is the lock state of one cell as seen by this client.
type CellState int

const (
	Unlocked CellState = iota
	LockedByMe
	LockedByOther
)

func (s CellState) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case LockedByMe:
		return "locked_by_me"
	case LockedByOther:
		return "locked_by_other"
	}
	return "unknown"
}

// Resolution is the caller's answer to a version conflict.
type Resolution int

const (
	// Discard drops the local change and adopts the server's data.
	Discard Resolution = iota
	// Overwrite saves the local data again over the server's version.
	Overwrite
	// Reload forgets the cached entry so the caller fetches it again.
	Reload
)

// Config names the lock and save endpoints and this client's identity.
type Config struct {
	AcquireURL string
	// RenewURL and ReleaseURL default to AcquireURL; the action field of
	// the body tells the server what to do.
	RenewURL   string
	ReleaseURL string
	SaveURL    string
	// HolderID defaults to a fresh idgen.HolderID.
	HolderID   string
	HolderName string
	// TTL is assumed when the server omits expires_at. Default 5m.
	TTL time.Duration
	// RenewBefore is how long before expiry the lease is renewed.
	// Default 1m.
	RenewBefore time.Duration
}

func (c *Config) defaults() {
	if c.RenewURL == "" {
		c.RenewURL = c.AcquireURL
	}
	if c.ReleaseURL == "" {
		c.ReleaseURL = c.AcquireURL
	}
	if c.HolderID == "" {
		c.HolderID = idgen.HolderID()
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.RenewBefore <= 0 {
		c.RenewBefore = time.Minute
	}
}

// Options carries the collaborators of a Manager.
type Options struct {
	// Transport performs lock and save calls. Required.
	Transport connectivity.Handler
	// Env supplies connectivity and unload. Default: envsig.Manual.
	Env envsig.Env
	// Queue, when set, enables QueueEdit and unload flushing.
	Queue  *persist.Queue
	Logger *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
	// RenewRetries bounds the retries of one renewal call. Default 2.
	RenewRetries int
}

// LockResult describes the lock state after a lock call.
type LockResult struct {
	Cell      string
	State     CellState
	Holder    string
	HolderID  string
	ExpiresAt time.Time
}

// Entry is the cached content of a cell.
type Entry struct {
	Data    json.RawMessage
	Version int64
}

type cell struct {
	state     CellState
	holder    string
	holderID  string
	expiresAt time.Time

	renew *time.Timer
	gen   int

	entry    Entry
	cached   bool
	conflict *connectivity.ConflictError
}

// Manager tracks the cells this client has touched. Create one per session.
type Manager struct {
	cfg       Config
	env       envsig.Env
	queue     *persist.Queue
	logger    *slog.Logger
	now       func() time.Time
	transport connectivity.Handler
	renewer   connectivity.Handler

	mu     sync.Mutex
	cells  map[string]*cell
	closed bool

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	unregister func()
}

// New creates a Manager and registers its unload hook.
func New(cfg Config, opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("editlock: new: transport is required")
	}
	cfg.defaults()
	if opts.Env == nil {
		opts.Env = envsig.NewManual()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RenewRetries <= 0 {
		opts.RenewRetries = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		env:       opts.Env,
		queue:     opts.Queue,
		logger:    opts.Logger,
		now:       opts.Clock,
		transport: opts.Transport,
		renewer:   connectivity.WithRetry(opts.RenewRetries, 250*time.Millisecond, opts.Logger)(opts.Transport),
		cells:     make(map[string]*cell),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.unregister = m.env.OnUnload(m.unload)
	return m, nil
}

// HolderID returns the identity this manager locks with.
func (m *Manager) HolderID() string { return m.cfg.HolderID }

// Key is the persistence queue key of a cell.
func Key(cellID string) string { return "hex:" + cellID }

type lockRequest struct {
	HexID      string `json:"hex_id"`
	HolderID   string `json:"holder_id"`
	HolderName string `json:"holder_name,omitempty"`
	Action     string `json:"action"`
}

type saveRequest struct {
	HexID           string          `json:"hex_id"`
	Data            json.RawMessage `json:"data"`
	ExpectedVersion int64           `json:"expected_version"`
	HolderID        string          `json:"holder_id,omitempty"`
}

type lockData struct {
	ExpiresAt json.RawMessage `json:"expires_at"`
}

func (m *Manager) lockBody(cellID, action string) []byte {
	b, _ := json.Marshal(lockRequest{
		HexID:      cellID,
		HolderID:   m.cfg.HolderID,
		HolderName: m.cfg.HolderName,
		Action:     action,
	})
	return b
}

// preflight checks what every call needs before touching the network.
func (m *Manager) preflight(endpoint string) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case endpoint == "":
		return connectivity.ErrMissingEndpoint
	case !m.env.IsOnline():
		return connectivity.ErrOffline
	}
	return nil
}

func (m *Manager) call(ctx context.Context, h connectivity.Handler, endpoint string, body []byte) (*connectivity.Response, error) {
	if err := m.preflight(endpoint); err != nil {
		return nil, err
	}
	resp, err := h(ctx, endpoint, body)
	if cls := connectivity.Classify(ctx, endpoint, resp, err); cls != nil {
		return resp, cls
	}
	return resp, nil
}

func (m *Manager) cellLocked(id string) *cell {
	c := m.cells[id]
	if c == nil {
		c = &cell{}
		m.cells[id] = c
	}
	return c
}

// expireLocked moves a cell whose lease has run out back to Unlocked.
func (m *Manager) expireLocked(id string, c *cell) {
	if c.state == Unlocked || c.expiresAt.IsZero() || m.now().Before(c.expiresAt) {
		return
	}
	if c.state == LockedByMe {
		m.logger.Warn("editlock: lease expired", "cell", id)
	}
	m.unlockLocked(c)
}

func (m *Manager) unlockLocked(c *cell) {
	c.state = Unlocked
	c.holder, c.holderID = "", ""
	c.expiresAt = time.Time{}
	m.stopRenewLocked(c)
}

func (m *Manager) stopRenewLocked(c *cell) {
	c.gen++
	if c.renew != nil {
		c.renew.Stop()
		c.renew = nil
	}
}

func (c *cell) result(id string) LockResult {
	return LockResult{Cell: id, State: c.state, Holder: c.holder, HolderID: c.holderID, ExpiresAt: c.expiresAt}
}

// grantLocked records a lease held by this client and schedules its renewal.
func (m *Manager) grantLocked(id string, c *cell, resp *connectivity.Response) {
	var d lockData
	if len(resp.Envelope.Data) > 0 {
		_ = json.Unmarshal(resp.Envelope.Data, &d)
	}
	expires := connectivity.DecodeTime(d.ExpiresAt)
	if expires.IsZero() {
		expires = m.now().Add(m.cfg.TTL)
	}
	c.state = LockedByMe
	c.holder, c.holderID = m.cfg.HolderName, m.cfg.HolderID
	c.expiresAt = expires
	m.scheduleRenewLocked(id, c)
}

// denyLocked records a lease held by someone else.
func (m *Manager) denyLocked(c *cell, ce *connectivity.ConflictError) {
	m.stopRenewLocked(c)
	c.state = LockedByOther
	c.holder, c.holderID = ce.Holder, ce.HolderID
	c.expiresAt = ce.ExpiresAt
}

func (m *Manager) scheduleRenewLocked(id string, c *cell) {
	m.stopRenewLocked(c)
	remaining := c.expiresAt.Sub(m.now())
	if remaining <= 0 {
		return
	}
	// Short leases renew at half-life.
	delay := max(remaining-m.cfg.RenewBefore, remaining/2)
	gen := c.gen
	c.renew = time.AfterFunc(delay, func() { m.renewTick(id, gen) })
}

func (m *Manager) renewTick(id string, gen int) {
	m.mu.Lock()
	c := m.cells[id]
	if m.closed || c == nil || c.gen != gen || c.state != LockedByMe {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RenewBefore)
	defer cancel()
	if _, err := m.Renew(ctx, id); err != nil {
		m.logger.Warn("editlock: renewal failed", "cell", id, "error", err)
	}
}

// Acquire asks the server for an exclusive lease on cellID. A lease held
// by another client is a LockedByOther result, not an error. Transport
// failures are errors and leave a cell this client does not hold Unlocked.
func (m *Manager) Acquire(ctx context.Context, cellID string) (LockResult, error) {
	resp, err := m.call(ctx, m.transport, m.cfg.AcquireURL, m.lockBody(cellID, "acquire"))

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cellLocked(cellID)
	var ce *connectivity.ConflictError
	switch {
	case err == nil:
		m.grantLocked(cellID, c, resp)
		m.logger.Info("editlock: lock acquired", "cell", cellID, "expires_at", c.expiresAt)
	case errors.As(err, &ce):
		m.denyLocked(c, ce)
		m.logger.Info("editlock: lock held by another client",
			"cell", cellID, "holder", ce.Holder, "expires_at", ce.ExpiresAt)
	default:
		m.expireLocked(cellID, c)
		if c.state != LockedByMe {
			m.unlockLocked(c)
		}
		return c.result(cellID), fmt.Errorf("editlock: acquire %s: %w", cellID, err)
	}
	return c.result(cellID), nil
}

// Renew extends the lease on a cell this client holds. A lock conflict moves
// the cell to LockedByOther; a transport failure keeps the lease until it
// expires.
func (m *Manager) Renew(ctx context.Context, cellID string) (LockResult, error) {
	m.mu.Lock()
	c := m.cellLocked(cellID)
	m.expireLocked(cellID, c)
	if c.state != LockedByMe {
		res := c.result(cellID)
		m.mu.Unlock()
		return res, fmt.Errorf("editlock: renew %s: %w", cellID, ErrNotHolder)
	}
	m.mu.Unlock()

	resp, err := m.call(ctx, m.renewer, m.cfg.RenewURL, m.lockBody(cellID, "renew"))

	m.mu.Lock()
	defer m.mu.Unlock()
	var ce *connectivity.ConflictError
	switch {
	case c.state != LockedByMe:
		// released while the call was in flight
		return c.result(cellID), nil
	case err == nil:
		m.grantLocked(cellID, c, resp)
		m.logger.Debug("editlock: lock renewed", "cell", cellID, "expires_at", c.expiresAt)
		return c.result(cellID), nil
	case errors.As(err, &ce):
		m.denyLocked(c, ce)
		m.logger.Warn("editlock: lease lost", "cell", cellID, "holder", ce.Holder)
		return c.result(cellID), nil
	}
	m.expireLocked(cellID, c)
	return c.result(cellID), fmt.Errorf("editlock: renew %s: %w", cellID, err)
}

// Release gives up the lease on cellID. The cell is Unlocked locally even
// when the call fails; the server lease then runs out on its own.
func (m *Manager) Release(ctx context.Context, cellID string) error {
	m.mu.Lock()
	c := m.cells[cellID]
	held := c != nil && c.state == LockedByMe
	if c != nil {
		m.unlockLocked(c)
	}
	m.mu.Unlock()
	if !held {
		return nil
	}
	if _, err := m.call(ctx, m.transport, m.cfg.ReleaseURL, m.lockBody(cellID, "release")); err != nil {
		return fmt.Errorf("editlock: release %s: %w", cellID, err)
	}
	m.logger.Info("editlock: lock released", "cell", cellID)
	return nil
}

// WaitForLock polls Acquire every interval until the lease is granted or
// ctx ends. Transport failures are logged and polling continues; missing
// endpoints and a closed manager stop it.
func (m *Manager) WaitForLock(ctx context.Context, cellID string, interval time.Duration) (LockResult, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		res, err := m.Acquire(ctx, cellID)
		switch {
		case err == nil && res.State == LockedByMe:
			return res, nil
		case errors.Is(err, connectivity.ErrMissingEndpoint), errors.Is(err, ErrClosed):
			return res, err
		case err != nil:
			m.logger.Debug("editlock: poll failed", "cell", cellID, "error", err)
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-t.C:
		}
	}
}

// State returns the lock state of cellID.
func (m *Manager) State(cellID string) CellState {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cells[cellID]
	if c == nil {
		return Unlocked
	}
	m.expireLocked(cellID, c)
	return c.state
}

// Lock returns the full lock state of cellID.
func (m *Manager) Lock(cellID string) LockResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cells[cellID]
	if c == nil {
		return LockResult{Cell: cellID}
	}
	m.expireLocked(cellID, c)
	return c.result(cellID)
}

// Close stops renewal timers and unregisters the unload hook. Leases are
// not released; use Release or let them expire.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, c := range m.cells {
		m.stopRenewLocked(c)
	}
	m.mu.Unlock()
	m.unregister()
	m.cancel()
	m.wg.Wait()
}

// unload flushes the queued edits of every held cell and releases the
// leases through beacons.
func (m *Manager) unload() {
	m.mu.Lock()
	var held []string
	for id, c := range m.cells {
		if c.state == LockedByMe {
			held = append(held, id)
			m.unlockLocked(c)
		}
	}
	m.mu.Unlock()

	for _, id := range held {
		if m.queue != nil {
			m.queue.Flush(Key(id))
		}
		if m.cfg.ReleaseURL == "" || !m.env.SendBeacon(m.cfg.ReleaseURL, m.lockBody(id, "release")) {
			m.logger.Warn("editlock: release beacon not sent", "cell", id)
			continue
		}
		m.logger.Info("editlock: lock released on unload", "cell", id)
	}
}
