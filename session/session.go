// Package session wires one tabletop client together: the board store, the
// persistence queue that writes it back, and the edit-lock manager for hex
// notes, all sharing one transport and one environment.
//
// A GM session persists the whole board under the "board-state" key. A
// player session only sees a restricted view and persists its pings under
// "board-pings", so it never overwrites GM data.
//
// Board saves carry the version the session last saw; a save rejected
// because another GM wrote first holds further board saves until
// ResolveConflict. Pings are last-writer-wins.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/tablesync/board"
	"github.com/hazyhaar/tablesync/config"
	"github.com/hazyhaar/tablesync/connectivity"
	"github.com/hazyhaar/tablesync/editlock"
	"github.com/hazyhaar/tablesync/envsig"
	"github.com/hazyhaar/tablesync/idgen"
	"github.com/hazyhaar/tablesync/persist"
)

// Persistence keys.
const (
	BoardKey = "board-state"
	PingsKey = "board-pings"
)

// Session owns every per-client map. Build one with New and release it with
// Close; sessions never share state.
type Session struct {
	cfg      config.Client
	logger   *slog.Logger
	holderID string

	env      envsig.Env
	process  *envsig.Process
	http     *connectivity.HTTP
	call     connectivity.Handler
	store    *board.Store
	queue    *persist.Queue
	locks    *editlock.Manager
	unsub    func()
	now      func() time.Time

	mu        sync.Mutex
	status    persist.Status
	lastBoard []byte // GM: last board content loaded or queued
	lastPing  []byte
	version   int64
	conflict  *connectivity.ConflictError
	closed    bool
}

// Option configures a Session.
type Option func(*settings)

type settings struct {
	env       envsig.Env
	transport connectivity.Handler
	logger    *slog.Logger
	clock     func() time.Time
}

// WithEnv supplies the environment. Default: an envsig.Process watching
// SIGINT/SIGTERM, closed with the session.
func WithEnv(env envsig.Env) Option {
	return func(s *settings) { s.env = env }
}

// WithTransport replaces the HTTP transport.
func WithTransport(h connectivity.Handler) Option {
	return func(s *settings) { s.transport = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithClock overrides time.Now for the store and the lock manager.
func WithClock(fn func() time.Time) Option {
	return func(s *settings) { s.clock = fn }
}

// New builds a session from cfg.
func New(cfg config.Client, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: config: %w", err)
	}
	st := settings{logger: slog.Default(), clock: time.Now}
	for _, o := range opts {
		o(&st)
	}

	s := &Session{
		cfg:      cfg,
		logger:   st.logger.With("holder_name", cfg.HolderName),
		holderID: idgen.HolderID(),
		now:      st.clock,
		status:   persist.StatusSaved,
	}

	base := st.transport
	if base == nil {
		h, err := connectivity.NewHTTP(connectivity.WithRequestTimeout(cfg.RequestTimeout))
		if err != nil {
			return nil, fmt.Errorf("session: transport: %w", err)
		}
		s.http = h
		base = h.Post
	}
	s.call = connectivity.Chain(
		connectivity.Logging(s.logger),
		connectivity.Recovery(s.logger),
		connectivity.Timeout(cfg.RequestTimeout),
	)(base)

	s.env = st.env
	if s.env == nil {
		popts := []envsig.ProcessOption{envsig.WithLogger(s.logger)}
		if s.http != nil {
			popts = append(popts, envsig.WithClient(s.http.Client()))
		}
		s.process = envsig.NewProcess(context.Background(), popts...)
		s.env = s.process
	}

	var breaker *connectivity.CircuitBreaker
	if cfg.Queue.BreakerThreshold > 0 {
		breaker = connectivity.NewCircuitBreaker(
			connectivity.WithBreakerThreshold(cfg.Queue.BreakerThreshold),
			connectivity.WithBreakerCooldown(cfg.Queue.BreakerCooldown),
		)
	}
	q, err := persist.New(persist.Options{
		Transport:         s.call,
		Env:               s.env,
		Debounce:          cfg.Queue.Debounce,
		RetryLimit:        cfg.Queue.RetryLimit,
		RetryBackoff:      cfg.Queue.RetryBackoff,
		ResumeOnReconnect: cfg.Queue.ResumeOnReconnect,
		Breaker:           breaker,
		Logger:            s.logger,
	})
	if err != nil {
		s.closeTransport()
		return nil, fmt.Errorf("session: %w", err)
	}
	s.queue = q

	locks, err := editlock.New(editlock.Config{
		AcquireURL:  cfg.URL(cfg.Endpoints.HexLock),
		SaveURL:     cfg.URL(cfg.Endpoints.HexSave),
		HolderID:    s.holderID,
		HolderName:  cfg.HolderName,
		TTL:         cfg.Lock.TTL,
		RenewBefore: cfg.Lock.RenewBefore,
	}, editlock.Options{
		Transport: s.call,
		Env:       s.env,
		Queue:     q,
		Logger:    s.logger,
		Clock:     st.clock,
	})
	if err != nil {
		q.Close()
		s.closeTransport()
		return nil, fmt.Errorf("session: %w", err)
	}
	s.locks = locks

	s.store = board.NewStore(
		board.WithClock(st.clock),
		board.WithPlayerFolder(cfg.PlayerFolder),
		board.WithLogger(s.logger),
	)
	s.store.Initialize(board.Snapshot{User: s.user(), Grid: board.Grid{Visible: true}})
	s.remember(s.store.State())
	s.unsub = s.store.Subscribe(s.persist)
	return s, nil
}

func (s *Session) user() board.User {
	return board.User{IsGM: s.cfg.IsGM, Name: s.cfg.HolderName}
}

// Store returns the board store.
func (s *Session) Store() *board.Store { return s.store }

// Queue returns the persistence queue.
func (s *Session) Queue() *persist.Queue { return s.queue }

// Locks returns the edit-lock manager.
func (s *Session) Locks() *editlock.Manager { return s.locks }

// Env returns the environment.
func (s *Session) Env() envsig.Env { return s.env }

// HolderID is the lock identity of this session.
func (s *Session) HolderID() string { return s.holderID }

// Status is the save indicator of the board.
func (s *Session) Status() persist.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Version is the last board version_number acknowledged by the server.
func (s *Session) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Conflict returns the board version conflict waiting for ResolveConflict.
func (s *Session) Conflict() (*connectivity.ConflictError, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conflict, s.conflict != nil
}

type boardPayload struct {
	Key             string          `json:"key"`
	Data            json.RawMessage `json:"data"`
	ExpectedVersion *int64          `json:"expected_version,omitempty"`
}

type pingsDoc struct {
	Author string       `json:"author"`
	Pings  []board.Ping `json:"pings"`
}

// persist is the store listener: it queues a save for every committed state
// whose persisted content differs from the last one loaded or queued.
func (s *Session) persist(snap board.Snapshot) {
	if s.cfg.IsGM {
		body, err := json.Marshal(snap)
		if err != nil {
			s.logger.Error("session: board not encoded", "error", err)
			return
		}
		if s.changed(&s.lastBoard, body) {
			s.save(BoardKey, body, true)
		}
		return
	}
	if body := s.pingsBody(snap); s.changed(&s.lastPing, body) {
		s.save(PingsKey, body, false)
	}
}

func (s *Session) changed(last *[]byte, body []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(*last, body) {
		return false
	}
	*last = body
	return true
}

// remember records snap as persisted content. Called without s.mu held.
func (s *Session) remember(snap board.Snapshot) {
	var boardBody []byte
	if s.cfg.IsGM {
		boardBody, _ = json.Marshal(snap)
	}
	pings := s.pingsBody(snap)
	s.mu.Lock()
	s.lastBoard, s.lastPing = boardBody, pings
	s.mu.Unlock()
}

func (s *Session) pingsBody(snap board.Snapshot) []byte {
	body, _ := json.Marshal(pingsDoc{Author: s.holderID, Pings: snap.BoardState.Pings})
	return body
}

// save queues data under key. A versioned save reads the expected version
// when it is sent, so it follows the acknowledgement of the save before it.
func (s *Session) save(key string, data json.RawMessage, versioned bool) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return
	case versioned && s.conflict != nil:
		s.mu.Unlock()
		s.logger.Debug("session: board save held until the conflict is resolved")
		return
	}
	s.status = persist.StatusSaving
	s.mu.Unlock()

	endpoint := s.cfg.URL(s.cfg.Endpoints.BoardSave)
	opts := persist.SaveOptions{OnComplete: s.saved}
	if !versioned {
		s.queue.QueueSave(key, boardPayload{Key: key, Data: data}, endpoint, opts)
		return
	}
	opts.FinishInFlight = true
	opts.Encode = func() ([]byte, error) {
		s.mu.Lock()
		if s.conflict != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("session: save %s: %w", key, editlock.ErrConflictPending)
		}
		expected := s.version
		s.mu.Unlock()
		return json.Marshal(boardPayload{Key: key, Data: data, ExpectedVersion: &expected})
	}
	s.queue.QueueSave(key, nil, endpoint, opts)
}

func (s *Session) saved(r persist.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ce *connectivity.ConflictError
	switch {
	case errors.As(r.Err, &ce) && ce.Kind == connectivity.ConflictVersion:
		s.conflict = ce
		s.logger.Warn("session: board version conflict",
			"version", s.version, "current_version", ce.CurrentVersion)
	case r.HasVersion:
		s.version = r.Version
	case r.Err != nil && !r.Aborted && s.conflict == nil:
		s.logger.Warn("session: board save failed", "error", r.Err, "attempts", r.Attempts)
	}
	s.status = persist.StatusOf(r)
	if s.conflict != nil {
		s.status = persist.StatusConflict
	}
}

// ResolveConflict settles the pending board conflict. Discard adopts the
// server's board and version. Reload fetches the board again. Overwrite
// saves the local board over the server's current version.
func (s *Session) ResolveConflict(ctx context.Context, choice editlock.Resolution) error {
	s.mu.Lock()
	ce := s.conflict
	s.mu.Unlock()
	if ce == nil {
		return errors.New("session: resolve: no conflict")
	}
	switch choice {
	case editlock.Discard:
		s.adopt(ce.CurrentData, ce.CurrentVersion)
	case editlock.Reload:
		if err := s.Load(ctx); err != nil {
			return fmt.Errorf("session: resolve: %w", err)
		}
	case editlock.Overwrite:
		s.mu.Lock()
		s.conflict = nil
		s.version = ce.CurrentVersion
		s.lastBoard = nil
		s.mu.Unlock()
		s.persist(s.store.State())
	default:
		return fmt.Errorf("session: resolve: unknown resolution %d", choice)
	}
	s.logger.Info("session: board conflict resolved", "choice", int(choice), "server_version", ce.CurrentVersion)
	return nil
}

type loadReply struct {
	Data    json.RawMessage `json:"data"`
	Version int64           `json:"version_number"`
}

func (s *Session) post(ctx context.Context, endpoint string, req any) (json.RawMessage, error) {
	if endpoint == "" {
		return nil, connectivity.ErrMissingEndpoint
	}
	if !s.env.IsOnline() {
		return nil, connectivity.ErrOffline
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := s.call(ctx, endpoint, body)
	if err := connectivity.Classify(ctx, endpoint, resp, err); err != nil {
		return nil, err
	}
	return resp.Envelope.Data, nil
}

// Load fetches the persisted board and initializes the store with it,
// without saving it back.
func (s *Session) Load(ctx context.Context) error {
	data, err := s.post(ctx, s.cfg.URL(s.cfg.Endpoints.BoardLoad), map[string]string{"key": BoardKey})
	if err != nil {
		return fmt.Errorf("session: load: %w", err)
	}
	var reply loadReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("session: load: %w", err)
	}
	s.adopt(reply.Data, reply.Version)
	s.logger.Info("session: board loaded", "version", reply.Version, "is_gm", s.cfg.IsGM)
	return nil
}

// adopt initializes the store with a persisted board at version. The
// normalized board is recorded as persisted first, so its notification
// queues nothing.
func (s *Session) adopt(data json.RawMessage, version int64) {
	snap := board.Decode(data)
	snap.User = s.user()
	snap = board.Normalize(snap, s.cfg.PlayerFolder, s.now())
	s.remember(snap)
	s.mu.Lock()
	s.version = version
	if s.conflict != nil {
		s.conflict = nil
		s.status = persist.StatusSaved
	}
	s.mu.Unlock()
	s.store.Initialize(snap)
}

// LoadCell fetches the notes of a hex cell and seeds the lock manager's
// cache with them.
func (s *Session) LoadCell(ctx context.Context, cellID string) (editlock.Entry, error) {
	data, err := s.post(ctx, s.cfg.URL(s.cfg.Endpoints.HexLoad), map[string]string{"hex_id": cellID})
	if err != nil {
		return editlock.Entry{}, fmt.Errorf("session: load cell %s: %w", cellID, err)
	}
	var reply loadReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return editlock.Entry{}, fmt.Errorf("session: load cell %s: %w", cellID, err)
	}
	s.locks.Remember(cellID, reply.Data, reply.Version)
	e, _ := s.locks.Cached(cellID)
	return e, nil
}

// Flush sends every pending save now.
func (s *Session) Flush() { s.queue.FlushAll() }

// Close stops persisting, closes the lock manager and the queue (aborting
// unsent saves) and releases the transport. Call Flush and wait first to
// keep pending edits.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.unsub()
	s.locks.Close()
	s.queue.Close()
	if s.process != nil {
		s.process.Close()
	}
	s.closeTransport()
}

func (s *Session) closeTransport() {
	if s.http != nil {
		s.http.Close()
	}
}
