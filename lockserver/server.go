// Package lockserver is the reference HTTP backend of tablesync: versioned
// board documents, versioned hex-cell notes and TTL edit leases, stored in
// SQLite.
//
// Every endpoint takes a JSON POST and answers with the envelope
//
//	{"success": bool, "error": "...", "data": {...}, "details": {...}}
//
// Conflicts are 409s whose details carry either locked_by/expires_at (the
// cell is leased to someone else) or current_data/current_version (the
// caller's expected_version is stale).
package lockserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/tablesync/horosafe"
	"github.com/hazyhaar/tablesync/kit"
)

// Server serves the board and hex endpoints over a Store.
type Server struct {
	store  *Store
	logger *slog.Logger
	ttl    time.Duration
	purge  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithLeaseTTL sets the lease duration. Default 5m.
func WithLeaseTTL(d time.Duration) Option {
	return func(s *Server) { s.ttl = d }
}

// WithPurgeInterval sets how often Run deletes expired leases. Default 1m.
func WithPurgeInterval(d time.Duration) Option {
	return func(s *Server) { s.purge = d }
}

// New creates a Server.
func New(store *Store, opts ...Option) *Server {
	s := &Server{
		store:  store,
		logger: slog.Default(),
		ttl:    5 * time.Minute,
		purge:  time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the router with the middleware stack applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID(s.logger))
	r.Use(Recover)
	r.Use(APIHeaders)
	r.Use(MaxBody(horosafe.MaxRequestBody))
	s.RegisterHTTP(r)
	return r
}

// RegisterHTTP mounts the endpoints on r.
func (s *Server) RegisterHTTP(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/board/save", s.handleBoardSave)
		r.Post("/board/load", s.handleBoardLoad)
		r.Post("/hex/lock", s.handleHexLock)
		r.Post("/hex/save", s.handleHexSave)
		r.Post("/hex/load", s.handleHexLoad)
	})
}

// Run purges expired leases until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	t := time.NewTicker(s.purge)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := s.store.PurgeExpired(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("lockserver: purge failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("lockserver: expired leases purged", "count", n)
			}
		}
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func fail(w http.ResponseWriter, code int, msg string, details any) {
	writeJSON(w, code, envelope{Error: msg, Details: details})
}

// decode reads a bounded JSON body into v.
func decode(r *http.Request, v any) error {
	body, err := horosafe.LimitedReadAll(r.Body, horosafe.MaxRequestBody)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func lockDetails(l Lease) map[string]any {
	return map[string]any{
		"locked_by":    map[string]string{"holder_id": l.HolderID, "holder_name": l.HolderName},
		"locked_by_id": l.HolderID,
		"expires_at":   l.ExpiresAt.Format(time.RFC3339Nano),
	}
}

func versionDetails(d Document) map[string]any {
	return map[string]any{
		"current_data":    d.Data,
		"current_version": d.Version,
	}
}

// conflict writes the 409 matching err and reports whether it did.
func conflict(w http.ResponseWriter, err error) bool {
	var (
		vm *VersionMismatchError
		lh *LeaseHeldError
	)
	switch {
	case errors.As(err, &vm):
		fail(w, http.StatusConflict, "version mismatch", versionDetails(vm.Current))
	case errors.As(err, &lh):
		fail(w, http.StatusConflict, "cell is being edited by "+lh.Lease.HolderName, lockDetails(lh.Lease))
	default:
		return false
	}
	return true
}

func (s *Server) internal(w http.ResponseWriter, r *http.Request, err error) {
	log := loggerFrom(r.Context())
	if holder := kit.GetHolderID(r.Context()); holder != "" {
		log = log.With("holder_id", holder)
	}
	log.Error("lockserver: request failed", "error", err)
	fail(w, http.StatusInternalServerError, "internal error", nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	ok(w, map[string]string{"status": "ok"})
}

type boardRequest struct {
	Key             string          `json:"key"`
	Data            json.RawMessage `json:"data"`
	ExpectedVersion *int64          `json:"expected_version"`
}

func (s *Server) handleBoardSave(w http.ResponseWriter, r *http.Request) {
	var req boardRequest
	if err := decode(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := horosafe.ValidateKey(req.Key); err != nil {
		fail(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if len(req.Data) == 0 {
		fail(w, http.StatusBadRequest, "data is required", nil)
		return
	}
	version, err := s.store.SaveDocument(r.Context(), req.Key, req.Data, req.ExpectedVersion)
	if err != nil {
		if !conflict(w, err) {
			s.internal(w, r, err)
		}
		return
	}
	loggerFrom(r.Context()).Debug("board saved", "key", req.Key, "version", version)
	ok(w, map[string]any{"key": req.Key, "version_number": version})
}

func (s *Server) handleBoardLoad(w http.ResponseWriter, r *http.Request) {
	var req boardRequest
	if err := decode(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := horosafe.ValidateKey(req.Key); err != nil {
		fail(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	doc, err := s.store.LoadDocument(r.Context(), req.Key)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	ok(w, doc)
}

type hexRequest struct {
	HexID           string          `json:"hex_id"`
	HolderID        string          `json:"holder_id"`
	HolderName      string          `json:"holder_name"`
	Action          string          `json:"action"`
	Data            json.RawMessage `json:"data"`
	ExpectedVersion int64           `json:"expected_version"`
}

func (s *Server) decodeHex(w http.ResponseWriter, r *http.Request, needHolder bool) (hexRequest, bool) {
	var req hexRequest
	if err := decode(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "invalid request body", nil)
		return req, false
	}
	if err := horosafe.ValidateKey(req.HexID); err != nil {
		fail(w, http.StatusBadRequest, "hex_id: "+err.Error(), nil)
		return req, false
	}
	if needHolder {
		if err := horosafe.ValidateKey(req.HolderID); err != nil {
			fail(w, http.StatusBadRequest, "holder_id: "+err.Error(), nil)
			return req, false
		}
	}
	return req, true
}

func leaseData(l Lease) map[string]any {
	return map[string]any{
		"hex_id":      l.HexID,
		"lease_id":    l.LeaseID,
		"holder_id":   l.HolderID,
		"holder_name": l.HolderName,
		"expires_at":  l.ExpiresAt.Format(time.RFC3339Nano),
	}
}

func (s *Server) handleHexLock(w http.ResponseWriter, r *http.Request) {
	req, valid := s.decodeHex(w, r, true)
	if !valid {
		return
	}
	r = r.WithContext(kit.WithHolderID(r.Context(), req.HolderID))
	ctx := r.Context()
	log := loggerFrom(ctx).With("hex_id", req.HexID, "holder_id", req.HolderID)

	switch req.Action {
	case "", "acquire", "renew":
		grant := s.store.Acquire
		if req.Action == "renew" {
			grant = s.store.Renew
		}
		lease, err := grant(ctx, req.HexID, req.HolderID, req.HolderName, s.ttl)
		switch {
		case errors.Is(err, ErrNotHeld):
			fail(w, http.StatusGone, "lease not held", nil)
		case err != nil:
			if !conflict(w, err) {
				s.internal(w, r, err)
			}
		default:
			log.Debug("lease granted", "action", req.Action, "expires_at", lease.ExpiresAt)
			ok(w, leaseData(lease))
		}
	case "release":
		released, err := s.store.Release(ctx, req.HexID, req.HolderID)
		if err != nil {
			s.internal(w, r, err)
			return
		}
		log.Debug("lease released", "released", released)
		ok(w, map[string]any{"hex_id": req.HexID, "released": released})
	default:
		fail(w, http.StatusBadRequest, "unknown action "+req.Action, nil)
	}
}

func (s *Server) handleHexSave(w http.ResponseWriter, r *http.Request) {
	req, valid := s.decodeHex(w, r, true)
	if !valid {
		return
	}
	if len(req.Data) == 0 {
		fail(w, http.StatusBadRequest, "data is required", nil)
		return
	}
	r = r.WithContext(kit.WithHolderID(r.Context(), req.HolderID))
	version, err := s.store.SaveCell(r.Context(), req.HexID, req.HolderID, req.Data, req.ExpectedVersion)
	if err != nil {
		if !conflict(w, err) {
			s.internal(w, r, err)
		}
		return
	}
	ok(w, map[string]any{"hex_id": req.HexID, "version_number": version})
}

func (s *Server) handleHexLoad(w http.ResponseWriter, r *http.Request) {
	req, valid := s.decodeHex(w, r, false)
	if !valid {
		return
	}
	doc, err := s.store.LoadCell(r.Context(), req.HexID)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	ok(w, map[string]any{"hex_id": req.HexID, "data": doc.Data, "version_number": doc.Version})
}
