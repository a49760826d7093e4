package lockserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/tablesync/dbopen"
	"github.com/hazyhaar/tablesync/idgen"
)

// Schema creates the board, cell and lease tables.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
	key            TEXT PRIMARY KEY,
	data           TEXT NOT NULL,
	version_number INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cells (
	hex_id         TEXT PRIMARY KEY,
	data           TEXT NOT NULL,
	version_number INTEGER NOT NULL,
	updated_by     TEXT NOT NULL DEFAULT '',
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS leases (
	hex_id      TEXT PRIMARY KEY,
	lease_id    TEXT NOT NULL,
	holder_id   TEXT NOT NULL,
	holder_name TEXT NOT NULL DEFAULT '',
	acquired_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leases_expires ON leases(expires_at);
`

// Document is a versioned JSON value.
type Document struct {
	Key     string          `json:"key"`
	Data    json.RawMessage `json:"data"`
	Version int64           `json:"version_number"`
}

// Lease is a live edit lock.
type Lease struct {
	HexID      string    `json:"hex_id"`
	LeaseID    string    `json:"lease_id"`
	HolderID   string    `json:"holder_id"`
	HolderName string    `json:"holder_name"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// VersionMismatchError is returned when expected_version is stale.
type VersionMismatchError struct {
	Current Document
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("lockserver: version mismatch on %s: current is %d", e.Current.Key, e.Current.Version)
}

// LeaseHeldError is returned when another holder owns a live lease.
type LeaseHeldError struct {
	Lease Lease
}

func (e *LeaseHeldError) Error() string {
	return fmt.Sprintf("lockserver: %s is locked by %s until %s",
		e.Lease.HexID, e.Lease.HolderID, e.Lease.ExpiresAt.Format(time.RFC3339))
}

// ErrNotHeld is returned by Renew when the caller holds no lease.
var ErrNotHeld = errors.New("lockserver: lease not held")

// Store persists documents, cells and leases in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
	ids idgen.Generator
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreClock overrides time.Now, for lease expiry tests.
func WithStoreClock(fn func() time.Time) StoreOption {
	return func(s *Store) { s.now = fn }
}

// NewStore wraps db, which must already carry Schema.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, now: time.Now, ids: idgen.Prefixed("lse_", idgen.NanoID(16))}
	for _, o := range opts {
		o(s)
	}
	return s
}

// LoadDocument returns the document under key. A missing key is version 0
// with null data.
func (s *Store) LoadDocument(ctx context.Context, key string) (Document, error) {
	doc := Document{Key: key, Data: json.RawMessage("null")}
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version_number FROM documents WHERE key = ?`, key).Scan(&data, &doc.Version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return doc, nil
	case err != nil:
		return doc, fmt.Errorf("lockserver: load %s: %w", key, err)
	}
	doc.Data = json.RawMessage(data)
	return doc, nil
}

// SaveDocument stores data under key. When expected is non-nil it must match
// the stored version. Returns the new version.
func (s *Store) SaveDocument(ctx context.Context, key string, data json.RawMessage, expected *int64) (int64, error) {
	var version int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT data, version_number FROM documents WHERE key = ?`, key).Scan(&current, &version)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if expected != nil && *expected != version {
			cur := Document{Key: key, Data: json.RawMessage(current), Version: version}
			if current == "" {
				cur.Data = json.RawMessage("null")
			}
			return &VersionMismatchError{Current: cur}
		}
		version++
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (key, data, version_number, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET data = excluded.data,
				version_number = excluded.version_number, updated_at = excluded.updated_at`,
			key, string(data), version, s.now().UnixMilli())
		return err
	}, dbopen.WithTxName("save_document"))
	if err != nil {
		var vm *VersionMismatchError
		if errors.As(err, &vm) {
			return 0, err
		}
		return 0, fmt.Errorf("lockserver: save %s: %w", key, err)
	}
	return version, nil
}

// LoadCell returns the notes of a hex cell.
func (s *Store) LoadCell(ctx context.Context, hexID string) (Document, error) {
	doc := Document{Key: hexID, Data: json.RawMessage("null")}
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version_number FROM cells WHERE hex_id = ?`, hexID).Scan(&data, &doc.Version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return doc, nil
	case err != nil:
		return doc, fmt.Errorf("lockserver: load cell %s: %w", hexID, err)
	}
	doc.Data = json.RawMessage(data)
	return doc, nil
}

// SaveCell writes the notes of a hex cell for holderID. A live lease held by
// someone else is a *LeaseHeldError; a stale expected version is a
// *VersionMismatchError.
func (s *Store) SaveCell(ctx context.Context, hexID, holderID string, data json.RawMessage, expected int64) (int64, error) {
	var version int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		lease, ok, err := liveLease(ctx, tx, hexID, s.now())
		if err != nil {
			return err
		}
		if ok && lease.HolderID != holderID {
			return &LeaseHeldError{Lease: lease}
		}
		var current string
		err = tx.QueryRowContext(ctx,
			`SELECT data, version_number FROM cells WHERE hex_id = ?`, hexID).Scan(&current, &version)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if expected != version {
			cur := Document{Key: hexID, Data: json.RawMessage(current), Version: version}
			if current == "" {
				cur.Data = json.RawMessage("null")
			}
			return &VersionMismatchError{Current: cur}
		}
		version++
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cells (hex_id, data, version_number, updated_by, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(hex_id) DO UPDATE SET data = excluded.data,
				version_number = excluded.version_number,
				updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
			hexID, string(data), version, holderID, s.now().UnixMilli())
		return err
	}, dbopen.WithTxName("save_cell"))
	if err != nil {
		var (
			vm *VersionMismatchError
			lh *LeaseHeldError
		)
		if errors.As(err, &vm) || errors.As(err, &lh) {
			return 0, err
		}
		return 0, fmt.Errorf("lockserver: save cell %s: %w", hexID, err)
	}
	return version, nil
}

func liveLease(ctx context.Context, tx *sql.Tx, hexID string, now time.Time) (Lease, bool, error) {
	l := Lease{HexID: hexID}
	var expires int64
	err := tx.QueryRowContext(ctx, `
		SELECT lease_id, holder_id, holder_name, expires_at FROM leases
		WHERE hex_id = ? AND expires_at > ?`, hexID, now.UnixMilli()).
		Scan(&l.LeaseID, &l.HolderID, &l.HolderName, &expires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return l, false, nil
	case err != nil:
		return l, false, err
	}
	l.ExpiresAt = time.UnixMilli(expires).UTC()
	return l, true, nil
}

// Acquire grants holderID a lease on hexID for ttl. An expired lease is
// free; a live lease of the same holder is extended.
func (s *Store) Acquire(ctx context.Context, hexID, holderID, holderName string, ttl time.Duration) (Lease, error) {
	return s.grant(ctx, hexID, holderID, holderName, ttl, false)
}

// Renew extends the lease of holderID. Returns ErrNotHeld when the holder has
// no live lease and another holder took the cell meanwhile a *LeaseHeldError.
func (s *Store) Renew(ctx context.Context, hexID, holderID, holderName string, ttl time.Duration) (Lease, error) {
	return s.grant(ctx, hexID, holderID, holderName, ttl, true)
}

func (s *Store) grant(ctx context.Context, hexID, holderID, holderName string, ttl time.Duration, renew bool) (Lease, error) {
	now := s.now()
	var out Lease
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		cur, ok, err := liveLease(ctx, tx, hexID, now)
		if err != nil {
			return err
		}
		switch {
		case ok && cur.HolderID != holderID:
			return &LeaseHeldError{Lease: cur}
		case !ok && renew:
			return ErrNotHeld
		}
		out = Lease{
			HexID:      hexID,
			LeaseID:    cur.LeaseID,
			HolderID:   holderID,
			HolderName: holderName,
			ExpiresAt:  now.Add(ttl).UTC().Truncate(time.Millisecond),
		}
		if !ok {
			out.LeaseID = s.ids()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO leases (hex_id, lease_id, holder_id, holder_name, acquired_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(hex_id) DO UPDATE SET lease_id = excluded.lease_id,
				holder_id = excluded.holder_id, holder_name = excluded.holder_name,
				acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
			hexID, out.LeaseID, holderID, holderName, now.UnixMilli(), out.ExpiresAt.UnixMilli())
		return err
	}, dbopen.WithTxName("grant_lease"))
	if err != nil {
		var lh *LeaseHeldError
		if errors.As(err, &lh) || errors.Is(err, ErrNotHeld) {
			return Lease{}, err
		}
		return Lease{}, fmt.Errorf("lockserver: lease %s: %w", hexID, err)
	}
	return out, nil
}

// Release drops the lease of holderID on hexID. Releasing a lease one does
// not hold is a no-op.
func (s *Store) Release(ctx context.Context, hexID, holderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE hex_id = ? AND holder_id = ?`, hexID, holderID)
	if err != nil {
		return false, fmt.Errorf("lockserver: release %s: %w", hexID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PurgeExpired deletes leases that ran out. Returns the number removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("lockserver: purge: %w", err)
	}
	return res.RowsAffected()
}
