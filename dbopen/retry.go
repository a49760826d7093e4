package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsBusy reports whether err is SQLite refusing a lock: SQLITE_BUSY or
// SQLITE_LOCKED, extended codes included.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

type txConfig struct {
	name    string
	backoff []time.Duration
	logger  *slog.Logger
}

// TxOption configures RunTx.
type TxOption func(*txConfig)

// WithTxName labels the transaction in retry logs.
func WithTxName(name string) TxOption { return func(c *txConfig) { c.name = name } }

// WithTxLogger logs busy retries to l. Default: slog.Default().
func WithTxLogger(l *slog.Logger) TxOption { return func(c *txConfig) { c.logger = l } }

// WithBusyBackoff sets the waits between attempts. One attempt is made per
// wait, plus the first. Default: 100ms, 200ms.
func WithBusyBackoff(waits ...time.Duration) TxOption {
	return func(c *txConfig) { c.backoff = waits }
}

// RunTx runs fn in a transaction and commits it. An attempt SQLite refuses
// as busy is rolled back and run again after the next backoff wait. Lease
// and version checks belong inside fn so they read what the write commits
// against.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error, opts ...TxOption) error {
	cfg := txConfig{
		name:    "tx",
		backoff: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(&cfg)
	}

	for attempt := 0; ; attempt++ {
		err := runOnce(ctx, db, fn)
		if err == nil || !IsBusy(err) {
			return err
		}
		if attempt == len(cfg.backoff) {
			cfg.logger.Error("dbopen: tx still busy, giving up",
				"tx", cfg.name, "attempts", attempt+1, "error", err)
			return fmt.Errorf("dbopen: %s: busy after %d attempts: %w", cfg.name, attempt+1, err)
		}
		wait := cfg.backoff[attempt]
		cfg.logger.Warn("dbopen: tx busy, retrying",
			"tx", cfg.name, "attempt", attempt+1, "backoff_ms", wait.Milliseconds())
		select {
		case <-ctx.Done():
			return fmt.Errorf("dbopen: %s: %w", cfg.name, ctx.Err())
		case <-time.After(wait):
		}
	}
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}
