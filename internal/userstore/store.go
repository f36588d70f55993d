// Package userstore persists the one record spec.md names per user:
// full name, public/private key material, and setup status. It is the
// system's only durable user state — sessions, tunnels, and cluster
// status are all derived or cached, never written here; usage events
// are persisted separately by internal/analytics.
package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/sqlite" // pure-Go SQLite driver, no cgo

	"github.com/hpcide/orchestrator/internal/keystore"
)

// Record is the full persisted shape of a user.
type Record struct {
	Username             string
	FullName             string
	PublicKey            string // "" if none on file
	EncryptedPrivateKey  string // "" if none on file; keystore.Decrypt-able
	SetupComplete        bool
	CreatedAt            time.Time
}

// Store is a SQLite-backed user record store opened with the
// database/sql + glebarez/sqlite driver pair, the same combination the
// htcondor example's OAuth2Storage uses for its own SQLite tables.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("userstore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // glebarez/sqlite has no built-in connection pooling story; serialize writes

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("userstore: create schema: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		full_name TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL DEFAULT '',
		encrypted_private_key TEXT NOT NULL DEFAULT '',
		setup_complete INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

var _ keystore.UserLookup = (*Store)(nil)

// GetUser implements keystore.UserLookup, projecting the full Record
// down to the slice the keystore needs to resolve an SSH identity.
func (s *Store) GetUser(ctx context.Context, username string) (*keystore.UserRecord, error) {
	rec, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return &keystore.UserRecord{Username: rec.Username, EncryptedPrivateKey: rec.EncryptedPrivateKey}, nil
}

// Get returns the full record for username, or nil if the user has
// never been created.
func (s *Store) Get(ctx context.Context, username string) (*Record, error) {
	var rec Record
	var setupComplete int
	err := s.db.QueryRowContext(ctx, `
		SELECT username, full_name, public_key, encrypted_private_key, setup_complete, created_at
		FROM users WHERE username = ?
	`, username).Scan(&rec.Username, &rec.FullName, &rec.PublicKey, &rec.EncryptedPrivateKey, &setupComplete, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("userstore: get %q: %w", username, err)
	}
	rec.SetupComplete = setupComplete != 0
	return &rec, nil
}

// Create inserts a new user record. It fails if username already exists.
func (s *Store) Create(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, full_name, public_key, encrypted_private_key, setup_complete)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Username, rec.FullName, rec.PublicKey, rec.EncryptedPrivateKey, boolToInt(rec.SetupComplete))
	if err != nil {
		return fmt.Errorf("userstore: create %q: %w", rec.Username, err)
	}
	return nil
}

// SetKeyPair updates a user's public/private key material, e.g. after
// importing or rotating an SSH key.
func (s *Store) SetKeyPair(ctx context.Context, username, publicKey, encryptedPrivateKey string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET public_key = ?, encrypted_private_key = ? WHERE username = ?
	`, publicKey, encryptedPrivateKey, username)
	if err != nil {
		return fmt.Errorf("userstore: set key pair for %q: %w", username, err)
	}
	return requireRowAffected(res, username)
}

// MarkSetupComplete flips a user's setup_complete flag once their
// onboarding flow (key import, profile fields) has finished.
func (s *Store) MarkSetupComplete(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET setup_complete = 1 WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("userstore: mark setup complete for %q: %w", username, err)
	}
	return requireRowAffected(res, username)
}

func requireRowAffected(res sql.Result, username string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("userstore: no such user %q", username)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
