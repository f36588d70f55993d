package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/hpcide/orchestrator/internal/sshtransport"
)

// UserRecord is the slice of a persisted user this package needs:
// their username and encrypted private key, if any. internal/userstore
// owns the full record shape.
type UserRecord struct {
	Username          string
	EncryptedPrivateKey string // "" if the user has no key of their own
}

// UserLookup resolves a username to its persisted record. Implemented
// by internal/userstore.Store.
type UserLookup interface {
	GetUser(ctx context.Context, username string) (*UserRecord, error)
}

// Store implements the shared IdentityFile contract both
// sshtransport.Transport and tunnel.Manager depend on, applying the
// key-selection order the login path documents: a per-user key first,
// falling back to a single admin-configured key, finally failing with
// sshtransport.ErrNoIdentity.
type Store struct {
	users     UserLookup
	sessions  *SessionKeys
	jwtSecret []byte
	adminPath string // path to the primary-admin fallback private key file, "" if unconfigured
}

// New returns a Store. adminKeyPath may be empty if no fallback key is
// configured, in which case users with no key of their own fail
// outright rather than falling back to an ambient identity.
func New(users UserLookup, sessions *SessionKeys, jwtSecret []byte, adminKeyPath string) *Store {
	return &Store{users: users, sessions: sessions, jwtSecret: jwtSecret, adminPath: adminKeyPath}
}

var _ sshtransport.IdentityProvider = (*Store)(nil)

// IdentityFile resolves the private key file to pass to `ssh -i` for
// user against cluster. cluster is accepted to satisfy the shared
// IdentityProvider shape; key selection in this system is per-user,
// not per-cluster.
func (s *Store) IdentityFile(ctx context.Context, user, cluster string) (string, error) {
	if user == "" {
		return s.adminFallback()
	}

	if path, ok := s.sessions.Get(user); ok {
		return path, nil
	}

	record, err := s.users.GetUser(ctx, user)
	if err != nil {
		return "", fmt.Errorf("keystore: looking up user %q: %w", user, err)
	}
	if record == nil || record.EncryptedPrivateKey == "" {
		return s.adminFallback()
	}

	plaintext, err := Decrypt(record.EncryptedPrivateKey, "", s.jwtSecret)
	if err != nil {
		if errors.Is(err, ErrKeyFormatStale) {
			return "", err
		}
		return s.adminFallback()
	}

	return s.sessions.Put(user, plaintext)
}

// Unlock decrypts a password-protected (v2) key on the user's behalf
// and caches the result, used right after login when the user
// supplies their passphrase interactively. IdentityFile alone can
// never succeed for a v2 key, since it never sees the password.
func (s *Store) Unlock(ctx context.Context, user, password string) error {
	record, err := s.users.GetUser(ctx, user)
	if err != nil {
		return fmt.Errorf("keystore: looking up user %q: %w", user, err)
	}
	if record == nil || record.EncryptedPrivateKey == "" {
		return errors.New("keystore: user has no private key configured")
	}
	plaintext, err := Decrypt(record.EncryptedPrivateKey, password, s.jwtSecret)
	if err != nil {
		return err
	}
	_, err = s.sessions.Put(user, plaintext)
	return err
}

func (s *Store) adminFallback() (string, error) {
	if s.adminPath == "" {
		return "", sshtransport.ErrNoIdentity
	}
	return s.adminPath, nil
}
