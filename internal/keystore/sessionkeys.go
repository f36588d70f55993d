package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultSessionTTL = 14 * 24 * time.Hour
	sweepInterval      = 5 * time.Minute
)

type sessionEntry struct {
	path      string
	expiresAt time.Time
}

// SessionKeys materializes a decrypted private key to a 0600 file once
// per user session and evicts it after ttl, or on an explicit Forget.
// The file, not the key bytes, is what's cached: sshtransport and
// tunnel both want a path to hand to `ssh -i`.
type SessionKeys struct {
	dir string
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*sessionEntry

	stop chan struct{}
	once sync.Once
}

// NewSessionKeys creates a session key cache rooted at dir (typically
// a private tmpfs-backed directory). ttl <= 0 selects the 14-day
// default.
func NewSessionKeys(dir string, ttl time.Duration) *SessionKeys {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	s := &SessionKeys{
		dir:     dir,
		ttl:     ttl,
		entries: make(map[string]*sessionEntry),
		stop:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Put writes key to a private file for user and remembers it for ttl,
// returning the file path. A previous file for the same user, if any,
// is overwritten in place.
func (s *SessionKeys) Put(user string, key []byte) (string, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("%s.key", sanitizeUser(user)))
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return "", fmt.Errorf("keystore: writing session key: %w", err)
	}
	s.mu.Lock()
	s.entries[user] = &sessionEntry{path: path, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return path, nil
}

// Get returns the cached identity file path for user if it's still
// within its TTL.
func (s *SessionKeys) Get(user string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[user]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.path, true
}

// Forget evicts and deletes user's cached key immediately, used on
// logout or explicit key rotation.
func (s *SessionKeys) Forget(user string) {
	s.mu.Lock()
	e, ok := s.entries[user]
	delete(s.entries, user)
	s.mu.Unlock()
	if ok {
		_ = os.Remove(e.path)
	}
}

// Close stops the background sweep goroutine.
func (s *SessionKeys) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *SessionKeys) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *SessionKeys) sweep() {
	now := time.Now()
	s.mu.Lock()
	var expired []*sessionEntry
	for user, e := range s.entries {
		if now.After(e.expiresAt) {
			expired = append(expired, e)
			delete(s.entries, user)
		}
	}
	s.mu.Unlock()
	for _, e := range expired {
		_ = os.Remove(e.path)
	}
}

func sanitizeUser(user string) string {
	out := make([]rune, 0, len(user))
	for _, r := range user {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
