package keystore

import (
	"os"
	"testing"
	"time"
)

func TestSessionKeysPutThenGetReturnsSamePath(t *testing.T) {
	dir := t.TempDir()
	s := NewSessionKeys(dir, time.Minute)
	defer s.Close()

	path, err := s.Put("alice", []byte("key material"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := s.Get("alice")
	if !ok || got != path {
		t.Fatalf("expected Get to return %q, got %q ok=%v", path, got, ok)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading key file: %v", err)
	}
	if string(data) != "key material" {
		t.Fatalf("unexpected file contents: %q", data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}
}

func TestSessionKeysGetMissingUserIsMiss(t *testing.T) {
	s := NewSessionKeys(t.TempDir(), time.Minute)
	defer s.Close()
	if _, ok := s.Get("nobody"); ok {
		t.Fatal("expected a miss for a user with no cached key")
	}
}

func TestSessionKeysGetAfterTTLExpiryIsMiss(t *testing.T) {
	s := NewSessionKeys(t.TempDir(), 5*time.Millisecond)
	defer s.Close()
	if _, err := s.Put("alice", []byte("k")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	if _, ok := s.Get("alice"); ok {
		t.Fatal("expected entry to be expired")
	}
}

func TestSessionKeysForgetRemovesFileAndEntry(t *testing.T) {
	s := NewSessionKeys(t.TempDir(), time.Minute)
	defer s.Close()
	path, err := s.Put("alice", []byte("k"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.Forget("alice")

	if _, ok := s.Get("alice"); ok {
		t.Fatal("expected entry to be forgotten")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected key file to be removed, stat err: %v", err)
	}
}

func TestSanitizeUserStripsPathSeparators(t *testing.T) {
	if got := sanitizeUser("../../etc/passwd"); got != "______etc_passwd" {
		t.Fatalf("unexpected sanitized username: %q", got)
	}
}
