package session_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"beatbridge/internal/session"
)

func TestSessionRoundTrip(t *testing.T) {
	store := session.NewStore(filepath.Join(t.TempDir(), "source_session.json"))

	valid, err := store.Valid(time.Now())
	if err != nil {
		t.Fatalf("valid: %v", err)
	}
	if valid {
		t.Fatal("missing session reported valid")
	}

	state := &session.State{Cookies: []session.Cookie{{Name: "sid", Value: "abc"}}}
	if err := store.Save(state); err != nil {
		t.Fatalf("save: %v", err)
	}

	valid, err = store.Valid(time.Now())
	if err != nil {
		t.Fatalf("valid: %v", err)
	}
	if !valid {
		t.Fatal("fresh session reported invalid")
	}

	valid, err = store.Valid(time.Now().Add(8 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("valid: %v", err)
	}
	if valid {
		t.Fatal("week-old session should be expired")
	}
}

func TestSessionLoadToleratesGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source_session.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := session.NewStore(path)
	state, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state != nil {
		t.Fatal("garbage session should load as nil")
	}
}

func TestSessionInvalidate(t *testing.T) {
	store := session.NewStore(filepath.Join(t.TempDir(), "s.json"))
	if err := store.Save(&session.State{Cookies: []session.Cookie{{Name: "sid", Value: "abc"}}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Invalidate(); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	valid, err := store.Valid(time.Now())
	if err != nil {
		t.Fatalf("valid: %v", err)
	}
	if valid {
		t.Fatal("invalidated session reported valid")
	}
	if err := store.Invalidate(); err != nil {
		t.Fatalf("second invalidate should be a no-op: %v", err)
	}
}

func TestTokenCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	cache := session.NewTokenCache(path)
	now := time.Now()

	if got := cache.Get(now); got != "" {
		t.Fatalf("empty cache returned token %q", got)
	}
	if err := cache.Put("tok-1", now); err != nil {
		t.Fatalf("put: %v", err)
	}
	if got := cache.Get(now.Add(time.Hour)); got != "tok-1" {
		t.Fatalf("got %q", got)
	}
	if got := cache.Get(now.Add(24 * time.Hour)); got != "" {
		t.Fatalf("stale token returned: %q", got)
	}

	// A second cache over the same file sees the persisted token.
	fresh := session.NewTokenCache(path)
	if got := fresh.Get(now.Add(time.Hour)); got != "tok-1" {
		t.Fatalf("persisted token not loaded: %q", got)
	}

	if err := cache.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := session.NewTokenCache(path).Get(now); got != "" {
		t.Fatalf("cleared cache returned %q", got)
	}
}
