package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MaxAge is how long a saved session remains usable before the next run must
// authenticate again.
const MaxAge = 7 * 24 * time.Hour

// Cookie is the subset of cookie state persisted between runs.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

// State is an authenticated session saved to disk.
type State struct {
	Cookies []Cookie  `json:"cookies"`
	SavedAt time.Time `json:"saved_at"`
}

// Store reads and writes one session file.
type Store struct {
	path string
}

// NewStore returns a session store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file location.
func (s *Store) Path() string { return s.path }

// Load reads the saved session. A missing file returns (nil, nil); a
// malformed file is treated the same so a damaged session forces a fresh
// login instead of failing the run.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, nil
	}
	return &state, nil
}

// Save persists the session durably.
func (s *Store) Save(state *State) error {
	if state == nil {
		return errors.New("session state is nil")
	}
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("ensure session dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// Valid reports whether a saved session exists and is younger than MaxAge.
func (s *Store) Valid(now time.Time) (bool, error) {
	state, err := s.Load()
	if err != nil {
		return false, err
	}
	if state == nil || len(state.Cookies) == 0 {
		return false, nil
	}
	return now.Sub(state.SavedAt) < MaxAge, nil
}

// Invalidate removes the saved session.
func (s *Store) Invalidate() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
