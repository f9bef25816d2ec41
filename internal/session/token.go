package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TokenMaxAge bounds how long a cached client-credentials token is reused.
// Shopify issues roughly 24 hour tokens; the margin forces a refresh before
// the server-side expiry is hit mid-run.
const TokenMaxAge = 23 * time.Hour

// Token is a cached API access token.
type Token struct {
	AccessToken string    `json:"access_token"`
	ObtainedAt  time.Time `json:"obtained_at"`
}

// TokenCache persists an access token between runs and serializes refreshes.
type TokenCache struct {
	mu    sync.Mutex
	path  string
	token *Token
}

// NewTokenCache returns a token cache backed by the given file path.
func NewTokenCache(path string) *TokenCache {
	return &TokenCache{path: path}
}

// Get returns the cached token when it is still fresh, loading from disk on
// first use. Returns "" when a refresh is needed.
func (c *TokenCache) Get(now time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == nil {
		c.token = c.loadLocked()
	}
	if c.token == nil || c.token.AccessToken == "" {
		return ""
	}
	if now.Sub(c.token.ObtainedAt) >= TokenMaxAge {
		return ""
	}
	return c.token.AccessToken
}

// Put stores a freshly issued token in memory and on disk.
func (c *TokenCache) Put(accessToken string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = &Token{AccessToken: accessToken, ObtainedAt: now.UTC()}
	data, err := json.MarshalIndent(c.token, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("ensure token dir: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("write token cache: %w", err)
	}
	return nil
}

// Clear drops the cached token, forcing the next caller to refresh.
func (c *TokenCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = nil
	err := os.Remove(c.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token cache: %w", err)
	}
	return nil
}

func (c *TokenCache) loadLocked() *Token {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil
	}
	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil
	}
	return &token
}
