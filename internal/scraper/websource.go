package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"beatbridge/internal/config"
	"beatbridge/internal/inventory"
	"beatbridge/internal/logging"
	"beatbridge/internal/services"
	"beatbridge/internal/session"
)

// WebSource implements Source against the catalog's member API using an
// HTTP session persisted between runs.
type WebSource struct {
	cfg        *config.Config
	sessions   *session.Store
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	now        func() time.Time
}

var _ Source = (*WebSource)(nil)

// WebSourceOption configures a WebSource.
type WebSourceOption func(*WebSource)

// WithSourceHTTPClient overrides the default HTTP client. The client's
// cookie jar is replaced so the saved session can be restored into it.
func WithSourceHTTPClient(client *http.Client) WebSourceOption {
	return func(s *WebSource) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithSourceBaseURL points the source at a different catalog endpoint.
func WithSourceBaseURL(baseURL string) WebSourceOption {
	return func(s *WebSource) {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// NewWebSource creates a catalog source. Cookies from a saved, unexpired
// session are restored so runs reuse logins for up to a week.
func NewWebSource(cfg *config.Config, logger *slog.Logger, sessions *session.Store, opts ...WebSourceOption) (*WebSource, error) {
	source := &WebSource{
		cfg:        cfg,
		sessions:   sessions,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logging.NewComponentLogger(logger, "source"),
		baseURL:    strings.TrimRight(cfg.Source.BaseURL, "/"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(source)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	source.httpClient.Jar = jar

	if cfg.Source.ForceFreshLogin {
		if err := sessions.Invalidate(); err != nil {
			source.logger.Warn("saved session not discarded", logging.Error(err))
		}
	} else if err := source.restoreSession(); err != nil {
		source.logger.Warn("saved session not restored", logging.Error(err))
	}
	return source, nil
}

func (s *WebSource) restoreSession() error {
	state, err := s.sessions.Load()
	if err != nil || state == nil {
		return err
	}
	if s.now().Sub(state.SavedAt) >= session.MaxAge {
		return nil
	}
	base, err := url.Parse(s.baseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	cookies := make([]*http.Cookie, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		cookies = append(cookies, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	s.httpClient.Jar.SetCookies(base, cookies)
	return nil
}

func (s *WebSource) saveSession() error {
	base, err := url.Parse(s.baseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	var cookies []session.Cookie
	for _, c := range s.httpClient.Jar.Cookies(base) {
		cookies = append(cookies, session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
	return s.sessions.Save(&session.State{Cookies: cookies, SavedAt: s.now().UTC()})
}

// Valid probes the account endpoint with the restored session.
func (s *WebSource) Valid(ctx context.Context) (bool, error) {
	ok, err := s.sessions.Valid(s.now())
	if err != nil || !ok {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/account/me", nil)
	if err != nil {
		return false, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// Authenticate logs in with the configured credentials and saves the
// resulting session cookies.
func (s *WebSource) Authenticate(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{
		"email":    s.cfg.Source.Email,
		"password": s.cfg.Source.Password,
	})
	if err != nil {
		return fmt.Errorf("encode login payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/auth/login", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login rejected with status %d", resp.StatusCode)
	}

	if err := s.saveSession(); err != nil {
		s.logger.Warn("session not saved, next run will log in again", logging.Error(err))
	}
	return nil
}

type listingPage struct {
	Tracks []struct {
		Title       string   `json:"title"`
		BPM         string   `json:"bpm"`
		Duration    string   `json:"duration"`
		Tags        []string `json:"tags"`
		ReleaseDate string   `json:"release_date"`
		Assets      []string `json:"assets"`
	} `json:"tracks"`
	HasMore bool `json:"has_more"`
}

// ListItems pages through the member track listing newest first. Further
// pages load only while fn keeps returning true.
func (s *WebSource) ListItems(ctx context.Context, fn func(ListingItem) (bool, error)) error {
	pageSize := s.cfg.Source.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	for page := 1; ; page++ {
		endpoint := fmt.Sprintf("%s/api/member/tracks?page=%d&per_page=%d", s.baseURL, page, pageSize)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("list page %d: %w", page, err)
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			return services.Wrap(services.ErrAuthExpired, "scraping", "list catalog",
				"Catalog session rejected mid-listing", nil)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("list page %d: status %d", page, resp.StatusCode)
		}

		var listing listingPage
		err = json.NewDecoder(resp.Body).Decode(&listing)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode page %d: %w", page, err)
		}

		for _, track := range listing.Tracks {
			kinds := make([]inventory.AssetKind, 0, len(track.Assets))
			for _, raw := range track.Assets {
				if kind, ok := inventory.ParseKind(raw); ok {
					kinds = append(kinds, kind)
				}
			}
			entry := ListingItem{
				Title: track.Title,
				Metadata: inventory.Metadata{
					BPM:          track.BPM,
					Duration:     track.Duration,
					Tags:         strings.Join(track.Tags, ","),
					CreationDate: track.ReleaseDate,
				},
				Kinds: kinds,
			}
			more, err := fn(entry)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		if !listing.HasMore || len(listing.Tracks) == 0 {
			return nil
		}
	}
}

// FetchAsset opens a download stream for one asset. Integrity hints come
// from the Content-Length and X-Checksum-Sha256 response headers.
func (s *WebSource) FetchAsset(ctx context.Context, title string, kind inventory.AssetKind) (*AssetFetch, error) {
	endpoint := fmt.Sprintf("%s/api/member/tracks/download?title=%s&format=%s",
		s.baseURL, url.QueryEscape(title), url.QueryEscape(string(kind)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s %s: %w", title, kind, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, services.Wrap(services.ErrAuthExpired, "scraping", "download asset",
			"Catalog session rejected the download", nil)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("download %s %s: status %d", title, kind, resp.StatusCode)
	}

	filename := ""
	if disposition := resp.Header.Get("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			filename = params["filename"]
		}
	}
	return &AssetFetch{
		Body:     resp.Body,
		Size:     resp.ContentLength,
		SHA256:   strings.ToLower(strings.TrimSpace(resp.Header.Get("X-Checksum-Sha256"))),
		Filename: filename,
	}, nil
}
