package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"beatbridge/internal/config"
	"beatbridge/internal/logging"
	"beatbridge/internal/publisher"
	"beatbridge/internal/services"
	"beatbridge/internal/session"
)

func clientConfig() *config.Config {
	cfg := config.Default()
	cfg.Shopify.StoreURL = "example.myshopify.com"
	cfg.Shopify.AccessToken = "static-token"
	return &cfg
}

func newTestClient(t *testing.T, cfg *config.Config, serverURL string) *publisher.Client {
	t.Helper()
	tokens := session.NewTokenCache(filepath.Join(t.TempDir(), "token.json"))
	return publisher.NewClient(cfg, logging.NewNop(), tokens,
		publisher.WithBaseURL(serverURL),
		publisher.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))
}

func graphqlData(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestFindProductByTitleMatchesExactIgnoringCase(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		graphqlData(t, w, map[string]any{
			"products": map[string]any{
				"edges": []map[string]any{
					{"node": map[string]any{"id": "gid://shopify/Product/1", "title": "Midnight Drive (Remix)"}},
					{"node": map[string]any{"id": "gid://shopify/Product/2", "title": "midnight drive"}},
				},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, clientConfig(), server.URL)
	product, err := client.FindProductByTitle(context.Background(), "Midnight Drive")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if product == nil || product.ID != "gid://shopify/Product/2" {
		t.Fatalf("product = %+v", product)
	}

	missing, err := client.FindProductByTitle(context.Background(), "Completely Different")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected no match, got %+v", missing)
	}
}

func TestGraphQLRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		graphqlData(t, w, map[string]any{
			"product": map[string]any{
				"id": "gid://shopify/Product/9", "title": "Beat",
				"mediaCount": map[string]any{"count": 0},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, clientConfig(), server.URL)
	product, err := client.GetProduct(context.Background(), "gid://shopify/Product/9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if product == nil || product.ID != "gid://shopify/Product/9" {
		t.Fatalf("product = %+v", product)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestGraphQLRefreshesClientCredentialsTokenOnce(t *testing.T) {
	var tokenRequests atomic.Int32
	var mux http.ServeMux
	mux.HandleFunc("/admin/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		n := tokenRequests.Add(1)
		token := "expired-token"
		if n > 1 {
			token = "fresh-token"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": token})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Shopify-Access-Token") != "fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		graphqlData(t, w, map[string]any{"product": nil})
	})
	server := httptest.NewServer(&mux)
	defer server.Close()

	cfg := clientConfig()
	cfg.Shopify.AccessToken = ""
	cfg.Shopify.ClientID = "id"
	cfg.Shopify.ClientSecret = "secret"
	client := newTestClient(t, cfg, server.URL)

	product, err := client.GetProduct(context.Background(), "gid://shopify/Product/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if product != nil {
		t.Fatalf("expected nil product, got %+v", product)
	}
	if tokenRequests.Load() != 2 {
		t.Fatalf("token requests = %d", tokenRequests.Load())
	}
}

func TestGraphQLUnauthorizedWithStaticTokenIsAuthExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, clientConfig(), server.URL)
	_, err := client.GetProduct(context.Background(), "gid://shopify/Product/1")
	if !errors.Is(err, services.ErrAuthExpired) {
		t.Fatalf("expected auth expired, got %v", err)
	}
}

func TestGraphQLRepeatedUnauthorizedIsAuthExpired(t *testing.T) {
	var mux http.ServeMux
	mux.HandleFunc("/admin/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "never-good-enough"})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(&mux)
	defer server.Close()

	cfg := clientConfig()
	cfg.Shopify.AccessToken = ""
	cfg.Shopify.ClientID = "id"
	cfg.Shopify.ClientSecret = "secret"
	client := newTestClient(t, cfg, server.URL)

	_, err := client.GetProduct(context.Background(), "gid://shopify/Product/1")
	if !errors.Is(err, services.ErrAuthExpired) {
		t.Fatalf("expected auth expired, got %v", err)
	}
}

func TestCreateProductSurfacesUserErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		graphqlData(t, w, map[string]any{
			"productCreate": map[string]any{
				"product": nil,
				"userErrors": []map[string]any{
					{"field": []string{"input", "title"}, "message": "Title can't be blank"},
				},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, clientConfig(), server.URL)
	_, err := client.CreateProduct(context.Background(), publisher.ProductInput{Title: ""})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
