package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"beatbridge/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validBody = `
[storage]
library_dir = "%s/library"
staging_dir = "%s/staging"
log_dir = "%s/logs"

[shopify]
store_url = "https://test-store.myshopify.com/"
access_token = "shpat_test"
collection_id = "123456"

[[variants]]
name = "MP3 Licence"
price = "29.99"
files = ["mp3"]
`

func validConfigBody(t *testing.T) string {
	dir := t.TempDir()
	return strings.ReplaceAll(validBody, "%s", dir)
}

func TestLoadNormalizesStoreURL(t *testing.T) {
	path := writeConfig(t, validConfigBody(t))
	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("resolved=%q exists=%v", resolved, exists)
	}
	if cfg.Shopify.StoreURL != "test-store.myshopify.com" {
		t.Fatalf("store url not normalized: %q", cfg.Shopify.StoreURL)
	}
	if cfg.Workflow.Mode != config.ModeDownloadNewOnly {
		t.Fatalf("default mode = %q", cfg.Workflow.Mode)
	}
	if cfg.Source.SessionFile == "" || filepath.Dir(cfg.Source.SessionFile) != cfg.Storage.LibraryDir {
		t.Fatalf("session file not defaulted under library dir: %q", cfg.Source.SessionFile)
	}
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	body := strings.Replace(validConfigBody(t), `access_token = "shpat_test"`, "", 1)
	path := writeConfig(t, body)
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}

func TestLoadRejectsBadVariant(t *testing.T) {
	cases := map[string]struct{ old, new string }{
		"empty name":   {`name = "MP3 Licence"`, `name = ""`},
		"bad price":    {`price = "29.99"`, `price = "free"`},
		"unknown kind": {`files = ["mp3"]`, `files = ["flac"]`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body := strings.Replace(validConfigBody(t), tc.old, tc.new, 1)
			path := writeConfig(t, body)
			if _, _, _, err := config.Load(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	body := validConfigBody(t) + "\n[workflow]\nmode = \"everything\"\n"
	path := writeConfig(t, body)
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("create sample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[shopify]") {
		t.Fatal("sample config missing shopify section")
	}
}
