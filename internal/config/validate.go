package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var knownAssetKinds = map[string]struct{}{
	"mp3":     {},
	"wav":     {},
	"stems":   {},
	"artwork": {},
}

// Validate checks the configuration for values that would make a run fail
// halfway through. Credentials are checked for presence, not correctness.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Storage.LibraryDir) == "" {
		problems = append(problems, "storage.library_dir must be set")
	}
	if strings.TrimSpace(c.Storage.StagingDir) == "" {
		problems = append(problems, "storage.staging_dir must be set")
	}

	if c.Shopify.StoreURL == "" {
		problems = append(problems, "shopify.store_url must be set")
	}
	hasToken := strings.TrimSpace(c.Shopify.AccessToken) != ""
	hasClientCreds := strings.TrimSpace(c.Shopify.ClientID) != "" && strings.TrimSpace(c.Shopify.ClientSecret) != ""
	if !hasToken && !hasClientCreds {
		problems = append(problems, "shopify requires access_token or client_id + client_secret")
	}
	if c.Shopify.CollectionID != "" {
		for _, r := range c.Shopify.CollectionID {
			if r < '0' || r > '9' {
				problems = append(problems, fmt.Sprintf("shopify.collection_id %q must be numeric", c.Shopify.CollectionID))
				break
			}
		}
	}

	if len(c.Variants) == 0 {
		problems = append(problems, "at least one [[variants]] entry is required")
	}
	seen := make(map[string]struct{}, len(c.Variants))
	for i, variant := range c.Variants {
		name := strings.TrimSpace(variant.Name)
		if name == "" {
			problems = append(problems, fmt.Sprintf("variants[%d].name must not be empty", i))
			continue
		}
		if _, dup := seen[strings.ToLower(name)]; dup {
			problems = append(problems, fmt.Sprintf("variant name %q is duplicated", name))
		}
		seen[strings.ToLower(name)] = struct{}{}

		price, err := decimal.NewFromString(strings.TrimSpace(variant.Price))
		if err != nil {
			problems = append(problems, fmt.Sprintf("variant %q price %q is not a decimal number", name, variant.Price))
		} else if price.Sign() <= 0 {
			problems = append(problems, fmt.Sprintf("variant %q price must be positive", name))
		}

		if len(variant.Files) == 0 {
			problems = append(problems, fmt.Sprintf("variant %q must list at least one asset kind", name))
		}
		for _, kind := range variant.Files {
			if _, ok := knownAssetKinds[strings.ToLower(strings.TrimSpace(kind))]; !ok {
				problems = append(problems, fmt.Sprintf("variant %q references unknown asset kind %q", name, kind))
			}
		}
	}

	switch c.Workflow.Mode {
	case ModeDownloadAll, ModeDownloadNewOnly, ModeForceRedownload:
	default:
		problems = append(problems, fmt.Sprintf("workflow.mode %q is not one of %s, %s, %s",
			c.Workflow.Mode, ModeDownloadAll, ModeDownloadNewOnly, ModeForceRedownload))
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q must be console or json", c.Logging.Format))
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid configuration: " + strings.Join(problems, "; "))
}

// VariantPrice parses a variant's configured price. Validate guarantees this
// succeeds for a loaded config.
func (v Variant) VariantPrice() (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(v.Price))
}
