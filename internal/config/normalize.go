package config

import (
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	var err error
	if c.Storage.LibraryDir, err = expandPath(c.Storage.LibraryDir); err != nil {
		return err
	}
	if c.Storage.StagingDir, err = expandPath(c.Storage.StagingDir); err != nil {
		return err
	}
	if c.Storage.LogDir, err = expandPath(c.Storage.LogDir); err != nil {
		return err
	}

	if strings.TrimSpace(c.Source.SessionFile) == "" {
		c.Source.SessionFile = filepath.Join(c.Storage.LibraryDir, "source_session.json")
	} else if c.Source.SessionFile, err = expandPath(c.Source.SessionFile); err != nil {
		return err
	}
	if strings.TrimSpace(c.Shopify.SessionFile) == "" {
		c.Shopify.SessionFile = filepath.Join(c.Storage.LibraryDir, "shopify_session.json")
	} else if c.Shopify.SessionFile, err = expandPath(c.Shopify.SessionFile); err != nil {
		return err
	}

	c.Shopify.StoreURL = strings.TrimSpace(c.Shopify.StoreURL)
	c.Shopify.StoreURL = strings.TrimPrefix(c.Shopify.StoreURL, "https://")
	c.Shopify.StoreURL = strings.TrimPrefix(c.Shopify.StoreURL, "http://")
	c.Shopify.StoreURL = strings.TrimSuffix(c.Shopify.StoreURL, "/")

	c.Workflow.Mode = strings.ToLower(strings.TrimSpace(c.Workflow.Mode))
	if c.Workflow.Mode == "" {
		c.Workflow.Mode = ModeDownloadNewOnly
	}
	if c.Workflow.PollInterval <= 0 {
		c.Workflow.PollInterval = 2
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = 5
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		c.Workflow.HeartbeatInterval = 10
	}
	if c.Source.PageSize <= 0 {
		c.Source.PageSize = 50
	}
	if c.Shopify.RequestTimeout <= 0 {
		c.Shopify.RequestTimeout = 60
	}
	return nil
}
