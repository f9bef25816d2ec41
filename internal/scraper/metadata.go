package scraper

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"beatbridge/internal/inventory"
)

const metadataFileName = "metadata.csv"

// writeMetadataFile writes a per-item metadata.csv so the folder stays useful
// without the database. An existing file is left untouched; metadata is
// captured once.
func (s *Scraper) writeMetadataFile(item *inventory.Item, folder string) error {
	path := filepath.Join(folder, metadataFileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat metadata file: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	records := [][]string{
		{"title", "bpm", "tags", "creation_date"},
		{item.Title, item.BPM, item.Tags, item.CreationDate},
	}
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("write metadata file: %w", err)
	}
	return w.Error()
}
