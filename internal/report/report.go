// Package report accumulates run counters across workflow phases and renders
// the end-of-run summary.
package report

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jedib0t/go-pretty/v6/table"
)

// RunStats collects counters over one run. All methods are safe for
// concurrent use by the workflow lanes.
type RunStats struct {
	ItemsDiscovered   atomic.Int64
	AssetsDownloaded  atomic.Int64
	AssetsSkipped     atomic.Int64
	ItemsExtracted    atomic.Int64
	ProductsCreated   atomic.Int64
	ProductsUpdated   atomic.Int64
	DuplicatesAdopted atomic.Int64
	VariantsOmitted   atomic.Int64
	FilesAttached     atomic.Int64

	ItemsAlreadyPublished atomic.Int64
	ItemsWithoutVariant   atomic.Int64
	ItemsFailedRetryable  atomic.Int64
	Failures              atomic.Int64

	mu             sync.Mutex
	capabilityGaps map[string]string
}

// NewRunStats returns an empty counter set.
func NewRunStats() *RunStats {
	return &RunStats{capabilityGaps: make(map[string]string)}
}

// RecordCapabilityGap notes a missing capability. Returns true the first time
// a given capability is reported so callers can log it once instead of per
// item.
func (s *RunStats) RecordCapabilityGap(capability, detail string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.capabilityGaps[capability]; seen {
		return false
	}
	s.capabilityGaps[capability] = detail
	return true
}

// CapabilityGaps returns the recorded capability gaps sorted by name.
func (s *RunStats) CapabilityGaps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	gaps := make([]string, 0, len(s.capabilityGaps))
	for capability, detail := range s.capabilityGaps {
		gaps = append(gaps, fmt.Sprintf("%s: %s", capability, detail))
	}
	sort.Strings(gaps)
	return gaps
}

type row struct {
	label string
	value int64
}

func (s *RunStats) rows() []row {
	return []row{
		{"Items discovered", s.ItemsDiscovered.Load()},
		{"Assets downloaded", s.AssetsDownloaded.Load()},
		{"Assets skipped (already complete)", s.AssetsSkipped.Load()},
		{"Stems archives extracted", s.ItemsExtracted.Load()},
		{"Products created", s.ProductsCreated.Load()},
		{"Products updated", s.ProductsUpdated.Load()},
		{"Duplicates adopted", s.DuplicatesAdopted.Load()},
		{"Variants omitted (missing assets)", s.VariantsOmitted.Load()},
		{"Digital files attached", s.FilesAttached.Load()},
		{"Items skipped (already published)", s.ItemsAlreadyPublished.Load()},
		{"Items skipped (no satisfiable variant)", s.ItemsWithoutVariant.Load()},
		{"Items failed (retryable)", s.ItemsFailedRetryable.Load()},
		{"Failures", s.Failures.Load()},
	}
}

// RenderTable writes the summary as a table for interactive terminals.
func (s *RunStats) RenderTable(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Run summary", "Count"})
	for _, r := range s.rows() {
		t.AppendRow(table.Row{r.label, r.value})
	}
	t.Render()
	for _, gap := range s.CapabilityGaps() {
		fmt.Fprintf(w, "capability unavailable: %s\n", gap)
	}
}

// RenderPlain writes the summary as plain text for non-TTY output.
func (s *RunStats) RenderPlain(w io.Writer) {
	for _, r := range s.rows() {
		fmt.Fprintf(w, "%s: %d\n", r.label, r.value)
	}
	for _, gap := range s.CapabilityGaps() {
		fmt.Fprintf(w, "capability unavailable: %s\n", gap)
	}
}
