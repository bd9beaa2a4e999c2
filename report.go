package rafale

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// SourceStat is one source's final line in the run report.
type SourceStat struct {
	Code    string `json:"code"`
	Results int    `json:"results"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Report is a run's terminal state. Nothing mutates it after the run ends.
type Report struct {
	RunID      string    `json:"run_id"`
	Phrase     string    `json:"phrase"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ElapsedSec float64   `json:"elapsed_sec"`
	// Raw and Duplicates count this attempt's collected results; Unique is
	// the run's merged record set, which spans attempts when resumed.
	Raw           int          `json:"raw_results"`
	Unique        int          `json:"unique_urls"`
	Duplicates    int          `json:"duplicates"`
	Dropped       int          `json:"dropped"`
	ResultsPerSec float64      `json:"results_per_sec"`
	Sources       []SourceStat `json:"sources"`
}

// sortSources orders the per-source stats by code for stable output.
func (r *Report) sortSources() {
	sort.Slice(r.Sources, func(i, j int) bool {
		return r.Sources[i].Code < r.Sources[j].Code
	})
}

// WriteFile writes the report as indented JSON, atomically: the file appears
// complete or not at all, never half-written.
func (r *Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshal: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return fmt.Errorf("report: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("report: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("report: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("report: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("report: rename: %w", err)
	}
	return nil
}
