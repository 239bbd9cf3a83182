package backfill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const DefaultStatePath = "~/.closewire/backfill-state.json"

// BackfillState tracks progress for resumable backfill runs.
type BackfillState struct {
	StartedAt       time.Time `json:"started_at"`
	LastProcessedAt time.Time `json:"last_processed_at"`
	FilesProcessed  []string  `json:"files_processed"`
	FilesRemaining  int       `json:"files_remaining"`
	TriadsFound     int       `json:"triads_found"`
	NuggetsInserted int       `json:"nuggets_inserted"`
	Errors          []string  `json:"errors"`

	path      string // not serialized
	processed map[string]bool
}

// LoadState loads the backfill state from path, or creates a new one when the
// file does not exist. An empty path means DefaultStatePath.
func LoadState(path string) (*BackfillState, error) {
	if path == "" {
		path = DefaultStatePath
	}
	p := expandHome(path)

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return &BackfillState{
				StartedAt: time.Now().UTC(),
				path:      p,
			}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s BackfillState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	s.path = p
	return &s, nil
}

// Path returns the resolved state file location.
func (s *BackfillState) Path() string {
	return s.path
}

// Save persists the state to disk.
func (s *BackfillState) Save() error {
	s.LastProcessedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	return os.WriteFile(s.path, data, 0o644)
}

// IsProcessed returns true if the given file has already been ingested.
func (s *BackfillState) IsProcessed(path string) bool {
	if s.processed == nil {
		s.processed = make(map[string]bool, len(s.FilesProcessed))
		for _, f := range s.FilesProcessed {
			s.processed[f] = true
		}
	}
	return s.processed[path]
}

// MarkProcessed records a file as ingested.
func (s *BackfillState) MarkProcessed(path string) {
	if s.IsProcessed(path) {
		return
	}
	s.FilesProcessed = append(s.FilesProcessed, path)
	s.processed[path] = true
}

// AddError records a processing error.
func (s *BackfillState) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
