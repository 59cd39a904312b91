// Package checkpoint persists harvest progress as plain JSON files so an
// interrupted run can resume and partial results survive a crash. Every
// artifact is readable with nothing but a text editor.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thalysguimaraes/watchcollection/internal/models"
)

// Checkpoint captures everything harvested so far for one collection run.
type Checkpoint struct {
	RunID          string                `json:"run_id"`
	Collection     string                `json:"collection"`
	ProcessedCount int                   `json:"processed_count"`
	UpdatedAt      time.Time             `json:"updated_at"`
	Records        []models.Record       `json:"models"`
	Failed         []models.FailureEntry `json:"failed,omitempty"`
}

// failedFile is the on-disk shape of the failure artifacts: the entries plus
// an explicit count so the file is self-describing.
type failedFile struct {
	Failed []models.FailureEntry `json:"failed"`
	Count  int                   `json:"count"`
}

// Store owns all on-disk artifacts for one collection slug:
//
//	<slug>.json                 final catalog output
//	<slug>_checkpoint.json      mid-run progress, removed on completion
//	<slug>_listings.json        cached listing enumeration
//	<slug>_failed.json          detail harvest failures
//	<slug>_failed_history.json  price history fetch failures
type Store struct {
	mu    sync.Mutex
	dir   string
	slug  string
	runID string
}

func NewStore(dir, slug string) (*Store, error) {
	if slug == "" {
		return nil, fmt.Errorf("checkpoint: collection slug is required")
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("checkpoint: create output dir: %w", err)
	}
	return &Store{dir: dir, slug: slug, runID: uuid.New().String()}, nil
}

func (s *Store) RunID() string { return s.runID }
func (s *Store) Slug() string  { return s.slug }

func (s *Store) OutputPath() string        { return filepath.Join(s.dir, s.slug+".json") }
func (s *Store) CheckpointPath() string    { return filepath.Join(s.dir, s.slug+"_checkpoint.json") }
func (s *Store) ListingsPath() string      { return filepath.Join(s.dir, s.slug+"_listings.json") }
func (s *Store) FailedPath() string        { return filepath.Join(s.dir, s.slug+"_failed.json") }
func (s *Store) FailedHistoryPath() string { return filepath.Join(s.dir, s.slug+"_failed_history.json") }

// SaveCheckpoint merges the given records into the existing checkpoint by
// external ID and writes the result. Called after every batch, so a crash
// loses at most one batch of work. ProcessedCount never decreases even if a
// caller passes a smaller value.
func (s *Store) SaveCheckpoint(processed int, records []models.Record, failed []models.FailureEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadCheckpoint()
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	cp := Checkpoint{
		RunID:          s.runID,
		Collection:     s.slug,
		ProcessedCount: processed,
		UpdatedAt:      time.Now().UTC(),
		Failed:         failed,
	}
	if existing != nil {
		cp.Records = models.MergeRecords(existing.Records, records)
		if existing.ProcessedCount > cp.ProcessedCount {
			cp.ProcessedCount = existing.ProcessedCount
		}
	} else {
		cp.Records = models.MergeRecords(nil, records)
	}
	return writeJSON(s.CheckpointPath(), cp)
}

// LoadCheckpoint returns the saved checkpoint, or nil when none exists.
func (s *Store) LoadCheckpoint() (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.loadCheckpoint()
	if os.IsNotExist(err) {
		return nil, nil
	}
	return cp, err
}

func (s *Store) loadCheckpoint() (*Checkpoint, error) {
	data, err := os.ReadFile(s.CheckpointPath())
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", s.CheckpointPath(), err)
	}
	return &cp, nil
}

// SaveListings caches the listing enumeration so retries and history-only
// runs skip phase one.
func (s *Store) SaveListings(entries []models.ListingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.ListingsPath(), entries)
}

func (s *Store) LoadListings() ([]models.ListingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.ListingsPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []models.ListingEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", s.ListingsPath(), err)
	}
	return entries, nil
}

// SaveOutput writes the final catalog.
func (s *Store) SaveOutput(catalog models.Catalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.OutputPath(), catalog)
}

// LoadOutput returns the previously written catalog, or an empty one when
// no output file exists.
func (s *Store) LoadOutput() (models.Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var catalog models.Catalog
	data, err := os.ReadFile(s.OutputPath())
	if os.IsNotExist(err) {
		return catalog, nil
	}
	if err != nil {
		return catalog, err
	}
	if err := json.Unmarshal(data, &catalog); err != nil {
		return catalog, fmt.Errorf("checkpoint: decode %s: %w", s.OutputPath(), err)
	}
	return catalog, nil
}

// SaveFailed overwrites the failure list. An empty slice removes the file so
// a clean run leaves no stale artifact behind.
func (s *Store) SaveFailed(entries []models.FailureEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveOrRemove(s.FailedPath(), entries)
}

func (s *Store) LoadFailed() ([]models.FailureEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return loadFailures(s.FailedPath())
}

func (s *Store) SaveFailedHistory(entries []models.FailureEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveOrRemove(s.FailedHistoryPath(), entries)
}

func (s *Store) LoadFailedHistory() ([]models.FailureEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return loadFailures(s.FailedHistoryPath())
}

// Clear removes the checkpoint and listing cache after a completed run. The
// output and failure files stay.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range []string{s.CheckpointPath(), s.ListingsPath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("checkpoint: remove %s: %w", path, err)
		}
	}
	return nil
}

func loadFailures(path string) ([]models.FailureEntry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var file failedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	return file.Failed, nil
}

func saveOrRemove(path string, entries []models.FailureEntry) error {
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return writeJSON(path, failedFile{Failed: entries, Count: len(entries)})
}

// writeJSON writes to a temp file and renames it into place so readers never
// observe a half-written artifact.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: rename %s: %w", path, err)
	}
	return nil
}
