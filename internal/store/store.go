package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/myjob-hpc/myjob/internal/models"
)

// ErrNotFound is returned for lookups of unknown local ids. It is fatal
// to that single query only.
var ErrNotFound = errors.New("job record not found")

// ErrAmbiguousRef is returned when a prefix reference matches more than
// one record.
var ErrAmbiguousRef = errors.New("job reference matches multiple records")

// Store is the durable local registry of submitted jobs: one JSON file
// per record, named by local id. The store exclusively owns record
// persistence; every mutation goes through Save or UpdateStatus.
type Store struct {
	dir string
}

// DefaultDir returns the fixed per-user record directory.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".myjob", "jobs"), nil
}

// Open creates the store, making the backing directory if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create record directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) recordPath(localID string) string {
	return filepath.Join(s.dir, localID+".json")
}

// Save persists one record as a whole-file replace: write to a temp file
// in the same directory, then rename over the target. Concurrent
// invocations never observe a partially written record.
func (s *Store) Save(rec *models.JobRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.LocalID, err)
	}

	tmp, err := os.CreateTemp(s.dir, rec.LocalID+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp record file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write record %s: %w", rec.LocalID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close record %s: %w", rec.LocalID, err)
	}
	if err := os.Rename(tmpName, s.recordPath(rec.LocalID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace record %s: %w", rec.LocalID, err)
	}
	return nil
}

// Get loads one record by exact local id.
func (s *Store) Get(localID string) (*models.JobRecord, error) {
	data, err := os.ReadFile(s.recordPath(localID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, localID)
		}
		return nil, fmt.Errorf("failed to read record %s: %w", localID, err)
	}
	var rec models.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", localID, err)
	}
	return &rec, nil
}

// Find resolves a user-supplied job reference: exact local id, unique
// local-id prefix, or scheduler job id, in that order.
func (s *Store) Find(ref string) (*models.JobRecord, error) {
	if rec, err := s.Get(ref); err == nil {
		return rec, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	records, err := s.List()
	if err != nil {
		return nil, err
	}

	var prefixMatches []*models.JobRecord
	for i := range records {
		if strings.HasPrefix(records[i].LocalID, ref) {
			prefixMatches = append(prefixMatches, &records[i])
		}
	}
	if len(prefixMatches) == 1 {
		return prefixMatches[0], nil
	}
	if len(prefixMatches) > 1 {
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousRef, ref)
	}

	for i := range records {
		if records[i].SlurmJobID == ref {
			return &records[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// List returns all records, newest first. Unreadable files are skipped
// rather than failing the listing.
func (s *Store) List() ([]models.JobRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list record directory: %w", err)
	}

	var records []models.JobRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec models.JobRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].SubmittedAt.After(records[j].SubmittedAt)
	})
	return records, nil
}

// UpdateStatus refreshes the cached status of one record. The cache is
// opportunistic; the scheduler remains the source of truth.
func (s *Store) UpdateStatus(localID string, state models.JobState) error {
	rec, err := s.Get(localID)
	if err != nil {
		return err
	}
	rec.Status = state
	return s.Save(rec)
}

// Delete removes a record. Records are never deleted automatically;
// this backs the opt-in cleanup flag only.
func (s *Store) Delete(localID string) error {
	if err := os.Remove(s.recordPath(localID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, localID)
		}
		return fmt.Errorf("failed to delete record %s: %w", localID, err)
	}
	return nil
}
