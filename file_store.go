package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore provides a file-based implementation of Store that persists
// saga records as JSON files on disk.
//
// Optimistic concurrency is enforced under a process-local mutex, so a
// FileStore directory must not be shared by several processes.
type FileStore struct {
	basePath string
	mu       sync.Mutex // Protects file operations
}

// NewFileStore creates a new file-based store that saves saga records
// to the specified directory.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{
		basePath: basePath,
	}, nil
}

func (f *FileStore) Create(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.filename(rec.ID)); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.ID)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	stored := rec.Clone()
	stored.Version = 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	if err := f.write(stored); err != nil {
		return err
	}
	rec.Version = stored.Version
	rec.CreatedAt = stored.CreatedAt
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

func (f *FileStore) Update(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.read(rec.ID)
	if err != nil {
		return err
	}
	if current.Version != rec.Version {
		return fmt.Errorf("%w: %s at version %d, have %d", ErrVersionConflict, rec.ID, current.Version, rec.Version)
	}

	stored := rec.Clone()
	stored.Version = rec.Version + 1
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	if err := f.write(stored); err != nil {
		return err
	}
	rec.Version = stored.Version
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

func (f *FileStore) Find(_ context.Context, sagaID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.read(sagaID)
}

func (f *FileStore) FindByStatus(ctx context.Context, status Status) ([]*Record, error) {
	return f.List(ctx, Filter{Statuses: []Status{status}})
}

func (f *FileStore) List(_ context.Context, filter Filter) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	recs := make([]*Record, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := f.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return filter.Apply(recs), nil
}

func (f *FileStore) read(sagaID string) (*Record, error) {
	data, err := os.ReadFile(f.filename(sagaID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, sagaID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %w", sagaID, err)
	}
	return &rec, nil
}

// write replaces the record file atomically via a rename.
func (f *FileStore) write(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	tmp, err := os.CreateTemp(f.basePath, rec.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), f.filename(rec.ID)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// filename returns the full path for a saga's record file.
func (f *FileStore) filename(sagaID string) string {
	return filepath.Join(f.basePath, sagaID+".json")
}
