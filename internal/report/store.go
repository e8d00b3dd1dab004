package report

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("report not found")

// FileStore appends records to a JSON Lines file. Records are never rewritten.
type FileStore struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenFileStore opens (or creates) the report log at path.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create report dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open report log: %w", err)
	}

	return &FileStore{path: path, file: f}, nil
}

// Name returns the sink identifier.
func (s *FileStore) Name() string {
	return "file"
}

// Write appends rec as one line and syncs it to disk.
func (s *FileStore) Write(_ context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("appending report: %w", err)
	}
	return s.file.Sync()
}

// List returns up to limit of the most recent records, newest first. A limit
// of 0 returns all records. Lines that fail to decode are skipped.
func (s *FileStore) List(limit int) ([]Record, error) {
	var all []Record
	err := s.scan(func(rec Record) bool {
		all = append(all, rec)
		return true
	})
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Get returns the record with the given id.
func (s *FileStore) Get(id string) (*Record, error) {
	var found *Record
	err := s.scan(func(rec Record) bool {
		if rec.ID == id {
			found = &rec
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *FileStore) scan(fn func(Record) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open report log: %w", err)
	}
	defer f.Close()

	// Lines are read whole; a report has no size ceiling.
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			var rec Record
			if json.Unmarshal(line, &rec) == nil && !fn(rec) {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read report log: %w", err)
		}
	}
}

// Close closes the log file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
