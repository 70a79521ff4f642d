package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	recordDirPerm  = os.FileMode(0o700)
	recordFilePerm = os.FileMode(0o600)
)

// FileStore keeps one <id>.json file per identity under a data directory.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

// NewFileStore creates the record directory if needed and returns a store.
func NewFileStore(dataDir string) (*FileStore, error) {
	dir := filepath.Join(dataDir, "users")
	if err := os.MkdirAll(dir, recordDirPerm); err != nil {
		return nil, fmt.Errorf("create record directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory holding the record files.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(id int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(id, 10)+".json")
}

// Load reads the record for id, or ErrNotFound.
func (s *FileStore) Load(id int64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read record %d: %w", id, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %d: %w", id, err)
	}
	return &rec, nil
}

// Save overwrites the record for id atomically (tmp file + rename).
func (s *FileStore) Save(id int64, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record %d: %w", id, err)
	}

	path := s.path(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, recordFilePerm); err != nil {
		return fmt.Errorf("write record %d: %w", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit record %d: %w", id, err)
	}
	return nil
}

// Delete removes the record file; absent records are a no-op.
func (s *FileStore) Delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	return nil
}

// ListAll enumerates every persisted record. Files that are not
// <id>.json or fail to decode are logged and skipped.
func (s *FileStore) ListAll() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read record directory %s: %w", s.dir, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if dirEntry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		id, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			log.Warn().Str("file", name).Msg("Skipping record file with non-numeric name")
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			log.Warn().Err(err).Int64("identity", id).Msg("Skipping unreadable record file")
			continue
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Warn().Err(err).Int64("identity", id).Msg("Skipping corrupt record file")
			continue
		}

		entries = append(entries, Entry{ID: id, Record: &rec})
	}
	return entries, nil
}
