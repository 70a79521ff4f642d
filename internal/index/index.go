// Package index maintains the email -> identity ownership mapping.
// The index is derived state: it can always be rebuilt from the record
// store, and is persisted to disk so restarts skip the full scan.
package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"subbridge/internal/store"
)

const indexFilePerm = os.FileMode(0o600)

// EmailIndex maps a contact email to the single identity that owns it.
type EmailIndex struct {
	mu      sync.RWMutex
	path    string
	byEmail map[string]int64
	records store.Store
}

// New returns an index persisted at <dataDir>/email_map.json. The
// persisted copy is loaded if present and intact; otherwise the index
// is rebuilt from the record store.
func New(dataDir string, records store.Store) (*EmailIndex, error) {
	idx := &EmailIndex{
		path:    filepath.Join(dataDir, "email_map.json"),
		byEmail: make(map[string]int64),
		records: records,
	}

	if err := idx.loadFromDisk(); err != nil {
		log.Warn().Err(err).Str("file", idx.path).Msg("Email index unreadable, rebuilding from records")
		if err := idx.Rebuild(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func (idx *EmailIndex) loadFromDisk() error {
	data, err := os.ReadFile(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			// First start: derive the index from whatever records exist.
			return idx.Rebuild()
		}
		return err
	}

	byEmail := make(map[string]int64)
	if err := json.Unmarshal(data, &byEmail); err != nil {
		return err
	}

	idx.mu.Lock()
	idx.byEmail = byEmail
	idx.mu.Unlock()
	return nil
}

// Lookup returns the identity owning email, if any.
func (idx *EmailIndex) Lookup(email string) (int64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	id, ok := idx.byEmail[email]
	return id, ok
}

// Claim associates email with id, replacing any prior owner, and
// persists immediately.
func (idx *EmailIndex) Claim(email string, id int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.byEmail[email] = id
	return idx.persistLocked()
}

// Release removes the association for email and persists immediately.
// Releasing an unclaimed email is a no-op.
func (idx *EmailIndex) Release(email string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.byEmail[email]; !ok {
		return nil
	}
	delete(idx.byEmail, email)
	return idx.persistLocked()
}

// Rebuild discards the in-memory mapping and re-derives it from the
// record store. When two records claim the same email (an anomaly left
// behind by earlier bugs), the lowest identity id wins so the result
// does not depend on enumeration order.
func (idx *EmailIndex) Rebuild() error {
	entries, err := idx.records.ListAll()
	if err != nil {
		return fmt.Errorf("rebuild email index: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	byEmail := make(map[string]int64, len(entries))
	for _, entry := range entries {
		email := entry.Record.Email
		if email == "" {
			continue
		}
		if owner, ok := byEmail[email]; ok {
			log.Warn().
				Str("email", email).
				Int64("owner", owner).
				Int64("duplicate", entry.ID).
				Msg("Duplicate email claim during index rebuild, keeping lowest identity id")
			continue
		}
		byEmail[email] = entry.ID
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.byEmail = byEmail
	return idx.persistLocked()
}

// Size returns the number of bound emails.
func (idx *EmailIndex) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return len(idx.byEmail)
}

func (idx *EmailIndex) persistLocked() error {
	data, err := json.MarshalIndent(idx.byEmail, "", "  ")
	if err != nil {
		return fmt.Errorf("encode email index: %w", err)
	}

	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, data, indexFilePerm); err != nil {
		return fmt.Errorf("write email index: %w", err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit email index: %w", err)
	}
	return nil
}
