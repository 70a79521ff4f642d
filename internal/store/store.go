// Package store persists one durable record per chat identity. The
// backing medium is swappable: a file-per-identity JSON store and a
// SQLite store implement the same contract.
package store

import (
	"errors"
)

// ErrNotFound is returned by Load when no record exists for an identity.
var ErrNotFound = errors.New("record not found")

// MediaAccount describes a provisioned media-server account.
type MediaAccount struct {
	AccountID string `json:"user_id"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// Record is the durable snapshot of one identity's state.
type Record struct {
	Email     string        `json:"email,omitempty"`
	Password  string        `json:"password,omitempty"`
	AuthToken string        `json:"auth_data,omitempty"`
	Media     *MediaAccount `json:"media,omitempty"`
}

// Clone returns a deep copy so callers can mutate freely.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Media != nil {
		media := *r.Media
		clone.Media = &media
	}
	return &clone
}

// Entry pairs an identity id with its record during enumeration.
type Entry struct {
	ID     int64
	Record *Record
}

// Store reads and writes durable identity records.
//
// Save must be atomic with respect to concurrent readers. Delete of an
// absent record is not an error. ListAll enumeration order is
// unspecified; corrupt records are skipped, never fatal.
type Store interface {
	Load(id int64) (*Record, error)
	Save(id int64, rec *Record) error
	Delete(id int64) error
	ListAll() ([]Entry, error)
}
