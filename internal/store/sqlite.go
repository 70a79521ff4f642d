package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps identity records as JSON documents in a single
// SQLite table. Same contract as FileStore, denser on disk.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (or creates) records.db under the data directory.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, recordDirPerm); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "records.db")

	// Pragmas in the DSN so every pool connection is configured
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open record database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize record schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY,
		doc TEXT NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (unixepoch())
	);`)
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load reads the record for id, or ErrNotFound.
func (s *SQLiteStore) Load(id int64) (*Record, error) {
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM records WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load record %d: %w", id, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("decode record %d: %w", id, err)
	}
	return &rec, nil
}

// Save upserts the record for id. The single-statement upsert is atomic.
func (s *SQLiteStore) Save(id int64, rec *Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", id, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO records (id, doc, updated_at) VALUES (?, ?, unixepoch())
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		id, string(doc))
	if err != nil {
		return fmt.Errorf("save record %d: %w", id, err)
	}
	return nil
}

// Delete removes the record row; absent records are a no-op.
func (s *SQLiteStore) Delete(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	return nil
}

// ListAll enumerates every persisted record, skipping rows whose
// document no longer decodes.
func (s *SQLiteStore) ListAll() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT id, doc FROM records`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			id  int64
			doc string
		)
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}

		var rec Record
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			log.Warn().Err(err).Int64("identity", id).Msg("Skipping corrupt record row")
			continue
		}
		entries = append(entries, Entry{ID: id, Record: &rec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return entries, nil
}
