package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"knowledge_spider/internal/models"
)

// ErrNotIndexed is returned when a knowledge base has no stored index.
var ErrNotIndexed = errors.New("knowledge base is not indexed")

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Record is one chunk plus its embedding.
type Record struct {
	Chunk  models.Chunk
	Vector []float32
}

// Meta describes a stored index.
type Meta struct {
	KBID       string
	Embedder   string
	ChunkCount int
	Dimensions int
	BuiltAt    time.Time
}

// SQLiteStore persists chunk vectors per knowledge base. Vectors are stored
// as JSON arrays; search is a full scan in the retriever.
type SQLiteStore struct {
	db *sql.DB
}

func OpenStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("index: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("index: pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: migration: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kb_index_meta (
			kb_id       TEXT PRIMARY KEY,
			embedder    TEXT    NOT NULL,
			chunk_count INTEGER NOT NULL,
			dimensions  INTEGER NOT NULL,
			built_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS kb_chunks (
			kb_id      TEXT    NOT NULL,
			chunk_id   TEXT    NOT NULL,
			ordinal    INTEGER NOT NULL,
			page_hash  TEXT    NOT NULL,
			page_url   TEXT    NOT NULL,
			page_title TEXT    NOT NULL,
			text       TEXT    NOT NULL,
			start_idx  INTEGER NOT NULL,
			end_idx    INTEGER NOT NULL,
			vector     TEXT    NOT NULL,
			PRIMARY KEY (kb_id, chunk_id)
		);

		CREATE INDEX IF NOT EXISTS idx_kb_chunks_ordinal ON kb_chunks(kb_id, ordinal);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Replace swaps the whole index of kbID in one transaction. onSaved, if
// set, is called after each record is written.
func (s *SQLiteStore) Replace(ctx context.Context, kbID, embedder string, records []Record, onSaved func(n int)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE kb_id = ?`, kbID); err != nil {
		return fmt.Errorf("index: clear chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO kb_chunks (kb_id, chunk_id, ordinal, page_hash, page_url, page_title, text, start_idx, end_idx, vector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("index: prepare insert: %w", err)
	}
	defer stmt.Close()

	dims := 0
	for i, r := range records {
		vec, err := json.Marshal(r.Vector)
		if err != nil {
			return fmt.Errorf("index: encode vector: %w", err)
		}
		c := r.Chunk
		if _, err := stmt.ExecContext(ctx, kbID, c.ID, c.Ordinal, c.PageHash, c.PageURL, c.PageTitle,
			c.Text, c.StartIdx, c.EndIdx, string(vec)); err != nil {
			return fmt.Errorf("index: insert chunk %s: %w", c.ID, err)
		}
		dims = len(r.Vector)
		if onSaved != nil {
			onSaved(i + 1)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kb_index_meta (kb_id, embedder, chunk_count, dimensions, built_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kb_id) DO UPDATE SET
			embedder = excluded.embedder,
			chunk_count = excluded.chunk_count,
			dimensions = excluded.dimensions,
			built_at = excluded.built_at`,
		kbID, embedder, len(records), dims, time.Now().Unix()); err != nil {
		return fmt.Errorf("index: write meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	return nil
}

// Delete removes every trace of kbID's index.
func (s *SQLiteStore) Delete(ctx context.Context, kbID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE kb_id = ?`, kbID); err != nil {
		return fmt.Errorf("index: delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_index_meta WHERE kb_id = ?`, kbID); err != nil {
		return fmt.Errorf("index: delete meta: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Meta(ctx context.Context, kbID string) (*Meta, error) {
	m := &Meta{KBID: kbID}
	var builtAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT embedder, chunk_count, dimensions, built_at FROM kb_index_meta WHERE kb_id = ?`, kbID,
	).Scan(&m.Embedder, &m.ChunkCount, &m.Dimensions, &builtAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotIndexed
	}
	if err != nil {
		return nil, fmt.Errorf("index: read meta: %w", err)
	}
	m.BuiltAt = time.Unix(builtAt, 0)
	return m, nil
}

// Load returns every record of kbID ordered by ordinal.
func (s *SQLiteStore) Load(ctx context.Context, kbID string) ([]Record, *Meta, error) {
	meta, err := s.Meta(ctx, kbID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, ordinal, page_hash, page_url, page_title, text, start_idx, end_idx, vector
		FROM kb_chunks WHERE kb_id = ? ORDER BY ordinal`, kbID)
	if err != nil {
		return nil, nil, fmt.Errorf("index: query chunks: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, meta.ChunkCount)
	for rows.Next() {
		var (
			r   Record
			vec string
		)
		c := &r.Chunk
		if err := rows.Scan(&c.ID, &c.Ordinal, &c.PageHash, &c.PageURL, &c.PageTitle,
			&c.Text, &c.StartIdx, &c.EndIdx, &vec); err != nil {
			return nil, nil, fmt.Errorf("index: scan chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(vec), &r.Vector); err != nil {
			return nil, nil, fmt.Errorf("index: decode vector for %s: %w", c.ID, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("index: iterate chunks: %w", err)
	}
	return records, meta, nil
}
