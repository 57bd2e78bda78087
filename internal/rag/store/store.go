// Package store persists the knowledge index in a single SQLite file with
// the sqlite-vec extension for cosine-distance retrieval and FTS5 for
// operator-facing keyword debugging. A zero-server embedded index suits a
// mesh node far better than a client/server vector database: the whole
// knowledge base is one file under the node's own directory tree.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// SearchResult holds a retrieved chunk with its raw cosine distance
// (0 = identical).
type SearchResult struct {
	ChunkID    string
	Filepath   string
	File       string
	ChunkIndex int
	Content    string
	Distance   float64
}

// Store wraps the SQLite database holding the knowledge index.
// All methods are safe for concurrent use; SQLite serialises writers.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) the index database inside dir and initialises the
// schema, including the sqlite-vec and FTS5 virtual tables.
func New(dir string, embeddingDim int) (*Store, error) {
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("store: embedding dimension must be positive (got %d)", embeddingDim)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating directory: %w", err)
	}

	dbPath := filepath.Join(dir, "knowledge.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}

	// Conservative pool settings for an embedded single-file database.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// FileHash returns the stored content hash for a filepath, or "" when the
// file has never been indexed.
func (s *Store) FileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT content_hash FROM documents WHERE filepath = ?", path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: file hash: %w", err)
	}
	return hash, nil
}

// ListFiles returns every indexed filepath.
func (s *Store) ListFiles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT filepath FROM documents ORDER BY filepath")
	if err != nil {
		return nil, fmt.Errorf("store: list files: %w", err)
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Count returns the total number of indexed chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// ReplaceFileChunks atomically replaces a file's chunks and embeddings with a
// new set. Existing rows for the filepath are removed first, so re-indexing a
// changed file never leaves stale chunks behind.
func (s *Store) ReplaceFileChunks(ctx context.Context, path, file, hash string, chunks []string, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("store: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := deleteFileRows(tx, path); err != nil {
			return err
		}

		if _, err := tx.Exec(`
			INSERT INTO documents (filepath, content_hash, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(filepath) DO UPDATE SET
				content_hash = excluded.content_hash,
				updated_at = CURRENT_TIMESTAMP`,
			path, hash); err != nil {
			return fmt.Errorf("upsert document: %w", err)
		}

		for i, content := range chunks {
			res, err := tx.Exec(`
				INSERT INTO chunks (chunk_id, filepath, file, chunk_index, content)
				VALUES (?, ?, ?, ?, ?)`,
				fmt.Sprintf("%s::chunk%d", path, i), path, file, i, content)
			if err != nil {
				return fmt.Errorf("insert chunk %d: %w", i, err)
			}
			rowID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("chunk %d rowid: %w", i, err)
			}
			if _, err := tx.Exec(
				"INSERT INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)",
				rowID, serializeFloat32(embeddings[i])); err != nil {
				return fmt.Errorf("insert embedding %d: %w", i, err)
			}
		}
		return nil
	})
}

// RemoveFile deletes a file's document row, chunks, and embeddings.
func (s *Store) RemoveFile(ctx context.Context, path string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := deleteFileRows(tx, path); err != nil {
			return err
		}
		_, err := tx.Exec("DELETE FROM documents WHERE filepath = ?", path)
		return err
	})
}

// deleteFileRows removes a file's vec rows and chunks. The FTS index follows
// via triggers; vec_chunks has no trigger support so it is cleaned explicitly.
func deleteFileRows(tx *sql.Tx, path string) error {
	if _, err := tx.Exec(`
		DELETE FROM vec_chunks WHERE chunk_id IN (
			SELECT id FROM chunks WHERE filepath = ?
		)`, path); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM chunks WHERE filepath = ?", path); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// Search performs a KNN search returning the k nearest chunks by cosine
// distance, nearest first.
func (s *Store) Search(ctx context.Context, queryEmbedding []float32, k int) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.chunk_id, c.filepath, c.file, c.chunk_index, c.content, v.distance
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ChunkID, &r.Filepath, &r.File, &r.ChunkIndex, &r.Content, &r.Distance); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// DebugSearch performs an FTS5 keyword search. It is not part of the answer
// path — operators use it (and tests exercise it) to inspect what the index
// actually holds for a term.
func (s *Store) DebugSearch(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.chunk_id, c.filepath, c.file, c.chunk_index, c.content, f.rank
		FROM chunks_fts f
		JOIN chunks c ON c.id = f.rowid
		WHERE chunks_fts MATCH ?
		ORDER BY f.rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fts search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var rank float64
		if err := rows.Scan(&r.ChunkID, &r.Filepath, &r.File, &r.ChunkIndex, &r.Content, &rank); err != nil {
			return nil, err
		}
		// FTS5 rank is negative (lower = better); reuse Distance so callers
		// can sort ascending either way.
		r.Distance = rank
		results = append(results, r)
	}
	return results, rows.Err()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 encodes a vector in sqlite-vec's little-endian binary format.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
