package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the vec0
// virtual table dimension and must match the embeddings provider.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Document registry with hash-based change detection
CREATE TABLE IF NOT EXISTS documents (
    filepath TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- One row per embedded chunk. chunk_id is the stable public identifier
-- "<filepath>::chunk<N>".
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY,
    chunk_id TEXT NOT NULL UNIQUE,
    filepath TEXT NOT NULL REFERENCES documents(filepath) ON DELETE CASCADE,
    file TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    content TEXT NOT NULL
);

-- Vector embeddings via sqlite-vec. Cosine distance: 0 = identical.
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

-- Full-text search via FTS5, used by debug tooling rather than the main
-- retrieval path (which does its keyword matching in Go).
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    content,
    file,
    content='chunks',
    content_rowid='id',
    tokenize='porter unicode61'
);

-- FTS triggers to keep the index in sync
CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, content, file) VALUES (new.id, new.content, new.file);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content, file) VALUES ('delete', old.id, old.content, old.file);
END;
CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content, file) VALUES ('delete', old.id, old.content, old.file);
    INSERT INTO chunks_fts(chunks_fts, rowid, content, file) VALUES (new.id, new.content, new.file);
END;

-- Indexes
CREATE INDEX IF NOT EXISTS idx_chunks_filepath ON chunks(filepath);
`, embeddingDim)
}
