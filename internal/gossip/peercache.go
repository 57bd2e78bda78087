package gossip

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// defaultAnswerTTL is written into each row's ttl column (7 days). The
// column is reserved for a future eviction sweep and is not consulted at
// read time.
const defaultAnswerTTL = 604800

// peerCache is the SQLite-backed Tier 2 answer store.
type peerCache struct {
	db         *sql.DB
	maxEntries int
}

func openPeerCache(path string, maxEntries int) (*peerCache, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS peer_cache (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			peer_id TEXT NOT NULL,
			peer_name TEXT NOT NULL,
			query TEXT NOT NULL,
			response TEXT NOT NULL,
			timestamp REAL NOT NULL,
			ttl INTEGER DEFAULT 604800
		);
		CREATE INDEX IF NOT EXISTS idx_query ON peer_cache(query);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}
	return &peerCache{db: db, maxEntries: maxEntries}, nil
}

func (c *peerCache) close() error {
	return c.db.Close()
}

// store appends a Q&A row and evicts the oldest rows past the cap.
func (c *peerCache) store(peerID, peerName, query, response string) error {
	if _, err := c.db.Exec(
		"INSERT INTO peer_cache (peer_id, peer_name, query, response, timestamp, ttl) VALUES (?, ?, ?, ?, ?, ?)",
		peerID, peerName, query, response, nowUnix(), defaultAnswerTTL); err != nil {
		return err
	}
	return c.enforceLimit()
}

func (c *peerCache) enforceLimit() error {
	var count int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM peer_cache").Scan(&count); err != nil {
		return err
	}
	if count <= c.maxEntries {
		return nil
	}
	_, err := c.db.Exec(`
		DELETE FROM peer_cache WHERE id IN (
			SELECT id FROM peer_cache ORDER BY timestamp ASC LIMIT ?
		)`, count-c.maxEntries)
	return err
}

// bestMatch scans the most recent rows for the query with the highest word
// overlap score |Q ∩ C| / max(|Q|, |C|), returning it when the score exceeds
// 0.5.
func (c *peerCache) bestMatch(query string) (*PeerAnswer, error) {
	words := wordSet(query)
	if len(words) == 0 {
		return nil, nil
	}

	rows, err := c.db.Query(
		"SELECT peer_name, query, response, timestamp FROM peer_cache ORDER BY timestamp DESC LIMIT 100")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var best *PeerAnswer
	bestScore := 0.0
	for rows.Next() {
		var a PeerAnswer
		if err := rows.Scan(&a.PeerName, &a.Query, &a.Response, &a.Timestamp); err != nil {
			return nil, err
		}
		cached := wordSet(a.Query)
		if len(cached) == 0 {
			continue
		}
		overlap := 0
		for w := range words {
			if _, ok := cached[w]; ok {
				overlap++
			}
		}
		denom := len(words)
		if len(cached) > denom {
			denom = len(cached)
		}
		score := float64(overlap) / float64(denom)
		if score > bestScore && score > 0.5 {
			answer := a
			best = &answer
			bestScore = score
		}
	}
	return best, rows.Err()
}
