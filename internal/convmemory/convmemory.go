// Package convmemory keeps short per-sender conversation history so the
// oracle can resolve follow-up questions. Each sender gets a ring buffer of
// recent (user, assistant) turns that expires after a period of inactivity.
//
// Memory is intentionally lightweight — conversations over mesh radio are
// short and sporadic.
package convmemory

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// MaxTurnsHardCap bounds memory_max_turns regardless of configuration.
const MaxTurnsHardCap = 50

// Turn is one completed user/assistant exchange.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// entry is the per-sender history record.
type entry struct {
	Turns []Turn  `json:"turns"`
	TS    float64 `json:"ts"`
}

// Config configures a Store.
type Config struct {
	// MaxTurns is the ring-buffer size per sender. Clamped to MaxTurnsHardCap.
	MaxTurns int

	// TTL is how long a conversation survives without activity.
	TTL time.Duration

	// Persist enables best-effort persistence to CacheDir.
	Persist bool

	// CacheDir is where conversation_memory.json lives when Persist is set.
	CacheDir string
}

// Store holds per-sender conversation history with TTL expiry. All methods
// are safe for concurrent use.
type Store struct {
	maxTurns int
	ttl      time.Duration
	persist  bool
	file     string

	mu    sync.Mutex
	store map[string]*entry
}

// New creates a Store and, when persistence is enabled, loads any
// still-unexpired history from disk.
func New(cfg Config) *Store {
	maxTurns := cfg.MaxTurns
	if maxTurns > MaxTurnsHardCap {
		maxTurns = MaxTurnsHardCap
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	s := &Store{
		maxTurns: maxTurns,
		ttl:      ttl,
		persist:  cfg.Persist,
		file:     filepath.Join(cfg.CacheDir, "conversation_memory.json"),
		store:    make(map[string]*entry),
	}
	if s.persist {
		s.loadDisk()
	}
	return s
}

// AddTurn records a completed exchange for a sender.
func (s *Store) AddTurn(senderID, userMsg, assistantMsg string) {
	s.mu.Lock()
	e, ok := s.store[senderID]
	if !ok || s.expired(e) {
		e = &entry{}
		s.store[senderID] = e
	}
	e.Turns = append(e.Turns, Turn{User: userMsg, Assistant: assistantMsg})
	if len(e.Turns) > s.maxTurns {
		e.Turns = e.Turns[len(e.Turns)-s.maxTurns:]
	}
	e.TS = nowUnix()
	s.mu.Unlock()

	if s.persist {
		s.saveDisk()
	}
}

// GetHistory returns recent turns for a sender, oldest first. Returns nil if
// there is no history or the conversation expired.
func (s *Store) GetHistory(senderID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.store[senderID]
	if !ok || s.expired(e) {
		return nil
	}
	turns := make([]Turn, len(e.Turns))
	copy(turns, e.Turns)
	return turns
}

// FormatForPrompt renders a sender's history as a prompt fragment, or ""
// when no history exists.
func (s *Store) FormatForPrompt(senderID string) string {
	turns := s.GetHistory(senderID)
	if len(turns) == 0 {
		return ""
	}
	lines := []string{"Recent conversation with this user:"}
	for _, t := range turns {
		lines = append(lines, "User: "+t.User, "Assistant: "+t.Assistant)
	}
	return strings.Join(lines, "\n")
}

// Clear wipes history for a single sender.
func (s *Store) Clear(senderID string) {
	s.mu.Lock()
	delete(s.store, senderID)
	s.mu.Unlock()
	if s.persist {
		s.saveDisk()
	}
}

// ClearAll wipes all conversation history.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.store = make(map[string]*entry)
	s.mu.Unlock()
	if s.persist {
		s.saveDisk()
	}
}

// SenderCount reports how many senders have active (non-expired) history.
func (s *Store) SenderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.store {
		if !s.expired(e) {
			n++
		}
	}
	return n
}

// Cleanup removes expired entries. Invoked lazily by the router between
// queries rather than on its own ticker.
func (s *Store) Cleanup() {
	s.mu.Lock()
	removed := 0
	for k, e := range s.store {
		if s.expired(e) {
			delete(s.store, k)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 && s.persist {
		s.saveDisk()
	}
}

func (s *Store) expired(e *entry) bool {
	return nowUnix()-e.TS > s.ttl.Seconds()
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// loadDisk restores persisted memory, skipping entries that expired while
// the daemon was down. Losing this file is harmless.
func (s *Store) loadDisk() {
	data, err := os.ReadFile(s.file)
	if err != nil {
		return
	}
	var stored map[string]*entry
	if err := json.Unmarshal(data, &stored); err != nil {
		slog.Warn("memory: could not load conversation memory", "error", err)
		return
	}
	now := nowUnix()
	loaded := 0
	s.mu.Lock()
	for senderID, e := range stored {
		if now-e.TS < s.ttl.Seconds() {
			s.store[senderID] = e
			loaded++
		}
	}
	s.mu.Unlock()
	if loaded > 0 {
		slog.Info("memory: loaded conversation memory", "senders", loaded)
	}
}

// saveDisk persists memory to disk. Best effort: errors are logged and
// swallowed.
func (s *Store) saveDisk() {
	if err := os.MkdirAll(filepath.Dir(s.file), 0o755); err != nil {
		slog.Warn("memory: could not persist conversation memory", "error", err)
		return
	}

	s.mu.Lock()
	snapshot := make(map[string]*entry, len(s.store))
	for k, e := range s.store {
		if !s.expired(e) {
			snapshot[k] = e
		}
	}
	s.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		slog.Warn("memory: could not persist conversation memory", "error", err)
		return
	}
	if err := os.WriteFile(s.file, data, 0o644); err != nil {
		slog.Warn("memory: could not persist conversation memory", "error", err)
	}
}
