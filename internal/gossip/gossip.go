// Package gossip implements the optional inter-oracle knowledge system:
// a file-backed node directory built from DEL-FI announcement broadcasts
// (Tier 3), a SQLite cache of answers pulled from trusted sibling nodes
// (Tier 2), and topic-based referrals pointing users at better-equipped
// nodes. A node with no mesh_knowledge config never constructs a Service —
// the router treats a nil handle as "standalone oracle".
package gossip

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProtocolVersion is the gossip wire protocol version. Announcements carrying
// any other version are silently ignored.
const ProtocolVersion = 1

// WirePrefix starts every gossip message.
const WirePrefix = "DEL-FI:"

// Entry is one known node in the directory.
type Entry struct {
	Name     string            `json:"name"`
	Version  int               `json:"version"`
	LastSeen float64           `json:"last_seen"`
	Topics   string            `json:"topics,omitempty"`
	Model    string            `json:"model,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Peer identifies a configured trusted sibling node.
type Peer struct {
	NodeID string
	Name   string
}

// Config configures a Service.
type Config struct {
	// NodeName and Model describe this node in its own announcements.
	NodeName string
	Model    string

	// KnowledgeFolder is scanned for topic names included in announcements.
	KnowledgeFolder string

	// GossipDir holds node-directory.json; CacheDir holds mesh-answers.db.
	GossipDir string
	CacheDir  string

	// DirectoryTTL is how long a heard node stays listed without
	// re-announcing. Defaults to 24h.
	DirectoryTTL time.Duration

	// Peers are the trusted nodes whose cached answers are accepted.
	Peers []Peer

	// MaxCacheEntries caps the peer cache. Defaults to 500.
	MaxCacheEntries int
}

// Service manages the gossip directory and peer answer cache.
// All methods are safe for concurrent use. A nil *Service is inert.
type Service struct {
	cfg        Config
	gossipFile string

	mu        sync.Mutex
	directory map[string]*Entry

	cache *peerCache // nil when the database failed to open
}

// New creates a Service, loading the persisted directory and opening the
// peer cache database. A peer-cache open failure is logged and disables
// Tier 2 only; gossip and referrals still work.
func New(cfg Config) *Service {
	if cfg.DirectoryTTL <= 0 {
		cfg.DirectoryTTL = 24 * time.Hour
	}
	if cfg.MaxCacheEntries <= 0 {
		cfg.MaxCacheEntries = 500
	}

	s := &Service{
		cfg:        cfg,
		gossipFile: filepath.Join(cfg.GossipDir, "node-directory.json"),
		directory:  map[string]*Entry{},
	}
	s.loadDirectory()

	cache, err := openPeerCache(filepath.Join(cfg.CacheDir, "mesh-answers.db"), cfg.MaxCacheEntries)
	if err != nil {
		slog.Error("gossip: peer cache init failed", "error", err)
	} else {
		s.cache = cache
	}

	slog.Info("gossip: mesh knowledge initialized", "peers", len(cfg.Peers))
	return s
}

// Close releases the peer cache database. Safe to call more than once.
func (s *Service) Close() error {
	if s == nil || s.cache == nil {
		return nil
	}
	return s.cache.close()
}

// ─── Announcements (Tier 3) ──────────────────────────────────────────────────

// ParseAnnouncement parses a DEL-FI gossip announcement of the form
//
//	DEL-FI:1:ANNOUNCE:NAME:key=val:key=val...
//
// Returns nil for malformed input or an incompatible protocol version.
func ParseAnnouncement(text string) *Entry {
	if !strings.HasPrefix(text, WirePrefix) {
		return nil
	}
	parts := strings.Split(text, ":")
	if len(parts) < 4 {
		return nil
	}

	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil
	}
	if version != ProtocolVersion {
		slog.Debug("gossip: ignoring announcement with unknown protocol version", "version", version)
		return nil
	}
	if parts[2] != "ANNOUNCE" {
		return nil
	}

	e := &Entry{
		Name:     parts[3],
		Version:  version,
		LastSeen: nowUnix(),
	}
	for _, part := range parts[4:] {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch key {
		case "topics":
			e.Topics = val
		case "model":
			e.Model = val
		default:
			if e.Extra == nil {
				e.Extra = map[string]string{}
			}
			e.Extra[key] = val
		}
	}
	return e
}

// HandleAnnouncement merges an incoming announcement into the directory,
// prunes expired entries, and persists. Malformed announcements are silently
// ignored.
func (s *Service) HandleAnnouncement(nodeID, text string) {
	if s == nil {
		return
	}
	entry := ParseAnnouncement(text)
	if entry == nil {
		return
	}

	s.mu.Lock()
	s.directory[nodeID] = entry
	s.expireLocked()
	s.mu.Unlock()

	s.saveDirectory()
	slog.Info("gossip: heard announcement", "name", entry.Name, "node_id", nodeID)
}

// FormatAnnouncement builds this node's own announcement string.
func (s *Service) FormatAnnouncement() string {
	topics := strings.Join(s.localTopics(), ",")
	return fmt.Sprintf("%s%d:ANNOUNCE:%s:topics=%s:model=%s",
		WirePrefix, ProtocolVersion, s.cfg.NodeName, topics, s.cfg.Model)
}

// expireLocked removes nodes that have not announced within the TTL.
// Caller must hold mu.
func (s *Service) expireLocked() {
	cutoff := nowUnix() - s.cfg.DirectoryTTL.Seconds()
	for id, e := range s.directory {
		if e.LastSeen < cutoff {
			delete(s.directory, id)
		}
	}
}

// ─── Peer cache (Tier 2) ─────────────────────────────────────────────────────

// PeerAnswer is a cached Q&A pair from a trusted peer.
type PeerAnswer struct {
	PeerName  string
	Query     string
	Response  string
	Timestamp float64
}

// CheckPeerCache searches the cache for an answer to a similar query: word
// overlap over the most recent rows, returning the best match scoring above
// 0.5, or nil.
func (s *Service) CheckPeerCache(query string) *PeerAnswer {
	if s == nil || s.cache == nil {
		return nil
	}
	answer, err := s.cache.bestMatch(query)
	if err != nil {
		slog.Error("gossip: peer cache search failed", "error", err)
		return nil
	}
	return answer
}

// StorePeerAnswer caches a Q&A pair. Answers from nodes outside the
// configured trusted peer list are silently dropped.
func (s *Service) StorePeerAnswer(peerID, peerName, query, response string) {
	if s == nil || s.cache == nil {
		return
	}
	if !s.isTrustedPeer(peerID) {
		slog.Debug("gossip: ignoring answer from untrusted node", "node_id", peerID)
		return
	}
	if err := s.cache.store(peerID, peerName, query, response); err != nil {
		slog.Error("gossip: failed to store peer answer", "error", err)
		return
	}
	slog.Info("gossip: cached peer answer", "peer", peerName, "query", truncateForLog(query))
}

func (s *Service) isTrustedPeer(nodeID string) bool {
	for _, p := range s.cfg.Peers {
		if p.NodeID == nodeID {
			return true
		}
	}
	return false
}

// ─── Referrals (Tier 3 → user) ───────────────────────────────────────────────

// FindReferral checks the directory for a node advertising topics that
// overlap the query's words and returns a short referral message, or "".
func (s *Service) FindReferral(query string) string {
	if s == nil {
		return ""
	}
	words := wordSet(query)
	if len(words) == 0 {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.directory))
	for id := range s.directory {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		e := s.directory[id]
		if e.Topics == "" {
			continue
		}
		for _, topic := range strings.Split(strings.ToLower(e.Topics), ",") {
			topicWords := wordSet(strings.ReplaceAll(topic, "-", " "))
			if intersects(words, topicWords) {
				name := e.Name
				if name == "" {
					name = id
				}
				return fmt.Sprintf("I don't have docs on that. %s advertises: %s. Try DMing them directly.",
					name, e.Topics)
			}
		}
	}
	return ""
}

// ─── Formatted responses ─────────────────────────────────────────────────────

// FormatPeersResponse builds the !peers command reply: configured peers
// first, then nearby non-peered nodes heard via gossip.
func (s *Service) FormatPeersResponse() string {
	if s == nil {
		return "Mesh knowledge not configured on this node."
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var parts []string
	peerIDs := map[string]struct{}{}

	if len(s.cfg.Peers) > 0 {
		parts = append(parts, "Peered:")
		for _, p := range s.cfg.Peers {
			peerIDs[p.NodeID] = struct{}{}
			name := p.Name
			if name == "" {
				name = p.NodeID
			}
			if e, ok := s.directory[p.NodeID]; ok && e.Topics != "" {
				parts = append(parts, fmt.Sprintf("  %s (%s)", name, e.Topics))
			} else {
				parts = append(parts, "  "+name)
			}
		}
	}

	var nearbyIDs []string
	for id := range s.directory {
		if _, ok := peerIDs[id]; !ok {
			nearbyIDs = append(nearbyIDs, id)
		}
	}
	sort.Strings(nearbyIDs)
	if len(nearbyIDs) > 0 {
		parts = append(parts, "Nearby:")
		for _, id := range nearbyIDs {
			e := s.directory[id]
			name := e.Name
			if name == "" {
				name = id
			}
			if e.Topics != "" {
				parts = append(parts, fmt.Sprintf("  %s (%s)", name, e.Topics))
			} else {
				parts = append(parts, "  "+name)
			}
		}
	}

	if len(parts) == 0 {
		return "No peers configured and no nearby nodes heard."
	}
	return strings.Join(parts, "\n")
}

// PeerNames returns configured peer names for status displays.
func (s *Service) PeerNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.cfg.Peers))
	for _, p := range s.cfg.Peers {
		if p.Name != "" {
			names = append(names, p.Name)
		} else {
			names = append(names, p.NodeID)
		}
	}
	return names
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// localTopics lists topic names from the knowledge folder's top-level
// filenames.
func (s *Service) localTopics() []string {
	entries, err := os.ReadDir(s.cfg.KnowledgeFolder)
	if err != nil {
		return nil
	}
	var topics []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".txt" && ext != ".md" {
			continue
		}
		topics = append(topics, strings.ReplaceAll(strings.TrimSuffix(e.Name(), ext), "_", "-"))
	}
	sort.Strings(topics)
	return topics
}

func wordSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = struct{}{}
	}
	return set
}

func intersects(a, b map[string]struct{}) bool {
	for w := range a {
		if _, ok := b[w]; ok {
			return true
		}
	}
	return false
}

func truncateForLog(text string) string {
	if len(text) > 50 {
		return text[:50]
	}
	return text
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// ─── Directory persistence ───────────────────────────────────────────────────

func (s *Service) loadDirectory() {
	data, err := os.ReadFile(s.gossipFile)
	if err != nil {
		return
	}
	var dir map[string]*Entry
	if err := json.Unmarshal(data, &dir); err != nil {
		slog.Warn("gossip: could not load node directory", "error", err)
		return
	}
	s.mu.Lock()
	s.directory = dir
	s.expireLocked()
	s.mu.Unlock()
}

// saveDirectory persists the directory. Best effort: errors are logged and
// swallowed.
func (s *Service) saveDirectory() {
	if err := os.MkdirAll(filepath.Dir(s.gossipFile), 0o755); err != nil {
		slog.Error("gossip: failed to save node directory", "error", err)
		return
	}

	s.mu.Lock()
	data, err := json.MarshalIndent(s.directory, "", "  ")
	s.mu.Unlock()
	if err != nil {
		slog.Error("gossip: failed to save node directory", "error", err)
		return
	}
	if err := os.WriteFile(s.gossipFile, data, 0o644); err != nil {
		slog.Error("gossip: failed to save node directory", "error", err)
	}
}
