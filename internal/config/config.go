// Package config provides the configuration schema, loader, and validation
// for the Del-Fi mesh oracle daemon.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Config is the root configuration structure for a Del-Fi node.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// NodeName is the oracle's display name on the mesh. Required.
	NodeName string `yaml:"node_name"`

	// Model is the language model used for generation (e.g., "llama3.2:3b"). Required.
	Model string `yaml:"model"`

	// Personality is a free-text persona fragment injected into the system prompt.
	Personality string `yaml:"personality"`

	// KnowledgeFolder is the directory scanned for .txt/.md knowledge documents.
	// All runtime state (cache, vectorstore, gossip) lives next to it.
	KnowledgeFolder string `yaml:"knowledge_folder"`

	// MaxResponseBytes is the outbound payload budget per message. LoRa-class
	// links carry ~230 usable bytes. Minimum 50.
	MaxResponseBytes int `yaml:"max_response_bytes"`

	// RateLimitSeconds is the per-sender minimum spacing between freeform
	// queries at the mesh adapter. Commands bypass this limit.
	RateLimitSeconds float64 `yaml:"rate_limit_seconds"`

	// ResponseCacheTTL is how long (seconds) an answered query stays in the
	// exact-match response cache.
	ResponseCacheTTL int `yaml:"response_cache_ttl"`

	// EmbeddingModel is the embedding model used for document retrieval.
	EmbeddingModel string `yaml:"embedding_model"`

	// NumCtx and NumPredict are passed through to the language model and also
	// bound the prompt context budget.
	NumCtx     int `yaml:"num_ctx"`
	NumPredict int `yaml:"num_predict"`

	// PersistentCache persists the response cache and seen-sender set across
	// restarts.
	PersistentCache bool `yaml:"persistent_cache"`

	// BusyNotice sends a short queue-position ack when a query arrives while
	// the worker is busy.
	BusyNotice bool `yaml:"busy_notice"`

	// AutoSendChunks is how many chunks of a long answer are pushed without
	// waiting for !more. Values <= 1 disable auto-send.
	AutoSendChunks int `yaml:"auto_send_chunks"`

	// Conversation memory. MemoryMaxTurns of 0 disables memory entirely;
	// values above 50 are clamped.
	MemoryMaxTurns   int  `yaml:"memory_max_turns"`
	MemoryTTL        int  `yaml:"memory_ttl"`
	PersistentMemory bool `yaml:"persistent_memory"`

	// Community board.
	BoardEnabled         bool     `yaml:"board_enabled"`
	BoardMaxPosts        int      `yaml:"board_max_posts"`
	BoardPostTTL         int      `yaml:"board_post_ttl"`
	BoardShowCount       int      `yaml:"board_show_count"`
	BoardRateLimit       int      `yaml:"board_rate_limit"`
	BoardRateWindow      int      `yaml:"board_rate_window"`
	BoardBlockedPatterns []string `yaml:"board_blocked_patterns"`
	BoardPersist         bool     `yaml:"board_persist"`

	// Sensor fact store. FactFeedFile defaults to <cache>/sensor_feed.json.
	FactFeedFile             string   `yaml:"fact_feed_file"`
	FactWatchIntervalSeconds int      `yaml:"fact_watch_interval_seconds"`
	FactQueryKeywords        []string `yaml:"fact_query_keywords"`

	// Radio transport. MeshProtocol selects the adapter ("meshtastic",
	// "meshcore", "discord").
	MeshProtocol    string `yaml:"mesh_protocol"`
	RadioConnection string `yaml:"radio_connection"`
	RadioPort       string `yaml:"radio_port"`

	// Ollama endpoint used by the default LLM and embeddings backends.
	OllamaHost           string  `yaml:"ollama_host"`
	OllamaTimeoutSeconds float64 `yaml:"ollama_timeout"`

	// LLMProvider optionally routes generation through a hosted backend
	// instead of local Ollama (e.g., for relay nodes without GPU hardware).
	LLMProvider ProviderEntry `yaml:"llm_provider"`

	// EmbeddingsProvider optionally routes embeddings through a hosted
	// backend instead of local Ollama.
	EmbeddingsProvider ProviderEntry `yaml:"embeddings_provider"`

	// DiscordToken is required only when MeshProtocol is "discord".
	DiscordToken string `yaml:"discord_token"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warning", "error".
	LogLevel string `yaml:"log_level"`

	// ListenAddr, when set, serves /metrics, /healthz, and /readyz over HTTP.
	ListenAddr string `yaml:"listen_addr"`

	// MeshKnowledge enables the optional gossip / peering subsystem.
	// Nil means the node is a standalone oracle.
	MeshKnowledge *MeshKnowledgeConfig `yaml:"mesh_knowledge"`
}

// ProviderEntry selects a hosted model backend.
type ProviderEntry struct {
	// Name selects the backend implementation (e.g., "openai", "anthropic",
	// "gemini", "groq"). Empty means use local Ollama.
	Name string `yaml:"name"`

	// APIKey is the authentication key. When empty the backend falls back to
	// its conventional environment variable (OPENAI_API_KEY, etc.).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the backend.
	Model string `yaml:"model"`
}

// MeshKnowledgeConfig configures gossip, peering, and peer-cache sync.
type MeshKnowledgeConfig struct {
	Gossip GossipConfig `yaml:"gossip"`
	Peers  []PeerConfig `yaml:"peers"`
	Sync   SyncConfig   `yaml:"sync"`

	// ServeToPeers allows trusted peers to pull cached answers from this node.
	ServeToPeers bool `yaml:"serve_to_peers"`

	// TagResponses prefixes peer-derived answers with a [via NAME] provenance tag.
	TagResponses bool `yaml:"tag_responses"`
}

// GossipConfig controls the periodic self-announcement broadcast.
type GossipConfig struct {
	Enabled bool `yaml:"enabled"`

	// AnnounceIntervalSeconds is the spacing between announcements.
	AnnounceIntervalSeconds int `yaml:"announce_interval"`

	// DirectoryTTLSeconds is how long a heard node stays in the directory
	// without re-announcing.
	DirectoryTTLSeconds int `yaml:"directory_ttl"`
}

// PeerConfig identifies a trusted sibling node whose cached answers are accepted.
type PeerConfig struct {
	NodeID string `yaml:"node_id"`
	Name   string `yaml:"name"`
}

// SyncConfig bounds the peer answer cache.
type SyncConfig struct {
	Enabled bool `yaml:"enabled"`

	// WindowStart/WindowEnd delimit the nightly sync window (HH:MM local).
	WindowStart string `yaml:"window_start"`
	WindowEnd   string `yaml:"window_end"`

	// MaxCacheAge is a human-readable age bound like "7d".
	MaxCacheAge string `yaml:"max_cache_age"`

	// MaxCacheEntries caps the peer cache; oldest rows are evicted first.
	MaxCacheEntries int `yaml:"max_cache_entries"`
}

// defaults is the base configuration YAML decoding overlays onto. Fields
// present in the document replace these values; absent fields keep them.
var defaults = Config{
	Personality:              "Helpful and concise community assistant.",
	KnowledgeFolder:          "~/del-fi/knowledge",
	MaxResponseBytes:         230,
	RateLimitSeconds:         30,
	ResponseCacheTTL:         300,
	EmbeddingModel:           "nomic-embed-text",
	NumCtx:                   2048,
	NumPredict:               128,
	PersistentCache:          true,
	BusyNotice:               true,
	AutoSendChunks:           3,
	MemoryMaxTurns:           0,
	MemoryTTL:                3600,
	BoardEnabled:             true,
	BoardMaxPosts:            50,
	BoardPostTTL:             86400,
	BoardShowCount:           5,
	BoardRateLimit:           3,
	BoardRateWindow:          3600,
	BoardPersist:             true,
	FactWatchIntervalSeconds: 30,
	FactQueryKeywords: []string{
		"temperature", "weather", "wind", "humidity", "pressure",
		"rain", "snow", "river", "battery", "solar", "sensor",
	},
	MeshProtocol:         "meshtastic",
	RadioConnection:      "serial",
	RadioPort:            "/dev/ttyUSB0",
	OllamaHost:           "http://localhost:11434",
	OllamaTimeoutSeconds: 120,
	LogLevel:             "info",
}

// meshKnowledgeDefaults is overlaid the same way when a mesh_knowledge block
// is present in the document.
var meshKnowledgeDefaults = MeshKnowledgeConfig{
	Gossip: GossipConfig{
		Enabled:                 false,
		AnnounceIntervalSeconds: 14400,
		DirectoryTTLSeconds:     86400,
	},
	Sync: SyncConfig{
		Enabled:         false,
		WindowStart:     "02:00",
		WindowEnd:       "05:00",
		MaxCacheAge:     "7d",
		MaxCacheEntries: 500,
	},
	ServeToPeers: false,
	TagResponses: true,
}

// ─── Derived paths ────────────────────────────────────────────────────────────
//
// All runtime state hangs off the knowledge folder's parent so a node's whole
// footprint is one directory tree.

// BaseDir is the parent directory of the knowledge folder.
func (c *Config) BaseDir() string { return filepath.Dir(c.KnowledgeFolder) }

// VectorstoreDir holds the embedded vector index.
func (c *Config) VectorstoreDir() string { return filepath.Join(c.BaseDir(), "vectorstore") }

// CacheDir holds facts, board, memory, and response-cache state.
func (c *Config) CacheDir() string { return filepath.Join(c.BaseDir(), "cache") }

// GossipDir holds the node directory.
func (c *Config) GossipDir() string { return filepath.Join(c.BaseDir(), "gossip") }

// SeenSendersFile records sender ids that already received the first-contact
// greeting.
func (c *Config) SeenSendersFile() string { return filepath.Join(c.BaseDir(), "seen_senders.txt") }

// GossipEnabled reports whether the gossip subsystem is configured and on.
func (c *Config) GossipEnabled() bool {
	return c.MeshKnowledge != nil && c.MeshKnowledge.Gossip.Enabled
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
