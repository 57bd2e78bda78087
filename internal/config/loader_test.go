package config

import (
	"strings"
	"testing"
)

const minimalYAML = `
node_name: TEST-NODE
model: llama3.2:3b
`

func TestLoadFromReader_Minimal(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.NodeName != "TEST-NODE" {
		t.Errorf("NodeName = %q, want TEST-NODE", cfg.NodeName)
	}
	if cfg.MaxResponseBytes != 230 {
		t.Errorf("MaxResponseBytes default = %d, want 230", cfg.MaxResponseBytes)
	}
	if cfg.EmbeddingModel != "nomic-embed-text" {
		t.Errorf("EmbeddingModel default = %q, want nomic-embed-text", cfg.EmbeddingModel)
	}
	if !cfg.BusyNotice {
		t.Error("BusyNotice should default to true")
	}
	if cfg.MeshKnowledge != nil {
		t.Error("MeshKnowledge should be nil when absent")
	}
}

func TestLoadFromReader_MissingRequired(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing node_name", "model: llama3.2:3b\n", "node_name is required"},
		{"missing model", "node_name: X\n", "model is required"},
		{"blank node_name", "node_name: \"  \"\nmodel: m\n", "node_name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadFromReader_RangeValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"small byte budget", minimalYAML + "max_response_bytes: 10\n", "max_response_bytes"},
		{"negative rate limit", minimalYAML + "rate_limit_seconds: -1\n", "rate_limit_seconds"},
		{"bad radio connection", minimalYAML + "radio_connection: carrier-pigeon\n", "radio_connection"},
		{"bad log level", minimalYAML + "log_level: loud\n", "log_level"},
		{"zero ollama timeout", minimalYAML + "ollama_timeout: 0\n", "ollama_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(minimalYAML + "no_such_key: 1\n"))
	if err == nil {
		t.Fatal("expected unknown-field error, got nil")
	}
}

func TestLoadFromReader_MeshKnowledgeDefaults(t *testing.T) {
	yaml := minimalYAML + `
mesh_knowledge:
  gossip:
    enabled: true
  peers:
    - node_id: "!aabbccdd"
      name: MARINA
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	mk := cfg.MeshKnowledge
	if mk == nil {
		t.Fatal("MeshKnowledge is nil")
	}
	if !mk.Gossip.Enabled {
		t.Error("gossip.enabled not carried through")
	}
	if mk.Gossip.DirectoryTTLSeconds != 86400 {
		t.Errorf("directory_ttl default = %d, want 86400", mk.Gossip.DirectoryTTLSeconds)
	}
	if mk.Sync.MaxCacheEntries != 500 {
		t.Errorf("sync.max_cache_entries default = %d, want 500", mk.Sync.MaxCacheEntries)
	}
	if !mk.TagResponses {
		t.Error("tag_responses should default to true")
	}
	if len(mk.Peers) != 1 || mk.Peers[0].Name != "MARINA" {
		t.Errorf("peers = %+v", mk.Peers)
	}
}

func TestLoadFromReader_PeerMissingNodeID(t *testing.T) {
	yaml := minimalYAML + `
mesh_knowledge:
  peers:
    - name: NAMELESS
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "node_id") {
		t.Fatalf("expected node_id error, got %v", err)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := defaults
	cfg.KnowledgeFolder = "/srv/del-fi/knowledge"
	if got := cfg.BaseDir(); got != "/srv/del-fi" {
		t.Errorf("BaseDir = %q", got)
	}
	if got := cfg.CacheDir(); got != "/srv/del-fi/cache" {
		t.Errorf("CacheDir = %q", got)
	}
	if got := cfg.VectorstoreDir(); got != "/srv/del-fi/vectorstore" {
		t.Errorf("VectorstoreDir = %q", got)
	}
	if got := cfg.SeenSendersFile(); got != "/srv/del-fi/seen_senders.txt" {
		t.Errorf("SeenSendersFile = %q", got)
	}
}
