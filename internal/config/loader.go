package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// validProviderNames lists the hosted backend names the llm_provider and
// embeddings_provider blocks understand. Used by [Validate] to warn about
// likely typos.
var validProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// validRadioConnections are the transport modes a LoRa radio can be reached over.
var validRadioConnections = []string{"serial", "tcp", "ble"}

// validLogLevels accepted by the log_level field.
var validLogLevels = []string{"debug", "info", "warning", "error"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
//
// Decoding overlays the document onto the package defaults, so absent keys
// keep their documented default values.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := defaults
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.KnowledgeFolder = expandHome(cfg.KnowledgeFolder)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UnmarshalYAML overlays a mesh_knowledge block onto its defaults so that
// partial blocks keep documented default values for absent keys.
func (m *MeshKnowledgeConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain MeshKnowledgeConfig
	tmp := plain(meshKnowledgeDefaults)
	if err := value.Decode(&tmp); err != nil {
		return err
	}
	*m = MeshKnowledgeConfig(tmp)
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// A non-nil result is the one place Del-Fi intentionally refuses to start.
func Validate(cfg *Config) error {
	var errs []error

	// Required fields.
	if strings.TrimSpace(cfg.NodeName) == "" {
		errs = append(errs, errors.New("node_name is required"))
	}
	if strings.TrimSpace(cfg.Model) == "" {
		errs = append(errs, errors.New("model is required"))
	}

	// Range checks.
	if cfg.MaxResponseBytes < 50 {
		errs = append(errs, fmt.Errorf("max_response_bytes must be >= 50 (got %d)", cfg.MaxResponseBytes))
	}
	if cfg.RateLimitSeconds < 0 {
		errs = append(errs, fmt.Errorf("rate_limit_seconds must be non-negative (got %g)", cfg.RateLimitSeconds))
	}
	if cfg.OllamaTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("ollama_timeout must be >= 1 (got %g)", cfg.OllamaTimeoutSeconds))
	}
	if !slices.Contains(validRadioConnections, cfg.RadioConnection) {
		errs = append(errs, fmt.Errorf("radio_connection must be one of %s (got %q)",
			strings.Join(validRadioConnections, ", "), cfg.RadioConnection))
	}
	if !slices.Contains(validLogLevels, strings.ToLower(cfg.LogLevel)) {
		errs = append(errs, fmt.Errorf("log_level must be one of %s (got %q)",
			strings.Join(validLogLevels, ", "), cfg.LogLevel))
	}
	if cfg.AutoSendChunks < 0 {
		errs = append(errs, fmt.Errorf("auto_send_chunks must be non-negative (got %d)", cfg.AutoSendChunks))
	}
	if cfg.MeshProtocol == "discord" && cfg.DiscordToken == "" {
		errs = append(errs, errors.New("discord_token is required when mesh_protocol is \"discord\""))
	}

	// Soft warnings — unusual but workable configurations.
	if cfg.MemoryMaxTurns > 50 {
		slog.Warn("memory_max_turns exceeds the hard cap and will be clamped",
			"configured", cfg.MemoryMaxTurns, "cap", 50)
	}
	if cfg.BoardMaxPosts > 500 {
		slog.Warn("board_max_posts exceeds the hard cap and will be clamped",
			"configured", cfg.BoardMaxPosts, "cap", 500)
	}
	validateProviderName("llm", cfg.LLMProvider.Name)
	validateProviderName("embeddings", cfg.EmbeddingsProvider.Name)

	if cfg.MeshKnowledge != nil {
		for i, p := range cfg.MeshKnowledge.Peers {
			if p.NodeID == "" {
				errs = append(errs, fmt.Errorf("mesh_knowledge.peers[%d].node_id is required", i))
			}
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [validProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := validProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
