// Package factstore holds structured sensor facts fed by external scripts.
// It answers exact-value queries directly, bypassing the LLM entirely so
// time-sensitive measurements (weather, camera detections, etc.) are never
// hallucinated.
//
// The feed file is a JSON object keyed by fact name:
//
//	{
//	  "temperature_f": {
//	    "value": -4.2,
//	    "unit": "F",
//	    "timestamp": "2026-02-18T07:42:00Z",
//	    "source": "weather-station",
//	    "stale_after_seconds": 3600,
//	    "confidence": 0.94
//	  }
//	}
package factstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Fact is a single sensor reading enriched with freshness metadata on read.
type Fact struct {
	Value             any      `json:"value"`
	Unit              string   `json:"unit,omitempty"`
	Timestamp         string   `json:"timestamp"`
	Source            string   `json:"source"`
	StaleAfterSeconds int      `json:"stale_after_seconds"`
	Confidence        *float64 `json:"confidence,omitempty"`
	IngestedAt        float64  `json:"ingested_at"`
	IsStale           bool     `json:"is_stale"`
	AgeSeconds        float64  `json:"age_seconds"`
}

// rawFact is the on-disk / feed representation, without the derived
// staleness fields.
type rawFact struct {
	Value             any      `json:"value"`
	Unit              string   `json:"unit,omitempty"`
	Timestamp         string   `json:"timestamp"`
	Source            string   `json:"source"`
	StaleAfterSeconds int      `json:"stale_after_seconds"`
	Confidence        *float64 `json:"confidence,omitempty"`
	IngestedAt        float64  `json:"ingested_at"`
}

const defaultStaleAfterSeconds = 3600

// Config configures a Store.
type Config struct {
	// FeedFile overrides the sensor feed path. Empty means
	// filepath.Join(CacheDir, "sensor_feed.json").
	FeedFile string

	// CacheDir is the directory persisted facts and (by default) the feed
	// file live in.
	CacheDir string

	// WatchInterval is how often Watch polls the feed file for changes.
	// Defaults to 30s.
	WatchInterval time.Duration
}

// Store manages structured sensor facts with freshness tracking. All
// methods are safe for concurrent use.
type Store struct {
	cfg Config

	mu    sync.Mutex
	facts map[string]rawFact

	feedFile  string
	storeFile string
	feedMTime time.Time
}

// New creates a Store and loads any previously persisted facts from disk.
func New(cfg Config) *Store {
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 30 * time.Second
	}

	feedFile := cfg.FeedFile
	if feedFile == "" {
		feedFile = filepath.Join(cfg.CacheDir, "sensor_feed.json")
	}

	s := &Store{
		cfg:       cfg,
		facts:     make(map[string]rawFact),
		feedFile:  feedFile,
		storeFile: filepath.Join(cfg.CacheDir, "facts.json"),
	}
	s.loadPersistent()
	return s
}

// Ingest upserts facts from a payload map. It returns the number of facts
// updated and a list of per-key error messages; partial success is
// possible — valid keys are ingested even when others fail validation.
func (s *Store) Ingest(payload map[string]any) (int, []string) {
	var errs []string
	count := 0

	for key, raw := range payload {
		data, ok := raw.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: value must be a JSON object", key))
			continue
		}

		missing := missingFields(data)
		if len(missing) > 0 {
			errs = append(errs, fmt.Sprintf("%s: missing required fields %v", key, missing))
			continue
		}

		fact := rawFact{
			Value:             data["value"],
			Timestamp:         fmt.Sprint(data["timestamp"]),
			Source:            fmt.Sprint(data["source"]),
			StaleAfterSeconds: defaultStaleAfterSeconds,
			IngestedAt:        float64(time.Now().Unix()),
		}
		if u, ok := data["unit"]; ok {
			fact.Unit = fmt.Sprint(u)
		}
		if sa, ok := data["stale_after_seconds"]; ok {
			fact.StaleAfterSeconds = toInt(sa, defaultStaleAfterSeconds)
		}
		if c, ok := data["confidence"]; ok {
			if f, ok := toFloat(c); ok {
				fact.Confidence = &f
			}
		}

		s.mu.Lock()
		s.facts[key] = fact
		s.mu.Unlock()
		count++
	}

	if count > 0 {
		s.savePersistent()
		slog.Info("facts: ingested", "count", count)
	}
	for _, e := range errs {
		slog.Warn("facts: ingest error", "error", e)
	}

	return count, errs
}

func missingFields(data map[string]any) []string {
	required := []string{"value", "timestamp", "source"}
	var missing []string
	for _, f := range required {
		if _, ok := data[f]; !ok {
			missing = append(missing, f)
		}
	}
	slices.Sort(missing)
	return missing
}

// Get returns a single fact enriched with staleness info, or nil if the key
// is unknown.
func (s *Store) Get(key string) *Fact {
	s.mu.Lock()
	raw, ok := s.facts[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return enrich(raw)
}

func enrich(raw rawFact) *Fact {
	age := ageSeconds(raw.Timestamp)
	return &Fact{
		Value:             raw.Value,
		Unit:              raw.Unit,
		Timestamp:         raw.Timestamp,
		Source:            raw.Source,
		StaleAfterSeconds: raw.StaleAfterSeconds,
		Confidence:        raw.Confidence,
		IngestedAt:        raw.IngestedAt,
		IsStale:           age > float64(raw.StaleAfterSeconds),
		AgeSeconds:        age,
	}
}

// GetAll returns all facts enriched with freshness info, a point-in-time
// snapshot copy safe for the caller to retain.
func (s *Store) GetAll() map[string]*Fact {
	s.mu.Lock()
	snapshot := make(map[string]rawFact, len(s.facts))
	for k, v := range s.facts {
		snapshot[k] = v
	}
	s.mu.Unlock()

	result := make(map[string]*Fact, len(snapshot))
	for k, v := range snapshot {
		result[k] = enrich(v)
	}
	return result
}

// HasFacts reports whether the store contains at least one fact.
func (s *Store) HasFacts() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.facts) > 0
}

// FormatValue formats a single fact as a human-readable string suitable for
// radio transmission, e.g.:
//
//	"Temperature F: -4.2 F (weather-station, 3 min ago)"
//	"Temperature F: -4.2 F (weather-station, as of Feb 18 07:42 — 1 day(s) ago — may not be current)"
//
// Returns "" and false if the key is unknown.
func (s *Store) FormatValue(key string) (string, bool) {
	f := s.Get(key)
	if f == nil {
		return "", false
	}

	unit := ""
	if f.Unit != "" {
		unit = " " + f.Unit
	}
	ageStr := formatAge(f.AgeSeconds)

	confStr := ""
	if f.Confidence != nil {
		confStr = fmt.Sprintf(", %d%% conf", int(*f.Confidence*100))
	}

	label := titleCase(strings.ReplaceAll(key, "_", " "))

	if f.IsStale {
		tsHuman := formatTimestamp(f.Timestamp)
		return fmt.Sprintf("%s: %v%s (%s, as of %s — %s ago%s — may not be current)",
			label, f.Value, unit, f.Source, tsHuman, ageStr, confStr), true
	}
	return fmt.Sprintf("%s: %v%s (%s, %s ago%s)", label, f.Value, unit, f.Source, ageStr, confStr), true
}

// FormatSnapshot formats all facts as a compact multi-line summary for the
// !data command. Each line is "key: value unit (age ago)[STALE]".
func (s *Store) FormatSnapshot() string {
	all := s.GetAll()
	if len(all) == 0 {
		return "No sensor data available."
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int { return cmp.Compare(a, b) })

	var lines []string
	for _, key := range keys {
		f := all[key]
		unit := ""
		if f.Unit != "" {
			unit = " " + f.Unit
		}
		staleTag := ""
		if f.IsStale {
			staleTag = " [STALE]"
		}
		lines = append(lines, fmt.Sprintf("%s: %v%s (%s ago)%s", key, f.Value, unit, formatAge(f.AgeSeconds), staleTag))
	}
	return strings.Join(lines, "\n")
}

// Watch polls the feed file for modifications every WatchInterval and
// ingests it on change. It runs until ctx is done.
func (s *Store) Watch(ctx context.Context) {
	slog.Info("facts: watching feed", "file", s.feedFile, "interval", s.cfg.WatchInterval)
	ticker := time.NewTicker(s.cfg.WatchInterval)
	defer ticker.Stop()

	s.pollFeed()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollFeed()
		}
	}
}

func (s *Store) pollFeed() {
	info, err := os.Stat(s.feedFile)
	if err != nil {
		return
	}
	if !info.ModTime().After(s.feedMTime) {
		return
	}
	s.feedMTime = info.ModTime()

	data, err := os.ReadFile(s.feedFile)
	if err != nil {
		slog.Warn("facts: feed poll error", "error", err)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Warn("facts: invalid JSON in feed file", "error", err)
		return
	}

	count, _ := s.Ingest(payload)
	if count > 0 {
		slog.Info("facts: feed updated", "count", count)
	}
}

func (s *Store) loadPersistent() {
	data, err := os.ReadFile(s.storeFile)
	if err != nil {
		return
	}
	var facts map[string]rawFact
	if err := json.Unmarshal(data, &facts); err != nil {
		slog.Warn("facts: could not load persisted facts", "error", err)
		return
	}
	s.mu.Lock()
	s.facts = facts
	s.mu.Unlock()
	slog.Info("facts: loaded persisted facts", "count", len(facts))
}

// savePersistent writes the current facts to disk. Best effort: errors are
// logged and swallowed, never propagated.
func (s *Store) savePersistent() {
	if err := os.MkdirAll(filepath.Dir(s.storeFile), 0o755); err != nil {
		slog.Warn("facts: could not persist facts", "error", err)
		return
	}

	s.mu.Lock()
	snapshot := make(map[string]rawFact, len(s.facts))
	for k, v := range s.facts {
		snapshot[k] = v
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		slog.Warn("facts: could not persist facts", "error", err)
		return
	}
	if err := os.WriteFile(s.storeFile, data, 0o644); err != nil {
		slog.Warn("facts: could not persist facts", "error", err)
	}
}

// --- helpers ---

func ageSeconds(timestamp string) float64 {
	t, err := parseTimestamp(timestamp)
	if err != nil {
		return 0
	}
	return time.Since(t).Seconds()
}

func parseTimestamp(timestamp string) (time.Time, error) {
	ts := timestamp
	if strings.HasSuffix(ts, "Z") {
		ts = strings.TrimSuffix(ts, "Z") + "+00:00"
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999-07:00", "2006-01-02T15:04:05-07:00", time.RFC3339} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", timestamp)
}

func formatAge(ageSeconds float64) string {
	s := int(ageSeconds)
	if s < 0 {
		s = 0
	}
	switch {
	case s < 60:
		return fmt.Sprintf("%d sec", s)
	case s < 3600:
		return fmt.Sprintf("%d min", s/60)
	case s < 86400:
		return fmt.Sprintf("%d hr", s/3600)
	default:
		return fmt.Sprintf("%d day(s)", s/86400)
	}
}

func formatTimestamp(timestamp string) string {
	t, err := parseTimestamp(timestamp)
	if err != nil {
		return timestamp
	}
	return t.Format("Jan 02 15:04")
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func toInt(v any, fallback int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return fallback
		}
		return int(i)
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return fallback
		}
		return i
	default:
		return fallback
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
