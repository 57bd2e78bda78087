package gossip

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestService(t *testing.T, peers ...Peer) *Service {
	t.Helper()
	dir := t.TempDir()
	s := New(Config{
		NodeName:        "DELFI",
		Model:           "llama3.2:3b",
		KnowledgeFolder: filepath.Join(dir, "knowledge"),
		GossipDir:       filepath.Join(dir, "gossip"),
		CacheDir:        dir,
		Peers:           peers,
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParseAnnouncement(t *testing.T) {
	tests := []struct {
		name string
		text string
		want *Entry
	}{
		{
			"full announcement",
			"DEL-FI:1:ANNOUNCE:MARINA:topics=fishing,tides:model=phi3",
			&Entry{Name: "MARINA", Version: 1, Topics: "fishing,tides", Model: "phi3"},
		},
		{
			"name only",
			"DEL-FI:1:ANNOUNCE:RIDGE",
			&Entry{Name: "RIDGE", Version: 1},
		},
		{"wrong prefix", "HELLO:1:ANNOUNCE:X", nil},
		{"too few parts", "DEL-FI:1:ANNOUNCE", nil},
		{"non-numeric version", "DEL-FI:beta:ANNOUNCE:X", nil},
		{"future version", "DEL-FI:2:ANNOUNCE:X", nil},
		{"not an announce", "DEL-FI:1:QUERY:X", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseAnnouncement(tt.text)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("ParseAnnouncement(%q) = %+v, want nil", tt.text, got)
				}
				return
			}
			if got == nil {
				t.Fatalf("ParseAnnouncement(%q) = nil", tt.text)
			}
			if got.Name != tt.want.Name || got.Topics != tt.want.Topics || got.Model != tt.want.Model {
				t.Errorf("ParseAnnouncement(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
			if got.LastSeen == 0 {
				t.Error("LastSeen not set")
			}
		})
	}
}

func TestFormatAnnouncement(t *testing.T) {
	dir := t.TempDir()
	kb := filepath.Join(dir, "knowledge")
	os.MkdirAll(kb, 0o755)
	os.WriteFile(filepath.Join(kb, "water_wells.md"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(kb, "tides.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(kb, ".hidden.md"), []byte("x"), 0o644)

	s := New(Config{
		NodeName:        "DELFI",
		Model:           "llama3.2:3b",
		KnowledgeFolder: kb,
		GossipDir:       filepath.Join(dir, "gossip"),
		CacheDir:        dir,
	})
	defer s.Close()

	got := s.FormatAnnouncement()
	want := "DEL-FI:1:ANNOUNCE:DELFI:topics=tides,water-wells:model=llama3.2:3b"
	if got != want {
		t.Errorf("FormatAnnouncement = %q, want %q", got, want)
	}

	// Round trip through the parser.
	e := ParseAnnouncement(got)
	if e == nil || e.Name != "DELFI" || e.Topics != "tides,water-wells" {
		t.Errorf("round-tripped entry = %+v", e)
	}
}

func TestHandleAnnouncementAndPersistence(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		NodeName:  "DELFI",
		GossipDir: filepath.Join(dir, "gossip"),
		CacheDir:  dir,
	}

	s := New(cfg)
	s.HandleAnnouncement("!aabbccdd", "DEL-FI:1:ANNOUNCE:MARINA:topics=fishing,tides")
	s.HandleAnnouncement("!junk", "not gossip at all") // silently ignored
	s.Close()

	reloaded := New(cfg)
	defer reloaded.Close()
	out := reloaded.FormatPeersResponse()
	if !strings.Contains(out, "MARINA") || !strings.Contains(out, "fishing,tides") {
		t.Errorf("directory did not survive restart: %q", out)
	}
}

func TestFindReferral(t *testing.T) {
	s := newTestService(t)
	s.HandleAnnouncement("!m", "DEL-FI:1:ANNOUNCE:MARINA:topics=fishing,tides")

	got := s.FindReferral("what are the tides today")
	if !strings.Contains(got, "MARINA") || !strings.Contains(got, "fishing,tides") {
		t.Errorf("FindReferral = %q", got)
	}
	if !strings.Contains(got, "Try DMing them directly.") {
		t.Errorf("FindReferral missing hint: %q", got)
	}

	if got := s.FindReferral("how do I fix a carburetor"); got != "" {
		t.Errorf("unrelated query referral = %q, want empty", got)
	}
	if got := s.FindReferral("   "); got != "" {
		t.Errorf("empty query referral = %q, want empty", got)
	}
}

func TestFindReferral_HyphenatedTopics(t *testing.T) {
	s := newTestService(t)
	s.HandleAnnouncement("!r", "DEL-FI:1:ANNOUNCE:RIDGE:topics=water-wells")

	if got := s.FindReferral("where can I find wells nearby"); !strings.Contains(got, "RIDGE") {
		t.Errorf("hyphenated topic did not match: %q", got)
	}
}

func TestPeerCache_TrustBoundary(t *testing.T) {
	s := newTestService(t, Peer{NodeID: "!trusted1", Name: "MARINA"})

	// Untrusted answers are silently dropped.
	s.StorePeerAnswer("!stranger", "EVIL", "what are the tides", "bad data")
	if got := s.CheckPeerCache("what are the tides"); got != nil {
		t.Errorf("untrusted answer was cached: %+v", got)
	}

	s.StorePeerAnswer("!trusted1", "MARINA", "what are the tides", "High tide at 6am.")
	got := s.CheckPeerCache("what are the tides")
	if got == nil {
		t.Fatal("trusted answer not found")
	}
	if got.PeerName != "MARINA" || got.Response != "High tide at 6am." {
		t.Errorf("CheckPeerCache = %+v", got)
	}
}

func TestPeerCache_ScoreThreshold(t *testing.T) {
	s := newTestService(t, Peer{NodeID: "!t", Name: "MARINA"})
	s.StorePeerAnswer("!t", "MARINA", "what are the tides today", "High at 6am.")

	// Exact-ish overlap matches; disjoint query does not.
	if got := s.CheckPeerCache("what are the tides today"); got == nil {
		t.Error("identical query should match")
	}
	if got := s.CheckPeerCache("how do I splint a broken arm"); got != nil {
		t.Errorf("disjoint query matched: %+v", got)
	}
}

func TestPeerCache_EvictsOldest(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{
		NodeName:        "DELFI",
		GossipDir:       filepath.Join(dir, "gossip"),
		CacheDir:        dir,
		Peers:           []Peer{{NodeID: "!t", Name: "M"}},
		MaxCacheEntries: 3,
	})
	defer s.Close()

	for i := range 5 {
		s.StorePeerAnswer("!t", "M", fmt.Sprintf("unique query number %d", i), "answer")
		time.Sleep(2 * time.Millisecond) // distinct timestamps for eviction order
	}

	var count int
	if err := s.cache.db.QueryRow("SELECT COUNT(*) FROM peer_cache").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("cache rows = %d, want 3", count)
	}
	var oldest string
	s.cache.db.QueryRow("SELECT query FROM peer_cache ORDER BY timestamp ASC LIMIT 1").Scan(&oldest)
	if oldest != "unique query number 2" {
		t.Errorf("oldest surviving row = %q", oldest)
	}
}

func TestFormatPeersResponse(t *testing.T) {
	var nilSvc *Service
	if got := nilSvc.FormatPeersResponse(); !strings.Contains(got, "not configured") {
		t.Errorf("nil service = %q", got)
	}

	s := newTestService(t)
	if got := s.FormatPeersResponse(); !strings.Contains(got, "No peers configured") {
		t.Errorf("empty service = %q", got)
	}

	s2 := newTestService(t, Peer{NodeID: "!m", Name: "MARINA"})
	s2.HandleAnnouncement("!m", "DEL-FI:1:ANNOUNCE:MARINA:topics=tides")
	s2.HandleAnnouncement("!r", "DEL-FI:1:ANNOUNCE:RIDGE:topics=wells")

	out := s2.FormatPeersResponse()
	if !strings.Contains(out, "Peered:") || !strings.Contains(out, "MARINA (tides)") {
		t.Errorf("peers section wrong: %q", out)
	}
	if !strings.Contains(out, "Nearby:") || !strings.Contains(out, "RIDGE (wells)") {
		t.Errorf("nearby section wrong: %q", out)
	}
}

func TestNilServiceIsInert(t *testing.T) {
	var s *Service
	s.HandleAnnouncement("!x", "DEL-FI:1:ANNOUNCE:X")
	s.StorePeerAnswer("!x", "X", "q", "r")
	if s.CheckPeerCache("q") != nil {
		t.Error("nil service returned a peer answer")
	}
	if s.FindReferral("q") != "" {
		t.Error("nil service returned a referral")
	}
	if err := s.Close(); err != nil {
		t.Errorf("nil Close = %v", err)
	}
}
