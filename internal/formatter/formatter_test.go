package formatter

import (
	"strings"
	"testing"
)

func TestStripMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "this is **important** text", "this is important text"},
		{"italic", "this is *emphasized* text", "this is emphasized text"},
		{"inline code", "run `go build` now", "run go build now"},
		{"header", "# Title\nbody", "Title\nbody"},
		{"link", "see [the docs](https://example.com)", "see the docs"},
		{"unordered list", "- one\n- two", "one\ntwo"},
		{"ordered list", "1. one\n2. two", "one\ntwo"},
		{"blockquote", "> quoted line", "quoted line"},
		{"code block", "before\n```\ncode here\n```\nafter", "before\n\nafter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripMarkdown(tt.in); got != tt.want {
				t.Errorf("StripMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCollapseWhitespace(t *testing.T) {
	in := "line one\n\n\nline two   with   spaces  "
	want := "line one line two with spaces"
	if got := CollapseWhitespace(in); got != want {
		t.Errorf("CollapseWhitespace() = %q, want %q", got, want)
	}
}

func TestTruncateAtSentence(t *testing.T) {
	text := "The water is safe to drink. Boil it first if unsure. Contact the clinic for more."
	got := TruncateAtSentence(text, 40)
	if ByteLen(got) > 40 {
		t.Fatalf("TruncateAtSentence exceeded byte budget: %d > 40", ByteLen(got))
	}
	if !strings.HasSuffix(got, ".") {
		t.Errorf("expected sentence-boundary cut, got %q", got)
	}
}

func TestTruncateAtSentence_ClauseFallback(t *testing.T) {
	text := "one; two; three; four; five; six; seven; eight; nine; ten"
	got := TruncateAtSentence(text, 20)
	if ByteLen(got) > 20 {
		t.Fatalf("exceeded byte budget: %d > 20", ByteLen(got))
	}
}

func TestTruncateAtSentence_WordFallback(t *testing.T) {
	text := "supercalifragilisticexpialidocious word another"
	got := TruncateAtSentence(text, 20)
	if ByteLen(got) > 20 {
		t.Fatalf("exceeded byte budget: %d > 20", ByteLen(got))
	}
}

func TestChunkText_FitsSingle(t *testing.T) {
	text := "short answer"
	chunks := ChunkText(text, 230)
	if len(chunks) != 1 || chunks[0] != text {
		t.Fatalf("ChunkText() = %v, want single chunk %q", chunks, text)
	}
}

func TestChunkText_SplitsLongText(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 20; i++ {
		sb.WriteString("This is a sentence about well water safety and boiling times. ")
	}
	chunks := ChunkText(sb.String(), 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if ByteLen(c) > 100 {
			t.Errorf("chunk exceeds byte budget: %q (%d bytes)", c, ByteLen(c))
		}
	}
}

func TestFormatResponse_ShortFitsOneMessage(t *testing.T) {
	first, chunks, truncated := FormatResponse("Boil water for one minute.", 230, "")
	if truncated {
		t.Errorf("expected not truncated")
	}
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}
	if first != chunks[0] {
		t.Errorf("first message should equal the only chunk")
	}
}

func TestFormatResponse_EmptyFallback(t *testing.T) {
	first, _, _ := FormatResponse("", 230, "")
	if first != "I couldn't generate a response. Try again." {
		t.Errorf("unexpected fallback text: %q", first)
	}
}

func TestFormatResponse_Provenance(t *testing.T) {
	first, _, _ := FormatResponse("boil water first", 230, "MARINA-ORACLE")
	if !strings.HasPrefix(first, "[via MARINA-ORACLE] ") {
		t.Errorf("expected provenance prefix, got %q", first)
	}
}

func TestFormatResponse_LongTruncatesWithMoreTag(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 30; i++ {
		sb.WriteString("Remember to always boil your drinking water for at least one full minute. ")
	}
	first, chunks, truncated := FormatResponse(sb.String(), 150, "")
	if !truncated {
		t.Fatalf("expected truncation for long text")
	}
	if !strings.HasSuffix(first, MoreTag) {
		t.Errorf("expected first message to end with %q, got %q", MoreTag, first)
	}
	if len(chunks) < 2 {
		t.Errorf("expected multiple buffered chunks, got %d", len(chunks))
	}
	if ByteLen(first) > 150 {
		t.Errorf("first message exceeds byte budget: %d", ByteLen(first))
	}
}

func TestChunkText_SentenceBoundaries(t *testing.T) {
	text := "First sentence. Second sentence. Third sentence. Fourth sentence."
	chunks := ChunkText(text, 40)
	if len(chunks) < 2 {
		t.Fatalf("expected >= 2 chunks, got %d: %v", len(chunks), chunks)
	}
	for _, c := range chunks {
		if ByteLen(c) > 40 {
			t.Errorf("chunk exceeds budget: %q", c)
		}
		if !strings.HasSuffix(c, ".") && !strings.HasSuffix(c, "!") && !strings.HasSuffix(c, "?") {
			t.Errorf("chunk does not end on a sentence boundary: %q", c)
		}
	}
}

func TestChunkText_Reconstruction(t *testing.T) {
	inputs := []string{
		"First sentence. Second sentence. Third sentence. Fourth sentence.",
		strings.Repeat("word ", 200),
		"no-spaces-" + strings.Repeat("x", 300),
	}
	for _, text := range inputs {
		joined := strings.Join(ChunkText(text, 40), " ")
		want := strings.Fields(text)
		got := strings.Fields(joined)
		if len(got) != len(want) {
			// Pathological inputs may hard-cut inside a token, but every
			// non-whitespace byte must survive somewhere in order.
			if strings.ReplaceAll(joined, " ", "") != strings.ReplaceAll(text, " ", "") {
				t.Errorf("chunking lost content for %.40q", text)
			}
			continue
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("token %d = %q, want %q", i, got[i], want[i])
				break
			}
		}
	}
}
