package rag

import (
	"strings"
	"testing"
)

func TestChunkText_ShortPassthrough(t *testing.T) {
	got := chunkText("just a short note", 1024, 128)
	if len(got) != 1 || got[0] != "just a short note" {
		t.Fatalf("chunkText = %v", got)
	}
	if got := chunkText("   \n  ", 1024, 128); got != nil {
		t.Errorf("blank input = %v, want nil", got)
	}
}

func para(n int) string {
	return strings.Repeat("Sentence about the topic at hand. ", n)
}

func TestChunkText_SubheadingSplit(t *testing.T) {
	doc := "# Well Guide\n\nIntro paragraph.\n\n" +
		"## Maintenance\n\n" +
		"### Spring\n" + para(12) + "\n" +
		"### Winter\n" + para(12) + "\n" +
		"## Repairs\n\n" +
		"### Pump\n" + para(12) + "\n"

	chunks := chunkText(doc, 1024, 128)
	if len(chunks) < 3 {
		t.Fatalf("expected >= 3 chunks, got %d", len(chunks))
	}

	var spring, winter, pump string
	for _, c := range chunks {
		switch {
		case strings.Contains(c, "### Spring"):
			spring = c
		case strings.Contains(c, "### Winter"):
			winter = c
		case strings.Contains(c, "### Pump"):
			pump = c
		}
	}
	if spring == "" || winter == "" || pump == "" {
		t.Fatalf("missing sections in chunks: %q", chunks)
	}

	// Every chunk carries the document preamble so the title stays visible
	// in the embedding.
	for _, c := range []string{spring, winter, pump} {
		if !strings.Contains(c, "# Well Guide") {
			t.Errorf("preamble missing from chunk: %.60q", c)
		}
	}

	// The governing ## parent is prepended to its ### sections — and a new
	// parent replaces the old one.
	if !strings.Contains(spring, "## Maintenance") || !strings.Contains(winter, "## Maintenance") {
		t.Error("Maintenance parent not prepended to its subsections")
	}
	if !strings.Contains(pump, "## Repairs") {
		t.Error("Repairs parent not prepended to Pump")
	}
	if strings.Contains(pump, "## Maintenance") {
		t.Error("stale parent heading leaked into a later section")
	}
}

func TestChunkText_HeadingSplit(t *testing.T) {
	doc := "# Title\n\n" +
		"## First\n" + para(12) + "\n" +
		"## Second\n" + para(12) + "\n"

	chunks := chunkText(doc, 1024, 128)
	if len(chunks) < 2 {
		t.Fatalf("expected >= 2 chunks, got %d", len(chunks))
	}
	if !strings.Contains(chunks[0], "## First") || !strings.Contains(chunks[1], "## Second") {
		t.Errorf("sections lost their headings: %q", chunks)
	}
	for _, c := range chunks {
		if !strings.Contains(c, "# Title") {
			t.Errorf("preamble missing: %.60q", c)
		}
	}
}

func TestChunkText_ParagraphFallback(t *testing.T) {
	doc := para(12) + "\n\n" + para(12) + "\n\n" + para(12)
	chunks := chunkText(doc, 1024, 128)
	if len(chunks) < 2 {
		t.Fatalf("expected paragraph split, got %d chunks", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > 1024 {
			t.Errorf("chunk too large: %d chars", len(c))
		}
	}
}

func TestChunkText_CharWindowFallback(t *testing.T) {
	// One unbroken blob: no headings, no blank lines.
	doc := strings.Repeat("x", 3000)
	chunks := chunkText(doc, 1024, 128)
	if len(chunks) < 3 {
		t.Fatalf("expected char-window chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > 1024 {
			t.Errorf("chunk too large: %d chars", len(c))
		}
	}
	// Overlap: the second chunk starts before the first ends.
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total <= 3000 {
		t.Errorf("no overlap detected: total %d chars", total)
	}
}

func TestChunkText_OversizeSectionResplit(t *testing.T) {
	doc := "# T\n\n## Big\n" + strings.Repeat("y", 5000) + "\n\n## Small\nshort.\n"
	chunks := chunkText(doc, 1024, 128)
	for _, c := range chunks {
		if len(c) > 1024 {
			t.Errorf("oversize section not re-split: %d chars", len(c))
		}
	}
}

func TestChunkText_MergesTinySections(t *testing.T) {
	doc := "# T\n\n## A\none.\n\n## B\ntwo.\n\n## C\nthree.\n\n" +
		"## D\n" + para(15) + "\n\n## E\n" + para(15)
	chunks := chunkText(doc, 1024, 128)
	if len(chunks) < 2 {
		t.Fatalf("expected >= 2 chunks, got %d", len(chunks))
	}

	// The tiny A/B/C sections merge into a neighbour rather than producing
	// one undersized chunk each.
	for _, c := range chunks {
		if len(c) < 1024/5 {
			t.Errorf("tiny chunk survived merging: %q", c)
		}
	}
	if !strings.Contains(chunks[0], "## A") || !strings.Contains(chunks[0], "## D") {
		t.Errorf("tiny sections not merged forward: %.80q", chunks[0])
	}
}
