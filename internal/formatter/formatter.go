// Package formatter prepares raw LLM output for transmission over a
// bandwidth-constrained mesh link. It strips markdown, collapses whitespace,
// and splits long answers into byte-bounded chunks that break on sentence or
// clause boundaries rather than mid-word.
package formatter

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	reBold           = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reItalic         = regexp.MustCompile(`\*([^*]+)\*`) // bold is stripped first, so a bare "*" pair is unambiguous
	reInlineCode     = regexp.MustCompile("`([^`]+)`")
	reHeaders        = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reLinks          = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reUnorderedList  = regexp.MustCompile(`(?m)^[ \t]*[-*+]\s+`)
	reOrderedList    = regexp.MustCompile(`(?m)^[ \t]*\d+\.\s+`)
	reBlockquote     = regexp.MustCompile(`(?m)^>\s?`)
	reHorizontalRule = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
	reCodeBlock      = regexp.MustCompile("(?s)```.*?```")
	reMultiSpace     = regexp.MustCompile(`[ \t]+`)
	reMultiNewline   = regexp.MustCompile(`\n{2,}`)
	reSentenceEnd    = regexp.MustCompile(`[.!?](?:\s|$)`)
	reClauseEnd      = regexp.MustCompile(`[.!?;:\x{2014}\x{2026}](?:\s|$)|\.\.\. `)
)

// MoreTag is appended to a chunk's text when more content follows.
const MoreTag = " [!more]"

// MoreTagBytes is the UTF-8 byte length of MoreTag.
var MoreTagBytes = len([]byte(MoreTag))

// ByteLen returns the UTF-8 byte length of s.
func ByteLen(s string) int {
	return len([]byte(s))
}

// StripMarkdown removes markdown formatting while preserving the underlying
// plain text content.
func StripMarkdown(text string) string {
	text = reCodeBlock.ReplaceAllString(text, "")
	text = reBold.ReplaceAllString(text, "$1")
	text = reItalic.ReplaceAllString(text, "$1")
	text = reInlineCode.ReplaceAllString(text, "$1")
	text = reHeaders.ReplaceAllString(text, "")
	text = reLinks.ReplaceAllString(text, "$1")
	text = reBlockquote.ReplaceAllString(text, "")
	text = reHorizontalRule.ReplaceAllString(text, "")
	text = reUnorderedList.ReplaceAllString(text, "")
	text = reOrderedList.ReplaceAllString(text, "")
	return text
}

// CollapseWhitespace normalizes runs of whitespace to single spaces and trims
// the result.
func CollapseWhitespace(text string) string {
	text = reMultiNewline.ReplaceAllString(text, " ")
	text = reMultiSpace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// CleanText runs the full cleaning pipeline: markdown stripping followed by
// whitespace collapsing.
func CleanText(text string) string {
	return CollapseWhitespace(StripMarkdown(text))
}

// TruncateAtSentence truncates text at the last sentence boundary that fits
// within maxBytes, falling back to a clause boundary, then a word boundary,
// then a hard byte cut.
func TruncateAtSentence(text string, maxBytes int) string {
	if ByteLen(text) <= maxBytes {
		return text
	}

	truncated := safeTruncateUTF8(text, maxBytes)

	best := -1
	for _, m := range reSentenceEnd.FindAllStringIndex(truncated, -1) {
		best = m[0] + 1
	}
	if best > 0 {
		return strings.TrimSpace(truncated[:best])
	}

	bestClause := -1
	for _, m := range reClauseEnd.FindAllStringIndex(truncated, -1) {
		_, size := utf8.DecodeRuneInString(truncated[m[0]:])
		bestClause = m[0] + size
	}
	if bestClause > 0 {
		return strings.TrimSpace(truncated[:bestClause])
	}

	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > 0 {
		return strings.TrimSpace(truncated[:lastSpace])
	}

	return strings.TrimSpace(truncated)
}

// safeTruncateUTF8 truncates the UTF-8 encoding of text to at most maxBytes
// bytes without splitting a multi-byte rune.
func safeTruncateUTF8(text string, maxBytes int) string {
	b := []byte(text)
	if len(b) <= maxBytes {
		return text
	}
	b = b[:maxBytes]
	for len(b) > 0 && !utf8.Valid(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}

// ChunkText splits text into chunks that each fit within maxBytes, preferring
// to break on sentence boundaries.
func ChunkText(text string, maxBytes int) []string {
	if ByteLen(text) <= maxBytes {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for remaining != "" {
		if ByteLen(remaining) <= maxBytes {
			chunks = append(chunks, remaining)
			break
		}

		chunk := TruncateAtSentence(remaining, maxBytes)
		if chunk == "" {
			forced := strings.TrimSpace(safeTruncateUTF8(remaining, maxBytes))
			chunks = append(chunks, forced)
			remaining = strings.TrimSpace(strings.TrimPrefix(remaining, forced))
			continue
		}

		chunks = append(chunks, chunk)
		remaining = strings.TrimSpace(strings.TrimPrefix(remaining, chunk))
	}

	return chunks
}

// FormatResponse formats raw LLM output for mesh transmission. It returns the
// first message ready to send (including the [!more] tag when the answer
// spans multiple chunks), the full list of chunks for continuation buffering,
// and whether the response was truncated across multiple messages.
func FormatResponse(text string, maxBytes int, provenance string) (firstMessage string, chunks []string, truncated bool) {
	text = CleanText(text)

	if text == "" {
		text = "I couldn't generate a response. Try again."
	}

	if provenance != "" {
		text = "[via " + provenance + "] " + text
	}

	if ByteLen(text) <= maxBytes {
		return text, []string{text}, false
	}

	budget := maxBytes - MoreTagBytes

	chunks = ChunkText(text, maxBytes)

	first := chunks[0]
	if ByteLen(first) > budget {
		first = TruncateAtSentence(first, budget)
		leftover := strings.TrimSpace(strings.TrimPrefix(text, first))
		chunks = append([]string{first}, ChunkText(leftover, maxBytes)...)
	}

	firstMessage = chunks[0] + MoreTag
	return firstMessage, chunks, true
}
