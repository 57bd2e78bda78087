package rag

import "strings"

// Approximate characters per token (conservative for English).
const charsPerToken = 4

// Default chunk sizing for embedding.
const (
	DefaultChunkSize    = 256 * charsPerToken // ~1024 chars
	DefaultChunkOverlap = 32 * charsPerToken  // ~128 chars
)

// ChunkDocument splits document text into embedding-sized chunks using the
// default sizing.
func ChunkDocument(text string) []string {
	return chunkText(text, DefaultChunkSize, DefaultChunkOverlap)
}

// chunkText splits text for embedding. Strategies are attempted in order and
// the first to produce more than one chunk wins:
//
//  1. Split on "### " sub-headings, prepending the governing "## " parent
//     heading to each sub-section.
//  2. Split on "## " headings.
//  3. Paragraph split on blank lines.
//  4. Character window with overlap.
//
// For strategies 1–3 the document preamble (everything before the first
// heading) is prepended to every chunk so the document title stays visible in
// all embeddings.
func chunkText(text string, chunkSize, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if preamble, sections := splitSections(text, true); len(sections) > 1 {
		if chunks := assembleChunks(preamble, sections, chunkSize, overlap); len(chunks) > 1 {
			return chunks
		}
	}
	if preamble, sections := splitSections(text, false); len(sections) > 1 {
		if chunks := assembleChunks(preamble, sections, chunkSize, overlap); len(chunks) > 1 {
			return chunks
		}
	}
	if blocks := splitParagraphs(text); len(blocks) > 1 {
		if chunks := assembleChunks("", blocks, chunkSize, overlap); len(chunks) > 1 {
			return chunks
		}
	}
	return chunkByChars(text, chunkSize, overlap)
}

// splitSections splits markdown into heading-delimited sections.
//
// With subheadings true the split points are "### " lines; a "## " line both
// starts its own section and becomes the parent prepended to every following
// "### " section until the next "## ". With subheadings false only "## "
// lines split. The returned preamble is everything before the first heading.
func splitSections(text string, subheadings bool) (preamble string, sections []string) {
	lines := strings.Split(text, "\n")

	var (
		preambleLines []string
		current       []string
		parent        string
		currentIsSub  bool
		inBody        bool
	)

	flush := func() {
		if len(current) == 0 {
			return
		}
		section := strings.TrimSpace(strings.Join(current, "\n"))
		current = nil
		if section == "" {
			return
		}
		if currentIsSub && parent != "" {
			section = parent + "\n\n" + section
		}
		sections = append(sections, section)
	}

	for _, line := range lines {
		isH2 := strings.HasPrefix(line, "## ")
		isH3 := strings.HasPrefix(line, "### ")

		switch {
		case subheadings && isH3:
			flush()
			inBody = true
			currentIsSub = true
			current = append(current, line)
		case isH2 && !isH3:
			flush()
			inBody = true
			currentIsSub = false
			if subheadings {
				parent = line
			}
			current = append(current, line)
		case inBody:
			current = append(current, line)
		default:
			preambleLines = append(preambleLines, line)
		}
	}
	flush()

	return strings.TrimSpace(strings.Join(preambleLines, "\n")), sections
}

// splitParagraphs splits on blank lines into blocks of consecutive non-empty
// lines.
func splitParagraphs(text string) []string {
	var blocks []string
	var current []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				blocks = append(blocks, strings.Join(current, "\n"))
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		blocks = append(blocks, strings.Join(current, "\n"))
	}
	return blocks
}

// assembleChunks turns sections into final chunks: prepend the preamble,
// re-split anything oversized by characters, then merge runs of very small
// adjacent chunks.
func assembleChunks(preamble string, sections []string, chunkSize, overlap int) []string {
	var chunks []string
	for _, section := range sections {
		chunk := section
		if preamble != "" {
			chunk = preamble + "\n\n" + section
		}
		if len(chunk) <= chunkSize {
			chunks = append(chunks, chunk)
			continue
		}
		chunks = append(chunks, chunkByChars(chunk, chunkSize, overlap)...)
	}

	// Merge small adjacent chunks while the concatenation still fits.
	small := chunkSize / 5
	var merged []string
	for _, chunk := range chunks {
		if len(merged) > 0 {
			prev := merged[len(merged)-1]
			if (len(prev) < small || len(chunk) < small) && len(prev)+len(chunk)+2 <= chunkSize {
				merged[len(merged)-1] = prev + "\n\n" + chunk
				continue
			}
		}
		merged = append(merged, chunk)
	}
	return merged
}

// chunkByChars is the fallback character window with overlap. Windows are
// rune-aligned so multi-byte text never splits mid-character, and the loop
// always makes forward progress, even on pathological inputs.
func chunkByChars(text string, chunkSize, overlap int) []string {
	step := chunkSize - overlap
	if step <= 0 {
		step = chunkSize
	}
	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
