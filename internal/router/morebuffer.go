package router

import (
	"time"

	"github.com/MrWong99/delfi/internal/formatter"
)

// moreBufferTTL is how long a chunked response stays retrievable via !more.
const moreBufferTTL = 10 * time.Minute

// MoreBuffer holds a chunked response for one sender, with a cursor pointing
// at the last chunk sent. Supports !more (next) and !more N (1-indexed jump).
type MoreBuffer struct {
	chunks    []string
	cursor    int
	timestamp time.Time
}

// NewMoreBuffer creates a buffer with the cursor on the chunk that was just
// sent (index 0 for a fresh response, higher after auto-send).
func NewMoreBuffer(chunks []string, cursor int) *MoreBuffer {
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(chunks) {
		cursor = len(chunks) - 1
	}
	return &MoreBuffer{chunks: chunks, cursor: cursor, timestamp: time.Now()}
}

// NextChunk advances the cursor and returns the next unsent chunk with a
// trailing continuation tag while more remain, or "" when exhausted.
func (b *MoreBuffer) NextChunk() string {
	b.cursor++
	if b.cursor >= len(b.chunks) {
		return ""
	}
	chunk := b.chunks[b.cursor]
	if b.cursor < len(b.chunks)-1 {
		chunk += formatter.MoreTag
	}
	return chunk
}

// GetChunk returns a specific chunk by 1-indexed user-facing number, moving
// the cursor there. Out-of-range numbers return "" and leave the cursor
// untouched.
func (b *MoreBuffer) GetChunk(n int) string {
	idx := n - 1
	if idx < 0 || idx >= len(b.chunks) {
		return ""
	}
	b.cursor = idx
	chunk := b.chunks[idx]
	if idx < len(b.chunks)-1 {
		chunk += formatter.MoreTag
	}
	return chunk
}

// TotalChunks returns the chunk count.
func (b *MoreBuffer) TotalChunks() int {
	return len(b.chunks)
}

// Expired reports whether the buffer has outlived its TTL.
func (b *MoreBuffer) Expired() bool {
	return time.Since(b.timestamp) > moreBufferTTL
}
