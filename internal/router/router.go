// Package router is the heart of the oracle: it classifies inbound mesh
// messages, dispatches commands on the fast path, runs freeform queries
// through the tiered answer pipeline (facts → cache → local RAG → peer
// cache → referral → refusal), and manages response chunking with !more
// continuation.
//
// The Router never falls through to ungrounded generation. A query that
// matches no fact, no indexed document, no peer answer, and no gossip
// referral gets a fixed refusal — an oracle on a disaster-response mesh
// must not hallucinate.
package router

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/delfi/internal/board"
	"github.com/MrWong99/delfi/internal/convmemory"
	"github.com/MrWong99/delfi/internal/factstore"
	"github.com/MrWong99/delfi/internal/formatter"
	"github.com/MrWong99/delfi/internal/gossip"
	"github.com/MrWong99/delfi/internal/observe"
	"github.com/MrWong99/delfi/internal/rag"
)

// greetings are short messages treated as hellos, not questions.
var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "yo": {}, "sup": {},
	"howdy": {}, "hola": {}, "greetings": {},
}

// Fixed user-visible replies. Short, declarative, no internals.
const (
	msgWarmingUp = "I'm still warming up, try again in a minute."
	msgThinking  = "I'm having trouble thinking right now. Try again in a minute."
	msgRefusal   = "I don't have anything in my knowledge base about that. Try !topics to see what I know."
	msgNoMore    = "End of response. No more chunks."
	msgNoPending = "No pending response. Send a question first."
	msgNoRetry   = "Nothing to retry. Send a question first."
)

// Oracle is the knowledge contract the router answers from. *rag.Engine is
// the production implementation; tests substitute a scripted fake.
type Oracle interface {
	Available() bool
	RAGAvailable() bool
	DocCount() int
	ModelID() string
	Topics() []string
	Retrieve(ctx context.Context, query string) []rag.Chunk
	Generate(ctx context.Context, in rag.GenerateInput) (string, error)
}

// Config configures a Router.
type Config struct {
	NodeName         string
	MaxResponseBytes int

	// ResponseCacheTTL is how long an answered query is served from cache.
	ResponseCacheTTL time.Duration

	// AutoSendChunks is how many chunks of a long answer are pushed without
	// waiting for !more. Values <= 1 disable auto-send.
	AutoSendChunks int

	// FactKeywords gates the fact tier: a query must contain one of these
	// before fact keys are matched at all.
	FactKeywords []string

	// BoardEnabled exposes the board commands and board prompt context.
	BoardEnabled bool

	// SeenSendersFile persists first-contact state across restarts.
	SeenSendersFile string

	// PersistentCache persists the response cache under CacheDir.
	PersistentCache bool
	CacheDir        string
}

// cacheEntry is one response cache record.
type cacheEntry struct {
	Response string  `json:"response"`
	TS       float64 `json:"ts"`
}

// Router routes messages to handlers and owns all per-sender answer state.
// Each mutable collection has its own mutex; none is held across a blocking
// call.
type Router struct {
	cfg Config

	oracle Oracle
	peers  *gossip.Service    // nil: standalone node
	facts  *factstore.Store   // nil: no fact tier
	memory *convmemory.Store  // nil: memory disabled
	board  *board.Board       // nil: board disabled

	startTime time.Time

	buffersMu   sync.Mutex
	moreBuffers map[string]*MoreBuffer

	cacheMu       sync.Mutex
	responseCache map[string]cacheEntry

	seenMu      sync.Mutex
	seenSenders map[string]struct{}

	lastMu    sync.Mutex
	lastQuery map[string]string

	statsMu    sync.Mutex
	queryCount int

	metrics *observe.Metrics // optional
}

// New creates a Router. The oracle is required; every other collaborator is
// an optional capability passed as a nil-able handle.
func New(cfg Config, oracle Oracle, peers *gossip.Service, facts *factstore.Store, memory *convmemory.Store, brd *board.Board) *Router {
	if cfg.AutoSendChunks == 0 {
		cfg.AutoSendChunks = 1
	}
	r := &Router{
		cfg:           cfg,
		oracle:        oracle,
		peers:         peers,
		facts:         facts,
		memory:        memory,
		board:         brd,
		startTime:     time.Now(),
		moreBuffers:   map[string]*MoreBuffer{},
		responseCache: map[string]cacheEntry{},
		seenSenders:   map[string]struct{}{},
		lastQuery:     map[string]string{},
	}
	r.loadSeenSenders()
	if cfg.PersistentCache {
		r.loadResponseCache()
	}
	return r
}

// SetMetrics attaches optional observability instruments.
func (r *Router) SetMetrics(m *observe.Metrics) { r.metrics = m }

// countTier records which answering tier served a query.
func (r *Router) countTier(ctx context.Context, tier string) {
	if r.metrics == nil || r.metrics.Queries == nil {
		return
	}
	r.metrics.Queries.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// ─── Query pipeline (slow path) ──────────────────────────────────────────────

// RouteQuery runs a freeform query through the tiered pipeline and returns
// the ordered messages to transmit. Every returned message fits the byte
// budget.
func (r *Router) RouteQuery(ctx context.Context, senderID, text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	r.cleanExpiredBuffers()
	if r.memory != nil {
		r.memory.Cleanup()
	}

	r.lastMu.Lock()
	r.lastQuery[senderID] = text
	r.lastMu.Unlock()

	r.statsMu.Lock()
	r.queryCount++
	r.statsMu.Unlock()

	// Greetings from new faces get the welcome, not a retrieval pass.
	if r.isGreeting(text) && !r.isSeen(senderID) {
		r.markSeen(senderID)
		welcome := fmt.Sprintf(
			"Hi from %s. I answer questions using local docs.\nTry asking something, or send !help · !topics",
			r.cfg.NodeName)
		return []string{r.enforceLimit(welcome)}
	}

	// Tier 0 — structured sensor facts. Never cached, never hallucinated.
	if reply := r.factAnswer(text); reply != "" {
		r.countTier(ctx, "facts")
		return r.deliver(senderID, reply, "")
	}

	// Exact-match response cache.
	if cached, ok := r.checkCache(text); ok {
		slog.Info("router: cache hit", "sender", senderID)
		r.countTier(ctx, "cache")
		if r.metrics != nil && r.metrics.CacheHits != nil {
			r.metrics.CacheHits.Add(ctx, 1)
		}
		return r.deliver(senderID, cached, "")
	}

	if !r.oracle.Available() {
		return []string{r.enforceLimit(msgWarmingUp)}
	}

	history := ""
	if r.memory != nil {
		history = r.memory.FormatForPrompt(senderID)
	}
	boardCtx := ""
	if r.cfg.BoardEnabled && r.board != nil {
		boardCtx = r.board.FormatForContext(text, 5)
	}

	// Tier 1 — local RAG.
	var (
		response   string
		genErr     error
		provenance string
		hadContext bool
	)
	if chunks := r.oracle.Retrieve(ctx, text); len(chunks) > 0 {
		hadContext = true
		r.countTier(ctx, "rag")
		response, genErr = r.oracle.Generate(ctx, rag.GenerateInput{
			Query:        text,
			Chunks:       chunks,
			History:      history,
			BoardContext: boardCtx,
		})
	} else if peer := r.peers.CheckPeerCache(text); peer != nil {
		// Tier 2 — peer-cached answer, summarized with provenance.
		slog.Info("router: peer cache match", "peer", peer.PeerName)
		hadContext = true
		provenance = peer.PeerName
		r.countTier(ctx, "peer")
		response, genErr = r.oracle.Generate(ctx, rag.GenerateInput{
			Query:        text,
			PeerContext:  fmt.Sprintf("[%s]: %s", peer.PeerName, peer.Response),
			History:      history,
			BoardContext: boardCtx,
		})
	} else if referral := r.peers.FindReferral(text); referral != "" {
		// Tier 3 — gossip referral. Not cached.
		r.countTier(ctx, "referral")
		return r.deliver(senderID, referral, "")
	} else {
		// No grounding anywhere. Refuse rather than guess; never cached.
		r.countTier(ctx, "refusal")
		return r.deliver(senderID, msgRefusal, "")
	}

	if genErr != nil || response == "" {
		if r.metrics != nil && r.metrics.LLMFailures != nil {
			r.metrics.LLMFailures.Add(ctx, 1)
		}
		return []string{r.enforceLimit(msgThinking)}
	}

	// Only grounded responses enter the cache.
	if hadContext {
		r.cacheResponse(text, response)
	}

	if r.memory != nil {
		r.memory.AddTurn(senderID, text, response)
	}

	return r.deliver(senderID, response, provenance)
}

// factAnswer implements Tier 0: exact sensor values served straight from the
// fact store, bypassing the model. Returns "" when the tier does not apply.
func (r *Router) factAnswer(query string) string {
	if r.facts == nil || !r.facts.HasFacts() {
		return ""
	}

	lower := strings.ToLower(query)
	gated := false
	for _, kw := range r.cfg.FactKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			gated = true
			break
		}
	}
	if !gated {
		return ""
	}

	queryTokens := tokenSet(lower)
	var matched []string
	for key := range r.facts.GetAll() {
		if intersect(tokenSet(key), queryTokens) {
			matched = append(matched, key)
		}
	}
	if len(matched) == 0 {
		return ""
	}
	sort.Strings(matched)

	var values []string
	for _, key := range matched {
		if v, ok := r.facts.FormatValue(key); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return ""
	}
	return fmt.Sprintf("%s: %s", r.cfg.NodeName, strings.Join(values, " | "))
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// tokenSet splits text into lowercase word tokens, treating "_" and any
// non-word character as separators.
func tokenSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, tok := range nonWord.Split(strings.ToLower(text), -1) {
		if tok != "" {
			set[tok] = struct{}{}
		}
	}
	return set
}

func intersect(a, b map[string]struct{}) bool {
	for w := range a {
		if _, ok := b[w]; ok {
			return true
		}
	}
	return false
}

// ─── Finalize and multi-send ─────────────────────────────────────────────────

// deliver formats a response for transmission: markdown stripping, byte
// budgeting, first-contact footer, chunking with a MoreBuffer, and the
// auto-send window. Returns the ordered messages to transmit.
func (r *Router) deliver(senderID, text, provenance string) []string {
	first, chunks, truncated := formatter.FormatResponse(text, r.cfg.MaxResponseBytes, provenance)

	var msgs []string
	switch window := r.cfg.AutoSendChunks; {
	case !truncated:
		msgs = []string{first}

	case window <= 1:
		r.buffersMu.Lock()
		r.moreBuffers[senderID] = NewMoreBuffer(chunks, 0)
		r.buffersMu.Unlock()
		msgs = []string{first}

	default:
		if window > len(chunks) {
			window = len(chunks)
		}
		// Auto-send the first chunks back to back. Intermediate messages
		// carry no continuation tag; the final slot keeps exactly one when
		// chunks remain beyond the window.
		remaining := len(chunks) > window
		for i := range window {
			msg := chunks[i]
			if i == window-1 && remaining {
				// The sentinel must never push the message over budget.
				if formatter.ByteLen(msg)+formatter.MoreTagBytes > r.cfg.MaxResponseBytes {
					msg = formatter.TruncateAtSentence(msg, r.cfg.MaxResponseBytes-formatter.MoreTagBytes)
				}
				msg += formatter.MoreTag
			}
			msgs = append(msgs, msg)
		}
		r.buffersMu.Lock()
		r.moreBuffers[senderID] = NewMoreBuffer(chunks, window-1)
		r.buffersMu.Unlock()
	}

	// Welcome footer for first-time senders, attached to the first message
	// only when it still fits the budget.
	if !r.isSeen(senderID) {
		r.markSeen(senderID)
		footer := fmt.Sprintf("\n---\nDel-Fi oracle · %d docs · !help !topics", r.oracle.DocCount())
		if formatter.ByteLen(msgs[0]+footer) <= r.cfg.MaxResponseBytes {
			msgs[0] += footer
		}
	}

	return msgs
}

// enforceLimit hard-bounds any outbound message to the byte budget,
// truncating at the best boundary available.
func (r *Router) enforceLimit(text string) string {
	if formatter.ByteLen(text) <= r.cfg.MaxResponseBytes {
		return text
	}
	return formatter.TruncateAtSentence(text, r.cfg.MaxResponseBytes)
}

// ─── Greeting detection ──────────────────────────────────────────────────────

func (r *Router) isGreeting(text string) bool {
	cleaned := strings.TrimRight(strings.ToLower(strings.TrimSpace(text)), "!.,?")
	_, ok := greetings[cleaned]
	return ok
}

// ─── Response cache ──────────────────────────────────────────────────────────

// checkCache returns a live cached response for the query, if any.
func (r *Router) checkCache(query string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(query))
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	entry, ok := r.responseCache[key]
	if !ok {
		return "", false
	}
	if nowUnix()-entry.TS >= r.cfg.ResponseCacheTTL.Seconds() {
		delete(r.responseCache, key)
		return "", false
	}
	return entry.Response, true
}

// cacheResponse stores a response and prunes all expired entries once the
// cache outgrows ~100 keys.
func (r *Router) cacheResponse(query, response string) {
	key := strings.ToLower(strings.TrimSpace(query))
	r.cacheMu.Lock()
	r.responseCache[key] = cacheEntry{Response: response, TS: nowUnix()}
	if len(r.responseCache) > 100 {
		cutoff := nowUnix() - r.cfg.ResponseCacheTTL.Seconds()
		for k, v := range r.responseCache {
			if v.TS < cutoff {
				delete(r.responseCache, k)
			}
		}
	}
	r.cacheMu.Unlock()

	if r.cfg.PersistentCache {
		r.saveResponseCache()
	}
}

// evictCached removes a query's cache entry so !retry regenerates it.
func (r *Router) evictCached(query string) {
	key := strings.ToLower(strings.TrimSpace(query))
	r.cacheMu.Lock()
	delete(r.responseCache, key)
	r.cacheMu.Unlock()
}

// TakeRetry returns the caller's last query with its cache entry evicted, or
// ("", false) when the sender has not asked anything yet.
func (r *Router) TakeRetry(senderID string) (string, bool) {
	r.lastMu.Lock()
	query, ok := r.lastQuery[senderID]
	r.lastMu.Unlock()
	if !ok || query == "" {
		return "", false
	}
	r.evictCached(query)
	return query, true
}

// ─── Seen senders ────────────────────────────────────────────────────────────

func (r *Router) isSeen(senderID string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	_, ok := r.seenSenders[senderID]
	return ok
}

// markSeen records first contact and persists the set. Best effort.
func (r *Router) markSeen(senderID string) {
	r.seenMu.Lock()
	r.seenSenders[senderID] = struct{}{}
	ids := make([]string, 0, len(r.seenSenders))
	for id := range r.seenSenders {
		ids = append(ids, id)
	}
	r.seenMu.Unlock()

	if r.cfg.SeenSendersFile == "" {
		return
	}
	sort.Strings(ids)
	if err := os.MkdirAll(filepath.Dir(r.cfg.SeenSendersFile), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(r.cfg.SeenSendersFile, []byte(strings.Join(ids, "\n")+"\n"), 0o644)
}

func (r *Router) loadSeenSenders() {
	if r.cfg.SeenSendersFile == "" {
		return
	}
	f, err := os.Open(r.cfg.SeenSendersFile)
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			r.seenSenders[id] = struct{}{}
		}
	}
}

// ─── Cache persistence ───────────────────────────────────────────────────────

func (r *Router) responseCacheFile() string {
	return filepath.Join(r.cfg.CacheDir, "response_cache.json")
}

func (r *Router) loadResponseCache() {
	data, err := os.ReadFile(r.responseCacheFile())
	if err != nil {
		return
	}
	var cache map[string]cacheEntry
	if err := json.Unmarshal(data, &cache); err != nil {
		slog.Warn("router: could not load response cache", "error", err)
		return
	}
	cutoff := nowUnix() - r.cfg.ResponseCacheTTL.Seconds()
	r.cacheMu.Lock()
	for k, v := range cache {
		if v.TS > cutoff {
			r.responseCache[k] = v
		}
	}
	r.cacheMu.Unlock()
}

// saveResponseCache persists the cache. Best effort: errors are logged and
// swallowed.
func (r *Router) saveResponseCache() {
	if err := os.MkdirAll(r.cfg.CacheDir, 0o755); err != nil {
		slog.Warn("router: could not persist response cache", "error", err)
		return
	}
	r.cacheMu.Lock()
	data, err := json.Marshal(r.responseCache)
	r.cacheMu.Unlock()
	if err != nil {
		slog.Warn("router: could not persist response cache", "error", err)
		return
	}
	if err := os.WriteFile(r.responseCacheFile(), data, 0o644); err != nil {
		slog.Warn("router: could not persist response cache", "error", err)
	}
}

// ─── Housekeeping ────────────────────────────────────────────────────────────

func (r *Router) cleanExpiredBuffers() {
	r.buffersMu.Lock()
	defer r.buffersMu.Unlock()
	for k, b := range r.moreBuffers {
		if b.Expired() {
			delete(r.moreBuffers, k)
		}
	}
}

func (r *Router) formatUptime() string {
	elapsed := int(time.Since(r.startTime).Seconds())
	days := elapsed / 86400
	hours := (elapsed % 86400) / 3600
	if days > 0 {
		return fmt.Sprintf("%dd %dh", days, hours)
	}
	minutes := (elapsed % 3600) / 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

func (r *Router) queries() int {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.queryCount
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
