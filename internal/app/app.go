// Package app wires all Del-Fi subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run launches the background goroutines and blocks until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject substitutes via functional options (WithMeshAdapter,
// WithVectorStore, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/delfi/internal/board"
	"github.com/MrWong99/delfi/internal/config"
	"github.com/MrWong99/delfi/internal/convmemory"
	"github.com/MrWong99/delfi/internal/factstore"
	"github.com/MrWong99/delfi/internal/gossip"
	"github.com/MrWong99/delfi/internal/health"
	"github.com/MrWong99/delfi/internal/mesh"
	"github.com/MrWong99/delfi/internal/observe"
	"github.com/MrWong99/delfi/internal/rag"
	"github.com/MrWong99/delfi/internal/rag/store"
	"github.com/MrWong99/delfi/internal/router"
	"github.com/MrWong99/delfi/pkg/provider/embeddings"
	"github.com/MrWong99/delfi/pkg/provider/llm"
)

// knowledgeScanInterval is how often the knowledge folder is re-indexed.
const knowledgeScanInterval = 60 * time.Second

// llmProbeInterval is how often a downed language model is re-probed.
const llmProbeInterval = 30 * time.Second

// Providers holds one interface value per model backend slot.
// Populated by main.go from the config.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and the daemon's goroutine group.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	vectorStore *store.Store // nil when init failed: RAG disabled for the run
	engine      *rag.Engine
	facts       *factstore.Store
	memory      *convmemory.Store
	board       *board.Board
	gossip      *gossip.Service
	router      *router.Router
	dispatcher  *router.Dispatcher
	adapter     mesh.Adapter
	inbound     chan mesh.Message
	metrics     *observe.Metrics

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMeshAdapter injects a mesh adapter instead of building one from the
// configured protocol.
func WithMeshAdapter(a mesh.Adapter) Option {
	return func(app *App) { app.adapter = a }
}

// WithVectorStore injects a vector store instead of opening one under the
// configured directory.
func WithVectorStore(s *store.Store) Option {
	return func(app *App) { app.vectorStore = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. Initialisation order matters: the vector store and
// engine come up first so the router can report doc counts from the start.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		inbound:   make(chan mesh.Message, 64),
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	// Runtime directories. Missing cache dirs are a config-path problem the
	// operator must see immediately.
	for _, dir := range []string{cfg.KnowledgeFolder, cfg.CacheDir(), cfg.GossipDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("app: create %s: %w", dir, err)
		}
	}

	a.initVectorStore()
	a.initEngine(ctx)
	a.initStores()
	a.initGossip()
	a.initRouter()

	if err := a.initAdapter(); err != nil {
		return nil, err
	}

	return a, nil
}

// initVectorStore opens the embedded index. On failure RAG retrieval is
// disabled for this run; the router still serves facts, peers, and refusals.
func (a *App) initVectorStore() {
	if a.vectorStore != nil {
		a.closers = append(a.closers, a.vectorStore.Close)
		return
	}
	dims := a.providers.Embeddings.Dimensions()
	vs, err := store.New(a.cfg.VectorstoreDir(), dims)
	if err != nil {
		slog.Error("app: vector store init failed — RAG disabled", "error", err)
		return
	}
	a.vectorStore = vs
	a.closers = append(a.closers, vs.Close)
}

// initEngine builds the RAG engine, runs the initial indexing pass, and
// probes the language model once without blocking startup on it.
func (a *App) initEngine(ctx context.Context) {
	var vs rag.VectorStore
	if a.vectorStore != nil {
		vs = a.vectorStore
	}
	a.engine = rag.New(rag.Config{
		NodeName:         a.cfg.NodeName,
		Personality:      a.cfg.Personality,
		MaxResponseBytes: a.cfg.MaxResponseBytes,
		NumCtx:           a.cfg.NumCtx,
		NumPredict:       a.cfg.NumPredict,
	}, vs, a.providers.Embeddings, a.providers.LLM)

	if n, err := a.engine.IndexFolder(ctx, a.cfg.KnowledgeFolder); err != nil {
		slog.Error("app: initial indexing failed", "error", err)
	} else if n > 0 {
		slog.Info("app: initial indexing complete", "files", n)
	} else if a.engine.DocCount() == 0 {
		slog.Warn("app: no documents in knowledge folder", "folder", a.cfg.KnowledgeFolder)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if !a.engine.CheckLLM(probeCtx) {
		slog.Warn("app: language model not available — commands work, queries will wait")
	}
}

// initStores builds the fact store, conversation memory, and board.
func (a *App) initStores() {
	a.facts = factstore.New(factstore.Config{
		FeedFile:      a.cfg.FactFeedFile,
		CacheDir:      a.cfg.CacheDir(),
		WatchInterval: time.Duration(a.cfg.FactWatchIntervalSeconds) * time.Second,
	})

	if a.cfg.MemoryMaxTurns > 0 {
		a.memory = convmemory.New(convmemory.Config{
			MaxTurns: a.cfg.MemoryMaxTurns,
			TTL:      time.Duration(a.cfg.MemoryTTL) * time.Second,
			Persist:  a.cfg.PersistentMemory,
			CacheDir: a.cfg.CacheDir(),
		})
	}

	if a.cfg.BoardEnabled {
		a.board = board.New(board.Config{
			MaxPosts:        a.cfg.BoardMaxPosts,
			PostTTL:         time.Duration(a.cfg.BoardPostTTL) * time.Second,
			ShowCount:       a.cfg.BoardShowCount,
			RateLimit:       a.cfg.BoardRateLimit,
			RateWindow:      time.Duration(a.cfg.BoardRateWindow) * time.Second,
			BlockedPatterns: a.cfg.BoardBlockedPatterns,
			Persist:         a.cfg.BoardPersist,
			CacheDir:        a.cfg.CacheDir(),
		})
	}
}

// initGossip brings up the optional peering subsystem.
func (a *App) initGossip() {
	if a.cfg.MeshKnowledge == nil {
		return
	}
	mk := a.cfg.MeshKnowledge
	peers := make([]gossip.Peer, 0, len(mk.Peers))
	for _, p := range mk.Peers {
		peers = append(peers, gossip.Peer{NodeID: p.NodeID, Name: p.Name})
	}
	a.gossip = gossip.New(gossip.Config{
		NodeName:        a.cfg.NodeName,
		Model:           a.cfg.Model,
		KnowledgeFolder: a.cfg.KnowledgeFolder,
		GossipDir:       a.cfg.GossipDir(),
		CacheDir:        a.cfg.CacheDir(),
		DirectoryTTL:    time.Duration(mk.Gossip.DirectoryTTLSeconds) * time.Second,
		Peers:           peers,
		MaxCacheEntries: mk.Sync.MaxCacheEntries,
	})
	a.closers = append(a.closers, a.gossip.Close)
}

// initRouter assembles the router and dispatcher from whichever optional
// capabilities came up.
func (a *App) initRouter() {
	a.router = router.New(router.Config{
		NodeName:         a.cfg.NodeName,
		MaxResponseBytes: a.cfg.MaxResponseBytes,
		ResponseCacheTTL: time.Duration(a.cfg.ResponseCacheTTL) * time.Second,
		AutoSendChunks:   a.cfg.AutoSendChunks,
		FactKeywords:     a.cfg.FactQueryKeywords,
		BoardEnabled:     a.cfg.BoardEnabled,
		SeenSendersFile:  a.cfg.SeenSendersFile(),
		PersistentCache:  a.cfg.PersistentCache,
		CacheDir:         a.cfg.CacheDir(),
	}, a.engine, a.gossip, a.facts, a.memory, a.board)
	a.router.SetMetrics(a.metrics)
}

// initAdapter builds the configured mesh transport unless one was injected.
func (a *App) initAdapter() error {
	if a.adapter != nil {
		a.closers = append(a.closers, a.adapter.Close)
		a.finishDispatcher()
		return nil
	}
	adapter, err := mesh.New(a.cfg.MeshProtocol, mesh.Options{
		NodeName:         a.cfg.NodeName,
		MaxResponseBytes: a.cfg.MaxResponseBytes,
		RateLimitSeconds: a.cfg.RateLimitSeconds,
		RadioConnection:  a.cfg.RadioConnection,
		RadioPort:        a.cfg.RadioPort,
		DiscordToken:     a.cfg.DiscordToken,
	}, a.inbound)
	if err != nil {
		return fmt.Errorf("app: create mesh adapter: %w", err)
	}
	a.adapter = adapter
	a.closers = append(a.closers, adapter.Close)
	a.finishDispatcher()
	return nil
}

func (a *App) finishDispatcher() {
	a.dispatcher = router.NewDispatcher(a.router, a.gossip, a.adapter, a.cfg.BusyNotice)
	a.dispatcher.SetMetrics(a.metrics)
}

// Inbound returns the channel an injected adapter should deliver onto.
func (a *App) Inbound() chan<- mesh.Message { return a.inbound }

// Router returns the assembled router, for integration tests.
func (a *App) Router() *router.Router { return a.router }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects the radio, launches every background goroutine, and blocks
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.adapter.Connect(ctx); err != nil {
		slog.Warn("app: radio not connected — entering reconnect loop", "error", err)
	}

	a.logStartup()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.dispatcher.Run(ctx, a.inbound) })
	g.Go(func() error { return a.dispatcher.RunWorker(ctx) })

	// Knowledge watcher: re-scan the folder for changed documents.
	g.Go(func() error {
		ticker := time.NewTicker(knowledgeScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				before := a.engine.DocCount()
				if _, err := a.engine.IndexFolder(ctx, a.cfg.KnowledgeFolder); err != nil {
					slog.Error("app: knowledge watcher error", "error", err)
				}
				if a.metrics.IndexedChunks != nil {
					a.metrics.IndexedChunks.Add(ctx, int64(a.engine.DocCount()-before))
				}
			}
		}
	})

	// LLM health: probe while the model is marked down.
	g.Go(func() error {
		ticker := time.NewTicker(llmProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if !a.engine.Available() {
					a.engine.CheckLLM(ctx)
				}
			}
		}
	})

	// Fact feed watcher.
	g.Go(func() error {
		a.facts.Watch(ctx)
		return ctx.Err()
	})

	// Radio reconnect loop.
	g.Go(func() error {
		a.adapter.ReconnectLoop(ctx)
		return ctx.Err()
	})

	// Operator HTTP surface: /metrics, /healthz, /readyz.
	if a.cfg.ListenAddr != "" {
		g.Go(func() error { return a.serveHTTP(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveHTTP runs the metrics/health endpoint until ctx is done.
func (a *App) serveHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Checker{Name: "llm", Check: func(context.Context) error {
			if !a.engine.Available() {
				return errors.New("language model unreachable")
			}
			return nil
		}},
		health.Checker{Name: "radio", Check: func(context.Context) error {
			if !a.adapter.Connected() {
				return errors.New("radio link down")
			}
			return nil
		}},
	).Register(mux)

	srv := &http.Server{Addr: a.cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("app: operator endpoint listening", "addr", a.cfg.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// logStartup emits the banner-equivalent structured summary.
func (a *App) logStartup() {
	slog.Info("del-fi ready",
		"node", a.cfg.NodeName,
		"model", a.engine.ModelID(),
		"docs", a.engine.DocCount(),
		"llm", a.engine.Available(),
		"rag", a.engine.RAGAvailable(),
		"protocol", a.adapter.ProtocolName(),
		"gossip", a.gossip != nil,
	)
	if names := a.gossip.PeerNames(); len(names) > 0 {
		slog.Info("del-fi peers configured", "peers", names)
	}
	slog.Info("listening...")
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
