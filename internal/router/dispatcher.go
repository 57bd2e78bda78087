package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/delfi/internal/formatter"
	"github.com/MrWong99/delfi/internal/gossip"
	"github.com/MrWong99/delfi/internal/mesh"
	"github.com/MrWong99/delfi/internal/observe"
)

// Kind classifies an inbound mesh message.
type Kind int

const (
	KindEmpty Kind = iota
	KindCommand
	KindGossip
	KindQuery
)

// interChunkDelay spaces multi-chunk transmissions to avoid flooding the
// radio.
const interChunkDelay = 500 * time.Millisecond

// queryQueueSize bounds the slow-path backlog. A full queue drops new
// queries with a busy reply rather than stalling the fast path.
const queryQueueSize = 32

// Sender transmits one outbound message. *mesh adapters satisfy this.
type Sender interface {
	SendDM(ctx context.Context, destID, text string) error
}

// queryJob is one enqueued slow-path request.
type queryJob struct {
	senderID string
	text     string
}

// Dispatcher drains the inbound mesh queue. Commands and gossip are handled
// inline on the fast path; queries are acknowledged when the worker is busy
// and enqueued for the single slow-path worker.
type Dispatcher struct {
	router     *Router
	gossip     *gossip.Service
	sender     Sender
	busyNotice bool

	queryCh chan queryJob

	// pending counts queued-or-running queries per sender. A sender with an
	// outstanding query never receives a second busy ack.
	pendingMu sync.Mutex
	pending   map[string]int

	workerBusy atomic.Bool

	metrics *observe.Metrics // optional
}

// SetMetrics attaches optional observability instruments.
func (d *Dispatcher) SetMetrics(m *observe.Metrics) { d.metrics = m }

// NewDispatcher creates a Dispatcher wired to the router and outbound sender.
// gossipSvc may be nil; gossip-prefixed text then classifies as a query.
func NewDispatcher(r *Router, gossipSvc *gossip.Service, sender Sender, busyNotice bool) *Dispatcher {
	return &Dispatcher{
		router:     r,
		gossip:     gossipSvc,
		sender:     sender,
		busyNotice: busyNotice,
		queryCh:    make(chan queryJob, queryQueueSize),
		pending:    map[string]int{},
	}
}

// Classify buckets a raw message into its processing path.
func (d *Dispatcher) Classify(text string) Kind {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return KindEmpty
	case strings.HasPrefix(text, "!"):
		return KindCommand
	case strings.HasPrefix(text, gossip.WirePrefix) && d.gossip != nil:
		return KindGossip
	default:
		return KindQuery
	}
}

// Run is the dispatcher thread body: it drains inbound until ctx is done.
// Fast-path responses are emitted strictly in receipt order.
func (d *Dispatcher) Run(ctx context.Context, inbound <-chan mesh.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			d.dispatch(ctx, msg.SenderID, strings.TrimSpace(msg.Text))
		}
	}
}

// dispatch handles one inbound message. Never panics outward; one bad
// message must not take the daemon down.
func (d *Dispatcher) dispatch(ctx context.Context, senderID, text string) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("dispatcher: panic handling message", "sender", senderID, "panic", rec)
			d.send(ctx, senderID, "I hit an error processing that. Try again.")
		}
	}()

	switch d.Classify(text) {
	case KindEmpty:
		return

	case KindCommand:
		// !retry re-enters the slow path, so it is intercepted here rather
		// than answered inline.
		if cmd, _, _ := strings.Cut(strings.ToLower(text), " "); cmd == "!retry" {
			query, ok := d.router.TakeRetry(senderID)
			if !ok {
				d.send(ctx, senderID, msgNoRetry)
				return
			}
			d.enqueueQuery(ctx, senderID, query)
			return
		}
		if reply := d.router.HandleCommand(senderID, text); reply != "" {
			d.send(ctx, senderID, reply)
		}

	case KindGossip:
		// Gossip is silent; no response goes back over the air.
		d.gossip.HandleAnnouncement(senderID, text)

	case KindQuery:
		d.enqueueQuery(ctx, senderID, text)
	}
}

// enqueueQuery emits the busy ack (before enqueueing, so the sender sees the
// ack first) and queues the job for the worker.
func (d *Dispatcher) enqueueQuery(ctx context.Context, senderID, text string) {
	d.pendingMu.Lock()
	outstanding := d.pending[senderID] > 0
	d.pending[senderID]++
	d.pendingMu.Unlock()

	if d.workerBusy.Load() && !outstanding && d.busyNotice {
		position := len(d.queryCh) + 1
		var ack string
		if position <= 1 {
			ack = fmt.Sprintf("%s: Working on another question, yours is next.", d.router.cfg.NodeName)
		} else {
			ack = fmt.Sprintf("%s: %d questions ahead of yours, hang tight.", d.router.cfg.NodeName, position)
		}
		d.send(ctx, senderID, ack)
	}

	select {
	case d.queryCh <- queryJob{senderID: senderID, text: text}:
	default:
		slog.Warn("dispatcher: query queue full, dropping", "sender", senderID)
		d.clearPending(senderID)
		d.send(ctx, senderID, "I'm swamped right now. Try again in a few minutes.")
	}
}

// RunWorker is the worker thread body: it serialises language-model requests,
// draining the query queue until ctx is done.
func (d *Dispatcher) RunWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-d.queryCh:
			d.workerBusy.Store(true)
			d.processQuery(ctx, job)
			d.workerBusy.Store(false)
		}
	}
}

func (d *Dispatcher) processQuery(ctx context.Context, job queryJob) {
	defer d.clearPending(job.senderID)
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("worker: panic processing query", "sender", job.senderID, "panic", rec)
			d.send(ctx, job.senderID, "I hit an error processing that. Try again.")
		}
	}()

	start := time.Now()
	messages := d.router.RouteQuery(ctx, job.senderID, job.text)
	if d.metrics != nil && d.metrics.QueryDuration != nil {
		d.metrics.QueryDuration.Record(ctx, time.Since(start).Seconds())
	}
	for i, msg := range messages {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interChunkDelay):
			}
		}
		d.send(ctx, job.senderID, msg)
	}
}

func (d *Dispatcher) clearPending(senderID string) {
	d.pendingMu.Lock()
	if d.pending[senderID] <= 1 {
		delete(d.pending, senderID)
	} else {
		d.pending[senderID]--
	}
	d.pendingMu.Unlock()
}

// send transmits one message, logging rather than propagating transport
// errors — the reconnect loop owns radio recovery.
func (d *Dispatcher) send(ctx context.Context, destID, text string) {
	if err := d.sender.SendDM(ctx, destID, text); err != nil {
		slog.Error("dispatcher: send failed", "dest", destID, "error", err)
		return
	}
	if d.metrics != nil && d.metrics.MessagesSent != nil {
		d.metrics.MessagesSent.Add(ctx, 1)
	}
	slog.Info("dispatcher: response sent", "dest", destID, "bytes", formatter.ByteLen(text))
}