// Package meshtastic provides the mesh adapter for Meshtastic LoRa radios
// reached over serial or TCP.
//
// The radio side is expected to emit one JSON frame per line for each
// received text packet:
//
//	{"from":"!a1b2c3d4","id":123456,"to":4294967295,"text":"..."}
//
// and to accept outbound frames of the form {"to":"!a1b2c3d4","text":"..."}.
// A frame carrying "my_id" identifies this node so its own transmissions are
// never answered. Byte-level LoRa framing stays on the radio firmware side
// of the line protocol.
package meshtastic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/delfi/internal/formatter"
	"github.com/MrWong99/delfi/internal/mesh"
)

// broadcastID marks packets addressed to every node. Logged, never answered.
const broadcastID = 0xFFFFFFFF

// Dedup set bounds: reset to the newest half once the cap is hit.
const (
	seenCap   = 1000
	seenReset = 500
)

// interChunkDelay paces oversize sends to respect LoRa airtime limits.
const interChunkDelay = 3 * time.Second

func init() {
	mesh.Register("meshtastic", func(opts mesh.Options, inbound chan<- mesh.Message) (mesh.Adapter, error) {
		return New(opts, inbound), nil
	})
}

// frame is one line on the radio link, inbound or outbound.
type frame struct {
	From string `json:"from,omitempty"`
	ID   int64  `json:"id,omitempty"`
	To   any    `json:"to,omitempty"`
	Text string `json:"text,omitempty"`
	MyID string `json:"my_id,omitempty"`
}

// Adapter is the Meshtastic radio interface.
type Adapter struct {
	opts    mesh.Options
	inbound chan<- mesh.Message

	mu         sync.Mutex
	conn       interface {
		Read(p []byte) (int, error)
		Write(p []byte) (int, error)
		Close() error
	}
	myNodeID   string
	seenIDs    map[int64]struct{}
	seenOrder  []int64
	rateLimits map[string]time.Time
	connected  bool
	closed     bool
}

// New creates an unconnected adapter.
func New(opts mesh.Options, inbound chan<- mesh.Message) *Adapter {
	return &Adapter{
		opts:       opts,
		inbound:    inbound,
		seenIDs:    map[int64]struct{}{},
		rateLimits: map[string]time.Time{},
	}
}

// Connect opens the serial device or TCP socket and starts the reader.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	switch a.opts.RadioConnection {
	case "serial":
		f, err := os.OpenFile(a.opts.RadioPort, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("meshtastic: open serial %s: %w", a.opts.RadioPort, err)
		}
		a.conn = f
	case "tcp":
		host := a.opts.RadioPort
		if !strings.Contains(host, ":") {
			host += ":4403"
		}
		c, err := (&net.Dialer{Timeout: 10 * time.Second}).DialContext(ctx, "tcp", host)
		if err != nil {
			return fmt.Errorf("meshtastic: dial %s: %w", host, err)
		}
		a.conn = c
	default:
		return fmt.Errorf("meshtastic: connection mode %q not supported by this adapter", a.opts.RadioConnection)
	}

	a.connected = true
	go a.readLoop(ctx, a.conn)
	slog.Info("meshtastic: radio connected",
		"mode", a.opts.RadioConnection, "port", a.opts.RadioPort)
	return nil
}

func (a *Adapter) readLoop(ctx context.Context, conn interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(bufio.NewReader(conn))
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		a.handleFrame(scanner.Bytes())
	}
	a.mu.Lock()
	wasConnected := a.connected
	a.connected = false
	a.mu.Unlock()
	if wasConnected {
		slog.Warn("meshtastic: radio link dropped")
	}
}

// handleFrame applies the adapter-local policy: self and broadcast
// suppression, dedup, and per-sender rate limiting for freeform queries.
func (a *Adapter) handleFrame(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Debug("meshtastic: unparseable frame", "error", err)
		return
	}

	if f.MyID != "" {
		a.mu.Lock()
		a.myNodeID = f.MyID
		a.mu.Unlock()
		return
	}

	text := strings.TrimSpace(f.Text)
	if f.From == "" || text == "" {
		return
	}

	a.mu.Lock()
	self := f.From == a.myNodeID && a.myNodeID != ""
	a.mu.Unlock()
	if self {
		return
	}

	if f.ID != 0 && a.isDuplicate(f.ID) {
		return
	}

	if isBroadcast(f.To) {
		slog.Info("meshtastic: broadcast heard", "from", f.From, "text", preview(text))
		return
	}

	// Rate limit freeform queries; commands bypass.
	if !strings.HasPrefix(text, "!") && a.opts.RateLimitSeconds > 0 {
		a.mu.Lock()
		last := a.rateLimits[f.From]
		window := time.Duration(a.opts.RateLimitSeconds * float64(time.Second))
		if time.Since(last) < window {
			a.mu.Unlock()
			slog.Debug("meshtastic: rate limited", "sender", f.From)
			return
		}
		a.rateLimits[f.From] = time.Now()
		a.mu.Unlock()
	}

	slog.Info("meshtastic: query received", "from", f.From, "text", preview(text))
	a.inbound <- mesh.Message{SenderID: f.From, Text: text}
}

// isDuplicate records the id and reports whether it was already seen.
// The set is bounded: at seenCap entries it resets to the newest seenReset.
func (a *Adapter) isDuplicate(id int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.seenIDs[id]; dup {
		return true
	}
	a.seenIDs[id] = struct{}{}
	a.seenOrder = append(a.seenOrder, id)
	if len(a.seenOrder) > seenCap {
		keep := a.seenOrder[len(a.seenOrder)-seenReset:]
		a.seenIDs = make(map[int64]struct{}, len(keep))
		for _, k := range keep {
			a.seenIDs[k] = struct{}{}
		}
		a.seenOrder = append([]int64(nil), keep...)
	}
	return false
}

func isBroadcast(to any) bool {
	switch v := to.(type) {
	case float64:
		return uint64(v) == broadcastID
	case string:
		return v == "^all"
	default:
		return false
	}
}

// SendDM sends a direct message, chunking oversize payloads with an
// inter-chunk pause to avoid flooding the air.
func (a *Adapter) SendDM(ctx context.Context, destID, text string) error {
	if !a.Connected() {
		return fmt.Errorf("meshtastic: radio not connected")
	}

	if formatter.ByteLen(text) <= a.opts.MaxResponseBytes {
		return a.sendOne(destID, text)
	}

	chunks := formatter.ChunkText(text, a.opts.MaxResponseBytes)
	for i, chunk := range chunks {
		if err := a.sendOne(destID, chunk); err != nil {
			return err
		}
		if i < len(chunks)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interChunkDelay):
			}
		}
	}
	return nil
}

func (a *Adapter) sendOne(destID, text string) error {
	data, err := json.Marshal(frame{To: destID, Text: text})
	if err != nil {
		return fmt.Errorf("meshtastic: marshal frame: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("meshtastic: radio not connected")
	}
	if _, err := conn.Write(data); err != nil {
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
		return fmt.Errorf("meshtastic: send to %s: %w", destID, err)
	}
	slog.Info("meshtastic: sent", "dest", destID, "bytes", formatter.ByteLen(text))
	return nil
}

// ReconnectLoop keeps retrying Connect every 10s while the link is down.
func (a *Adapter) ReconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			down := !a.connected && !a.closed
			a.mu.Unlock()
			if down {
				slog.Info("meshtastic: attempting radio reconnect")
				if err := a.Connect(ctx); err != nil {
					slog.Warn("meshtastic: reconnect failed", "error", err)
				}
			}
		}
	}
}

// Connected implements mesh.Adapter.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Close releases the radio. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// ProtocolName implements mesh.Adapter.
func (a *Adapter) ProtocolName() string { return "Meshtastic" }

func preview(text string) string {
	if len(text) > 80 {
		return text[:80]
	}
	return text
}
