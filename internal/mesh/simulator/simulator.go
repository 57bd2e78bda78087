// Package simulator provides a stdin/stdout mesh adapter for development
// without radio hardware.
//
// Input format:
//
//	message text               (uses default sender !sim00001)
//	!a1b2c3d4> message text    (specify sender ID)
//
// One line is written to stdout per outbound message. Oversize payloads are
// flagged with a visible warning instead of being truncated, so formatter
// bugs surface during development rather than silently on the air.
package simulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/delfi/internal/mesh"
)

const defaultSender = "!sim00001"

var senderPrefix = regexp.MustCompile(`^(![\w]+)>\s*(.+)$`)

func init() {
	mesh.Register("simulator", func(opts mesh.Options, inbound chan<- mesh.Message) (mesh.Adapter, error) {
		return New(opts, inbound, os.Stdin, os.Stdout), nil
	})
}

// Adapter is the fake mesh interface. It behaves identically regardless of
// the configured radio protocol — the oracle only ever sees the capability
// interface.
type Adapter struct {
	opts    mesh.Options
	inbound chan<- mesh.Message
	in      io.Reader
	out     io.Writer

	mu         sync.Mutex
	rateLimits map[string]time.Time
	running    bool
	stop       chan struct{}
}

// New creates a simulator adapter reading from in and writing to out.
// Tests substitute pipes for stdin/stdout.
func New(opts mesh.Options, inbound chan<- mesh.Message, in io.Reader, out io.Writer) *Adapter {
	return &Adapter{
		opts:       opts,
		inbound:    inbound,
		in:         in,
		out:        out,
		rateLimits: map[string]time.Time{},
		stop:       make(chan struct{}),
	}
}

// Connect starts the input reader goroutine.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.mu.Unlock()

	fmt.Fprintf(a.out, "\n  Del-Fi Text Chat — %s (simulator)\n", a.opts.NodeName)
	fmt.Fprintf(a.out, "  Type a message, or !nodeID> message to set the sender.\n")
	fmt.Fprintf(a.out, "  Commands start with ! (e.g. !help, !topics)\n\n")

	go a.readLoop(ctx)
	return nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(a.in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		sender, text := defaultSender, line
		if m := senderPrefix.FindStringSubmatch(line); m != nil {
			sender, text = m[1], m[2]
		}

		// Rate limit freeform queries; commands bypass.
		if !strings.HasPrefix(text, "!") && a.opts.RateLimitSeconds > 0 {
			a.mu.Lock()
			last := a.rateLimits[sender]
			window := time.Duration(a.opts.RateLimitSeconds * float64(time.Second))
			if wait := window - time.Since(last); wait > 0 {
				a.mu.Unlock()
				fmt.Fprintf(a.out, "  rate limited — wait %ds\n", int(wait.Seconds())+1)
				continue
			}
			a.rateLimits[sender] = time.Now()
			a.mu.Unlock()
		}

		select {
		case a.inbound <- mesh.Message{SenderID: sender, Text: text}:
		case <-ctx.Done():
			return
		}
	}
}

// SendDM writes a response line, flagging byte-budget overflows loudly.
func (a *Adapter) SendDM(_ context.Context, destID, text string) error {
	if size := len([]byte(text)); size > a.opts.MaxResponseBytes {
		fmt.Fprintf(a.out, "  WARNING: %dB exceeds %dB limit\n", size, a.opts.MaxResponseBytes)
	}
	_, err := fmt.Fprintf(a.out, "  %s -> %s: %s\n", a.opts.NodeName, destID, text)
	return err
}

// Connected always reports true — stdin does not drop.
func (a *Adapter) Connected() bool { return true }

// ReconnectLoop is a no-op for the simulator.
func (a *Adapter) ReconnectLoop(context.Context) {}

// Close stops the reader.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		close(a.stop)
		a.running = false
	}
	return nil
}

// ProtocolName implements mesh.Adapter.
func (a *Adapter) ProtocolName() string { return "Simulator" }
