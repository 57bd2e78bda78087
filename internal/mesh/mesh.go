// Package mesh defines the protocol-agnostic radio abstraction.
//
// The oracle core (router, RAG, formatter) never touches radio details — it
// reads inbound (sender, text) tuples from a shared channel and replies
// through [Adapter.SendDM]. Concrete transports register themselves in an
// adapter registry keyed by protocol name, the same way database drivers do:
//
//	import _ "github.com/MrWong99/delfi/internal/mesh/meshtastic"
//
// Adapter-local concerns — per-sender rate limiting (bypassed for
// !-commands), broadcast and self-message suppression, message-id
// deduplication — live inside each adapter, not in the router.
package mesh

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Message is one inbound mesh message.
type Message struct {
	SenderID string
	Text     string
}

// Adapter is the contract every mesh transport must fulfil.
//
// Lifecycle: construct via the registry, Connect, serve until Close. Inbound
// messages are placed on the channel handed to the factory. SenderID is a
// protocol-native string (e.g. "!a1b2c3d4" for Meshtastic).
type Adapter interface {
	// Connect opens the transport. Implementations return an error rather
	// than panicking; the caller decides whether to enter the reconnect loop.
	Connect(ctx context.Context) error

	// SendDM sends a direct message, chunking internally if the payload
	// exceeds the protocol MTU. Transient radio errors are returned, not
	// retried — the caller's policy is log-and-continue.
	SendDM(ctx context.Context, destID, text string) error

	// Close releases transport resources. Idempotent.
	Close() error

	// ReconnectLoop keeps retrying Connect until ctx is done. No-op for
	// transports that cannot drop.
	ReconnectLoop(ctx context.Context)

	// Connected reports whether the link is currently alive.
	Connected() bool

	// ProtocolName is the human-readable name shown in the banner and logs.
	ProtocolName() string
}

// Options carries the adapter-relevant slice of node configuration.
type Options struct {
	NodeName         string
	MaxResponseBytes int
	RateLimitSeconds float64
	RadioConnection  string
	RadioPort        string
	DiscordToken     string
}

// Factory builds an adapter that will deliver inbound messages on inbound.
type Factory func(opts Options, inbound chan<- Message) (Adapter, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register makes an adapter factory available under a protocol name.
// Called from adapter package init functions.
func Register(protocol string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[protocol]; dup {
		panic("mesh: Register called twice for protocol " + protocol)
	}
	registry[protocol] = f
}

// New builds the adapter registered under protocol.
func New(protocol string, opts Options, inbound chan<- Message) (Adapter, error) {
	registryMu.Lock()
	f, ok := registry[protocol]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mesh: unknown protocol %q; available: %s",
			protocol, strings.Join(Protocols(), ", "))
	}
	return f(opts, inbound)
}

// Protocols lists the registered protocol names, sorted.
func Protocols() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
