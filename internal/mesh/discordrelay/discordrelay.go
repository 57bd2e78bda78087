// Package discordrelay bridges the oracle to Discord direct messages as a
// second low-bandwidth text transport. An operator with an internet uplink
// can expose the same Q&A surface to a Discord community that mesh users get
// over LoRa — same commands, same byte budget, same tiered answering.
package discordrelay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/delfi/internal/mesh"
)

func init() {
	mesh.Register("discord", func(opts mesh.Options, inbound chan<- mesh.Message) (mesh.Adapter, error) {
		return New(opts, inbound)
	})
}

// Adapter relays Discord DMs onto the inbound queue and replies in kind.
// It owns the discordgo session lifecycle.
type Adapter struct {
	opts    mesh.Options
	inbound chan<- mesh.Message

	mu        sync.Mutex
	session   *discordgo.Session
	selfID    string
	channels  map[string]string // sender id -> DM channel id
	connected bool
	closeOnce sync.Once
}

// New creates an unconnected relay. The token comes from the discord_token
// config field.
func New(opts mesh.Options, inbound chan<- mesh.Message) (*Adapter, error) {
	if opts.DiscordToken == "" {
		return nil, fmt.Errorf("discordrelay: discord_token is required")
	}
	return &Adapter{
		opts:     opts,
		inbound:  inbound,
		channels: map[string]string{},
	}, nil
}

// Connect opens the gateway session and subscribes to DM messages.
func (a *Adapter) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	session, err := discordgo.New("Bot " + a.opts.DiscordToken)
	if err != nil {
		return fmt.Errorf("discordrelay: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsDirectMessages

	session.AddHandler(a.onMessage)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discordrelay: open session: %w", err)
	}

	a.session = session
	if session.State != nil && session.State.User != nil {
		a.selfID = session.State.User.ID
	}
	a.connected = true
	slog.Info("discordrelay: gateway connected")
	return nil
}

// onMessage enqueues inbound DMs. Guild messages and our own messages are
// suppressed; the gateway already deduplicates, so no id set is needed here.
func (a *Adapter) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.GuildID != "" || m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	self := m.Author.ID == a.selfID
	if !self {
		a.channels[senderID(m.Author.ID)] = m.ChannelID
	}
	a.mu.Unlock()
	if self || m.Content == "" {
		return
	}

	slog.Info("discordrelay: DM received", "from", m.Author.Username)
	a.inbound <- mesh.Message{SenderID: senderID(m.Author.ID), Text: m.Content}
}

// SendDM replies over the sender's DM channel, opening one if this node
// initiates the conversation.
func (a *Adapter) SendDM(_ context.Context, destID, text string) error {
	a.mu.Lock()
	session := a.session
	channelID := a.channels[destID]
	a.mu.Unlock()
	if session == nil {
		return fmt.Errorf("discordrelay: not connected")
	}

	if channelID == "" {
		ch, err := session.UserChannelCreate(userID(destID))
		if err != nil {
			return fmt.Errorf("discordrelay: open DM channel to %s: %w", destID, err)
		}
		channelID = ch.ID
		a.mu.Lock()
		a.channels[destID] = channelID
		a.mu.Unlock()
	}

	if _, err := session.ChannelMessageSend(channelID, text); err != nil {
		return fmt.Errorf("discordrelay: send to %s: %w", destID, err)
	}
	return nil
}

// ReconnectLoop is a no-op: discordgo's gateway handles resume/reconnect
// internally.
func (a *Adapter) ReconnectLoop(context.Context) {}

// Connected implements mesh.Adapter.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Close shuts the gateway session. Idempotent.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		session := a.session
		a.connected = false
		a.mu.Unlock()
		if session != nil {
			err = session.Close()
		}
	})
	return err
}

// ProtocolName implements mesh.Adapter.
func (a *Adapter) ProtocolName() string { return "Discord" }

// senderID maps a Discord user id into the mesh "!"-prefixed convention so
// sender-keyed state (seen senders, memory, buffers) is transport-uniform.
func senderID(discordID string) string { return "!" + discordID }

// userID reverses senderID.
func userID(meshID string) string {
	if len(meshID) > 0 && meshID[0] == '!' {
		return meshID[1:]
	}
	return meshID
}
