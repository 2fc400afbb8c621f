package botlib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/cyberchat/pkg/client"
	"github.com/aeolun/cyberchat/pkg/protocol"
)

// MessageHandler is called when a chat line is received.
type MessageHandler func(ctx *Context, msg *Message)

// Config holds the bot configuration.
type Config struct {
	// Server address, in any form the client accepts
	Server string

	// Name for the bot (e.g., "DiceBot"). At least 2 characters, or the
	// server assigns a default and mention detection breaks.
	Name string

	// Room to join after connecting. Empty stays in the server's default room.
	Room string

	// Logger for debug output (optional, defaults to stdout)
	Logger *log.Logger

	// ConnectTimeout bounds connecting and the welcome (default: 10s)
	ConnectTimeout time.Duration
}

// Bot represents a chat bot instance.
type Bot struct {
	config Config
	client *client.Client
	logger *log.Logger
	name   string

	room   string
	roomMu sync.RWMutex

	// Handlers
	onMessage MessageHandler
	onMention MessageHandler

	// Lifecycle
	ready     chan struct{}
	readyOnce sync.Once
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// ErrConnectionLost is returned by Run when the server closes the connection
var ErrConnectionLost = errors.New("connection closed by server")

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "[bot] ", log.LstdFlags)
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	return &Bot{
		config: config,
		logger: config.Logger,
		name:   strings.TrimSpace(config.Name),
		ready:  make(chan struct{}),
		stopCh: make(chan struct{}),
	}
}

// OnMessage registers a handler for chat lines that don't mention the bot.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnMention registers a handler for chat lines that mention the bot.
func (b *Bot) OnMention(handler MessageHandler) {
	b.onMention = handler
}

// Ready is closed once the bot is in its configured room.
func (b *Bot) Ready() <-chan struct{} {
	return b.ready
}

// Room returns the room the bot is currently in.
func (b *Bot) Room() string {
	b.roomMu.RLock()
	defer b.roomMu.RUnlock()
	return b.room
}

// Run connects to the server and processes events. Blocks until ctx is
// done, Stop is called or the connection is lost.
func (b *Bot) Run(ctx context.Context) error {
	if len([]rune(b.name)) < 2 {
		return fmt.Errorf("bot name %q is too short", b.name)
	}

	b.logger.Printf("Connecting to %s...", b.config.Server)
	dialCtx, cancel := context.WithTimeout(ctx, b.config.ConnectTimeout)
	c, err := client.Dial(dialCtx, b.config.Server, b.name)
	cancel()
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	b.client = c
	defer c.Close()

	if err := b.awaitWelcome(ctx); err != nil {
		return err
	}

	b.logger.Printf("Bot is running as %s", b.name)
	for {
		select {
		case <-ctx.Done():
			b.logger.Printf("Shutdown requested")
			return b.shutdown()
		case <-b.stopCh:
			b.logger.Printf("Stop requested")
			return b.shutdown()
		case ev, ok := <-c.Events():
			if !ok {
				return b.connectionLost()
			}
			b.handleEvent(ev)
		}
	}
}

// Stop gracefully stops the bot.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Say sends a chat line to the bot's current room.
func (b *Bot) Say(content string) error {
	if strings.HasPrefix(content, "/") {
		// Would be taken as a command
		content = " " + content
	}
	return b.send(content)
}

// Join moves the bot to room.
func (b *Bot) Join(room string) error {
	return b.send("/join " + room)
}

func (b *Bot) send(text string) error {
	if b.client == nil {
		return errors.New("bot is not connected")
	}
	return b.client.Send(text)
}

// awaitWelcome waits for the welcome and moves to the configured room
func (b *Bot) awaitWelcome(ctx context.Context) error {
	timer := time.NewTimer(b.config.ConnectTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errors.New("timed out waiting for welcome")
		case ev, ok := <-b.client.Events():
			if !ok {
				return b.connectionLost()
			}
			welcome, isWelcome := ev.(protocol.WelcomeEvent)
			if !isWelcome {
				continue
			}
			b.setRoom(welcome.Room)
			b.logger.Printf("Joined %s", welcome.Room)

			if b.config.Room != "" && b.config.Room != welcome.Room {
				return b.Join(b.config.Room)
			}
			return nil
		}
	}
}

func (b *Bot) connectionLost() error {
	select {
	case err := <-b.client.Errors():
		return err
	default:
		return ErrConnectionLost
	}
}

func (b *Bot) shutdown() error {
	// Server says goodbye to the room; Send closes the client after /quit
	if err := b.client.Send("/quit"); err != nil && !errors.Is(err, client.ErrClosed) {
		b.logger.Printf("Failed to send quit: %v", err)
	}
	b.logger.Printf("Bot stopped")
	return nil
}

func (b *Bot) setRoom(room string) {
	b.roomMu.Lock()
	b.room = room
	b.roomMu.Unlock()

	if b.config.Room == "" || b.config.Room == room {
		b.readyOnce.Do(func() { close(b.ready) })
	}
}

func (b *Bot) handleEvent(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.ChatEvent:
		b.handleChat(ev)
	case protocol.RoomChangeEvent:
		b.setRoom(ev.Room)
		b.logger.Printf("Joined %s", ev.Room)
	case protocol.SystemEvent:
		b.logger.Printf("System: %s", ev.Message)
	}
}

func (b *Bot) handleChat(ev protocol.ChatEvent) {
	// Skip lines from anyone using our name
	if strings.EqualFold(ev.Username, b.name) {
		return
	}

	msg := &Message{
		Author:  ev.Username,
		Content: ev.Message,
		Room:    b.Room(),
		SentAt:  ev.Time(),
		botName: b.name,
	}
	ctx := &Context{bot: b, message: msg}

	if msg.MentionsMe() && b.onMention != nil {
		b.onMention(ctx, msg)
		return
	}

	if b.onMessage != nil {
		b.onMessage(ctx, msg)
	}
}
