package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordAnnouncer posts announcements to one Discord channel through the bot
// gateway.
type DiscordAnnouncer struct {
	token   string
	channel string
	session *discordgo.Session

	mu          sync.RWMutex
	connected   bool
	connectedAt time.Time
	lastError   string
	logger      *zap.Logger
}

// NewDiscordAnnouncer creates a Discord announcer.
func NewDiscordAnnouncer(token, channel string, logger *zap.Logger) *DiscordAnnouncer {
	return &DiscordAnnouncer{token: token, channel: channel, logger: logger}
}

func (a *DiscordAnnouncer) Platform() string { return "discord" }

// Connect opens the Discord session.
func (a *DiscordAnnouncer) Connect(_ context.Context) error {
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		a.setError(fmt.Sprintf("session create: %v", err))
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds
	if err := session.Open(); err != nil {
		a.setError(fmt.Sprintf("open failed: %v", err))
		return fmt.Errorf("discord open: %w", err)
	}

	a.mu.Lock()
	a.session = session
	a.connected = true
	a.connectedAt = time.Now()
	a.lastError = ""
	a.mu.Unlock()

	if len(session.State.Guilds) == 0 {
		a.logger.Warn("discord bot is not in any server")
	}
	a.logger.Info("discord announcer connected",
		zap.String("user", session.State.User.Username), zap.String("channel", a.channel))
	return nil
}

func (a *DiscordAnnouncer) setError(msg string) {
	a.mu.Lock()
	a.connected = false
	a.lastError = msg
	a.mu.Unlock()
}

// Announce sends a to the configured channel, prefixed with the agent name.
func (a *DiscordAnnouncer) Announce(_ context.Context, an *Announcement) error {
	a.mu.RLock()
	session := a.session
	a.mu.RUnlock()
	if session == nil {
		return fmt.Errorf("discord: not connected")
	}

	content := fmt.Sprintf("**%s**\n%s", an.Title, an.Content)
	if an.Agent != "" {
		content = fmt.Sprintf("**[%s]** %s", an.Agent, content)
	}
	if _, err := session.ChannelMessageSend(a.channel, content); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Status reports the session state.
func (a *DiscordAnnouncer) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := Status{Platform: "discord", Connected: a.connected, Error: a.lastError}
	if a.connected {
		t := a.connectedAt
		s.ConnectedAt = &t
	}
	return s
}

// Close shuts down the Discord session.
func (a *DiscordAnnouncer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	a.connected = false
	return a.session.Close()
}
