package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Persona controls how an agent's announcements look on a platform.
type Persona struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url"`
	Emoji   string `json:"emoji"` // used when IconURL is empty, e.g. ":books:"
}

// SlackAnnouncer posts announcements to one Slack channel.
type SlackAnnouncer struct {
	client   *slack.Client
	channel  string
	personas map[string]*Persona

	mu          sync.RWMutex
	connectedAt time.Time
	lastError   string
	logger      *zap.Logger
}

// NewSlackAnnouncer creates a Slack announcer for botToken (xoxb-...).
func NewSlackAnnouncer(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *SlackAnnouncer {
	return &SlackAnnouncer{
		client:   slack.New(botToken, opts...),
		channel:  channel,
		personas: make(map[string]*Persona),
		logger:   logger,
	}
}

func (a *SlackAnnouncer) Platform() string { return "slack" }

// SetPersona registers the display persona for an agent.
func (a *SlackAnnouncer) SetPersona(agent string, p *Persona) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.personas[agent] = p
}

// Connect checks the token with auth.test.
func (a *SlackAnnouncer) Connect(ctx context.Context) error {
	resp, err := a.client.AuthTestContext(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.lastError = err.Error()
		return fmt.Errorf("slack auth: %w", err)
	}
	a.connectedAt = time.Now()
	a.lastError = ""
	a.logger.Info("slack announcer connected", zap.String("team", resp.Team), zap.String("channel", a.channel))
	return nil
}

// Announce posts a to the configured channel.
func (a *SlackAnnouncer) Announce(ctx context.Context, an *Announcement) error {
	opts := []slack.MsgOption{slack.MsgOptionText(an.Text(), false)}
	opts = append(opts, a.personaOpts(an.Agent)...)

	if _, _, err := a.client.PostMessageContext(ctx, a.channel, opts...); err != nil {
		a.logger.Error("slack send failed", zap.String("channel", a.channel), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

func (a *SlackAnnouncer) personaOpts(agent string) []slack.MsgOption {
	if agent == "" {
		return nil
	}
	a.mu.RLock()
	p, ok := a.personas[agent]
	a.mu.RUnlock()
	if !ok {
		return nil
	}
	opts := []slack.MsgOption{slack.MsgOptionUsername(p.Name)}
	if p.IconURL != "" {
		opts = append(opts, slack.MsgOptionIconURL(p.IconURL))
	} else if p.Emoji != "" {
		opts = append(opts, slack.MsgOptionIconEmoji(p.Emoji))
	}
	return opts
}

// Status reports whether auth.test succeeded.
func (a *SlackAnnouncer) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := Status{Platform: "slack", Error: a.lastError}
	if !a.connectedAt.IsZero() {
		t := a.connectedAt
		s.Connected = true
		s.ConnectedAt = &t
	}
	return s
}

// Close is a no-op; the web API client holds no connection.
func (a *SlackAnnouncer) Close() error { return nil }
