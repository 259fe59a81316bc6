package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/campus-world/internal/dialogue"
	"github.com/nidhogg/campus-world/internal/memory"
	"github.com/nidhogg/campus-world/internal/world"
)

// previewTurns is how many turns of a dialogue an announcement quotes.
const previewTurns = 3

// Record tracks a sent announcement.
type Record struct {
	Announcement *Announcement `json:"announcement"`
	SentAt       time.Time     `json:"sent_at"`
	Targets      []string      `json:"targets"`
	Error        string        `json:"error,omitempty"`
}

// Broadcaster turns simulation events into announcements and keeps a history
// of what was sent.
type Broadcaster struct {
	gateway *Gateway
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	history []Record
}

// NewBroadcaster creates a broadcaster backed by gw.
func NewBroadcaster(gw *Gateway, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{gateway: gw, now: time.Now, logger: logger}
}

// Send broadcasts an announcement and records it in the history.
func (b *Broadcaster) Send(ctx context.Context, a *Announcement) error {
	if a.Type == "" {
		return fmt.Errorf("announcement type is required")
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = b.now()
	}
	b.logger.Info("sending announcement",
		zap.String("type", string(a.Type)), zap.String("title", a.Title), zap.String("agent", a.Agent))

	err := b.gateway.Broadcast(ctx, a)
	rec := Record{Announcement: a, SentAt: b.now(), Targets: b.gateway.Platforms()}
	if err != nil {
		rec.Error = err.Error()
	}
	b.mu.Lock()
	b.history = append(b.history, rec)
	b.mu.Unlock()
	return err
}

// History returns the latest limit records, oldest first.
func (b *Broadcaster) History(limit int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]Record, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}

// OnDialogue announces a finished dialogue with its opening lines.
func (b *Broadcaster) OnDialogue(ctx context.Context, t *dialogue.Transcript) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s，%s：%s\n", t.Date, t.TimeSlot, t.Location, strings.Join(t.Participants, "、"))
	for i, turn := range t.DialogueHistory {
		if i == previewTurns {
			fmt.Fprintf(&sb, "……（共%d轮）", len(t.DialogueHistory))
			break
		}
		fmt.Fprintf(&sb, "%s: %s\n", turn.Speaker, memory.Clip(turn.Message, 80))
	}
	return b.Send(ctx, &Announcement{
		Type:    AnnounceDialogue,
		Title:   fmt.Sprintf("关于「%s」的对话", t.Topic),
		Content: strings.TrimRight(sb.String(), "\n"),
	})
}

// OnDayEnd announces the end of a simulated day.
func (b *Broadcaster) OnDayEnd(ctx context.Context, day int, date time.Time) {
	err := b.Send(ctx, &Announcement{
		Type:    AnnounceDay,
		Title:   fmt.Sprintf("第%d天结束", day),
		Content: date.Format(world.DateLayout),
	})
	if err != nil {
		b.logger.Warn("day announcement failed", zap.Int("day", day), zap.Error(err))
	}
}

// AnnounceReports posts the exam comparison for every student.
func (b *Broadcaster) AnnounceReports(ctx context.Context, reports []world.Report) error {
	if len(reports) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, r := range reports {
		fmt.Fprintf(&sb, "%s: 前测 %.1f → 后测 %.1f（%+.1f）\n", r.Student, r.Pre, r.Post, r.Improvement)
	}
	return b.Send(ctx, &Announcement{
		Type:    AnnounceExamReport,
		Title:   "考试成绩报告",
		Content: strings.TrimRight(sb.String(), "\n"),
	})
}
