// Package dialogue runs the conversations between co-located agents and
// persists what was said.
package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/campus-world/internal/memory"
)

// Transcript is the record of one completed dialogue.
type Transcript struct {
	ID              string        `json:"id"`
	Location        string        `json:"location"`
	Topic           string        `json:"topic"`
	Participants    []string      `json:"participants"`
	TimeSlot        string        `json:"time_slot"`
	Date            string        `json:"date"`
	Mode            string        `json:"mode"`
	DialogueHistory []memory.Turn `json:"dialogue_history"`
	Summary         string        `json:"summary"`
	LogFile         string        `json:"log_file,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

func newTranscript(loc, topic, mode string, slot Slot, participants []string, history []memory.Turn, now time.Time) *Transcript {
	return &Transcript{
		ID:              uuid.NewString(),
		Location:        loc,
		Topic:           topic,
		Participants:    participants,
		TimeSlot:        slot.TimeSlot,
		Date:            slot.Date,
		Mode:            mode,
		DialogueHistory: history,
		Summary:         fmt.Sprintf("关于'%s'的%d轮对话", topic, len(history)),
		CreatedAt:       now,
	}
}

// Speakers returns the participants who spoke, in first-speaking order.
func (t *Transcript) Speakers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, turn := range t.DialogueHistory {
		if !seen[turn.Speaker] {
			seen[turn.Speaker] = true
			out = append(out, turn.Speaker)
		}
	}
	return out
}

// Sink stores transcripts and returns a reference to the stored artifact.
type Sink interface {
	Save(ctx context.Context, t *Transcript) (string, error)
}

// Observer is told about every transcript after participants have
// remembered it.
type Observer interface {
	OnDialogue(ctx context.Context, t *Transcript) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t *Transcript) error

func (f ObserverFunc) OnDialogue(ctx context.Context, t *Transcript) error { return f(ctx, t) }

// FileSink writes one indented JSON file per transcript.
type FileSink struct {
	dir string
}

// NewFileSink creates a sink writing into dir, created on first use.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// FileName is dialogue_log_{location}_{YYYYMMDD_HHMMSS}.json, spaces in the
// location replaced by underscores.
func FileName(location string, at time.Time) string {
	return fmt.Sprintf("dialogue_log_%s_%s.json", strings.ReplaceAll(location, " ", "_"), at.Format("20060102_150405"))
}

// Save writes t under FileName. When that file already exists, from another
// dialogue at the same place in the same second, a _2, _3, ... suffix is added.
func (s *FileSink) Save(_ context.Context, t *Transcript) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal transcript: %w", err)
	}
	base := strings.TrimSuffix(FileName(t.Location, t.CreatedAt), ".json")
	for n := 1; ; n++ {
		name := base + ".json"
		if n > 1 {
			name = fmt.Sprintf("%s_%d.json", base, n)
		}
		path := filepath.Join(s.dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("write transcript: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("write transcript: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("write transcript: %w", err)
		}
		return path, nil
	}
}

// MaxTurns caps every dialogue regardless of rounds.
const MaxTurns = 20

var closingKeywords = []string{"结束", "完成", "同意", "明白了"}

// Finished reports whether a dialogue should stop: the turn cap is reached
// or one of the last three turns contains a closing keyword.
func Finished(history []memory.Turn) bool {
	if len(history) >= MaxTurns {
		return true
	}
	start := max(len(history)-3, 0)
	for _, t := range history[start:] {
		for _, kw := range closingKeywords {
			if strings.Contains(t.Message, kw) {
				return true
			}
		}
	}
	return false
}

// Conversation is the outcome of running one dialogue.
type Conversation struct {
	History []memory.Turn
	// Rounds lists who took part in each round.
	Rounds [][]string
}

// Log keeps the most recent transcripts in memory. It serves listings when no
// database is configured.
type Log struct {
	mu       sync.RWMutex
	capacity int
	items    []*Transcript
}

// NewLog creates a log holding up to capacity transcripts.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 500
	}
	return &Log{capacity: capacity}
}

// OnDialogue appends t, dropping the oldest transcript when full.
func (l *Log) OnDialogue(_ context.Context, t *Transcript) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == l.capacity {
		l.items = l.items[1:]
	}
	l.items = append(l.items, t)
	return nil
}

// Transcripts returns up to limit transcripts newest first, only those agent
// took part in when agent is set.
func (l *Log) Transcripts(_ context.Context, agent string, limit int) ([]*Transcript, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Transcript
	for i := len(l.items) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		t := l.items[i]
		if agent == "" || slices.Contains(t.Participants, agent) {
			out = append(out, t)
		}
	}
	return out, nil
}
