package memory

import (
	"sync"
	"time"
)

// Turn is one line of dialogue as seen by an agent.
type Turn struct {
	Speaker   string    `json:"speaker"`
	Topic     string    `json:"topic,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationBuffer keeps the most recent dialogue turns an agent took part in.
type ConversationBuffer struct {
	mu    sync.Mutex
	max   int
	turns []Turn
}

// NewConversationBuffer creates a buffer holding at most max turns (50 if max <= 0).
func NewConversationBuffer(max int) *ConversationBuffer {
	if max <= 0 {
		max = 50
	}
	return &ConversationBuffer{max: max}
}

// Add appends a turn, dropping the oldest beyond capacity.
func (b *ConversationBuffer) Add(t Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	b.turns = append(b.turns, t)
	if over := len(b.turns) - b.max; over > 0 {
		b.turns = append(b.turns[:0:0], b.turns[over:]...)
	}
}

// Recent returns the last limit turns in order.
func (b *ConversationBuffer) Recent(limit int) []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if limit > 0 && len(b.turns) > limit {
		start = len(b.turns) - limit
	}
	return append([]Turn(nil), b.turns[start:]...)
}

// ByTopic returns the buffered turns tagged with topic.
func (b *ConversationBuffer) ByTopic(topic string) []Turn {
	return b.filter(func(t Turn) bool { return t.Topic == topic })
}

func (b *ConversationBuffer) filter(keep func(Turn) bool) []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Turn
	for _, t := range b.turns {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}
