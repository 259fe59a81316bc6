package agent

import "sync"

// Curriculum is the ordered list of topics an expert teaches, with one
// progress cursor per student.
type Curriculum struct {
	mu     sync.Mutex
	topics []string
	cursor map[string]int
}

// NewCurriculum creates a curriculum over topics.
func NewCurriculum(topics []string) *Curriculum {
	return &Curriculum{
		topics: append([]string(nil), topics...),
		cursor: make(map[string]int),
	}
}

// Topics returns the curriculum topics in order.
func (c *Curriculum) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

// Next returns the student's next topic and advances their cursor. Once the
// list is exhausted the cursor restarts at index 1, so the first topic is
// only taught on the first pass. An empty curriculum returns false.
func (c *Curriculum) Next(student string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.topics)
	if n == 0 {
		return "", false
	}
	i := c.cursor[student]
	if i >= n {
		i = 0
	}
	topic := c.topics[i]
	next := i + 1
	if next >= n {
		next = 1
		if next >= n {
			next = 0
		}
	}
	c.cursor[student] = next
	return topic, true
}

// Progress returns each student's cursor, the index of their next topic.
func (c *Curriculum) Progress() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.cursor))
	for student, i := range c.cursor {
		out[student] = i
	}
	return out
}
