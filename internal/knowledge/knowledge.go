// Package knowledge is the shared, read-only catalogue of topic-tagged entries
// the expert teaches from.
package knowledge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// MaxContentLength bounds entry text before indexing, in runes.
	MaxContentLength = 6000
	// DefaultTopic is used when an entry has no usable topic field.
	DefaultTopic = "通用"

	truncatedSuffix = " [内容已截断]"
)

// Item is one knowledge entry.
type Item struct {
	ID      string         `json:"id"`
	Topic   string         `json:"topic"`
	Content string         `json:"content"`
	Fields  map[string]any `json:"fields"`
	Source  string         `json:"source"`
	Score   float64        `json:"similarity_score,omitempty"`
}

// Hit is an index match.
type Hit struct {
	ID    string
	Score float64
}

// Index ranks loaded items against a query, optionally within one topic.
type Index interface {
	Add(ctx context.Context, items []Item) error
	Search(ctx context.Context, query, topic string, limit int) ([]Hit, error)
}

// Base holds the loaded items and searches them through an Index. When the
// index fails, the keyword index answers instead.
type Base struct {
	index   Index
	keyword *KeywordIndex
	logger  *zap.Logger

	mu     sync.RWMutex
	items  map[string]Item
	order  []string
	topics map[string]struct{}
}

// New creates an empty knowledge base. A nil index means keyword search only.
func New(index Index, logger *zap.Logger) *Base {
	kw := NewKeywordIndex()
	if index == nil {
		index = kw
	}
	return &Base{
		index:   index,
		keyword: kw,
		logger:  logger,
		items:   make(map[string]Item),
		topics:  make(map[string]struct{}),
	}
}

// LoadFile ingests a JSONL file. A missing file leaves the base empty.
func (b *Base) LoadFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		b.logger.Warn("knowledge base file not found", zap.String("path", path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("open knowledge base: %w", err)
	}
	defer f.Close()
	return b.Load(ctx, f, path)
}

// Load ingests one JSON object per line. Blank, malformed and empty entries
// are skipped and logged.
func (b *Base) Load(ctx context.Context, r io.Reader, source string) error {
	var batch []Item
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		item, err := parseEntry(text, line, source)
		if err != nil {
			b.logger.Warn("skip knowledge entry", zap.String("source", source), zap.Int("line", line), zap.Error(err))
			continue
		}
		batch = append(batch, item)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read knowledge base: %w", err)
	}

	b.mu.Lock()
	for _, it := range batch {
		if _, seen := b.items[it.ID]; !seen {
			b.order = append(b.order, it.ID)
		}
		b.items[it.ID] = it
		b.topics[it.Topic] = struct{}{}
	}
	b.mu.Unlock()

	if err := b.keyword.Add(ctx, batch); err != nil {
		return err
	}
	if idx := b.currentIndex(); idx != Index(b.keyword) {
		if err := idx.Add(ctx, batch); err != nil {
			b.logger.Warn("vector indexing failed, keyword search only", zap.Error(err))
			b.mu.Lock()
			b.index = b.keyword
			b.mu.Unlock()
		}
	}
	b.logger.Info("knowledge base loaded",
		zap.String("source", source), zap.Int("entries", len(batch)), zap.Int("topics", len(b.AllTopics())))
	return nil
}

func parseEntry(text string, line int, source string) (Item, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return Item{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return Item{}, fmt.Errorf("not a JSON object")
	}

	// Decode key order by hand so content and the first-key topic follow the file.
	fields := make(map[string]any)
	var keys []string
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return Item{}, fmt.Errorf("invalid JSON: %w", err)
		}
		key := kt.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return Item{}, fmt.Errorf("invalid JSON: %w", err)
		}
		if _, dup := fields[key]; !dup {
			keys = append(keys, key)
		}
		fields[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return Item{}, fmt.Errorf("invalid JSON: %w", err)
	}

	var parts []string
	for _, k := range keys {
		v := fields[k]
		if v == nil {
			continue
		}
		s := strings.TrimSpace(stringify(v))
		if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "none") {
			continue
		}
		parts = append(parts, "["+k+"]"+s)
	}
	if len(parts) == 0 {
		return Item{}, fmt.Errorf("no usable content fields")
	}
	content := strings.Join(parts, "\n")
	if r := []rune(content); len(r) > MaxContentLength {
		content = string(r[:MaxContentLength]) + truncatedSuffix
	}

	id, _ := fields["id"].(string)
	if id == "" {
		id = fmt.Sprintf("kb_%d_%s", line, uuid.NewString())
	}

	return Item{
		ID:      id,
		Topic:   inferTopic(fields, keys),
		Content: content,
		Fields:  fields,
		Source:  source,
	}, nil
}

// inferTopic takes topic, name or title, then the first key; the first line
// of a string wins, anything else is DefaultTopic.
func inferTopic(fields map[string]any, keys []string) string {
	var candidate any
	for _, k := range []string{"topic", "name", "title"} {
		if v, ok := fields[k]; ok && truthy(v) {
			candidate = v
			break
		}
	}
	if candidate == nil && len(keys) > 0 {
		candidate = keys[0]
	}
	s, ok := candidate.(string)
	if !ok {
		return DefaultTopic
	}
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return DefaultTopic
	}
	return s
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case bool:
		return val
	case json.Number:
		return val.String() != "0"
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	return true
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "True"
		}
		return "False"
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// Search ranks entries by similarity to query, optionally within topic.
// An empty query lists the topic's entries in load order.
func (b *Base) Search(ctx context.Context, query, topic string, limit int) []Item {
	if limit <= 0 {
		limit = 10
	}
	topic = strings.TrimSpace(topic)
	idx := b.currentIndex()
	if strings.TrimSpace(query) == "" {
		idx = b.keyword
	}
	hits, err := idx.Search(ctx, query, topic, limit)
	if err != nil && idx != Index(b.keyword) {
		b.logger.Warn("vector search failed, using keyword index", zap.Error(err))
		hits, err = b.keyword.Search(ctx, query, topic, limit)
	}
	if err != nil {
		b.logger.Warn("knowledge search failed", zap.Error(err))
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Item, 0, len(hits))
	for _, h := range hits {
		it, ok := b.items[h.ID]
		if !ok {
			continue
		}
		it.Score = h.Score
		out = append(out, it)
	}
	return out
}

func (b *Base) currentIndex() Index {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index
}

// GetByTopic returns up to limit entries tagged with topic.
func (b *Base) GetByTopic(ctx context.Context, topic string, limit int) []Item {
	return b.Search(ctx, "", topic, limit)
}

// AllTopics returns every topic seen, sorted.
func (b *Base) AllTopics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of loaded entries.
func (b *Base) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Relevance returns the best similarity of any entry to text, in [0,1].
func (b *Base) Relevance(ctx context.Context, text string) float64 {
	hits := b.Search(ctx, text, "", 1)
	if len(hits) == 0 {
		return 0
	}
	return min(hits[0].Score, 1)
}

// FormatItems renders entries for a prompt, each cut to maxRunes.
func FormatItems(items []Item, maxRunes int) string {
	if len(items) == 0 {
		return "无"
	}
	var sb strings.Builder
	for i, it := range items {
		content := []rune(it.Content)
		if maxRunes > 0 && len(content) > maxRunes {
			content = content[:maxRunes]
		}
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, it.Topic, string(content))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Snippet renders the entry's fields as 【key】value lines, leaving out the id.
func (it Item) Snippet() string {
	var lines []string
	for _, line := range strings.Split(it.Content, "\n") {
		if strings.HasPrefix(line, "[") {
			if end := strings.Index(line, "]"); end > 0 {
				key := line[1:end]
				if key == "id" {
					continue
				}
				line = "【" + key + "】" + line[end+1:]
			}
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
