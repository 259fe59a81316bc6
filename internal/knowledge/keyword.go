package knowledge

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// KeywordIndex ranks entries by token overlap with the query. It needs no
// external service and backs up the vector index.
type KeywordIndex struct {
	mu    sync.RWMutex
	items []indexed
	pos   map[string]int
}

type indexed struct {
	id      string
	topic   string
	text    string
	targets map[string]bool
}

// NewKeywordIndex creates an empty index.
func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{pos: make(map[string]int)}
}

func (k *KeywordIndex) Add(_ context.Context, items []Item) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, it := range items {
		text := strings.ToLower(it.Topic + " " + it.Content)
		entry := indexed{id: it.ID, topic: it.Topic, text: text, targets: tokenSet(text)}
		if i, ok := k.pos[it.ID]; ok {
			k.items[i] = entry
			continue
		}
		k.pos[it.ID] = len(k.items)
		k.items = append(k.items, entry)
	}
	return nil
}

// Search scores every entry in topic (all topics when empty). An empty query
// returns the topic's entries in insertion order with score 0.
func (k *KeywordIndex) Search(_ context.Context, query, topic string, limit int) ([]Hit, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	keywords := keywordsOf(q)

	var hits []Hit
	for _, it := range k.items {
		if topic != "" && it.topic != topic {
			continue
		}
		if q == "" {
			hits = append(hits, Hit{ID: it.id})
			continue
		}
		score := keywordSimilarity(keywords, it)
		if strings.Contains(it.text, q) {
			score += 1
		}
		if score > 0 {
			hits = append(hits, Hit{ID: it.id, Score: score / 2})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// keywordSimilarity blends Jaccard overlap with keyword coverage; substring
// hits count 0.7 of an exact token hit.
func keywordSimilarity(keywords []string, it indexed) float64 {
	if len(keywords) == 0 {
		return 0
	}
	var matched int
	var weighted float64
	for _, kw := range keywords {
		if it.targets[kw] {
			matched++
			weighted += 1.0
		} else if strings.Contains(it.text, kw) {
			matched++
			weighted += 0.7
		}
	}
	if matched == 0 {
		return 0
	}
	union := float64(len(keywords) + len(it.targets) - matched)
	jaccard := float64(matched) / math.Max(union, 1)
	coverage := weighted / float64(len(keywords))
	return 0.4*jaccard + 0.6*coverage
}

// tokenize splits text into lowercase word tokens, keeping runs of letters,
// digits and CJK characters.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len([]rune(w)) > 1 {
			out = append(out, w)
		}
	}
	return out
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range tokenize(text) {
		set[w] = true
	}
	return set
}

// keywordsOf tokenizes the query and splits CJK runs into bigrams, since
// Chinese text has no spaces to split on.
func keywordsOf(q string) []string {
	seen := make(map[string]bool)
	var out []string
	push := func(w string) {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	for _, tok := range tokenize(q) {
		r := []rune(tok)
		if !hasHan(r) || len(r) <= 2 {
			push(tok)
			continue
		}
		for i := 0; i+1 < len(r); i++ {
			push(string(r[i : i+2]))
		}
	}
	return out
}

func hasHan(r []rune) bool {
	for _, c := range r {
		if unicode.Is(unicode.Han, c) {
			return true
		}
	}
	return false
}
