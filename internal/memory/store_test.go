package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore("小明", nil, zap.NewNop())
	s.SetClock(func() time.Time { return base })
	return s
}

func add(t *testing.T, s *Store, rec Record) {
	t.Helper()
	if err := s.Add(context.Background(), rec); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func TestAddUpsertsByID(t *testing.T) {
	s := newTestStore(t)
	add(t, s, Record{ID: "m1", Type: TypeStudying, Content: "first"})
	add(t, s, Record{ID: "m2", Type: TypeStudying, Content: "other"})
	add(t, s, Record{ID: "m1", Type: TypeStudying, Content: "second"})

	all := s.All()
	if len(all) != 2 {
		t.Fatalf("got %d records, want 2", len(all))
	}
	count := 0
	for _, r := range all {
		if r.ID == "m1" {
			count++
			if r.Content != "second" {
				t.Errorf("m1 content = %q, want second", r.Content)
			}
		}
	}
	if count != 1 {
		t.Errorf("m1 appears %d times", count)
	}
}

func TestAddDefaults(t *testing.T) {
	s := newTestStore(t)
	add(t, s, Record{Type: TypeDialogue, Content: "x"})
	r := s.All()[0]
	if r.ID == "" || !r.Timestamp.Equal(base) || r.Weight != 1.0 {
		t.Errorf("defaults not applied: %+v", r)
	}
}

func TestSearchRanksContentMatchesFirst(t *testing.T) {
	s := newTestStore(t)
	add(t, s, Record{ID: "a", Type: TypeStudying, Content: "复习了化学", Timestamp: base.Add(-time.Hour), Weight: 1})
	add(t, s, Record{ID: "b", Type: TypeDialogue, Content: "讨论物理", Timestamp: base.Add(-time.Hour), Weight: 3})
	add(t, s, Record{ID: "c", Type: TypeDialogue, Content: "物理考试", Timestamp: base.Add(-time.Hour), Weight: 1})

	got := s.Search("物理", 10, "")
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].ID != "b" || got[1].ID != "c" {
		t.Errorf("order = %s,%s; want b,c (weight tie-break)", got[0].ID, got[1].ID)
	}

	if got := s.Search("物理", 10, TypeStudying); len(got) != 0 {
		t.Errorf("type filter ignored: %v", got)
	}
	if got := s.Search("dialogue", 10, ""); len(got) != 2 {
		t.Errorf("type field should count as a partial match, got %d", len(got))
	}
}

func TestSearchRecencyBoost(t *testing.T) {
	s := newTestStore(t)
	add(t, s, Record{ID: "old", Content: "数学", Timestamp: base.Add(-30 * 24 * time.Hour), Weight: 1.15})
	add(t, s, Record{ID: "week", Content: "数学", Timestamp: base.Add(-72 * time.Hour), Weight: 1.0})
	add(t, s, Record{ID: "fresh", Content: "数学", Timestamp: base.Add(-2 * time.Hour), Weight: 1.0})

	got := s.Search("数学", 3, "")
	want := []string{"fresh", "old", "week"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d = %s, want %s (got %v)", i, got[i].ID, id, ids(got))
		}
	}
}

func TestSearchEmptyQueryReturnsRecent(t *testing.T) {
	s := newTestStore(t)
	add(t, s, Record{ID: "1", Content: "a", Timestamp: base.Add(-3 * time.Hour)})
	add(t, s, Record{ID: "2", Content: "b", Timestamp: base.Add(-1 * time.Hour)})
	add(t, s, Record{ID: "3", Content: "c", Timestamp: base.Add(-2 * time.Hour)})

	got := s.Search("", 2, "")
	if len(got) != 2 || got[0].ID != "2" || got[1].ID != "3" {
		t.Errorf("got %v, want [2 3]", ids(got))
	}
}

func TestSearchByTopicPrefersContent(t *testing.T) {
	s := newTestStore(t)
	add(t, s, Record{ID: "nested", Content: "上了一节课", Details: map[string]any{
		"key_points": []any{"老师: 今天讲光合作用"},
	}})
	add(t, s, Record{ID: "direct", Content: "学习了光合作用的原理"})
	add(t, s, Record{ID: "none", Content: "打篮球"})

	got := s.SearchByTopic("光合作用", 10)
	if len(got) != 2 {
		t.Fatalf("got %v", ids(got))
	}
	if got[0].ID != "direct" || got[1].ID != "nested" {
		t.Errorf("order = %v, want [direct nested]", ids(got))
	}
}

func TestNestedScore(t *testing.T) {
	tests := []struct {
		name    string
		details any
		want    float64
	}{
		{"string field", map[string]any{"topic": "Physics"}, 1},
		{"string list", map[string]any{"takeaways": []string{"physics one", "PHYSICS two", "chem"}}, 1},
		{"deep map", map[string]any{"outer": map[string]any{"inner": "physics"}}, 1},
		{"no match", map[string]any{"topic": "biology"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nestedScore(tt.details, "physics"); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpdateWeight(t *testing.T) {
	s := newTestStore(t)
	add(t, s, Record{ID: "m", Content: "x", Weight: 1})
	if err := s.UpdateWeight(context.Background(), "m", 2.5); err != nil {
		t.Fatal(err)
	}
	if w := s.All()[0].Weight; w != 2.5 {
		t.Errorf("weight = %v", w)
	}
	if err := s.UpdateWeight(context.Background(), "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

type failingBackend struct{}

func (failingBackend) Load(context.Context, string) ([]Record, error) { return nil, nil }
func (failingBackend) Save(context.Context, string, Record) error   { return errors.New("disk full") }
func (failingBackend) Close() error                                 { return nil }

func TestAddDoesNotKeepUnpersistedRecord(t *testing.T) {
	s := NewStore("x", failingBackend{}, zap.NewNop())
	if err := s.Add(context.Background(), Record{Content: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if s.Len() != 0 {
		t.Errorf("record kept after failed save")
	}
}

func ids(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
