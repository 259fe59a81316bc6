package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := OpenSQLite(filepath.Join(t.TempDir(), "memory.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLitePersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)

	s, err := Open(ctx, "李老师", b, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ts := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	if err := s.Add(ctx, Record{ID: "t1", Type: TypeTeaching, Content: "向小明教授了力学", Timestamp: ts, Weight: 1.5,
		Details: map[string]any{"topic": "力学", "students": []string{"小明"}}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(ctx, Record{ID: "t2", Type: TypeTeaching, Content: "second", Timestamp: ts}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(ctx, Record{ID: "t1", Type: TypeTeaching, Content: "向小明教授了光学", Timestamp: ts, Weight: 1.5}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateWeight(ctx, "t2", 0.3); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(ctx, "李老师", b, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	all := reopened.All()
	if len(all) != 2 {
		t.Fatalf("got %d records, want 2", len(all))
	}
	if all[0].ID != "t1" || all[0].Content != "向小明教授了光学" {
		t.Errorf("upsert not persisted in place: %+v", all[0])
	}
	if all[1].Weight != 0.3 {
		t.Errorf("weight update not persisted: %v", all[1].Weight)
	}
	if !all[0].Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v", all[0].Timestamp)
	}

	other, err := Open(ctx, "小红", b, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if other.Len() != 0 {
		t.Errorf("owners must be isolated")
	}
}

func TestSQLiteSkipsCorruptRows(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)

	if err := b.Save(ctx, "小明", Record{ID: "good", Type: TypeStudying, Content: "ok", Timestamp: time.Now(), Weight: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.db.Exec(`INSERT INTO memories (owner, id, type, timestamp, content, details, weight, seq)
		VALUES ('小明', 'bad', 'studying', 'not-a-time', 'x', '{}', 1, 99),
		       ('小明', 'bad2', 'studying', '2025-01-01T00:00:00Z', 'x', '{broken', 1, 100)`); err != nil {
		t.Fatal(err)
	}

	s, err := Open(ctx, "小明", b, zap.NewNop())
	if err != nil {
		t.Fatalf("Open must not fail on corrupt rows: %v", err)
	}
	if s.Len() != 1 || s.All()[0].ID != "good" {
		t.Errorf("got %v", ids(s.All()))
	}
}
