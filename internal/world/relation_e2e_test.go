//go:build e2e

package world

import (
	"context"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/campus-world/internal/agent"
	"github.com/nidhogg/campus-world/internal/dialogue"
	"github.com/nidhogg/campus-world/internal/memory"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"
)

func TestRelationGraphStrengthensAndDecays(t *testing.T) {
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	if err != nil {
		t.Fatalf("start neo4j: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatal(err)
	}
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.NoAuth())
	if err != nil {
		t.Fatal(err)
	}
	defer driver.Close(ctx)

	reg := agent.NewRegistry()
	reg.Register(agent.NewExpert(agent.Persona{Name: "李老师", IsExpert: true}, agent.Deps{}, nil).Agent)
	reg.Register(agent.NewStudent(agent.Persona{Name: "小明"}, agent.Deps{}).Agent)

	g := NewRelationGraph(driver, reg, 0.3, 0.1, zap.NewNop())
	tr := &dialogue.Transcript{Location: "教室", Topic: "学术讨论", Date: "2025-03-10", TimeSlot: "morning_2", Participants: []string{"李老师", "小明", "小红"},
		DialogueHistory: []memory.Turn{{Speaker: "小明", Message: "老师好"}, {Speaker: "李老师", Message: "你好"}}}
	for range 2 {
		if err := g.OnDialogue(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	rels, err := g.Relations(ctx, "李老师")
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 1 || rels[0].To != "小明" || rels[0].Type != RelationMentor {
		t.Fatalf("relations = %+v", rels)
	}
	if s := rels[0].Strength; s < 0.59 || s > 0.61 {
		t.Errorf("strength = %v, want 0.6", s)
	}
	if len(rels[0].History) != 2 {
		t.Errorf("history = %v", rels[0].History)
	}

	g.OnDayEnd(ctx, 1, tr.CreatedAt)
	rels, _ = g.Relations(ctx, "小明")
	if len(rels) != 1 || rels[0].Type != RelationMentee {
		t.Fatalf("relations = %+v", rels)
	}
	if s := rels[0].Strength; s < 0.49 || s > 0.51 {
		t.Errorf("strength after decay = %v, want 0.5", s)
	}
}
