package world

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/campus-world/internal/agent"
	"github.com/nidhogg/campus-world/internal/dialogue"
	"go.uber.org/zap"
)

// RelationType categorizes the relationship between two agents.
type RelationType string

const (
	RelationMentor    RelationType = "mentor"
	RelationMentee    RelationType = "mentee"
	RelationClassmate RelationType = "classmate"
	RelationColleague RelationType = "colleague"
)

// Relation is a directed relationship between two agents.
type Relation struct {
	From      string       `json:"from"`
	To        string       `json:"to"`
	Type      RelationType `json:"type"`
	Strength  float64      `json:"strength"` // 0-1
	History   []string     `json:"history"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RelationGraph keeps who talked with whom in Neo4j, on the same Agent
// nodes memories hang off. Strength grows with every dialogue and decays
// at the end of every day.
type RelationGraph struct {
	driver    neo4j.DriverWithContext
	reg       *agent.Registry
	boost     float64
	decayRate float64
	logger    *zap.Logger
}

// NewRelationGraph creates a relation graph backed by driver.
func NewRelationGraph(driver neo4j.DriverWithContext, reg *agent.Registry, boost, decayRate float64, logger *zap.Logger) *RelationGraph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelationGraph{driver: driver, reg: reg, boost: boost, decayRate: decayRate, logger: logger}
}

// RelationTypeOf names the edge from a to b by their roles.
func RelationTypeOf(fromExpert, toExpert bool) RelationType {
	switch {
	case fromExpert && toExpert:
		return RelationColleague
	case fromExpert:
		return RelationMentor
	case toExpert:
		return RelationMentee
	default:
		return RelationClassmate
	}
}

// RecordInteraction strengthens the edge from -> to, creating it if needed,
// and appends summary to its history.
func (g *RelationGraph) RecordInteraction(ctx context.Context, from, to string, typ RelationType, summary string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (a:Agent {name: $from})
		 MERGE (b:Agent {name: $to})
		 MERGE (a)-[r:RELATES_TO {type: $type}]->(b)
		 ON CREATE SET r.strength = 0.0, r.history = []
		 SET r.strength = CASE WHEN r.strength + $boost > 1.0 THEN 1.0 ELSE r.strength + $boost END,
		     r.history = r.history + $summary,
		     r.updated_at = datetime()`,
		map[string]any{
			"from":    from,
			"to":      to,
			"type":    string(typ),
			"boost":   g.boost,
			"summary": summary,
		})
	if err != nil {
		return fmt.Errorf("record interaction: %w", err)
	}
	return nil
}

// Relations returns every outgoing edge of name, strongest first.
func (g *RelationGraph) Relations(ctx context.Context, name string) ([]Relation, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Agent {name: $name})-[r:RELATES_TO]->(b:Agent)
		 RETURN b.name AS to, r.type AS type, r.strength AS strength, r.history AS history, r.updated_at AS updated
		 ORDER BY r.strength DESC`,
		map[string]any{"name": name})
	if err != nil {
		return nil, fmt.Errorf("get relations: %w", err)
	}

	var out []Relation
	for result.Next(ctx) {
		rec := result.Record()
		to, _ := rec.Get("to")
		typ, _ := rec.Get("type")
		strength, _ := rec.Get("strength")
		history, _ := rec.Get("history")
		rel := Relation{From: name}
		rel.To, _ = to.(string)
		if s, ok := typ.(string); ok {
			rel.Type = RelationType(s)
		}
		rel.Strength, _ = strength.(float64)
		if h, ok := history.([]any); ok {
			for _, v := range h {
				if s, ok := v.(string); ok {
					rel.History = append(rel.History, s)
				}
			}
		}
		if updated, ok := rec.Get("updated"); ok {
			if t, ok := updated.(time.Time); ok {
				rel.UpdatedAt = t
			}
		}
		out = append(out, rel)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("get relations: %w", err)
	}
	return out, nil
}

// OnDialogue links every ordered pair of participants who spoke.
func (g *RelationGraph) OnDialogue(ctx context.Context, t *dialogue.Transcript) error {
	summary := fmt.Sprintf("%s %s 在%s讨论了%s", t.Date, t.TimeSlot, t.Location, t.Topic)
	speakers := t.Speakers()
	for _, from := range speakers {
		for _, to := range speakers {
			if from == to {
				continue
			}
			typ := RelationTypeOf(g.isExpert(from), g.isExpert(to))
			if err := g.RecordInteraction(ctx, from, to, typ, summary); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *RelationGraph) isExpert(name string) bool {
	if g.reg == nil {
		return false
	}
	_, err := g.reg.Expert(name)
	return err == nil
}

// OnDayEnd decays every relationship.
func (g *RelationGraph) OnDayEnd(ctx context.Context, day int, _ time.Time) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH ()-[r:RELATES_TO]->()
		 WHERE r.strength > 0
		 SET r.strength = CASE WHEN r.strength - $decay < 0 THEN 0.0 ELSE r.strength - $decay END`,
		map[string]any{"decay": g.decayRate})
	if err != nil {
		g.logger.Warn("relation decay failed", zap.Int("day", day), zap.Error(err))
	}
}
