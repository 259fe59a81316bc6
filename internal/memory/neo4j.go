package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Neo4jBackend keeps memories as (:Agent)-[:REMEMBERS]->(:Memory) nodes.
type Neo4jBackend struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4jBackend connects to Neo4j and verifies connectivity.
func NewNeo4jBackend(ctx context.Context, uri, user, password string, logger *zap.Logger) (*Neo4jBackend, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &Neo4jBackend{driver: driver, logger: logger}, nil
}

// Driver returns the underlying driver so the relation graph can share it.
func (b *Neo4jBackend) Driver() neo4j.DriverWithContext {
	return b.driver
}

// Save merges the memory node on (owner, id).
func (b *Neo4jBackend) Save(ctx context.Context, owner string, rec Record) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	session := b.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err = session.Run(ctx,
		`MERGE (a:Agent {name: $owner})
		 MERGE (m:Memory {owner: $owner, id: $id})
		 ON CREATE SET m.created_at = datetime()
		 SET m.type = $type, m.timestamp = $ts, m.content = $content,
		     m.details = $details, m.weight = $weight
		 MERGE (a)-[:REMEMBERS]->(m)`,
		map[string]any{
			"owner":   owner,
			"id":      rec.ID,
			"type":    rec.Type,
			"ts":      rec.Timestamp.Format(time.RFC3339Nano),
			"content": rec.Content,
			"details": string(details),
			"weight":  rec.Weight,
		})
	return err
}

// Load returns the owner's memories in creation order. Nodes with missing or
// malformed properties are skipped.
func (b *Neo4jBackend) Load(ctx context.Context, owner string) ([]Record, error) {
	session := b.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Agent {name: $owner})-[:REMEMBERS]->(m:Memory)
		 RETURN m.id AS id, m.type AS type, m.timestamp AS ts, m.content AS content,
		        m.details AS details, m.weight AS weight
		 ORDER BY m.created_at, m.timestamp`,
		map[string]any{"owner": owner})
	if err != nil {
		return nil, err
	}

	var out []Record
	for result.Next(ctx) {
		rec, err := decodeNeo4jRecord(result.Record())
		if err != nil {
			b.logger.Warn("skip unreadable memory node", zap.String("owner", owner), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, result.Err()
}

func decodeNeo4jRecord(row *neo4j.Record) (Record, error) {
	var rec Record
	m := row.AsMap()
	id, ok1 := m["id"].(string)
	typ, ok2 := m["type"].(string)
	ts, ok3 := m["ts"].(string)
	content, ok4 := m["content"].(string)
	weight, ok5 := m["weight"].(float64)
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return rec, fmt.Errorf("missing properties on memory %v", m["id"])
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return rec, err
	}
	rec = Record{ID: id, Type: typ, Timestamp: parsed, Content: content, Weight: weight}
	if details, ok := m["details"].(string); ok && details != "" {
		if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// Close shuts down the driver.
func (b *Neo4jBackend) Close() error {
	return b.driver.Close(context.Background())
}
