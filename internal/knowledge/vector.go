package knowledge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/campus-world/internal/embedding"
	"github.com/nidhogg/campus-world/internal/vectorstore"
)

// embedBatchSize matches the per-request input limit of DashScope embeddings.
const embedBatchSize = 10

// VectorClient is the subset of the Qdrant client the index needs.
type VectorClient interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection string, points []vectorstore.Point) error
	Search(ctx context.Context, collection string, vector []float32, match map[string]string, topK uint64) ([]vectorstore.SearchResult, error)
}

// VectorIndex embeds entries and searches them by cosine similarity in Qdrant.
type VectorIndex struct {
	embedder   embedding.Provider
	client     VectorClient
	collection string
	logger     *zap.Logger
	ready      bool
}

// NewVectorIndex creates an index over one Qdrant collection.
func NewVectorIndex(embedder embedding.Provider, client VectorClient, collection string, logger *zap.Logger) *VectorIndex {
	return &VectorIndex{embedder: embedder, client: client, collection: collection, logger: logger}
}

// pointID maps a knowledge id onto the UUID Qdrant requires, stably.
func pointID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (v *VectorIndex) Add(ctx context.Context, items []Item) error {
	for start := 0; start < len(items); start += embedBatchSize {
		end := min(start+embedBatchSize, len(items))
		chunk := items[start:end]

		texts := make([]string, len(chunk))
		for i, it := range chunk {
			texts[i] = it.Content
		}
		vecs, err := v.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed knowledge batch at %d: %w", start, err)
		}
		if !v.ready {
			dim := v.embedder.Dimension()
			if len(vecs) > 0 && len(vecs[0]) > 0 {
				dim = len(vecs[0])
			}
			if err := v.client.EnsureCollection(ctx, v.collection, uint64(dim)); err != nil {
				return err
			}
			v.ready = true
		}

		points := make([]vectorstore.Point, 0, len(chunk))
		for i, it := range chunk {
			if i >= len(vecs) || len(vecs[i]) == 0 {
				v.logger.Warn("no embedding for knowledge entry", zap.String("id", it.ID))
				continue
			}
			points = append(points, vectorstore.Point{
				ID:      pointID(it.ID),
				Vector:  vecs[i],
				Payload: map[string]string{"kb_id": it.ID, "topic": it.Topic, "source": it.Source},
			})
		}
		if err := v.client.Upsert(ctx, v.collection, points); err != nil {
			return err
		}
	}
	return nil
}

func (v *VectorIndex) Search(ctx context.Context, query, topic string, limit int) ([]Hit, error) {
	vec, err := embedding.EmbedOne(ctx, v.embedder, query)
	if err != nil {
		return nil, err
	}
	var match map[string]string
	if topic != "" {
		match = map[string]string{"topic": topic}
	}
	results, err := v.client.Search(ctx, v.collection, vec, match, uint64(limit))
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if id := r.Payload["kb_id"]; id != "" {
			hits = append(hits, Hit{ID: id, Score: float64(r.Score)})
		}
	}
	return hits, nil
}
