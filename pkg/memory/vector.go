package memory

import "context"

// VectorStore indexes embedded tool descriptions for similarity ranking.
// Implementations must be safe for concurrent use.
type VectorStore interface {
	// CreateCollection may fail when the collection already exists.
	CreateCollection(ctx context.Context, name string, vectorSize uint64) error
	Upsert(ctx context.Context, collection string, points []Point) error
	// Search returns at most limit hits ordered by descending score. Hits
	// scoring below minScore are dropped; zero keeps everything.
	Search(ctx context.Context, collection string, vector []float32, limit int, minScore float32) ([]SearchResult, error)
}

// Point is one indexed tool. ID must be a UUID; Payload carries the
// qualified tool name under "tool".
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Tool returns the qualified tool name stored in the payload.
func (p Point) Tool() string {
	name, _ := p.Payload["tool"].(string)
	return name
}

type SearchResult struct {
	ID    string  `json:"id"`
	Score float32 `json:"score"`
	Point Point   `json:"point"`
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder embeds many texts in one round trip, returning vectors in
// input order.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedAll uses EmbedBatch when e supports it and falls back to one Embed
// call per text.
func EmbedAll(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if b, ok := e.(BatchEmbedder); ok {
		return b.EmbedBatch(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
