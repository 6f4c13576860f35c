package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rcli/relay/pkg/memory"
	"github.com/rcli/relay/pkg/skills"
)

// VectorRanker orders tools by embedding similarity between the message and
// each tool's description. Tool vectors are indexed lazily in a vector
// store. Any embedding or store failure falls back to keyword ranking.
type VectorRanker struct {
	store      memory.VectorStore
	embedder   memory.Embedder
	collection string
	fallback   Ranker
	logger     *slog.Logger

	mu      sync.Mutex
	created bool
	indexed map[string]bool
}

// NewVectorRanker ranks with embedder against store's collection.
func NewVectorRanker(store memory.VectorStore, embedder memory.Embedder, collection string, logger *slog.Logger) *VectorRanker {
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorRanker{
		store:      store,
		embedder:   embedder,
		collection: collection,
		fallback:   KeywordRanker{},
		logger:     logger,
		indexed:    make(map[string]bool),
	}
}

// Rank implements Ranker.
func (v *VectorRanker) Rank(ctx context.Context, message string, tools []*skills.Tool) ([]*skills.Tool, error) {
	ranked, err := v.rank(ctx, message, tools)
	if err != nil {
		v.logger.WarnContext(ctx, "budget.vector.fallback", slog.String("error", err.Error()))
		return v.fallback.Rank(ctx, message, tools)
	}
	return ranked, nil
}

func (v *VectorRanker) rank(ctx context.Context, message string, tools []*skills.Tool) ([]*skills.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	if err := v.Index(ctx, tools); err != nil {
		return nil, err
	}
	vec, err := v.embedder.Embed(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("embed message: %w", err)
	}
	hits, err := v.store.Search(ctx, v.collection, vec, len(tools), 0)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float32, len(hits))
	for _, h := range hits {
		if name := h.Point.Tool(); name != "" {
			scores[name] = h.Score
		}
	}
	base, _ := v.fallback.Rank(ctx, message, tools)
	sort.SliceStable(base, func(i, j int) bool {
		si, iok := scores[base[i].QualifiedName()]
		sj, jok := scores[base[j].QualifiedName()]
		if iok != jok {
			return iok
		}
		return si > sj
	})
	return base, nil
}

// Index embeds and stores the tools not yet indexed.
func (v *VectorRanker) Index(ctx context.Context, tools []*skills.Tool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var pending []*skills.Tool
	var texts []string
	for _, t := range tools {
		if !v.indexed[t.QualifiedName()] {
			pending = append(pending, t)
			texts = append(texts, toolText(t))
		}
	}
	if len(pending) == 0 {
		return nil
	}
	vecs, err := memory.EmbedAll(ctx, v.embedder, texts)
	if err != nil {
		return fmt.Errorf("embed %d tools: %w", len(pending), err)
	}
	if len(vecs) != len(pending) {
		return fmt.Errorf("embedder returned %d vectors for %d tools", len(vecs), len(pending))
	}
	points := make([]memory.Point, len(pending))
	for i, t := range pending {
		points[i] = memory.Point{
			ID:      PointID(t.QualifiedName()),
			Vector:  vecs[i],
			Payload: map[string]any{"tool": t.QualifiedName(), "skill": t.SkillName()},
		}
	}
	if !v.created {
		// The collection may exist from an earlier run; Upsert reports real
		// failures.
		if err := v.store.CreateCollection(ctx, v.collection, uint64(len(points[0].Vector))); err != nil {
			v.logger.DebugContext(ctx, "budget.vector.collection", slog.String("error", err.Error()))
		}
		v.created = true
	}
	if err := v.store.Upsert(ctx, v.collection, points); err != nil {
		return err
	}
	for _, p := range points {
		v.indexed[p.Tool()] = true
	}
	return nil
}

// PointID derives a stable UUID for a tool so re-indexing overwrites.
func PointID(qualifiedName string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("relay:tool:"+qualifiedName)).String()
}

func toolText(t *skills.Tool) string {
	text := t.QualifiedName() + ": " + t.Description()
	if c := t.Category(); c != "" {
		text += " (" + c + ")"
	}
	return text
}
