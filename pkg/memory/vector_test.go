package memory

import (
	"context"
	"testing"
)

type singleEmbedder struct{ calls int }

func (s *singleEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.calls++
	return []float32{float32(len(text))}, nil
}

type batchEmbedder struct {
	singleEmbedder
	batches int
}

func (b *batchEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	b.batches++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text))}
	}
	return out, nil
}

func TestEmbedAll(t *testing.T) {
	texts := []string{"a", "bb", "ccc"}

	single := &singleEmbedder{}
	vecs, err := EmbedAll(context.Background(), single, texts)
	if err != nil || len(vecs) != 3 || vecs[2][0] != 3 {
		t.Fatalf("EmbedAll = %v, %v", vecs, err)
	}
	if single.calls != 3 {
		t.Errorf("single calls = %d", single.calls)
	}

	batch := &batchEmbedder{}
	if _, err := EmbedAll(context.Background(), batch, texts); err != nil {
		t.Fatal(err)
	}
	if batch.batches != 1 || batch.calls != 0 {
		t.Errorf("batches=%d calls=%d, want one batch", batch.batches, batch.calls)
	}
}

func TestPointTool(t *testing.T) {
	if got := (Point{Payload: map[string]any{"tool": "pdf.convert"}}).Tool(); got != "pdf.convert" {
		t.Errorf("Tool() = %q", got)
	}
	if got := (Point{}).Tool(); got != "" {
		t.Errorf("Tool() on empty payload = %q", got)
	}
}
