package qdrant

import (
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
)

func TestPayloadRoundTrip(t *testing.T) {
	in := map[string]interface{}{
		"tool":    "pdf.to_text",
		"enabled": true,
		"rank":    3,
		"score":   0.5,
		"skip":    []string{"dropped"},
	}
	p := toPayload(in)
	if _, ok := p["skip"]; ok {
		t.Fatalf("unsupported payload value should be dropped")
	}
	if got := p["tool"].GetStringValue(); got != "pdf.to_text" {
		t.Fatalf("tool = %q", got)
	}

	out := fromPayload(p)
	if out["tool"] != "pdf.to_text" || out["enabled"] != true {
		t.Fatalf("unexpected payload %#v", out)
	}
	if out["rank"] != int64(3) {
		t.Fatalf("rank = %#v, want int64(3)", out["rank"])
	}
	if out["score"] != 0.5 {
		t.Fatalf("score = %#v", out["score"])
	}
}

func TestFromPayloadIgnoresNullKinds(t *testing.T) {
	out := fromPayload(map[string]*pb.Value{"x": {}})
	if len(out) != 0 {
		t.Fatalf("expected empty payload, got %#v", out)
	}
}
