// Package ollama embeds text with a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcli/relay/pkg/errors"
	"github.com/rcli/relay/pkg/memory"
)

const DefaultBaseURL = "http://localhost:11434"

// maxBatch bounds the inputs sent in one /api/embed request.
const maxBatch = 64

// Embedder calls /api/embed. It implements memory.BatchEmbedder so tool
// indexing costs one request per batch rather than one per tool.
type Embedder struct {
	endpoint string
	model    string
	client   *http.Client
}

var _ memory.BatchEmbedder = (*Embedder)(nil)

func NewEmbedder(baseURL, model string) *Embedder {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Embedder{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/embed",
		model:    model,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))
		vecs, err := e.post(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *Embedder) post(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "encode embed request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	fail := func(msg string, cause error) *errors.RelayError {
		return errors.New(errors.CodeLLMError, msg, cause).WithContext("model", e.model)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fail("embed request failed", err).WithRecoverable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fail("embed returned "+resp.Status, nil).
			WithContext("body", strings.TrimSpace(string(snippet))).
			WithRecoverable(resp.StatusCode >= 500)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fail("decode embed response", err)
	}
	if len(decoded.Embeddings) != len(texts) {
		return nil, fail("embed returned "+strconv.Itoa(len(decoded.Embeddings))+" vectors for "+
			strconv.Itoa(len(texts))+" inputs", nil)
	}
	for _, v := range decoded.Embeddings {
		if len(v) == 0 {
			return nil, fail("empty embedding", nil)
		}
	}
	return decoded.Embeddings, nil
}
