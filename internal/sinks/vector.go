package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/periscope-sec/periscope/internal/models"
)

// Embedder produces a dense vector for an item's text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder is the built-in embedder: a feature-hashed bag of words. It is
// deterministic and dependency-free; swap in a model-backed Embedder when an
// embedding service is available.
type HashEmbedder struct {
	Dim int
}

// Embed hashes tokens into a fixed-size L1-normalized vector.
func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dim := h.Dim
	if dim <= 0 {
		dim = 256
	}
	vec := make([]float32, dim)
	total := 0
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		f := fnv.New32a()
		f.Write([]byte(tok))
		vec[f.Sum32()%uint32(dim)]++
		total++
	}
	if total > 0 {
		for i := range vec {
			vec[i] /= float32(total)
		}
	}
	return vec, nil
}

// vectorDoc is the index upsert payload.
type vectorDoc struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	Severity  string    `json:"severity"`
	Score     int       `json:"score"`
	Vector    []float32 `json:"vector"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VectorSink pushes item embeddings to an HTTP vector index for similarity
// search.
type VectorSink struct {
	endpoint string
	client   *http.Client
	embedder Embedder
}

// NewVectorSink creates a vector sink posting to endpoint. A nil embedder
// falls back to the hash embedder.
func NewVectorSink(endpoint string, client *http.Client, embedder Embedder) *VectorSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if embedder == nil {
		embedder = HashEmbedder{}
	}
	return &VectorSink{endpoint: endpoint, client: client, embedder: embedder}
}

// Name implements Sink.
func (v *VectorSink) Name() string { return "vector" }

// Deliver embeds the item text and upserts it into the index.
func (v *VectorSink) Deliver(ctx context.Context, item *models.Item) error {
	vec, err := v.embedder.Embed(ctx, item.Title+"\n"+item.Body)
	if err != nil {
		return fmt.Errorf("vector embed %s: %w", item.ItemID, err)
	}
	doc := vectorDoc{
		ID:        item.ItemID,
		Title:     item.Title,
		Category:  string(item.Category),
		Severity:  string(item.Severity),
		Score:     item.Score,
		Vector:    vec,
		UpdatedAt: item.LastSeen,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, v.endpoint+"/documents/"+item.ItemID, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("vector upsert %s: %w", item.ItemID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("vector upsert %s: status %d", item.ItemID, resp.StatusCode)
	}
	return nil
}
