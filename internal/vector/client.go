// Package vector injects workspace context into prompts by querying a remote
// embedding service. It carries its own bookkeeping table, a preflight
// indexer for docs and history, and a throttled query path with caching.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/errkind"
)

const maxResponseBytes = 4 << 20

// Hit is one retrieved chunk.
type Hit struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Document is one chunk sent for indexing.
type Document struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Client talks to the vector service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client with the configured per-call timeout.
func NewClient(cfg config.VectorConfig) *Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errkind.Upstream("vector encode: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return errkind.Upstream("vector request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errkind.Upstream("vector %s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errkind.Upstream("vector %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return errkind.Upstream("vector %s decode: %v", path, err)
	}
	return nil
}

// Query retrieves the topK most similar chunks within a namespace.
func (c *Client) Query(ctx context.Context, namespace, query string, topK int) ([]Hit, error) {
	var out struct {
		Hits []Hit `json:"hits"`
	}
	err := c.post(ctx, "/query", map[string]any{
		"namespace": namespace,
		"query":     query,
		"topK":      topK,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Hits, nil
}

// Rerank reorders hits by relevance to the query.
func (c *Client) Rerank(ctx context.Context, query string, hits []Hit) ([]Hit, error) {
	var out struct {
		Hits []Hit `json:"hits"`
	}
	err := c.post(ctx, "/rerank", map[string]any{
		"query": query,
		"hits":  hits,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Hits, nil
}

// Upsert indexes a batch of documents into a namespace.
func (c *Client) Upsert(ctx context.Context, namespace string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	return c.post(ctx, "/upsert", map[string]any{
		"namespace": namespace,
		"documents": docs,
	}, nil)
}

// DeleteByFile removes every chunk indexed for a file path.
func (c *Client) DeleteByFile(ctx context.Context, namespace, path string) error {
	return c.post(ctx, "/delete", map[string]any{
		"namespace": namespace,
		"filter":    map[string]any{"path": path},
	}, nil)
}

// chunkText splits text into windows of at most maxChars runes with the
// given rune overlap between consecutive chunks.
func chunkText(text string, maxChars, overlap int) []string {
	if maxChars <= 0 {
		return []string{text}
	}
	if overlap >= maxChars {
		overlap = maxChars / 4
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		if len(runes) == 0 {
			return nil
		}
		return []string{text}
	}
	var out []string
	step := maxChars - overlap
	for start := 0; start < len(runes); start += step {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

func chunkID(prefix string, i int) string { return fmt.Sprintf("%s#%d", prefix, i) }
