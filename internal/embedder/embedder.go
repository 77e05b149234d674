// Package embedder is the narrow client for the external chunking and
// embedding service. The service is an HTTP collaborator; its internals are
// out of scope and every call carries a per-call timeout.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
)

// ChunkPiece is one slice returned by the chunker.
type ChunkPiece struct {
	Text       string `json:"text"`
	SourceType string `json:"source_type"`
	StartLine  int    `json:"start_line"`
}

// Service is what the vectorization worker needs from the external
// collaborator.
type Service interface {
	// Chunk splits source material into vectorisable pieces.
	Chunk(ctx context.Context, text string) ([]ChunkPiece, error)

	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Model identifies the embedding model for provenance columns.
	Model() string
}

// HTTPClient talks to the chunker/embedder over HTTP.
type HTTPClient struct {
	baseURL string
	model   string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL, model string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		model:   model,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Model returns the configured embedding model name.
func (c *HTTPClient) Model() string {
	return c.model
}

type chunkRequest struct {
	Text string `json:"text"`
}

type chunkResponse struct {
	Chunks []ChunkPiece `json:"chunks"`
}

// Chunk calls POST /chunk.
func (c *HTTPClient) Chunk(ctx context.Context, text string) ([]ChunkPiece, error) {
	var out chunkResponse
	if err := c.post(ctx, "/chunk", chunkRequest{Text: text}, &out); err != nil {
		return nil, err
	}
	return out.Chunks, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed calls POST /embed.
func (c *HTTPClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out embedResponse
	if err := c.post(ctx, "/embed", embedRequest{Model: c.model, Texts: texts}, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, cerrors.Newf(cerrors.KindExternal,
			"embedder returned %d vectors for %d texts", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return cerrors.Wrap(cerrors.KindInternal, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return cerrors.Wrap(cerrors.KindInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return cerrors.Wrapf(cerrors.KindExternal, err, "call %s", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return cerrors.Wrapf(cerrors.KindExternal, err, "read %s response", path)
	}
	if resp.StatusCode != http.StatusOK {
		return cerrors.Newf(cerrors.KindExternal, "%s returned %s: %s",
			path, resp.Status, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return cerrors.Wrapf(cerrors.KindExternal, err, "decode %s response", path)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
