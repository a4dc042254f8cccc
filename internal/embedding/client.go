// Package embedding turns chunk text into vectors through an external embedding
// service and drives batched, rate-limited indexing of document chunks.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// Embedder returns one vector per input text, in input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

type ClientConfig struct {
	URL        string // base URL; /embeddings is appended
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to an OpenAI-compatible embeddings endpoint. It makes one request
// per call; retries belong to the Indexer.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	log  *logger.Logger
}

func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: hc, log: log.Component("embedding")}
}

func (c *Client) Dimensions() int { return c.cfg.Dimensions }

// StatusError is a non-2xx reply from the embedding service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("embedding status=%d", e.Code)
	}
	return fmt.Sprintf("embedding status=%d body=%s", e.Code, e.Body)
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.cfg.URL == "" {
		return nil, types.Permanent(types.StageEmbedding, errors.New("embedding service not configured"))
	}
	data, err := json.Marshal(embeddingRequest{Model: c.cfg.Model, Input: texts, Dimensions: c.cfg.Dimensions})
	if err != nil {
		return nil, types.Permanent(types.StageEmbedding, err)
	}

	url := strings.TrimRight(c.cfg.URL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, types.Permanent(types.StageEmbedding, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.Transient(types.StageEmbedding, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, types.Transient(types.StageEmbedding, &StatusError{Code: resp.StatusCode})
	case resp.StatusCode >= 400:
		return nil, types.Permanent(types.StageEmbedding, &StatusError{Code: resp.StatusCode, Body: string(body)})
	}

	var out embeddingResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, types.Transient(types.StageEmbedding, fmt.Errorf("decode embeddings: %w", err))
	}
	if len(out.Data) != len(texts) {
		return nil, types.Transient(types.StageEmbedding,
			fmt.Errorf("embedding count mismatch: sent %d, got %d", len(texts), len(out.Data)))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, types.Transient(types.StageEmbedding, fmt.Errorf("embedding index %d out of range", d.Index))
		}
		vecs[d.Index] = d.Embedding
	}
	c.log.WithField("inputs", len(texts)).Debug("embedded batch")
	return vecs, nil
}
