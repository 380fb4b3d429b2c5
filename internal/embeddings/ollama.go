package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Ollama calls the Ollama /api/embed endpoint.
type Ollama struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one vector per text, in input order.
func (c *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return batched(ctx, texts, c.cfg.BatchSize, c.call)
}

func (c *Ollama) call(ctx context.Context, texts []string) ([][]float32, error) {
	var resp ollamaResponse
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/embed"
	if err := postJSON(ctx, c.client, url, nil, ollamaRequest{Model: c.cfg.Model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if c.cfg.Dimensions > 0 {
		for i, v := range resp.Embeddings {
			if len(v) != c.cfg.Dimensions {
				return nil, fmt.Errorf("embedding %d has %d dimensions, want %d", i, len(v), c.cfg.Dimensions)
			}
		}
	}
	c.logger.Debug("embedded", zap.Int("inputs", len(texts)), zap.String("model", resp.Model))
	return resp.Embeddings, nil
}
