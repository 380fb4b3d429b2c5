package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// OpenAI calls an OpenAI-compatible /v1/embeddings endpoint.
type OpenAI struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

type openAIRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed returns one vector per text, in input order.
func (c *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return batched(ctx, texts, c.cfg.BatchSize, c.call)
}

func (c *OpenAI) call(ctx context.Context, texts []string) ([][]float32, error) {
	headers := map[string]string{}
	if c.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.cfg.APIKey
	}
	var resp openAIResponse
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/embeddings"
	err := postJSON(ctx, c.client, url, headers, openAIRequest{
		Model:      c.cfg.Model,
		Input:      texts,
		Dimensions: c.cfg.Dimensions,
	}, &resp)
	if err != nil {
		return nil, err
	}

	// The API may return entries out of order; place them by index.
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	c.logger.Debug("embedded", zap.Int("inputs", len(texts)), zap.Int("tokens", resp.Usage.TotalTokens))
	return vecs, nil
}
