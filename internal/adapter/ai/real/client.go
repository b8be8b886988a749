// Package real implements the embeddings client against an OpenAI-compatible
// /v1/embeddings endpoint.
package real

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"log/slog"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/ai/tokencount"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// maxEmbedTokens is the input budget per text; longer inputs are truncated
// before the request is built so the provider never rejects on length.
const maxEmbedTokens = 8000

// Client implements domain.Embedder against OpenAI-compatible providers.
type Client struct {
	cfg     config.Config
	hc      *http.Client
	counter *tokencount.Counter
}

// readSnippet reads up to n bytes from r for error logs.
func readSnippet(r io.Reader, n int) string {
	if r == nil || n <= 0 {
		return ""
	}
	buf := make([]byte, n)
	m, _ := io.ReadAtLeast(io.LimitReader(r, int64(n)), buf, 0)
	return string(buf[:m])
}

// New constructs an embeddings client with sensible timeouts.
func New(cfg config.Config) *Client {
	timeout := 30 * time.Second
	if cfg.IsDev() {
		timeout = 60 * time.Second
	}
	return &Client{
		cfg:     cfg,
		hc:      &http.Client{Timeout: timeout},
		counter: tokencount.NewCounter(),
	}
}

// Embed calls the embeddings endpoint and returns one vector per input.
func (c *Client) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	if c.cfg.OpenAIAPIKey == "" || c.cfg.EmbeddingsModel == "" {
		// Do not log secrets; only indicate presence
		slog.Error("embeddings credentials missing",
			slog.Bool("has_api_key", c.cfg.OpenAIAPIKey != ""),
			slog.String("model", c.cfg.EmbeddingsModel))
		return nil, fmt.Errorf("op=ai.embed: %w: OPENAI_API_KEY or EMBEDDINGS_MODEL missing", domain.ErrInvalidArgument)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	input := make([]string, len(texts))
	for i, t := range texts {
		input[i] = c.counter.Truncate(t, c.cfg.EmbeddingsModel, maxEmbedTokens)
	}

	body := map[string]any{
		"model": c.cfg.EmbeddingsModel,
		"input": input,
	}
	b, _ := json.Marshal(body)
	var out struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	endpoint := c.cfg.OpenAIBaseURL + "/embeddings"
	op := func() error {
		// Recreate request each attempt to avoid reusing consumed bodies
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.OpenAIAPIKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(r)
		if err != nil {
			observability.EmbedRequestsTotal.WithLabelValues("api", "error").Inc()
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			observability.EmbedRequestsTotal.WithLabelValues("api", "rate_limited").Inc()
			slog.Warn("embeddings provider rate limited",
				slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
			return fmt.Errorf("embed status %d", resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			observability.EmbedRequestsTotal.WithLabelValues("api", "error").Inc()
			slog.Warn("embeddings provider 4xx",
				slog.Int("status", resp.StatusCode),
				slog.String("model", c.cfg.EmbeddingsModel),
				slog.String("endpoint", endpoint),
				slog.String("body", readSnippet(resp.Body, 512)))
			return backoff.Permanent(fmt.Errorf("embed status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			observability.EmbedRequestsTotal.WithLabelValues("api", "error").Inc()
			slog.Error("embeddings provider non-2xx",
				slog.Int("status", resp.StatusCode),
				slog.String("endpoint", endpoint),
				slog.String("body", readSnippet(resp.Body, 512)))
			return fmt.Errorf("embed status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			observability.EmbedRequestsTotal.WithLabelValues("api", "error").Inc()
			slog.Error("embeddings decode error", slog.Any("error", err))
			return err
		}
		observability.EmbedRequestsTotal.WithLabelValues("api", "ok").Inc()
		return nil
	}

	initial, maxInterval, maxElapsed := c.cfg.FetchBackoff()
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initial
	expo.MaxInterval = maxInterval
	expo.MaxElapsedTime = maxElapsed
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return nil, fmt.Errorf("op=ai.embed: %w", err)
	}

	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("op=ai.embed: got %d vectors for %d inputs", len(out.Data), len(texts))
	}
	res := make([][]float32, len(out.Data))
	for i := range out.Data {
		v := make([]float32, len(out.Data[i].Embedding))
		for j := range out.Data[i].Embedding {
			v[j] = float32(out.Data[i].Embedding[j])
		}
		res[i] = v
	}
	return res, nil
}
