// Package qdrant provides a minimal Qdrant HTTP client implementing the
// vector index port. Points are keyed by a UUID derived from the trial key;
// the trial key itself travels in the payload so search hits can be mapped
// back without a secondary lookup.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// Index is a minimal Qdrant HTTP client bound to one collection.
type Index struct {
	baseURL    string
	apiKey     string
	collection string
	dims       int
	httpClient *http.Client
}

// New constructs an Index for the given collection. dims <= 0 selects the
// pipeline default of 1536.
func New(baseURL, apiKey, collection string, dims int) *Index {
	if dims <= 0 {
		dims = 1536
	}
	return &Index{
		baseURL:    baseURL,
		apiKey:     apiKey,
		collection: collection,
		dims:       dims,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// pointID derives the stable Qdrant point id for a trial key.
func pointID(trialKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(trialKey)).String()
}

// Ensure creates the collection if it does not exist.
func (c *Index) Ensure(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection), nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	payload := map[string]any{
		"vectors": map[string]any{"size": c.dims, "distance": "Cosine"},
	}
	b, _ := json.Marshal(payload)
	req, err = http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection), bytes.NewReader(b))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err = c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant ensure create status %d", resp.StatusCode)
	}
	return nil
}

// Upsert inserts or updates the point for one trial.
func (c *Index) Upsert(ctx context.Context, trialKey string, vec []float32, payload map[string]any) error {
	pl := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		pl[k] = v
	}
	pl["trial_key"] = trialKey

	body := map[string]any{"points": []map[string]any{{
		"id":      pointID(trialKey),
		"vector":  vec,
		"payload": pl,
	}}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s/points", c.baseURL, c.collection), bytes.NewReader(b))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}
	return nil
}

// Search returns hits scoring at or above minScore, best first. filter
// entries become exact-match must clauses on payload fields.
func (c *Index) Search(ctx context.Context, vec []float32, limit int, minScore float64, filter map[string]string) ([]domain.VectorHit, error) {
	body := map[string]any{"vector": vec, "limit": limit, "with_payload": true}
	if minScore > 0 {
		body["score_threshold"] = minScore
	}
	if len(filter) > 0 {
		must := make([]map[string]any, 0, len(filter))
		for k, v := range filter {
			must = append(must, map[string]any{"key": k, "match": map[string]any{"value": v}})
		}
		body["filter"] = map[string]any{"must": must}
	}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, c.collection), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant search status %d", resp.StatusCode)
	}
	var out struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	hits := make([]domain.VectorHit, 0, len(out.Result))
	for _, r := range out.Result {
		key, _ := r.Payload["trial_key"].(string)
		if key == "" {
			continue
		}
		hits = append(hits, domain.VectorHit{TrialKey: key, Score: r.Score})
	}
	return hits, nil
}

// Delete removes the points for the given trial keys.
func (c *Index) Delete(ctx context.Context, trialKeys []string) error {
	if len(trialKeys) == 0 {
		return nil
	}
	ids := make([]string, len(trialKeys))
	for i, k := range trialKeys {
		ids[i] = pointID(k)
	}
	body := map[string]any{"points": ids}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/collections/%s/points/delete", c.baseURL, c.collection), bytes.NewReader(b))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant delete status %d", resp.StatusCode)
	}
	return nil
}

// Ping verifies the Qdrant endpoint is reachable. Used by readiness checks.
func (c *Index) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/collections", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant ping status %d", resp.StatusCode)
	}
	return nil
}

func (c *Index) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
}
