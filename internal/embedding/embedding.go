/*
Copyright 2025 Concilia Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/concilia-hq/concilia/config"
	"github.com/concilia-hq/concilia/internal/cache"
	"github.com/concilia-hq/concilia/model"
)

// ErrUnavailable marks an embedding service outage. The vector layer defers
// the record it was working on; later records retry the service.
var ErrUnavailable = errors.New("embedding service unavailable")

const maxElapsedRetry = 30 * time.Second

// Client fetches text embeddings from the configured service, with a Redis
// cache in front keyed by the SHA-256 of the input text.
type Client struct {
	url    string
	apiKey string
	model  string
	http   *http.Client
	cache  cache.Cache
	ttl    time.Duration
}

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// NewClient builds an embedding client from the loaded configuration.
func NewClient(conf config.EmbeddingConfig, ca cache.Cache) *Client {
	return &Client{
		url:    conf.URL,
		apiKey: conf.APIKey,
		model:  conf.Model,
		http:   &http.Client{Timeout: time.Duration(conf.TimeoutSec) * time.Second},
		cache:  ca,
		ttl:    time.Duration(conf.CacheTTLHours) * time.Hour,
	}
}

func cacheKey(text string) string {
	return "embedding:" + model.HashText(text)
}

// Embed returns the embedding vector for one text, consulting the cache
// first. Transient upstream failures are retried with exponential backoff;
// a still-failing service returns ErrUnavailable.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, errors.New("cannot embed empty text")
	}

	key := cacheKey(text)
	if c.cache != nil {
		var cached []float64
		if err := c.cache.Get(ctx, key, &cached); err == nil && len(cached) > 0 {
			return cached, nil
		}
	}

	var vector []float64
	operation := func() error {
		v, err := c.fetch(ctx, text)
		if err != nil {
			return err
		}
		vector = v
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsedRetry
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if c.cache != nil {
		_ = c.cache.Set(ctx, key, vector, c.ttl)
	}
	return vector, nil
}

func (c *Client) fetch(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(embedRequest{Input: []string{text}, Model: c.model})
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		// Rate limits and server errors are retryable, everything else is not.
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("embedding service returned %d", resp.StatusCode)
		}
		return nil, backoff.Permanent(fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(respBody)))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, backoff.Permanent(err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, backoff.Permanent(errors.New("embedding service returned no vector"))
	}

	return parsed.Data[0].Embedding, nil
}

// CosineSimilarity returns the cosine of the angle between two vectors, or 0
// when either vector is degenerate.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
