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

// Package adjudicate talks to the LLM service that judges ambiguous
// candidate pairs. The caller owns the budget; this package only makes one
// call per Judge invocation and never retries past its deadline.
package adjudicate

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

	"github.com/concilia-hq/concilia/config"
)

// ErrUnavailable marks an adjudication service outage. Candidates queued for
// arbitration stay proposed and are retried on the next run.
var ErrUnavailable = errors.New("adjudication service unavailable")

const (
	maxRetries   = 3
	initialDelay = 1 * time.Second
	maxTokens    = 512
)

// Verdict is the parsed judgment for one candidate pair.
type Verdict struct {
	IsMatch    bool    `json:"is_match"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Client calls the LLM adjudication endpoint.
type Client struct {
	url    string
	apiKey string
	model  string
	http   *http.Client
}

type chatRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// NewClient builds an adjudication client from the loaded configuration.
func NewClient(conf config.ArbiterConfig) *Client {
	return &Client{
		url:    conf.URL,
		apiKey: conf.APIKey,
		model:  conf.Model,
		http:   &http.Client{Timeout: time.Duration(conf.TimeoutSec) * time.Second},
	}
}

const systemPrompt = `You judge whether a bank transaction and a candidate record describe the same purchase.
Respond with a single JSON object: {"is_match": bool, "confidence": 0.0-1.0, "rationale": "one sentence"}.
Confidence reflects how certain you are, not how close the amounts are.`

// Judge submits one candidate pair and parses the verdict. A service outage
// or exhausted retries returns ErrUnavailable.
func (c *Client) Judge(ctx context.Context, transactionSummary, candidateSummary string) (*Verdict, error) {
	if c.apiKey == "" {
		return nil, errors.New("adjudication api key not set")
	}

	userPrompt := fmt.Sprintf("Bank transaction:\n%s\n\nCandidate record:\n%s", transactionSummary, candidateSummary)
	body, err := json.Marshal(chatRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    systemPrompt,
		Messages:  []chatMessage{{Role: "user", Content: userPrompt}},
	})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := initialDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("adjudication service returned %d: %s", resp.StatusCode, string(respBody))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				continue
			}
			return nil, lastErr
		}

		var parsed chatResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, err
		}
		if len(parsed.Content) == 0 {
			return nil, errors.New("adjudication service returned empty content")
		}

		return parseVerdict(parsed.Content[0].Text)
	}

	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// parseVerdict extracts the JSON verdict, tolerating prose around it.
func parseVerdict(text string) (*Verdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON verdict in response: %q", text)
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &verdict); err != nil {
		return nil, fmt.Errorf("malformed verdict: %w", err)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return nil, fmt.Errorf("verdict confidence out of range: %f", verdict.Confidence)
	}
	return &verdict, nil
}
