package adjudicate

import (
	"context"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"

	"github.com/concilia-hq/concilia/config"
)

func newTestClient() *Client {
	return NewClient(config.ArbiterConfig{
		URL:        "https://arbiter.test/v1/messages",
		APIKey:     "test-key",
		Model:      "judge-1",
		TimeoutSec: 5,
	})
}

func TestJudge_ParsesVerdict(t *testing.T) {
	client := newTestClient()
	httpmock.ActivateNonDefault(client.http)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://arbiter.test/v1/messages",
		httpmock.NewStringResponder(200,
			`{"content":[{"type":"text","text":"{\"is_match\":true,\"confidence\":0.93,\"rationale\":\"same vendor and amount within 2%\"}"}]}`))

	verdict, err := client.Judge(context.Background(), "OXXO 450.00 MXN 2026-03-02", "OXXO GAS 455.00 MXN 2026-03-03")
	assert.NoError(t, err)
	assert.True(t, verdict.IsMatch)
	assert.InDelta(t, 0.93, verdict.Confidence, 1e-9)
	assert.NotEmpty(t, verdict.Rationale)
}

func TestJudge_VerdictWrappedInProse(t *testing.T) {
	client := newTestClient()
	httpmock.ActivateNonDefault(client.http)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://arbiter.test/v1/messages",
		httpmock.NewStringResponder(200,
			`{"content":[{"type":"text","text":"Here is my judgment: {\"is_match\":false,\"confidence\":0.4,\"rationale\":\"different vendors\"} Hope that helps."}]}`))

	verdict, err := client.Judge(context.Background(), "a", "b")
	assert.NoError(t, err)
	assert.False(t, verdict.IsMatch)
}

func TestJudge_MissingAPIKey(t *testing.T) {
	client := NewClient(config.ArbiterConfig{URL: "https://arbiter.test", TimeoutSec: 5})

	_, err := client.Judge(context.Background(), "a", "b")
	assert.Error(t, err)
}

func TestJudge_ClientErrorNotRetried(t *testing.T) {
	client := newTestClient()
	httpmock.ActivateNonDefault(client.http)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://arbiter.test/v1/messages",
		httpmock.NewStringResponder(400, `{"error":"bad request"}`))

	_, err := client.Judge(context.Background(), "a", "b")
	assert.Error(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestParseVerdict_ConfidenceOutOfRange(t *testing.T) {
	_, err := parseVerdict(`{"is_match":true,"confidence":1.7,"rationale":"x"}`)
	assert.Error(t, err)
}

func TestParseVerdict_NoJSON(t *testing.T) {
	_, err := parseVerdict("I cannot decide.")
	assert.Error(t, err)
}
