package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"paper_autopilot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func geminiServer(t *testing.T, text string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/test-model:generateContent", r.URL.Path)
		assert.Equal(t, "KEY", r.URL.Query().Get("key"))

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "application/json", req.GenerationConfig.ResponseMimeType)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]string{{"text": text}}}},
			},
		})
	}))
}

func TestMakeDecision(t *testing.T) {
	srv := geminiServer(t, "```json\n{\"verdict\":\"buy\",\"score\":140,\"reason\":\"trend\"}\n```")
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL, "KEY", "test-model")
	dec, err := c.MakeDecision(context.Background(), "AAPL", map[string][]models.Bar{"15Min": nil}, "stock")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictBuy, dec.Verdict)
	assert.Equal(t, 100.0, dec.Score)
	assert.Equal(t, "trend", dec.Reason)
}

func TestMakeDecisionBadJSON(t *testing.T) {
	srv := geminiServer(t, "I think you should buy")
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL, "KEY", "test-model")
	_, err := c.MakeDecision(context.Background(), "AAPL", nil, "stock")
	require.Error(t, err)
}

func TestMakeDecisionWithoutKey(t *testing.T) {
	_, err := NewClient("", "").MakeDecision(context.Background(), "AAPL", nil, "stock")
	require.ErrorIs(t, err, ErrNotConfigured)
}
