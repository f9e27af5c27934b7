package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func completionServer(t *testing.T, content string, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "test-model", body.Model)
		require.Contains(t, body.Messages[1].Content, "Title: Lab 1")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"model":  "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
}

func TestOpenAIEstimatorParsesCompletion(t *testing.T) {
	var calls int32
	server := completionServer(t, `{"summary":"Short lab.","estimatedTime":2,"score":35}`, &calls)
	defer server.Close()

	estimator, err := NewOpenAIEstimator(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL + "/v1",
		Model:   "test-model",
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	estimate, err := estimator.Estimate(context.Background(), EstimateInput{Context: "Title: Lab 1"})
	require.NoError(t, err)
	require.Equal(t, "Short lab.", estimate.Summary)
	require.InDelta(t, 3.5, estimate.Score, 1e-9)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestOpenAIEstimatorDoesNotRetryBadOutput(t *testing.T) {
	var calls int32
	server := completionServer(t, "I cannot help with that.", &calls)
	defer server.Close()

	estimator, err := NewOpenAIEstimator(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL + "/v1", Model: "test-model"})
	require.NoError(t, err)

	_, err = estimator.Estimate(context.Background(), EstimateInput{Context: "Title: Lab 1"})
	require.ErrorIs(t, err, ErrNoJSONObject)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestEstimatorConstructorsRequireKeys(t *testing.T) {
	_, err := NewOpenAIEstimator(OpenAIConfig{})
	require.Error(t, err)

	_, err = NewGeminiEstimator(OpenAIConfig{})
	require.Error(t, err)

	gemini, err := NewGeminiEstimator(OpenAIConfig{APIKey: "k"})
	require.NoError(t, err)
	require.Equal(t, "gemini-2.0-flash", gemini.cfg.Model)
	require.Equal(t, GeminiBaseURL, gemini.cfg.BaseURL)
}
