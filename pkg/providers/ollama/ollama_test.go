package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerdneilsfield/go-selection-translator/pkg/providers"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	config := DefaultConfig()
	config.APIEndpoint = server.URL + "/"
	config.Retry.MaxRetries = 0
	return New(config)
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, DefaultEndpoint, config.APIEndpoint)
	assert.Equal(t, float32(0.3), config.Temperature)
	assert.Equal(t, 4096, config.MaxTokens)

	provider := New(Config{})
	assert.Equal(t, DefaultEndpoint, provider.config.APIEndpoint)
	assert.Equal(t, Name, provider.GetName())
	assert.False(t, provider.GetCapabilities().SupportsBatch)
}

func TestTranslate(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen2.5:7b", req.Model)
		assert.Contains(t, req.Prompt, "Hello, world!")
		assert.Contains(t, req.Prompt, "from en to zh")
		assert.Contains(t, req.Prompt, "Be careful")
		assert.False(t, req.Stream)
		assert.EqualValues(t, 4096, req.Options["num_predict"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GenerateResponse{
			Model:           "qwen2.5:7b",
			Response:        "你好，世界！\n",
			Done:            true,
			TotalDuration:   int64(time.Second),
			PromptEvalCount: 10,
			EvalCount:       5,
		})
	})

	resp, err := provider.Translate(context.Background(), &providers.ProviderRequest{
		Text:           "Hello, world!",
		SourceLanguage: "en",
		TargetLanguage: "zh",
		Metadata:       map[string]interface{}{"instruction": "Be careful"},
	})
	require.NoError(t, err)
	assert.Equal(t, "你好，世界！", resp.Text)
	assert.Equal(t, 10, resp.TokensIn)
	assert.Equal(t, 5, resp.TokensOut)
	assert.Equal(t, time.Second, resp.Metadata["total_duration"])
}

func TestTranslateAutoSource(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Prompt, "from the detected source language to de")
		_ = json.NewEncoder(w).Encode(GenerateResponse{Response: "Hallo"})
	})

	resp, err := provider.Translate(context.Background(), &providers.ProviderRequest{
		Text: "Hello", SourceLanguage: "auto", TargetLanguage: "de",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hallo", resp.Text)
}

func TestTranslateAPIError(t *testing.T) {
	tests := []struct {
		status int
		body   string
		code   string
		msg    string
	}{
		{http.StatusNotFound, `{"error":"model 'x' not found"}`, "bad_request", "model 'x' not found"},
		{http.StatusInternalServerError, `garbage`, "server_error", "500"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := provider.Translate(context.Background(), &providers.ProviderRequest{Text: "x", TargetLanguage: "de"})
			var perr *providers.Error
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.code, perr.Code)
			assert.Contains(t, perr.Message, tt.msg)
		})
	}
}

func TestTranslateContextCanceled(t *testing.T) {
	release := make(chan struct{})
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	// 在 server.Close 之前执行，放行仍在阻塞的 handler
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := provider.Translate(ctx, &providers.ProviderRequest{Text: "x", TargetLanguage: "de"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
