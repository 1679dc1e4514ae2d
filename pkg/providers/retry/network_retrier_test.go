package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.NetworkInitialDelay = time.Millisecond
	return cfg
}

func TestClassifyError(t *testing.T) {
	nr := NewNetworkRetrier(DefaultRetryConfig())
	tests := []struct {
		name string
		err  error
		code int
		want ErrorType
	}{
		{"ok", nil, 200, ErrorTypeNone},
		{"refused", syscall.ECONNREFUSED, 0, ErrorTypeNetwork},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("x")}, 0, ErrorTypeNetwork},
		{"eof", io.ErrUnexpectedEOF, 0, ErrorTypeNetwork},
		{"canceled", context.Canceled, 0, ErrorTypePermanent},
		{"other", errors.New("bad config"), 0, ErrorTypePermanent},
		{"5xx", nil, 502, ErrorTypeServerError},
		{"429", nil, 429, ErrorTypeRetryableHTTP},
		{"4xx", nil, 404, ErrorTypeClientError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if tt.code != 0 {
				resp = &http.Response{StatusCode: tt.code}
			}
			assert.Equal(t, tt.want, nr.classifyError(tt.err, resp))
		})
	}
}

func TestCalculateDelay(t *testing.T) {
	nr := NewNetworkRetrier(DefaultRetryConfig())
	assert.Equal(t, time.Second, nr.calculateDelay(false, 1, 0))
	assert.Equal(t, 4*time.Second, nr.calculateDelay(false, 3, 0))
	assert.Equal(t, 30*time.Second, nr.calculateDelay(false, 10, 0))
	assert.Equal(t, 200*time.Millisecond, nr.calculateDelay(true, 5, 2))
	assert.Equal(t, 5*time.Second, nr.calculateDelay(true, 9, 9))
}

func TestExecuteWithRetry(t *testing.T) {
	t.Run("network errors then success", func(t *testing.T) {
		nr := NewNetworkRetrier(fastConfig())
		calls := 0
		resp, err := nr.ExecuteWithRetry(context.Background(), func() (*http.Response, error) {
			calls++
			if calls < 3 {
				return nil, syscall.ECONNRESET
			}
			return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("ok"))}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, 3, calls)
	})

	t.Run("client error is not retried", func(t *testing.T) {
		nr := NewNetworkRetrier(fastConfig())
		calls := 0
		resp, err := nr.ExecuteWithRetry(context.Background(), func() (*http.Response, error) {
			calls++
			return &http.Response{StatusCode: 400, Body: io.NopCloser(strings.NewReader("bad"))}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 400, resp.StatusCode)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		cfg := fastConfig()
		cfg.MaxRetries = 2
		nr := NewNetworkRetrier(cfg)
		calls := 0
		resp, err := nr.ExecuteWithRetry(context.Background(), func() (*http.Response, error) {
			calls++
			return &http.Response{StatusCode: 503, Body: io.NopCloser(strings.NewReader(""))}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 503, resp.StatusCode)
		assert.Equal(t, 3, calls)
	})

	t.Run("cancelled during backoff", func(t *testing.T) {
		cfg := fastConfig()
		cfg.InitialDelay = time.Hour
		nr := NewNetworkRetrier(cfg)
		ctx, cancel := context.WithCancel(context.Background())
		_, err := nr.ExecuteWithRetry(ctx, func() (*http.Response, error) {
			cancel()
			return &http.Response{StatusCode: 500, Body: io.NopCloser(strings.NewReader(""))}, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRetryableHTTPClientReplaysBody(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("done"))
	}))
	defer server.Close()

	client := NewNetworkRetrier(fastConfig()).WrapHTTPClient(server.Client())
	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader("payload"))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "done", string(data))
	assert.Equal(t, int32(2), calls.Load())

	// 无法重放的请求体直接拒绝
	req, err = http.NewRequest(http.MethodPost, server.URL, io.NopCloser(strings.NewReader("x")))
	require.NoError(t, err)
	_, err = client.Do(req)
	assert.Error(t, err)
}
