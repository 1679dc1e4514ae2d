package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// RetryConfig 重试配置
type RetryConfig struct {
	// 最大重试次数（不含首次请求）
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`

	// 网络错误专用重试次数（快速重试）
	NetworkMaxRetries int `json:"network_max_retries" mapstructure:"network_max_retries"`

	// 初始延迟时间
	InitialDelay time.Duration `json:"initial_delay" mapstructure:"initial_delay"`

	// 最大延迟时间
	MaxDelay time.Duration `json:"max_delay" mapstructure:"max_delay"`

	// 退避因子（指数退避）
	BackoffFactor float64 `json:"backoff_factor" mapstructure:"backoff_factor"`

	// 网络错误的初始延迟（通常更短）
	NetworkInitialDelay time.Duration `json:"network_initial_delay" mapstructure:"network_initial_delay"`

	// 网络错误的最大延迟
	NetworkMaxDelay time.Duration `json:"network_max_delay" mapstructure:"network_max_delay"`
}

// DefaultRetryConfig 返回默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:          3,
		NetworkMaxRetries:   5,
		InitialDelay:        1 * time.Second,
		MaxDelay:            30 * time.Second,
		BackoffFactor:       2.0,
		NetworkInitialDelay: 100 * time.Millisecond,
		NetworkMaxDelay:     5 * time.Second,
	}
}

// ErrorType 错误类型枚举
type ErrorType int

const (
	ErrorTypeNone          ErrorType = iota
	ErrorTypeNetwork                 // 网络瞬时错误
	ErrorTypeRetryableHTTP           // 可重试的HTTP错误
	ErrorTypeClientError             // 客户端错误（4xx）
	ErrorTypeServerError             // 服务端错误（5xx）
	ErrorTypePermanent               // 永久性错误
)

// NetworkRetrier 网络重试器
type NetworkRetrier struct {
	config RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewNetworkRetrier 创建网络重试器
func NewNetworkRetrier(config RetryConfig) *NetworkRetrier {
	return &NetworkRetrier{
		config: config,
		sleep:  sleepContext,
	}
}

// RetryableFunc 可重试的函数类型
type RetryableFunc func() (*http.Response, error)

// ExecuteWithRetry 执行带重试的函数
//
// 网络错误与服务端错误分别计数：网络错误受 NetworkMaxRetries 限制并使用较短的退避，
// 两类错误都受 MaxRetries 限制。最终失败时返回最后一次的响应（如有）和错误。
func (nr *NetworkRetrier) ExecuteWithRetry(ctx context.Context, fn RetryableFunc) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response
	networkRetry := 0

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			closeBody(lastResp)
			return nil, err
		}

		resp, err := fn()
		if err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			closeBody(lastResp)
			return resp, nil
		}

		closeBody(lastResp)
		lastResp, lastErr = resp, err

		errorType := nr.classifyError(err, resp)
		retry, isNetwork := nr.shouldRetry(errorType, attempt, networkRetry)
		if !retry {
			break
		}
		if isNetwork {
			networkRetry++
		}

		if err := nr.sleep(ctx, nr.calculateDelay(isNetwork, attempt+1, networkRetry)); err != nil {
			closeBody(lastResp)
			return nil, err
		}
	}

	if lastErr != nil {
		return lastResp, lastErr
	}
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, errors.New("no response received")
}

// classifyError 分类错误
func (nr *NetworkRetrier) classifyError(err error, resp *http.Response) ErrorType {
	if err != nil {
		if nr.isNetworkError(err) {
			return ErrorTypeNetwork
		}
		return ErrorTypePermanent
	}

	if resp != nil {
		switch {
		case resp.StatusCode >= 500:
			return ErrorTypeServerError
		case resp.StatusCode == http.StatusTooManyRequests:
			return ErrorTypeRetryableHTTP
		case resp.StatusCode >= 400:
			return ErrorTypeClientError
		}
	}

	return ErrorTypeNone
}

// isNetworkError 判断是否为网络错误
func (nr *NetworkRetrier) isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != err {
		if nr.isNetworkError(urlErr.Err) {
			return true
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"network is unreachable",
		"no such host",
		"broken pipe",
		"i/o timeout",
		"eof",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// shouldRetry 判断是否应该重试，第二个返回值表示是否按网络错误处理
func (nr *NetworkRetrier) shouldRetry(errorType ErrorType, attempt, networkRetry int) (bool, bool) {
	switch errorType {
	case ErrorTypeNetwork:
		return attempt < nr.config.MaxRetries &&
			networkRetry < nr.config.NetworkMaxRetries, true

	case ErrorTypeServerError, ErrorTypeRetryableHTTP:
		return attempt < nr.config.MaxRetries, false

	default:
		return false, false
	}
}

// calculateDelay 计算第 retryCount 次重试前的延迟
func (nr *NetworkRetrier) calculateDelay(isNetworkError bool, totalRetry, networkRetry int) time.Duration {
	delay := nr.config.InitialDelay
	maxDelay := nr.config.MaxDelay
	retryCount := totalRetry
	if isNetworkError {
		delay = nr.config.NetworkInitialDelay
		maxDelay = nr.config.NetworkMaxDelay
		retryCount = networkRetry
	}

	// 指数退避
	if retryCount > 1 {
		backoffFactor := nr.config.BackoffFactor
		if backoffFactor <= 1.0 {
			backoffFactor = 2.0
		}
		delay = time.Duration(float64(delay) * math.Pow(backoffFactor, float64(retryCount-1)))
	}

	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// WrapHTTPClient 包装HTTP客户端，添加重试功能
func (nr *NetworkRetrier) WrapHTTPClient(client *http.Client) *RetryableHTTPClient {
	return &RetryableHTTPClient{
		client:  client,
		retrier: nr,
	}
}

// RetryableHTTPClient 可重试的HTTP客户端
type RetryableHTTPClient struct {
	client  *http.Client
	retrier *NetworkRetrier
}

// Do 执行HTTP请求（带重试）；有请求体时 req 必须设置 GetBody
func (rc *RetryableHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.GetBody == nil {
		return nil, fmt.Errorf("request body cannot be replayed for retries")
	}
	return rc.retrier.ExecuteWithRetry(req.Context(), func() (*http.Response, error) {
		attempt := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attempt.Body = body
		}
		return rc.client.Do(attempt)
	})
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
