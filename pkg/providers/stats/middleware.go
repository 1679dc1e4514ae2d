package stats

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/nerdneilsfield/go-selection-translator/pkg/providers"
)

var nodeStartMarker = regexp.MustCompile(`@@NODE_START_\d+@@`)

// Middleware 统计中间件，包装任意提供商
type Middleware struct {
	next    providers.TranslationProvider
	manager *Manager
}

var _ providers.TranslationProvider = (*Middleware)(nil)

// NewMiddleware 创建统计中间件
func NewMiddleware(next providers.TranslationProvider, manager *Manager) *Middleware {
	return &Middleware{next: next, manager: manager}
}

// Translate 带统计的翻译方法
func (m *Middleware) Translate(ctx context.Context, req *providers.ProviderRequest) (*providers.ProviderResponse, error) {
	start := time.Now()
	resp, err := m.next.Translate(ctx, req)

	result := RequestResult{
		Success:          err == nil,
		Latency:          time.Since(start),
		NodeMarkersFound: len(nodeStartMarker.FindAllString(req.Text, -1)),
	}
	if err != nil {
		result.ErrorType = classifyError(err)
	} else if resp != nil {
		result.TokensIn = resp.TokensIn
		result.TokensOut = resp.TokensOut
		if lost := result.NodeMarkersFound - len(nodeStartMarker.FindAllString(resp.Text, -1)); lost > 0 {
			result.NodeMarkersLost = lost
		}
	}
	m.manager.RecordRequest(m.next.GetName(), result)

	return resp, err
}

// GetName 实现 TranslationProvider
func (m *Middleware) GetName() string {
	return m.next.GetName()
}

// GetCapabilities 实现 TranslationProvider
func (m *Middleware) GetCapabilities() providers.Capabilities {
	return m.next.GetCapabilities()
}

// classifyError 分类错误类型；提供商错误直接使用其错误码
func classifyError(err error) string {
	var perr *providers.Error
	if errors.As(err, &perr) && perr.Code != "" {
		return perr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "context_canceled"
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "rate_limit"):
		return "rate_limit"
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "network"):
		return "network_error"
	case strings.Contains(errStr, "401") || strings.Contains(errStr, "unauthorized"):
		return "auth_error"
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "bad request"):
		return "bad_request"
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "internal server"):
		return "server_error"
	case strings.Contains(errStr, "quota") || strings.Contains(errStr, "limit"):
		return "quota_exceeded"
	default:
		return "unknown_error"
	}
}
