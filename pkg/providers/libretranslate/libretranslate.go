package libretranslate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/text/language"

	"github.com/nerdneilsfield/go-selection-translator/pkg/providers"
	"github.com/nerdneilsfield/go-selection-translator/pkg/providers/retry"
)

// Name 提供商名称
const Name = "libretranslate"

// DefaultEndpoint 官方服务器
const DefaultEndpoint = "https://libretranslate.com"

// Config LibreTranslate配置
type Config struct {
	providers.BaseConfig `mapstructure:",squash"`
	// 服务器是否需要API密钥
	RequiresAPIKey bool              `json:"requires_api_key" mapstructure:"requires_api_key"`
	Retry          retry.RetryConfig `json:"retry" mapstructure:"retry"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	config := Config{
		BaseConfig: providers.DefaultConfig(),
		Retry:      retry.DefaultRetryConfig(),
	}
	config.APIEndpoint = DefaultEndpoint
	return config
}

// Provider LibreTranslate提供商，逐段翻译
type Provider struct {
	config Config
	client *retry.RetryableHTTPClient
}

var _ providers.TranslationProvider = (*Provider)(nil)

// New 创建新的LibreTranslate提供商
func New(config Config) *Provider {
	if config.APIEndpoint == "" {
		config.APIEndpoint = DefaultEndpoint
	}
	config.APIEndpoint = strings.TrimRight(config.APIEndpoint, "/")
	if config.MaxRetries >= 0 && config.MaxRetries < config.Retry.MaxRetries {
		config.Retry.MaxRetries = config.MaxRetries
	}

	return &Provider{
		config: config,
		client: retry.NewNetworkRetrier(config.Retry).WrapHTTPClient(&http.Client{
			Timeout: config.Timeout,
		}),
	}
}

// Translate 执行翻译
func (p *Provider) Translate(ctx context.Context, req *providers.ProviderRequest) (*providers.ProviderResponse, error) {
	translateReq := TranslateRequest{
		Q:      req.Text,
		Source: NormalizeLanguageCode(req.SourceLanguage),
		Target: NormalizeLanguageCode(req.TargetLanguage),
		Format: "text",
	}
	if translateReq.Target == "auto" {
		return nil, providers.NewError("bad_request", "target language is required")
	}
	if p.config.APIKey != "" {
		translateReq.APIKey = p.config.APIKey
	} else if p.config.RequiresAPIKey {
		return nil, providers.NewError("auth_error", "libretranslate server requires an API key")
	}

	resp, err := p.translate(ctx, translateReq)
	if err != nil {
		return nil, err
	}

	var metadata map[string]interface{}
	if resp.DetectedLanguage != nil {
		metadata = map[string]interface{}{
			"detected_source": resp.DetectedLanguage.Language,
			"confidence":      resp.DetectedLanguage.Confidence,
		}
	}

	return &providers.ProviderResponse{
		Text:     resp.TranslatedText,
		Model:    Name,
		Metadata: metadata,
	}, nil
}

// GetName 获取提供商名称
func (p *Provider) GetName() string {
	return Name
}

// GetCapabilities 获取提供商能力
func (p *Provider) GetCapabilities() providers.Capabilities {
	return providers.Capabilities{
		MaxTextLength:  5000,
		SupportsBatch:  false,
		RequiresAPIKey: p.config.RequiresAPIKey,
	}
}

// translate 执行翻译请求，网络错误和 429/5xx 由重试客户端处理
func (p *Provider) translate(ctx context.Context, req TranslateRequest) (*TranslateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// NewRequestWithContext 会为 bytes.Reader 设置 GetBody，重试时可重放
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.APIEndpoint+"/translate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range p.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, providers.NewError("network_error", fmt.Sprintf("libretranslate request failed: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := resp.Status
		var errorResp ErrorResponse
		if err := json.Unmarshal(respBody, &errorResp); err == nil && errorResp.Error != "" {
			message = errorResp.Error
		}
		return nil, providers.NewError(statusCode(resp.StatusCode), fmt.Sprintf("libretranslate API error: %s", message))
	}

	var translateResp TranslateResponse
	if err := json.Unmarshal(respBody, &translateResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &translateResp, nil
}

func statusCode(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "auth_error"
	case status >= 500:
		return "server_error"
	default:
		return "bad_request"
	}
}

var languageNames = map[string]string{
	"chinese":    "zh",
	"english":    "en",
	"spanish":    "es",
	"french":     "fr",
	"german":     "de",
	"japanese":   "ja",
	"korean":     "ko",
	"portuguese": "pt",
	"russian":    "ru",
	"italian":    "it",
	"arabic":     "ar",
}

// NormalizeLanguageCode 把 BCP 47 标签或英文语言名转为 LibreTranslate 的基础语言代码，空值视为自动检测
func NormalizeLanguageCode(lang string) string {
	lower := strings.ToLower(strings.TrimSpace(lang))
	if lower == "" || lower == "auto" {
		return "auto"
	}
	if code, ok := languageNames[lower]; ok {
		return code
	}
	tag, err := language.Parse(lower)
	if err != nil {
		return lower
	}
	base, _ := tag.Base()
	return base.String()
}

// TranslateRequest 翻译请求
type TranslateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

// TranslateResponse 翻译响应
type TranslateResponse struct {
	TranslatedText   string `json:"translatedText"`
	DetectedLanguage *struct {
		Confidence float64 `json:"confidence"`
		Language   string  `json:"language"`
	} `json:"detectedLanguage,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error string `json:"error"`
}
