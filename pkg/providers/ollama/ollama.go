package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nerdneilsfield/go-selection-translator/pkg/providers"
	"github.com/nerdneilsfield/go-selection-translator/pkg/providers/retry"
)

// Name 提供商名称
const Name = "ollama"

// DefaultEndpoint 本地 Ollama 服务
const DefaultEndpoint = "http://localhost:11434"

// Config Ollama配置
type Config struct {
	providers.BaseConfig `mapstructure:",squash"`
	Model                string            `json:"model" mapstructure:"model"`
	Temperature          float32           `json:"temperature" mapstructure:"temperature"`
	MaxTokens            int               `json:"max_tokens" mapstructure:"max_tokens"`
	Retry                retry.RetryConfig `json:"retry" mapstructure:"retry"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	config := Config{
		BaseConfig:  providers.DefaultConfig(),
		Model:       "qwen2.5:7b",
		Temperature: 0.3,
		MaxTokens:   4096,
		Retry:       retry.DefaultRetryConfig(),
	}
	config.APIEndpoint = DefaultEndpoint
	return config
}

// Provider Ollama提供商，每次请求翻译一段文本
type Provider struct {
	config      Config
	retryClient *retry.RetryableHTTPClient
}

var _ providers.TranslationProvider = (*Provider)(nil)

// New 创建新的Ollama提供商
func New(config Config) *Provider {
	if config.APIEndpoint == "" {
		config.APIEndpoint = DefaultEndpoint
	}
	config.APIEndpoint = strings.TrimRight(config.APIEndpoint, "/")

	httpClient := &http.Client{
		Timeout: config.Timeout,
	}

	return &Provider{
		config:      config,
		retryClient: retry.NewNetworkRetrier(config.Retry).WrapHTTPClient(httpClient),
	}
}

// Translate 执行翻译
func (p *Provider) Translate(ctx context.Context, req *providers.ProviderRequest) (*providers.ProviderResponse, error) {
	source := req.SourceLanguage
	if source == "" || source == "auto" {
		source = "the detected source language"
	}
	prompt := fmt.Sprintf("Translate the following text from %s to %s. Keep the line breaks. Only return the translated text without any additional explanations:\n\n%s",
		source, req.TargetLanguage, req.Text)
	if instruction, ok := req.Metadata["instruction"].(string); ok && instruction != "" {
		prompt = instruction + "\n\n" + prompt
	}

	generateReq := GenerateRequest{
		Model:  p.config.Model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": p.config.Temperature,
		},
	}
	if p.config.MaxTokens > 0 {
		generateReq.Options["num_predict"] = p.config.MaxTokens
	}

	resp, err := p.generate(ctx, generateReq)
	if err != nil {
		return nil, err
	}

	return &providers.ProviderResponse{
		Text:      strings.TrimSpace(resp.Response),
		Model:     resp.Model,
		TokensIn:  resp.PromptEvalCount,
		TokensOut: resp.EvalCount,
		Metadata: map[string]interface{}{
			"total_duration": time.Duration(resp.TotalDuration),
		},
	}, nil
}

// GetName 获取提供商名称
func (p *Provider) GetName() string {
	return Name
}

// GetCapabilities 获取提供商能力
func (p *Provider) GetCapabilities() providers.Capabilities {
	return providers.Capabilities{
		MaxTextLength:  8000, // 取决于模型的上下文长度
		SupportsBatch:  false,
		RequiresAPIKey: false,
	}
}

// generate 执行生成请求
func (p *Provider) generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.APIEndpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range p.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.retryClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, providers.NewError("network_error", fmt.Sprintf("ollama request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		message := resp.Status
		var apiErr APIError
		if json.Unmarshal(errBody, &apiErr) == nil && apiErr.ErrorMsg != "" {
			message = apiErr.ErrorMsg
		}
		code := "bad_request"
		if resp.StatusCode >= 500 {
			code = "server_error"
		}
		return nil, providers.NewError(code, fmt.Sprintf("ollama API error: %s", message))
	}

	var generateResp GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&generateResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &generateResp, nil
}

// GenerateRequest 生成请求
type GenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// GenerateResponse 生成响应
type GenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	TotalDuration   int64  `json:"total_duration"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// APIError API错误
type APIError struct {
	ErrorMsg string `json:"error"`
}

func (e *APIError) Error() string {
	return e.ErrorMsg
}
