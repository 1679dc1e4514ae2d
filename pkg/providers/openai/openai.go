package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nerdneilsfield/go-selection-translator/pkg/providers"
)

// Name 提供商名称
const Name = "openai"

const systemPrompt = "You are a professional translator. Translate accurately while preserving the original meaning and tone."

const batchInstruction = `The input contains segments wrapped in @@NODE_START_n@@ and @@NODE_END_n@@ markers.
Translate only the text between the markers. Keep every marker exactly as it is, one per line, in the same order.
Do not merge, split, drop or add segments.`

// getModel 根据字符串获取模型常量
func getModel(model string) openai.ChatModel {
	switch model {
	case "gpt-4o":
		return openai.ChatModelGPT4o
	case "gpt-4o-mini":
		return openai.ChatModelGPT4oMini
	case "gpt-4-turbo":
		return openai.ChatModelGPT4Turbo
	case "gpt-3.5-turbo":
		return openai.ChatModelGPT3_5Turbo
	default:
		// 对于新模型或自定义模型，使用字符串
		return openai.ChatModel(model)
	}
}

// Config OpenAI配置（使用官方SDK）
type Config struct {
	providers.BaseConfig `mapstructure:",squash"`
	Model                string  `json:"model" mapstructure:"model"`
	Temperature          float32 `json:"temperature" mapstructure:"temperature"`
	MaxTokens            int     `json:"max_tokens" mapstructure:"max_tokens"`
	OrgID                string  `json:"org_id,omitempty" mapstructure:"org_id"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		BaseConfig:  providers.DefaultConfig(),
		Model:       "gpt-4o-mini",
		Temperature: 0.3,
		MaxTokens:   4096,
	}
}

// Provider OpenAI提供商
type Provider struct {
	config Config
	client openai.Client
}

var _ providers.TranslationProvider = (*Provider)(nil)

// New 创建新的OpenAI提供商
func New(config Config) *Provider {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}

	if config.APIEndpoint != "" {
		opts = append(opts, option.WithBaseURL(config.APIEndpoint))
	}
	if config.OrgID != "" {
		opts = append(opts, option.WithOrganization(config.OrgID))
	}
	for k, v := range config.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}
	// SDK 自带重试，负数表示使用 SDK 默认值
	if config.MaxRetries >= 0 {
		opts = append(opts, option.WithMaxRetries(config.MaxRetries))
	}

	return &Provider{
		config: config,
		client: openai.NewClient(opts...),
	}
}

// Translate 执行翻译；metadata 中 batch=true 时按节点标记批量翻译
func (p *Provider) Translate(ctx context.Context, req *providers.ProviderRequest) (*providers.ProviderResponse, error) {
	system := systemPrompt
	if batch, ok := req.Metadata["batch"].(bool); ok && batch {
		system += "\n\n" + batchInstruction
	}
	if instruction, ok := req.Metadata["instruction"].(string); ok && instruction != "" {
		system += "\n\n" + instruction
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(fmt.Sprintf("Translate the following text from %s to %s:\n\n%s",
			languageOrAuto(req.SourceLanguage), req.TargetLanguage, req.Text)),
	}

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    getModel(p.config.Model),
	}
	if p.config.Temperature > 0 {
		params.Temperature = openai.Float(float64(p.config.Temperature))
	}
	if p.config.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.config.MaxTokens))
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, providers.NewError("empty_response", "no choices returned from OpenAI")
	}

	return &providers.ProviderResponse{
		Text:      completion.Choices[0].Message.Content,
		Model:     completion.Model,
		TokensIn:  int(completion.Usage.PromptTokens),
		TokensOut: int(completion.Usage.CompletionTokens),
		Metadata: map[string]interface{}{
			"finish_reason": string(completion.Choices[0].FinishReason),
			"id":            completion.ID,
		},
	}, nil
}

func languageOrAuto(lang string) string {
	if strings.TrimSpace(lang) == "" || lang == "auto" {
		return "the detected source language"
	}
	return lang
}

// GetName 获取提供商名称
func (p *Provider) GetName() string {
	return Name
}

// GetCapabilities 获取提供商能力
func (p *Provider) GetCapabilities() providers.Capabilities {
	return providers.Capabilities{
		MaxTextLength:  48000,
		SupportsBatch:  true,
		RequiresAPIKey: true,
	}
}
