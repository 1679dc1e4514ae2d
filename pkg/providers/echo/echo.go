package echo

import (
	"context"

	"github.com/nerdneilsfield/go-selection-translator/pkg/providers"
)

// Name 提供商名称
const Name = "echo"

// Provider 直接返回原文的提供商，用于调试和恒等测试
type Provider struct{}

// New 创建 echo 提供商
func New() *Provider {
	return &Provider{}
}

// Translate 返回原文
func (p *Provider) Translate(ctx context.Context, req *providers.ProviderRequest) (*providers.ProviderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &providers.ProviderResponse{
		Text:  req.Text,
		Model: Name,
		Metadata: map[string]interface{}{
			"type": "passthrough",
		},
	}, nil
}

// GetName 获取提供商名称
func (p *Provider) GetName() string {
	return Name
}

// GetCapabilities 获取提供商能力
func (p *Provider) GetCapabilities() providers.Capabilities {
	return providers.Capabilities{}
}
