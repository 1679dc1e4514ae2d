package reverse

import (
	"context"
	"strings"

	"github.com/nerdneilsfield/go-selection-translator/pkg/providers"
)

// Name 提供商名称
const Name = "reverse"

// Provider 逐行反转字符的演示提供商，输出可预测，便于端到端验证
type Provider struct{}

// New 创建 reverse 提供商
func New() *Provider {
	return &Provider{}
}

// Translate 每一行按 rune 反转，行结构保持不变
func (p *Provider) Translate(ctx context.Context, req *providers.ProviderRequest) (*providers.ProviderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lines := strings.Split(req.Text, "\n")
	for i, line := range lines {
		lines[i] = Reverse(line)
	}
	return &providers.ProviderResponse{
		Text:  strings.Join(lines, "\n"),
		Model: Name,
	}, nil
}

// Reverse 按 rune 反转字符串
func Reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

// GetName 获取提供商名称
func (p *Provider) GetName() string {
	return Name
}

// GetCapabilities 获取提供商能力
func (p *Provider) GetCapabilities() providers.Capabilities {
	return providers.Capabilities{}
}
