package backend

import (
	"go.uber.org/zap"

	"github.com/nerdneilsfield/go-selection-translator/internal/bus"
	"github.com/nerdneilsfield/go-selection-translator/pkg/translation"
)

// 后端通道上的消息类型
const (
	TypeTranslateRequest = "translate-request"
	TypeCancelRequest    = "cancel-request"
	TypeTranslateResult  = "translate-result"
)

// TranslateRequest 一次批量翻译请求
type TranslateRequest struct {
	RequestID    string                  `json:"requestId"`
	BatchPayload []translation.BatchItem `json:"batchPayload"`
	SourceLang   string                  `json:"sourceLang"`
	TargetLang   string                  `json:"targetLang"`
	Provider     string                  `json:"provider"`
}

// CancelRequest 通知后端放弃某个请求
type CancelRequest struct {
	RequestID string `json:"requestId"`
}

// TranslateResult 后端回复，translatedText 是批量形状的载荷
type TranslateResult struct {
	RequestID      string `json:"requestId"`
	Success        bool   `json:"success"`
	TranslatedText string `json:"translatedText,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Channel 请求方与后端之间的一对单向通道
type Channel struct {
	// Requests 请求方 -> 后端
	Requests *bus.Topic
	// Results 后端 -> 请求方
	Results *bus.Topic
}

// NewChannel 创建通道
func NewChannel(logger *zap.Logger) *Channel {
	return &Channel{
		Requests: bus.NewTopic("backend-requests", logger),
		Results:  bus.NewTopic("backend-results", logger),
	}
}
