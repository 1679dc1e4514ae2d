package translator

import (
	"time"

	"github.com/nerdneilsfield/go-selection-translator/internal/document"
	"github.com/nerdneilsfield/go-selection-translator/pkg/translation"
)

// Session 一个上下文生命周期内共享的状态，随上下文创建和销毁
type Session struct {
	Cache    *translation.Cache
	Failures *translation.FailureTracker
	Reverts  *document.RevertIndex
}

// NewSession 创建会话状态
func NewSession(policy translation.FailurePolicy) *Session {
	return &Session{
		Cache:    translation.NewCache(),
		Failures: translation.NewFailureTracker(policy),
		Reverts:  document.NewRevertIndex(),
	}
}

// Settings 每次任务提交时读取一次的外部配置
type Settings struct {
	SourceLang string
	TargetLang string
	Provider   string
	JobTimeout time.Duration
}

// SettingsProvider 配置来源
type SettingsProvider interface {
	Settings() Settings
}

// StaticSettings 固定配置
type StaticSettings Settings

// Settings 实现 SettingsProvider
func (s StaticSettings) Settings() Settings {
	return Settings(s)
}
