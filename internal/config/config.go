package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/text/language"

	"github.com/nerdneilsfield/go-selection-translator/internal/backend"
	"github.com/nerdneilsfield/go-selection-translator/internal/correlator"
	"github.com/nerdneilsfield/go-selection-translator/internal/overlay"
	"github.com/nerdneilsfield/go-selection-translator/internal/translator"
	"github.com/nerdneilsfield/go-selection-translator/pkg/providers/libretranslate"
	"github.com/nerdneilsfield/go-selection-translator/pkg/providers/ollama"
	"github.com/nerdneilsfield/go-selection-translator/pkg/providers/openai"
	"github.com/nerdneilsfield/go-selection-translator/pkg/translation"
)

const (
	// EnvPrefix 环境变量前缀，例如 SELECTRANS_TARGET_LANG
	EnvPrefix = "SELECTRANS"
	// ConfigName 默认配置文件名（不含扩展名）
	ConfigName = ".selectrans"
	// AutoDetect 源语言自动检测
	AutoDetect = "auto"
)

// Config 保存选区翻译器的所有配置
type Config struct {
	SourceLang string `mapstructure:"source_lang"`
	TargetLang string `mapstructure:"target_lang"`
	Provider   string `mapstructure:"provider"`
	Debug      bool   `mapstructure:"debug"`

	GraceWindow   time.Duration `mapstructure:"grace_window"`   // 打开弹窗后忽略外部点击的时长
	WindowTimeout time.Duration `mapstructure:"window_timeout"` // 嵌套上下文等待顶层建窗的上限

	PredefinedTranslationsPath string `mapstructure:"predefined_translations_path"` // 预置译文 TOML 文件

	Correlator correlator.Config         `mapstructure:"correlator"`
	Backend    backend.HostConfig        `mapstructure:"backend"`
	Failure    translation.FailurePolicy `mapstructure:"failure"`
	OpenAI     openai.Config             `mapstructure:"openai"`

	LibreTranslate libretranslate.Config `mapstructure:"libretranslate"`
	Ollama         ollama.Config         `mapstructure:"ollama"`
}

// NewDefaultConfig 创建一个新的默认配置
func NewDefaultConfig() *Config {
	return &Config{
		SourceLang:    AutoDetect,
		TargetLang:    "zh",
		Provider:      "openai",
		GraceWindow:   overlay.DefaultGraceWindow,
		WindowTimeout: 5 * time.Second,
		Correlator:    correlator.DefaultConfig(),
		Backend:       backend.DefaultHostConfig(),
		Failure:       translation.DefaultFailurePolicy(),
		OpenAI:        openai.DefaultConfig(),

		LibreTranslate: libretranslate.DefaultConfig(),
		Ollama:         ollama.DefaultConfig(),
	}
}

// LoadConfig 从文件和环境变量加载配置
//
// configPath 为空时依次在家目录和当前目录查找 .selectrans.yaml；找不到文件时使用默认值。
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// API key 没有默认值，需要显式绑定才能参与 Unmarshal
	if err := v.BindEnv("openai.api_key", EnvPrefix+"_OPENAI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("libretranslate.api_key", EnvPrefix+"_LIBRETRANSLATE_API_KEY"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate 检查语言标签与各项数值
func (c *Config) Validate() error {
	if c.SourceLang != AutoDetect {
		if _, err := language.Parse(c.SourceLang); err != nil {
			return fmt.Errorf("invalid source_lang %q: %w", c.SourceLang, err)
		}
	}
	if c.TargetLang == AutoDetect {
		return fmt.Errorf("target_lang cannot be %q", AutoDetect)
	}
	if _, err := language.Parse(c.TargetLang); err != nil {
		return fmt.Errorf("invalid target_lang %q: %w", c.TargetLang, err)
	}
	if c.Provider == "" {
		return fmt.Errorf("provider must be specified")
	}
	if c.Correlator.MaxPayloadChars <= 0 {
		return fmt.Errorf("correlator.max_payload_chars must be positive")
	}
	if c.Correlator.JobTimeout < 0 || c.GraceWindow < 0 || c.WindowTimeout < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	if c.Backend.Workers <= 0 {
		return fmt.Errorf("backend.workers must be positive")
	}
	if c.Failure.MaxAttempts <= 0 {
		return fmt.Errorf("failure.max_attempts must be positive")
	}
	return nil
}

// Settings 实现 translator.SettingsProvider；每次提交任务时读取
func (c *Config) Settings() translator.Settings {
	return translator.Settings{
		SourceLang: c.SourceLang,
		TargetLang: c.TargetLang,
		Provider:   c.Provider,
		JobTimeout: c.Correlator.JobTimeout,
	}
}

// SaveConfig 将配置保存到文件
func SaveConfig(config *Config, configPath string) error {
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		configPath = filepath.Join(home, ConfigName+".yaml")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	for key, value := range config.ToMap() {
		v.Set(key, value)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return err
	}
	return v.WriteConfigAs(configPath)
}

func setDefaults(v *viper.Viper) {
	for key, value := range NewDefaultConfig().ToMap() {
		v.SetDefault(key, value)
	}
}

// ToMap 将配置展开为 viper 的点分 key；API key 不包含在内
func (c *Config) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"source_lang":                  c.SourceLang,
		"target_lang":                  c.TargetLang,
		"provider":                     c.Provider,
		"debug":                        c.Debug,
		"grace_window":                 c.GraceWindow.String(),
		"window_timeout":               c.WindowTimeout.String(),
		"predefined_translations_path": c.PredefinedTranslationsPath,

		"correlator.job_timeout":       c.Correlator.JobTimeout.String(),
		"correlator.max_payload_chars": c.Correlator.MaxPayloadChars,
		"correlator.tombstone_limit":   c.Correlator.TombstoneLimit,

		"backend.workers":         c.Backend.Workers,
		"backend.request_timeout": c.Backend.RequestTimeout.String(),

		"failure.max_attempts": c.Failure.MaxAttempts,
		"failure.cooldown":     c.Failure.Cooldown.String(),
		"failure.sample_rate":  c.Failure.SampleRate,
		"failure.sample_size":  c.Failure.SampleSize,

		"openai.api_endpoint": c.OpenAI.APIEndpoint,
		"openai.timeout":      c.OpenAI.Timeout.String(),
		"openai.max_retries":  c.OpenAI.MaxRetries,
		"openai.model":        c.OpenAI.Model,
		"openai.temperature":  c.OpenAI.Temperature,
		"openai.max_tokens":   c.OpenAI.MaxTokens,
		"openai.org_id":       c.OpenAI.OrgID,

		"libretranslate.api_endpoint":                c.LibreTranslate.APIEndpoint,
		"libretranslate.timeout":                     c.LibreTranslate.Timeout.String(),
		"libretranslate.max_retries":                 c.LibreTranslate.MaxRetries,
		"libretranslate.requires_api_key":            c.LibreTranslate.RequiresAPIKey,
		"libretranslate.retry.max_retries":           c.LibreTranslate.Retry.MaxRetries,
		"libretranslate.retry.network_max_retries":   c.LibreTranslate.Retry.NetworkMaxRetries,
		"libretranslate.retry.initial_delay":         c.LibreTranslate.Retry.InitialDelay.String(),
		"libretranslate.retry.max_delay":             c.LibreTranslate.Retry.MaxDelay.String(),
		"libretranslate.retry.backoff_factor":        c.LibreTranslate.Retry.BackoffFactor,
		"libretranslate.retry.network_initial_delay": c.LibreTranslate.Retry.NetworkInitialDelay.String(),
		"libretranslate.retry.network_max_delay":     c.LibreTranslate.Retry.NetworkMaxDelay.String(),

		"ollama.api_endpoint":                c.Ollama.APIEndpoint,
		"ollama.timeout":                     c.Ollama.Timeout.String(),
		"ollama.model":                       c.Ollama.Model,
		"ollama.temperature":                 c.Ollama.Temperature,
		"ollama.max_tokens":                  c.Ollama.MaxTokens,
		"ollama.retry.max_retries":           c.Ollama.Retry.MaxRetries,
		"ollama.retry.network_max_retries":   c.Ollama.Retry.NetworkMaxRetries,
		"ollama.retry.initial_delay":         c.Ollama.Retry.InitialDelay.String(),
		"ollama.retry.max_delay":             c.Ollama.Retry.MaxDelay.String(),
		"ollama.retry.backoff_factor":        c.Ollama.Retry.BackoffFactor,
		"ollama.retry.network_initial_delay": c.Ollama.Retry.NetworkInitialDelay.String(),
		"ollama.retry.network_max_delay":     c.Ollama.Retry.NetworkMaxDelay.String(),
	}
}
