package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/text/language"

	"github.com/nerdneilsfield/go-selection-translator/pkg/translation"
)

// PredefinedTranslation 预置译文：原文 -> 译文，启动时写入会话缓存
type PredefinedTranslation struct {
	SourceLang   string            `toml:"source_lang"`
	TargetLang   string            `toml:"target_lang"`
	Translations map[string]string `toml:"translations"`
}

func NewPredefinedTranslation(sourceLang, targetLang string, translations map[string]string) *PredefinedTranslation {
	return &PredefinedTranslation{
		SourceLang:   sourceLang,
		TargetLang:   targetLang,
		Translations: translations,
	}
}

func LoadPredefinedTranslations(path string) (*PredefinedTranslation, error) {
	// check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("predefined translations file not found: %s", path)
	}

	translations := &PredefinedTranslation{}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read predefined translations file: %w", err)
	}
	if err := toml.Unmarshal(content, translations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal predefined translations: %w", err)
	}
	if translations.SourceLang == "" || translations.TargetLang == "" {
		return nil, fmt.Errorf("predefined translations file is missing source_lang or target_lang")
	}
	return translations, nil
}

// Matches 文件的语言对是否适用于当前配置；比较基础语言，source 为 auto 时只比较目标语言
func (p *PredefinedTranslation) Matches(sourceLang, targetLang string) bool {
	if !sameBase(p.TargetLang, targetLang) {
		return false
	}
	if sourceLang == AutoDetect {
		return true
	}
	return sameBase(p.SourceLang, sourceLang)
}

// Seed 把去除首尾空白后非空的条目写入缓存，返回写入数量
func (p *PredefinedTranslation) Seed(cache *translation.Cache) int {
	pairs := make(map[string]string, len(p.Translations))
	for source, target := range p.Translations {
		key := strings.TrimSpace(source)
		if key == "" || target == "" {
			continue
		}
		pairs[key] = target
	}
	cache.SetAll(pairs)
	return len(pairs)
}

func sameBase(a, b string) bool {
	ta, errA := language.Parse(a)
	tb, errB := language.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	ba, _ := ta.Base()
	bb, _ := tb.Base()
	return ba == bb
}

// SeedCache 按配置加载预置译文写入缓存；未配置路径或语言对不匹配时返回 0
func (c *Config) SeedCache(cache *translation.Cache) (int, error) {
	if c.PredefinedTranslationsPath == "" {
		return 0, nil
	}
	predefined, err := LoadPredefinedTranslations(c.PredefinedTranslationsPath)
	if err != nil {
		return 0, err
	}
	if !predefined.Matches(c.SourceLang, c.TargetLang) {
		return 0, nil
	}
	return predefined.Seed(cache), nil
}
