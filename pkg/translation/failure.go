package translation

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// FailureRecord 某段原文的失败记录
type FailureRecord struct {
	Attempts    int
	LastAttempt time.Time
	LastError   string
}

// FailurePolicy 失败抑制策略
type FailurePolicy struct {
	// MaxAttempts 冷却期内达到该失败次数后暂停自动重试
	MaxAttempts int `mapstructure:"max_attempts"`
	// Cooldown 冷却窗口
	Cooldown time.Duration `mapstructure:"cooldown"`
	// SampleRate 每次记录失败时触发惰性清理的概率
	SampleRate float64 `mapstructure:"sample_rate"`
	// SampleSize 每次清理最多检查的条目数
	SampleSize int `mapstructure:"sample_size"`
}

// DefaultFailurePolicy 默认策略
func DefaultFailurePolicy() FailurePolicy {
	return FailurePolicy{
		MaxAttempts: 3,
		Cooldown:    5 * time.Minute,
		SampleRate:  0.1,
		SampleSize:  20,
	}
}

// FailureTracker 按原文哈希追踪失败，冷却期内抑制重复请求
type FailureTracker struct {
	policy  FailurePolicy
	records map[uint64]*FailureRecord
	mu      sync.Mutex

	now    func() time.Time
	chance func() float64
}

// NewFailureTracker 创建失败追踪器
func NewFailureTracker(policy FailurePolicy) *FailureTracker {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.Cooldown <= 0 {
		policy.Cooldown = 5 * time.Minute
	}
	if policy.SampleSize <= 0 {
		policy.SampleSize = 20
	}
	return &FailureTracker{
		policy:  policy,
		records: make(map[uint64]*FailureRecord),
		now:     time.Now,
		chance:  rand.Float64,
	}
}

// HashText 原文的记录键
func HashText(text string) uint64 {
	return xxhash.Sum64String(text)
}

// RecordFailure 记录一次失败
func (t *FailureTracker) RecordFailure(text string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	key := HashText(text)
	rec, ok := t.records[key]
	if !ok || now.Sub(rec.LastAttempt) > t.policy.Cooldown {
		rec = &FailureRecord{}
		t.records[key] = rec
	}
	rec.Attempts++
	rec.LastAttempt = now
	if err != nil {
		rec.LastError = err.Error()
	}

	if t.chance() < t.policy.SampleRate {
		t.evictSampleLocked(now)
	}
}

// RecordSuccess 成功后清除记录
func (t *FailureTracker) RecordSuccess(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.records, HashText(text))
}

// ShouldSkip 冷却期内失败次数已达上限
func (t *FailureTracker) ShouldSkip(text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[HashText(text)]
	if !ok {
		return false
	}
	if t.now().Sub(rec.LastAttempt) > t.policy.Cooldown {
		return false
	}
	return rec.Attempts >= t.policy.MaxAttempts
}

// Lookup 返回记录副本
func (t *FailureTracker) Lookup(text string) (FailureRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[HashText(text)]
	if !ok {
		return FailureRecord{}, false
	}
	return *rec, true
}

// Len 当前记录数
func (t *FailureTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.records)
}

// evictSampleLocked 随机抽查部分记录，清除已过冷却期的条目
// map 的遍历顺序本身是随机的，取前 SampleSize 个即为抽样
func (t *FailureTracker) evictSampleLocked(now time.Time) {
	checked := 0
	for key, rec := range t.records {
		if checked >= t.policy.SampleSize {
			break
		}
		checked++
		if now.Sub(rec.LastAttempt) > t.policy.Cooldown {
			delete(t.records, key)
		}
	}
}
