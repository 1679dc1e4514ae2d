package stats

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProviderStats 提供商调用统计
type ProviderStats struct {
	ProviderName       string `json:"provider_name"`
	TotalRequests      int64  `json:"total_requests"`
	SuccessfulRequests int64  `json:"successful_requests"`
	FailedRequests     int64  `json:"failed_requests"`
	TotalTokensIn      int64  `json:"total_tokens_in"`
	TotalTokensOut     int64  `json:"total_tokens_out"`

	// 批量请求的节点标记保持情况
	MarkerPreserved int64 `json:"marker_preserved"`
	MarkerLost      int64 `json:"marker_lost"`

	// 性能指标
	AverageLatency time.Duration `json:"average_latency"`
	MinLatency     time.Duration `json:"min_latency"`
	MaxLatency     time.Duration `json:"max_latency"`
	TotalLatency   time.Duration `json:"total_latency"`

	// 错误统计
	ErrorTypes map[string]int64 `json:"error_types"`

	FirstRequestTime time.Time `json:"first_request_time"`
	LastRequestTime  time.Time `json:"last_request_time"`
}

// SuccessRate 成功率
func (ps *ProviderStats) SuccessRate() float64 {
	if ps.TotalRequests == 0 {
		return 0
	}
	return float64(ps.SuccessfulRequests) / float64(ps.TotalRequests)
}

// RequestResult 单次请求结果
type RequestResult struct {
	Success          bool
	Latency          time.Duration
	TokensIn         int
	TokensOut        int
	ErrorType        string
	NodeMarkersFound int // 请求中的节点标记数
	NodeMarkersLost  int // 回复中丢失的节点标记数
}

// Manager 统计管理器，进程内保存
type Manager struct {
	stats  map[string]*ProviderStats
	logger *zap.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// NewManager 创建统计管理器
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		stats:  make(map[string]*ProviderStats),
		logger: logger,
		now:    time.Now,
	}
}

// RecordRequest 记录请求结果
func (m *Manager) RecordRequest(provider string, result RequestResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.stats[provider]
	if !ok {
		stats = &ProviderStats{
			ProviderName: provider,
			ErrorTypes:   make(map[string]int64),
		}
		m.stats[provider] = stats
	}

	now := m.now()
	if stats.FirstRequestTime.IsZero() {
		stats.FirstRequestTime = now
		stats.MinLatency = result.Latency
	}
	stats.LastRequestTime = now

	stats.TotalRequests++
	if result.Success {
		stats.SuccessfulRequests++
	} else {
		stats.FailedRequests++
		if result.ErrorType != "" {
			stats.ErrorTypes[result.ErrorType]++
		}
	}

	stats.TotalTokensIn += int64(result.TokensIn)
	stats.TotalTokensOut += int64(result.TokensOut)

	stats.TotalLatency += result.Latency
	if result.Latency < stats.MinLatency {
		stats.MinLatency = result.Latency
	}
	if result.Latency > stats.MaxLatency {
		stats.MaxLatency = result.Latency
	}
	stats.AverageLatency = stats.TotalLatency / time.Duration(stats.TotalRequests)

	// 失败的请求没有回复，标记保持情况无从谈起
	if !result.Success {
		return
	}
	if result.NodeMarkersLost > 0 {
		stats.MarkerLost++
		m.logger.Warn("provider dropped node markers",
			zap.String("provider", provider),
			zap.Int("expected", result.NodeMarkersFound),
			zap.Int("lost", result.NodeMarkersLost))
	} else if result.NodeMarkersFound > 0 {
		stats.MarkerPreserved++
	}
}

// Get 返回指定提供商统计的副本
func (m *Manager) Get(provider string) (ProviderStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.stats[provider]
	if !ok {
		return ProviderStats{}, false
	}
	return stats.copy(), true
}

// All 按提供商名排序返回所有统计的副本
func (m *Manager) All() []ProviderStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]ProviderStats, 0, len(m.stats))
	for _, stats := range m.stats {
		all = append(all, stats.copy())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ProviderName < all[j].ProviderName })
	return all
}

func (ps *ProviderStats) copy() ProviderStats {
	c := *ps
	c.ErrorTypes = make(map[string]int64, len(ps.ErrorTypes))
	for k, v := range ps.ErrorTypes {
		c.ErrorTypes[k] = v
	}
	return c
}
