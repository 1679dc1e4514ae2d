package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/nerdneilsfield/go-selection-translator/internal/bus"
	"github.com/nerdneilsfield/go-selection-translator/pkg/providers"
	"github.com/nerdneilsfield/go-selection-translator/pkg/translation"
)

const sourceBackend = "backend"

// HostConfig 后端宿主配置
type HostConfig struct {
	// Workers 并发执行的请求数
	Workers int `mapstructure:"workers"`
	// RequestTimeout 单个请求调用提供商的上限
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DefaultHostConfig 默认配置
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Workers:        4,
		RequestTimeout: 2 * time.Minute,
	}
}

// Host 后端宿主：从请求通道取任务，在工作池里调用提供商，把结果发回结果通道
type Host struct {
	channel  *Channel
	registry *providers.Registry
	config   HostConfig
	pool     *ants.Pool
	sub      *bus.Subscription
	logger   *zap.Logger

	mu sync.Mutex
	// queued 已排队未开始的请求，值为是否已被放弃
	queued map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
	jobs   sync.WaitGroup
}

// NewHost 创建后端宿主
func NewHost(channel *Channel, registry *providers.Registry, config HostConfig, logger *zap.Logger) (*Host, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Workers <= 0 {
		config.Workers = DefaultHostConfig().Workers
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultHostConfig().RequestTimeout
	}

	pool, err := ants.NewPool(config.Workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &Host{
		channel:   channel,
		registry:  registry,
		config:    config,
		pool:      pool,
		sub:       channel.Requests.Subscribe(),
		logger:    logger.Named("backend"),
		queued:    make(map[string]bool),
	}, nil
}

// Start 启动接收循环
func (h *Host) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		if err := h.sub.Run(runCtx, func(ctx context.Context, msg *bus.Message) error {
			return h.handle(runCtx, msg)
		}); err != nil {
			h.logger.Error("backend receive loop stopped", zap.Error(err))
		}
	}()
	h.logger.Info("backend host started",
		zap.Int("workers", h.config.Workers),
		zap.Strings("providers", h.registry.List()))
}

// Close 停止接收，等待进行中的请求结束
func (h *Host) Close(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
	h.jobs.Wait()
	h.pool.Release()
	return h.sub.Close(ctx)
}

func (h *Host) handle(ctx context.Context, msg *bus.Message) error {
	switch msg.Type {
	case TypeTranslateRequest:
		var req TranslateRequest
		if err := json.Unmarshal(msg.Body, &req); err != nil {
			return fmt.Errorf("failed to decode translate request: %w", err)
		}
		return h.submit(ctx, &req)
	case TypeCancelRequest:
		var req CancelRequest
		if err := json.Unmarshal(msg.Body, &req); err != nil {
			return fmt.Errorf("failed to decode cancel request: %w", err)
		}
		h.mu.Lock()
		_, pending := h.queued[req.RequestID]
		if pending {
			h.queued[req.RequestID] = true
		}
		h.mu.Unlock()
		h.logger.Debug("request abandoned by caller",
			zap.String("requestId", req.RequestID),
			zap.Bool("queued", pending))
		return nil
	default:
		return fmt.Errorf("unexpected message type %q", msg.Type)
	}
}

func (h *Host) submit(ctx context.Context, req *TranslateRequest) error {
	h.mu.Lock()
	h.queued[req.RequestID] = false
	h.mu.Unlock()

	h.jobs.Add(1)
	err := h.pool.Submit(func() {
		defer h.jobs.Done()
		h.process(ctx, req)
	})
	if err != nil {
		h.jobs.Done()
		h.mu.Lock()
		delete(h.queued, req.RequestID)
		h.mu.Unlock()
		h.logger.Error("failed to schedule request", zap.String("requestId", req.RequestID), zap.Error(err))
		h.publish(ctx, &TranslateResult{RequestID: req.RequestID, Error: err.Error()})
	}
	return nil
}

// process 已放弃但尚未开始的请求直接丢弃；已开始的照常完成并回复，结果仍可写入缓存
func (h *Host) process(ctx context.Context, req *TranslateRequest) {
	h.mu.Lock()
	abandoned := h.queued[req.RequestID]
	delete(h.queued, req.RequestID)
	h.mu.Unlock()
	if abandoned {
		h.logger.Debug("skipping abandoned request", zap.String("requestId", req.RequestID))
		return
	}

	start := time.Now()
	text, err := h.translate(ctx, req)
	result := &TranslateResult{RequestID: req.RequestID}
	if err != nil {
		result.Error = err.Error()
		h.logger.Warn("translation request failed",
			zap.String("requestId", req.RequestID),
			zap.String("provider", req.Provider),
			zap.Error(err))
	} else {
		result.Success = true
		result.TranslatedText = text
		h.logger.Debug("translation request finished",
			zap.String("requestId", req.RequestID),
			zap.Int("segments", len(req.BatchPayload)),
			zap.Duration("duration", time.Since(start)))
	}
	h.publish(ctx, result)
}

func (h *Host) translate(ctx context.Context, req *TranslateRequest) (string, error) {
	provider, err := h.registry.Get(req.Provider)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, h.config.RequestTimeout)
	defer cancel()

	texts := make([]string, len(req.BatchPayload))
	for i, item := range req.BatchPayload {
		texts[i] = item.Text
	}

	// 支持批量的提供商一次调用，原样返回带标记的文本（旧版形状）
	if provider.GetCapabilities().SupportsBatch {
		resp, err := provider.Translate(ctx, &providers.ProviderRequest{
			Text:           translation.CombineSegments(texts, translation.DefaultBatchConfig),
			SourceLanguage: req.SourceLang,
			TargetLanguage: req.TargetLang,
			Metadata:       map[string]interface{}{"batch": true, "segments": len(texts)},
		})
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	}

	results := make([]string, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = text
			continue
		}
		resp, err := provider.Translate(ctx, &providers.ProviderRequest{
			Text:           text,
			SourceLanguage: req.SourceLang,
			TargetLanguage: req.TargetLang,
		})
		if err != nil {
			return "", fmt.Errorf("segment %d: %w", i, err)
		}
		results[i] = resp.Text
	}
	return translation.EncodeResultItems(results)
}

func (h *Host) publish(ctx context.Context, result *TranslateResult) {
	// 接收循环退出后仍需把结果发出去
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := h.channel.Results.PublishJSON(ctx, TypeTranslateResult, sourceBackend, result); err != nil {
		h.logger.Error("failed to publish result", zap.String("requestId", result.RequestID), zap.Error(err))
	}
}
