// Package correlator 把一次批量翻译请求与后端异步回复按请求 id 对应起来。
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nerdneilsfield/go-selection-translator/internal/backend"
	"github.com/nerdneilsfield/go-selection-translator/internal/bus"
	"github.com/nerdneilsfield/go-selection-translator/internal/notify"
	"github.com/nerdneilsfield/go-selection-translator/pkg/translation"
)

const (
	// CodeSlow 软超时提示代码
	CodeSlow = "TAKING_LONGER"

	sourceCorrelator = "correlator"
)

// Config 关联器配置
type Config struct {
	// JobTimeout 软超时：到时只提示，不终止
	JobTimeout time.Duration `mapstructure:"job_timeout"`
	// MaxPayloadChars 序列化载荷的字符上限
	MaxPayloadChars int `mapstructure:"max_payload_chars"`
	// TombstoneLimit 保留的已取消请求数，用于接收迟到的结果
	TombstoneLimit int `mapstructure:"tombstone_limit"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		JobTimeout:      20 * time.Second,
		MaxPayloadChars: 50000,
		TombstoneLimit:  64,
	}
}

// Job 一次待发送的批量任务
type Job struct {
	Batch      *translation.Batch
	SourceLang string
	TargetLang string
	Provider   string
	// Timeout 本次任务的软超时，0 时使用配置值
	Timeout time.Duration
}

// Result 请求的最终结果
type Result struct {
	RequestID string
	// Translations 原文 -> 译文
	Translations map[string]string
	// Mismatch 段数对不上时的报告（只告警）
	Mismatch *translation.Mismatch
	// Cancelled 被取消时为 true，此时没有译文也没有错误
	Cancelled bool
}

// PendingRequest 一个进行中的请求
type PendingRequest struct {
	ID        string
	CreatedAt time.Time

	batch *translation.Batch
	timer *time.Timer
	done  chan struct{}

	result Result
	err    error
}

// RequestHandle Submit 返回的句柄
type RequestHandle struct {
	ID      string
	pending *PendingRequest
}

// Wait 等待请求结束；ctx 结束只停止等待，不取消请求
func (h *RequestHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.pending.done:
		return h.pending.result, h.pending.err
	case <-ctx.Done():
		return Result{RequestID: h.ID}, ctx.Err()
	}
}

// Done 请求结束时关闭
func (h *RequestHandle) Done() <-chan struct{} {
	return h.pending.done
}

// Correlator 请求关联器
type Correlator struct {
	channel  *backend.Channel
	cache    *translation.Cache
	notifier notify.Notifier
	config   Config
	logger   *zap.Logger
	sub      *bus.Subscription

	mu              sync.Mutex
	pending         map[string]*PendingRequest
	active          string
	requestedCancel bool
	tombstones      map[string]*translation.Batch
	tombOrder       []string

	newID func() string
	now   func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New 创建关联器；cache 接收所有成功结果，包括已取消请求迟到的结果
func New(channel *backend.Channel, cache *translation.Cache, notifier notify.Notifier, config Config, logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.MaxPayloadChars <= 0 {
		config.MaxPayloadChars = defaults.MaxPayloadChars
	}
	if config.TombstoneLimit <= 0 {
		config.TombstoneLimit = defaults.TombstoneLimit
	}
	return &Correlator{
		channel:    channel,
		cache:      cache,
		notifier:   notify.OrNop(notifier),
		config:     config,
		logger:     logger.Named("correlator"),
		sub:        channel.Results.Subscribe(),
		pending:    make(map[string]*PendingRequest),
		tombstones: make(map[string]*translation.Batch),
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// Start 开始接收后端结果
func (c *Correlator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		err := c.sub.Run(runCtx, func(_ context.Context, msg *bus.Message) error {
			if msg.Type != backend.TypeTranslateResult {
				return nil
			}
			var result backend.TranslateResult
			if err := json.Unmarshal(msg.Body, &result); err != nil {
				return fmt.Errorf("failed to decode translate result: %w", err)
			}
			c.HandleResult(&result)
			return nil
		})
		if err != nil {
			c.logger.Error("result loop stopped", zap.Error(err))
		}
	}()
}

// Close 停止接收
func (c *Correlator) Close(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return c.sub.Close(ctx)
}

// Begin 开始新的选区操作：取消上一个请求并清除取消锁存
func (c *Correlator) Begin() {
	c.mu.Lock()
	previous := c.active
	c.active = ""
	c.requestedCancel = false
	c.mu.Unlock()

	if previous != "" {
		c.logger.Debug("superseding previous request", zap.String("requestId", previous))
		c.Cancel(previous)
	}
}

// Submit 检查载荷大小，登记 PendingRequest 并发出唯一一条请求消息
func (c *Correlator) Submit(ctx context.Context, job Job) (*RequestHandle, error) {
	payload, err := job.Batch.EncodePayload()
	if err != nil {
		return nil, err
	}
	if size := utf8.RuneCountInString(payload); size > c.config.MaxPayloadChars {
		return nil, translation.NewTranslationError(translation.ErrCodePayload,
			fmt.Sprintf("payload of %d characters exceeds limit of %d", size, c.config.MaxPayloadChars),
			translation.ErrPayloadTooLarge)
	}

	p := &PendingRequest{
		ID:        c.newID(),
		CreatedAt: c.now(),
		batch:     job.Batch,
		done:      make(chan struct{}),
	}
	handle := &RequestHandle{ID: p.ID, pending: p}

	c.mu.Lock()
	c.pending[p.ID] = p
	c.active = p.ID
	latched := c.requestedCancel
	c.requestedCancel = false
	c.mu.Unlock()

	if latched {
		// 构建批次期间已请求取消，请求不再发出
		c.logger.Debug("applying latched cancellation", zap.String("requestId", p.ID))
		c.finish(p.ID, Result{RequestID: p.ID, Cancelled: true}, nil)
		return handle, nil
	}

	req := &backend.TranslateRequest{
		RequestID:    p.ID,
		BatchPayload: job.Batch.Items(),
		SourceLang:   job.SourceLang,
		TargetLang:   job.TargetLang,
		Provider:     job.Provider,
	}
	if err := c.channel.Requests.PublishJSON(ctx, backend.TypeTranslateRequest, sourceCorrelator, req); err != nil {
		c.take(p.ID)
		return nil, translation.WrapError(err, translation.ErrCodeBackend, "failed to dispatch translation request")
	}

	timeout := c.config.JobTimeout
	if job.Timeout > 0 {
		timeout = job.Timeout
	}
	if timeout > 0 {
		c.mu.Lock()
		if _, ok := c.pending[p.ID]; ok {
			p.timer = time.AfterFunc(timeout, func() { c.onSlow(p.ID) })
		}
		c.mu.Unlock()
	}

	c.logger.Debug("translation request submitted",
		zap.String("requestId", p.ID),
		zap.Int("segments", len(req.BatchPayload)),
		zap.Int("payloadChars", utf8.RuneCountInString(payload)))
	return handle, nil
}

func (c *Correlator) onSlow(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	elapsed := c.now().Sub(p.CreatedAt)
	c.logger.Warn("translation is taking longer than expected",
		zap.String("requestId", id),
		zap.Duration("elapsed", elapsed))
	notify.Warn(c.notifier, CodeSlow, "Translation is taking longer than expected, still waiting")
}

// HandleResult 只接受 id 与某个进行中请求一致的结果；返回是否匹配
//
// 已取消请求迟到的成功结果写入缓存，但不会再交给调用方。
func (c *Correlator) HandleResult(res *backend.TranslateResult) bool {
	c.mu.Lock()
	p, ok := c.pending[res.RequestID]
	var late *translation.Batch
	if !ok {
		late = c.tombstones[res.RequestID]
		delete(c.tombstones, res.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		if late != nil && res.Success {
			if translations, _, err := c.decode(late, res); err == nil {
				c.logger.Debug("late result for cancelled request cached",
					zap.String("requestId", res.RequestID),
					zap.Int("texts", len(translations)))
			}
		} else {
			c.logger.Debug("ignoring result for unknown request", zap.String("requestId", res.RequestID))
		}
		return false
	}

	if !res.Success {
		err := translation.NewTranslationError(translation.ErrCodeBackend, res.Error, translation.ErrBackend)
		c.finish(p.ID, Result{RequestID: p.ID}, err)
		return true
	}

	translations, mismatch, err := c.decode(p.batch, res)
	if err != nil {
		c.finish(p.ID, Result{RequestID: p.ID}, err)
		return true
	}
	if mismatch != nil {
		c.logger.Warn("segment count mismatch",
			zap.String("requestId", p.ID),
			zap.Int("expected", mismatch.Expected),
			zap.Int("received", mismatch.Received),
			zap.Int("degraded", len(mismatch.Degraded)))
	}
	c.finish(p.ID, Result{RequestID: p.ID, Translations: translations, Mismatch: mismatch}, nil)
	return true
}

// decode 解析、重组并写入缓存；退化为原文的文本不写缓存
func (c *Correlator) decode(batch *translation.Batch, res *backend.TranslateResult) (map[string]string, *translation.Mismatch, error) {
	segments, err := translation.ParseBatchResult(res.TranslatedText, len(batch.Segments))
	if err != nil {
		return nil, nil, err
	}
	translations, mismatch := translation.Reassemble(batch, segments)

	degraded := make(map[string]bool)
	if mismatch != nil {
		for _, text := range mismatch.Degraded {
			degraded[text] = true
		}
	}
	for source, translated := range translations {
		if !degraded[source] {
			c.cache.Set(source, translated)
		}
	}
	return translations, mismatch, nil
}

// Cancel 取消请求：停止计时、通知后端放弃，并以 Cancelled 结束句柄
func (c *Correlator) Cancel(id string) bool {
	c.mu.Lock()
	p := c.takeLocked(id)
	if p == nil {
		c.mu.Unlock()
		return false
	}
	c.tombstones[id] = p.batch
	c.tombOrder = append(c.tombOrder, id)
	for len(c.tombOrder) > c.config.TombstoneLimit {
		delete(c.tombstones, c.tombOrder[0])
		c.tombOrder = c.tombOrder[1:]
	}
	c.mu.Unlock()

	// 取消通知与调用方的 ctx 无关，尽力送达
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.channel.Requests.PublishJSON(ctx, backend.TypeCancelRequest, sourceCorrelator, &backend.CancelRequest{RequestID: id}); err != nil {
		c.logger.Warn("failed to notify backend of cancellation", zap.String("requestId", id), zap.Error(err))
	}

	c.resolve(p, Result{RequestID: id, Cancelled: true}, nil)
	c.logger.Debug("translation request cancelled", zap.String("requestId", id))
	return true
}

// CancelActive 取消当前操作的请求；请求尚未登记时锁存，登记时立即生效
func (c *Correlator) CancelActive() bool {
	c.mu.Lock()
	id := c.active
	_, ok := c.pending[id]
	if id == "" || !ok {
		c.requestedCancel = true
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	return c.Cancel(id)
}

// Pending 进行中的请求数
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take 从登记表移除并返回请求，不存在时返回 nil
func (c *Correlator) take(id string) *PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.takeLocked(id)
}

func (c *Correlator) takeLocked(id string) *PendingRequest {
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if c.active == id {
		c.active = ""
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func (c *Correlator) finish(id string, result Result, err error) {
	if p := c.take(id); p != nil {
		c.resolve(p, result, err)
	}
}

func (c *Correlator) resolve(p *PendingRequest, result Result, err error) {
	p.result = result
	p.err = err
	close(p.done)
}
