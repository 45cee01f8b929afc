// Package batching 将并发到达的独立请求合并为单次模型调用.
package batching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/inferflow/internal/metrics"
	"github.com/BaSui01/inferflow/internal/pool"
)

var (
	ErrSchedulerClosed = errors.New("batch scheduler closed")
)

// Invoker 对拼接后的批次执行一次模型调用.
type Invoker interface {
	Invoke(ctx context.Context, model string, inputs []string) ([][]float64, error)
}

// InvokerFunc 将函数适配为 Invoker.
type InvokerFunc func(ctx context.Context, model string, inputs []string) ([][]float64, error)

func (f InvokerFunc) Invoke(ctx context.Context, model string, inputs []string) ([][]float64, error) {
	return f(ctx, model, inputs)
}

// Config 配置批处理调度器.
type Config struct {
	// MaxBatchSize 每次派发的最大子项数
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`
	// MaxWait 部分批次强制派发前的最长等待
	MaxWait time.Duration `yaml:"max_wait" json:"max_wait"`
	// Enabled 全局开关; 关闭时 Submit 退化为直接单次调用
	Enabled bool `yaml:"enabled" json:"enabled"`
	// DisabledModels 按模型关闭批处理
	DisabledModels []string `yaml:"disabled_models" json:"disabled_models"`
	// DispatchTimeout 单次批量模型调用的超时
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" json:"dispatch_timeout"`
}

// DefaultConfig 返回合理的默认值.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:    32,
		MaxWait:         20 * time.Millisecond,
		Enabled:         true,
		DispatchTimeout: 2 * time.Minute,
	}
}

// Scheduler 按模型累积待派发批次, 在达到 MaxBatchSize 或 MaxWait 截止时
// 将拼接后的输入作为一次调用提交到执行池, 并按到达顺序把结果切回给各调用方.
type Scheduler struct {
	cfg      Config
	invoker  Invoker
	pool     *pool.WorkerPool
	logger   *zap.Logger
	metrics  *metrics.Collector
	disabled map[string]bool

	mu      sync.Mutex
	pending map[string]*pendingBatch
	closed  atomic.Bool

	// 计量
	submitted atomic.Int64
	batches   atomic.Int64
	failures  atomic.Int64
}

type batchResult struct {
	vectors [][]float64
	err     error
}

// batchItem 是单个调用方的载荷与结果槽. result 为单次赋值通道:
// 调度器恰好写入一次, 已取消的调用方不取也不会阻塞派发.
type batchItem struct {
	inputs []string
	result chan batchResult
}

type pendingBatch struct {
	model string
	items []*batchItem
	count int // 累计子项数
	timer *time.Timer
}

// NewScheduler 创建批处理调度器.
func NewScheduler(cfg Config, invoker Invoker, p *pool.WorkerPool, logger *zap.Logger, collector *metrics.Collector) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 20 * time.Millisecond
	}
	disabled := make(map[string]bool, len(cfg.DisabledModels))
	for _, m := range cfg.DisabledModels {
		disabled[m] = true
	}
	return &Scheduler{
		cfg:      cfg,
		invoker:  invoker,
		pool:     p,
		logger:   logger.With(zap.String("component", "batching")),
		metrics:  collector,
		disabled: disabled,
		pending:  make(map[string]*pendingBatch),
	}
}

// EnabledFor 报告指定模型是否启用批处理.
func (s *Scheduler) EnabledFor(model string) bool {
	return s.cfg.Enabled && !s.disabled[model]
}

// Submit 提交一个调用方的输入序列并等待其结果切片. 调用方的上下文取消时
// 放弃等待; 已并入批次的子项无法抽回, 批次照常执行, 结果被丢弃.
func (s *Scheduler) Submit(ctx context.Context, model string, inputs []string) ([][]float64, error) {
	if s.closed.Load() {
		return nil, ErrSchedulerClosed
	}
	if len(inputs) == 0 {
		return [][]float64{}, nil
	}

	s.submitted.Add(1)

	if !s.EnabledFor(model) {
		return s.invokeDirect(ctx, model, inputs)
	}

	item := &batchItem{inputs: inputs, result: make(chan batchResult, 1)}

	s.mu.Lock()
	b := s.pending[model]
	if b == nil {
		b = &pendingBatch{model: model}
		s.pending[model] = b
		// 首个子项到达时武装截止定时器
		b.timer = time.AfterFunc(s.cfg.MaxWait, func() {
			s.flushDeadline(model, b)
		})
	}
	b.items = append(b.items, item)
	b.count += len(inputs)

	var detached *pendingBatch
	if b.count >= s.cfg.MaxBatchSize {
		detached = b
		delete(s.pending, model)
		b.timer.Stop()
	}
	s.mu.Unlock()

	if detached != nil {
		s.metrics.RecordBatch(model, "size", detached.count)
		go s.dispatch(context.WithoutCancel(ctx), detached)
	}

	select {
	case res := <-item.result:
		return res.vectors, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// invokeDirect 退化路径: 绕过批次记账, 经执行池做单次调用.
func (s *Scheduler) invokeDirect(ctx context.Context, model string, inputs []string) ([][]float64, error) {
	var out [][]float64
	err := s.pool.Run(ctx, func(ctx context.Context) error {
		vectors, err := s.invoker.Invoke(ctx, model, inputs)
		if err != nil {
			return err
		}
		out = vectors
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// flushDeadline 截止定时器回调: 仅当批次仍挂起时派发部分批次.
func (s *Scheduler) flushDeadline(model string, b *pendingBatch) {
	s.mu.Lock()
	if s.pending[model] != b {
		// 已因容量派发
		s.mu.Unlock()
		return
	}
	delete(s.pending, model)
	s.mu.Unlock()

	s.metrics.RecordBatch(model, "deadline", b.count)
	s.dispatch(context.Background(), b)
}

// dispatch 将批次作为一次模型调用派发, 并把输出按贡献边界切回各调用方.
// 失败对批内所有成员原子生效: 底层调用不可分割, 不存在部分成功.
func (s *Scheduler) dispatch(ctx context.Context, b *pendingBatch) {
	s.batches.Add(1)

	if s.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		defer cancel()
	}

	inputs := make([]string, 0, b.count)
	for _, item := range b.items {
		inputs = append(inputs, item.inputs...)
	}

	var vectors [][]float64
	err := s.pool.Run(ctx, func(ctx context.Context) error {
		out, err := s.invoker.Invoke(ctx, b.model, inputs)
		if err != nil {
			return err
		}
		vectors = out
		return nil
	})

	if err == nil && len(vectors) != len(inputs) {
		err = fmt.Errorf("model %s returned %d vectors for %d inputs", b.model, len(vectors), len(inputs))
	}

	if err != nil {
		s.failures.Add(1)
		s.metrics.RecordBatchFailure(b.model)
		s.logger.Error("batch invocation failed",
			zap.String("model", b.model),
			zap.Int("batch_size", b.count),
			zap.Int("callers", len(b.items)),
			zap.Error(err),
		)
		for _, item := range b.items {
			item.result <- batchResult{err: err}
		}
		return
	}

	offset := 0
	for _, item := range b.items {
		n := len(item.inputs)
		item.result <- batchResult{vectors: vectors[offset : offset+n]}
		offset += n
	}
}

// Close 停止接收新提交并派发所有仍挂起的批次.
func (s *Scheduler) Close() {
	if s.closed.Swap(true) {
		return
	}

	s.mu.Lock()
	remaining := make([]*pendingBatch, 0, len(s.pending))
	for model, b := range s.pending {
		b.timer.Stop()
		delete(s.pending, model)
		remaining = append(remaining, b)
	}
	s.mu.Unlock()

	for _, b := range remaining {
		s.metrics.RecordBatch(b.model, "close", b.count)
		s.dispatch(context.Background(), b)
	}
}

// Stats 返回调度器统计.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Batches   int64 `json:"batches"`
	Failures  int64 `json:"failures"`
	Pending   int   `json:"pending"`
}

// Stats 返回调度器统计.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	return Stats{
		Submitted: s.submitted.Load(),
		Batches:   s.batches.Load(),
		Failures:  s.failures.Load(),
		Pending:   pending,
	}
}
