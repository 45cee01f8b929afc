// Package cache provides internal cache management.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/inferflow/internal/batching"
)

// =============================================================================
// 💾 嵌入缓存
// =============================================================================

// Config 缓存配置
type Config struct {
	// 是否启用
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 向量过期时间
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		Enabled:    false,
		Addr:       "localhost:6379",
		DB:         0,
		TTL:        24 * time.Hour,
		MaxRetries: 3,
		PoolSize:   10,
	}
}

// EmbedCache 按文本缓存嵌入向量, 作为 Invoker 的透明包装:
// 命中的文本直接取回向量, 未命中的子集保持原有顺序转发给内层,
// 再把返回结果按位置拼回完整切片. Redis 故障只降级为未命中,
// 绝不让缓存层的错误中断推理请求.
type EmbedCache struct {
	redis  *redis.Client
	inner  batching.Invoker
	cfg    Config
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewEmbedCache 创建嵌入缓存并验证 Redis 连接
func NewEmbedCache(cfg Config, inner batching.Invoker, logger *zap.Logger) (*EmbedCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: cfg.MaxRetries,
		PoolSize:   cfg.PoolSize,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("embedding cache initialized",
		zap.String("addr", cfg.Addr),
		zap.Duration("ttl", cfg.TTL),
	)

	return &EmbedCache{
		redis:  client,
		inner:  inner,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "cache")),
	}, nil
}

// cacheKey 以模型名和文本内容的摘要定位一条向量
func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return "inferflow:embed:" + model + ":" + hex.EncodeToString(sum[:])
}

// Invoke 实现 batching.Invoker
func (c *EmbedCache) Invoke(ctx context.Context, model string, inputs []string) ([][]float64, error) {
	out := make([][]float64, len(inputs))

	// 批量查缓存
	keys := make([]string, len(inputs))
	for i, text := range inputs {
		keys[i] = cacheKey(model, text)
	}

	var missIdx []int
	vals, err := c.redis.MGet(ctx, keys...).Result()
	if err != nil {
		c.errors.Add(1)
		c.logger.Warn("cache lookup failed, treating all as misses", zap.Error(err))
		for i := range inputs {
			missIdx = append(missIdx, i)
		}
	} else {
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				missIdx = append(missIdx, i)
				continue
			}
			var vec []float64
			if err := json.Unmarshal([]byte(s), &vec); err != nil {
				// 损坏的条目当作未命中处理
				missIdx = append(missIdx, i)
				continue
			}
			out[i] = vec
		}
	}

	c.hits.Add(int64(len(inputs) - len(missIdx)))
	c.misses.Add(int64(len(missIdx)))

	if len(missIdx) == 0 {
		return out, nil
	}

	// 未命中的子集保持到达顺序转发
	missInputs := make([]string, len(missIdx))
	for j, i := range missIdx {
		missInputs[j] = inputs[i]
	}

	vectors, err := c.inner.Invoke(ctx, model, missInputs)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missInputs) {
		return nil, fmt.Errorf("inner invoker returned %d vectors for %d inputs", len(vectors), len(missInputs))
	}

	// 回填结果并异步写缓存
	pipe := c.redis.Pipeline()
	for j, i := range missIdx {
		out[i] = vectors[j]
		if data, err := json.Marshal(vectors[j]); err == nil {
			pipe.Set(ctx, keys[i], data, c.cfg.TTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.errors.Add(1)
		c.logger.Warn("cache store failed", zap.Error(err))
	}

	return out, nil
}

// Stats 缓存统计
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// Stats 返回缓存统计
func (c *EmbedCache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}

// Ping 验证 Redis 连通性, 供就绪检查使用
func (c *EmbedCache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (c *EmbedCache) Close() error {
	return c.redis.Close()
}
