package model

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// hashEmbedder 是确定性的本地嵌入实现: 将每个词元散列进固定维度的
// 桶中并做 L2 归一化. 不依赖外部服务, 用于开发环境和测试配置.
type hashEmbedder struct {
	name   string
	device string
	dims   int
}

func newHashEmbedder(cfg Config, device string) (Embedder, error) {
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 384
	}
	return &hashEmbedder{
		name:   cfg.Name,
		device: device,
		dims:   dims,
	}, nil
}

func (e *hashEmbedder) Name() string     { return e.name }
func (e *hashEmbedder) Dimensions() int  { return e.dims }
func (e *hashEmbedder) Device() string   { return e.device }
func (e *hashEmbedder) ThreadSafe() bool { return true }

// Embed 逐条生成向量; 相同文本永远得到相同向量.
func (e *hashEmbedder) Embed(ctx context.Context, inputs []string) ([][]float64, error) {
	out := make([][]float64, len(inputs))
	for i, text := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *hashEmbedder) embedOne(text string) []float64 {
	vec := make([]float64, e.dims)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dims))
		// 最高位决定符号, 避免向量全为正
		if sum&(1<<63) != 0 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// CountTokens 以空白切分近似计数; 本地模型不拉取 tiktoken 编码数据.
func (e *hashEmbedder) CountTokens(text string) (int, error) {
	return len(tokenize(text)), nil
}

func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}
