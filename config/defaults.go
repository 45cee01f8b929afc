// =============================================================================
// 📦 InferFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/inferflow/model"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Admission: DefaultAdmissionConfig(),
		Batch:     DefaultBatchConfig(),
		Pool:      DefaultPoolConfig(),
		Limits:    DefaultLimitsConfig(),
		Cache:     DefaultCacheConfig(),
		Models:    DefaultModels(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9090,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 35 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultAdmissionConfig 返回默认准入配置
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		MaxConcurrent: 2,
		MaxAdmitted:   32,
		QueueTimeout:  30 * time.Second,
		DrainGrace:    30 * time.Second,
	}
}

// DefaultBatchConfig 返回默认批处理配置
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Enabled:         true,
		MaxBatchSize:    32,
		MaxWait:         20 * time.Millisecond,
		DispatchTimeout: 2 * time.Minute,
	}
}

// DefaultPoolConfig 返回默认执行池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:   0, // 跟随 admission.max_concurrent
		QueueSize: 64,
	}
}

// DefaultLimitsConfig 返回默认请求限制
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		MaxBatchItems:  400,
		MaxTextChars:   400,
		MaxSpeechChars: 4096,
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:    false,
		Addr:       "localhost:6379",
		DB:         0,
		TTL:        24 * time.Hour,
		MaxRetries: 3,
		PoolSize:   10,
	}
}

// DefaultModels 返回默认模型列表（本地确定性嵌入，开箱即用）
func DefaultModels() []model.Config {
	return []model.Config{
		{
			Name:       "dev-embed",
			Kind:       "hash",
			Device:     "auto",
			Dimensions: 384,
		},
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "inferflow",
		SampleRate:   0.1,
	}
}
