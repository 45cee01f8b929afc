// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// 验证服务器默认值
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 100, cfg.Server.RateLimitRPS)

	// 验证准入默认值
	assert.Equal(t, 2, cfg.Admission.MaxConcurrent)
	assert.Equal(t, 32, cfg.Admission.MaxAdmitted)
	assert.Equal(t, 30*time.Second, cfg.Admission.QueueTimeout)

	// 验证批处理默认值
	assert.True(t, cfg.Batch.Enabled)
	assert.Equal(t, 32, cfg.Batch.MaxBatchSize)
	assert.Equal(t, 20*time.Millisecond, cfg.Batch.MaxWait)

	// 验证请求限制默认值
	assert.Equal(t, 400, cfg.Limits.MaxBatchItems)
	assert.Equal(t, 400, cfg.Limits.MaxTextChars)

	// 验证模型默认值
	require.Len(t, cfg.Models, 1)
	assert.Equal(t, "dev-embed", cfg.Models[0].Name)
	assert.Equal(t, "hash", cfg.Models[0].Kind)

	// 验证 Log 默认值
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 2, cfg.Admission.MaxConcurrent)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	// 创建临时配置文件
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

admission:
  max_concurrent: 1
  max_admitted: 2
  queue_timeout: 200ms

batch:
  enabled: true
  max_batch_size: 16
  max_wait: 10ms
  disabled_models: ["solo-model"]

models:
  - name: "prod-embed"
    kind: "openai"
    device: "cuda:0"
    dimensions: 1536
    api_key: "sk-test"
  - name: "prod-tts"
    kind: "openai-tts"
    device: "cpu"

log:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// 加载配置
	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 验证 YAML 值覆盖了默认值
	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, 1, cfg.Admission.MaxConcurrent)
	assert.Equal(t, 2, cfg.Admission.MaxAdmitted)
	assert.Equal(t, 200*time.Millisecond, cfg.Admission.QueueTimeout)

	assert.Equal(t, 16, cfg.Batch.MaxBatchSize)
	assert.Equal(t, []string{"solo-model"}, cfg.Batch.DisabledModels)

	require.Len(t, cfg.Models, 2)
	assert.Equal(t, "prod-embed", cfg.Models[0].Name)
	assert.Equal(t, "cuda:0", cfg.Models[0].Device)
	assert.Equal(t, "openai-tts", cfg.Models[1].Kind)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("INFERFLOW_SERVER_HTTP_PORT", "9191")
	t.Setenv("INFERFLOW_ADMISSION_MAX_CONCURRENT", "4")
	t.Setenv("INFERFLOW_ADMISSION_QUEUE_TIMEOUT", "5s")
	t.Setenv("INFERFLOW_BATCH_ENABLED", "false")
	t.Setenv("INFERFLOW_BATCH_DISABLED_MODELS", "a, b")
	t.Setenv("INFERFLOW_LOG_LEVEL", "warn")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.HTTPPort)
	assert.Equal(t, 4, cfg.Admission.MaxConcurrent)
	assert.Equal(t, 5*time.Second, cfg.Admission.QueueTimeout)
	assert.False(t, cfg.Batch.Enabled)
	assert.Equal(t, []string{"a", "b"}, cfg.Batch.DisabledModels)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	err := os.WriteFile(configPath, []byte("server:\n  http_port: 7777\n"), 0644)
	require.NoError(t, err)

	t.Setenv("INFERFLOW_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	// 环境变量优先于 YAML
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/nonexistent/config.yaml").
		Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_CustomValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.Server.HTTPPort == 8080 {
				return assert.AnError
			}
			return nil
		}).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

// --- Validate 测试 ---

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.Admission.MaxConcurrent = 0
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Admission.MaxAdmitted = 1
	bad.Admission.MaxConcurrent = 2
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Models = nil
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Limits.MaxTextChars = 0
	require.Error(t, bad.Validate())
}
