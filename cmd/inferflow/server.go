package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/inferflow/api/handlers"
	"github.com/BaSui01/inferflow/config"
	"github.com/BaSui01/inferflow/internal/admission"
	"github.com/BaSui01/inferflow/internal/batching"
	"github.com/BaSui01/inferflow/internal/cache"
	"github.com/BaSui01/inferflow/internal/metrics"
	"github.com/BaSui01/inferflow/internal/pool"
	"github.com/BaSui01/inferflow/internal/server"
	"github.com/BaSui01/inferflow/internal/telemetry"
	"github.com/BaSui01/inferflow/model"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 InferFlow 的主服务器, 负责组装准入限制、批处理调度、
// 执行池与 HTTP 层, 并按依赖顺序管理它们的生命周期。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 核心组件
	registry   *model.Registry
	limiter    *admission.Limiter
	scheduler  *batching.Scheduler
	workerPool *pool.WorkerPool
	embedCache *cache.EmbedCache

	// Handlers
	healthHandler     *handlers.HealthHandler
	embeddingsHandler *handlers.EmbeddingsHandler
	speechHandler     *handlers.SpeechHandler
	modelsHandler     *handlers.ModelsHandler
	statsHandler      *handlers.StatsHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 遥测
	otelProviders *telemetry.Providers

	// 后台 goroutine 生命周期管理
	bg       *errgroup.Group
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("inferflow", s.logger)

	// 2. 初始化核心组件（注册表 → 执行池 → 准入限制器 → 调度器）
	if err := s.initCore(); err != nil {
		return fmt.Errorf("failed to init core components: %w", err)
	}

	// 3. 初始化 Handlers
	s.initHandlers()

	// 4. 启动后台仪表刷新
	s.startGaugeUpdater()

	// 5. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Int("models", len(s.cfg.Models)),
		zap.Bool("batching_enabled", s.cfg.Batch.Enabled),
		zap.Bool("cache_enabled", s.cfg.Cache.Enabled),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initCore 按依赖顺序组装推理管线
func (s *Server) initCore() error {
	// 模型注册表
	registry, err := model.NewRegistry(s.cfg.Models, s.logger)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}
	s.registry = registry

	// 执行池。工作协程数默认跟随准入并发上限, 两个闸门保持一致
	workers := s.cfg.Pool.Workers
	if workers <= 0 {
		workers = s.cfg.Admission.MaxConcurrent
	}
	s.workerPool = pool.NewWorkerPool(pool.Config{
		Workers:   workers,
		QueueSize: s.cfg.Pool.QueueSize,
		PanicHandler: func(v any) {
			s.logger.Error("worker panic recovered", zap.Any("panic", v))
		},
	})

	// 准入限制器
	s.limiter = admission.New(admission.Config{
		MaxConcurrent: s.cfg.Admission.MaxConcurrent,
		MaxAdmitted:   s.cfg.Admission.MaxAdmitted,
		QueueTimeout:  s.cfg.Admission.QueueTimeout,
		DrainGrace:    s.cfg.Admission.DrainGrace,
	}, s.logger)

	// 批次到模型的调用端: 注册表查找 + 嵌入执行
	var invoker batching.Invoker = batching.InvokerFunc(
		func(ctx context.Context, modelName string, inputs []string) ([][]float64, error) {
			embedder, err := s.registry.Embedder(modelName)
			if err != nil {
				return nil, err
			}
			return embedder.Embed(ctx, inputs)
		})

	// 可选的 Redis 嵌入缓存, 连不上时降级为直连
	if s.cfg.Cache.Enabled {
		embedCache, err := cache.NewEmbedCache(cache.Config{
			Enabled:    s.cfg.Cache.Enabled,
			Addr:       s.cfg.Cache.Addr,
			Password:   s.cfg.Cache.Password,
			DB:         s.cfg.Cache.DB,
			TTL:        s.cfg.Cache.TTL,
			MaxRetries: s.cfg.Cache.MaxRetries,
			PoolSize:   s.cfg.Cache.PoolSize,
		}, invoker, s.logger)
		if err != nil {
			s.logger.Warn("embedding cache unavailable, continuing without cache", zap.Error(err))
		} else {
			s.embedCache = embedCache
			invoker = embedCache
		}
	}

	// 批处理调度器
	s.scheduler = batching.NewScheduler(batching.Config{
		Enabled:         s.cfg.Batch.Enabled,
		MaxBatchSize:    s.cfg.Batch.MaxBatchSize,
		MaxWait:         s.cfg.Batch.MaxWait,
		DispatchTimeout: s.cfg.Batch.DispatchTimeout,
		DisabledModels:  s.cfg.Batch.DisabledModels,
	}, invoker, s.workerPool, s.logger, s.metricsCollector)

	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	limits := handlers.Limits{
		MaxBatchItems:  s.cfg.Limits.MaxBatchItems,
		MaxTextChars:   s.cfg.Limits.MaxTextChars,
		MaxSpeechChars: s.cfg.Limits.MaxSpeechChars,
	}

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewDrainCheck(s.limiter))
	if s.embedCache != nil {
		s.healthHandler.RegisterCheck(handlers.NewRedisCheck("redis", s.embedCache.Ping))
	}

	s.embeddingsHandler = handlers.NewEmbeddingsHandler(
		s.limiter, s.scheduler, s.registry, s.metricsCollector, limits, s.logger)
	s.speechHandler = handlers.NewSpeechHandler(
		s.limiter, s.registry, s.metricsCollector, limits, s.logger)
	s.modelsHandler = handlers.NewModelsHandler(s.registry, s.logger)
	s.statsHandler = handlers.NewStatsHandler(s.limiter, s.scheduler, s.workerPool)

	s.logger.Info("Handlers initialized")
}

// startGaugeUpdater 周期性把限制器与执行池的瞬时状态刷进 Prometheus 仪表
func (s *Server) startGaugeUpdater() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	s.bg, s.bgCtx = errgroup.WithContext(ctx)

	ctx = s.bgCtx
	s.bg.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				ls := s.limiter.Stats()
				s.metricsCollector.SetLimiterStats(ls.Running, ls.Admitted, ls.Waiting)
				ps := s.workerPool.Stats()
				s.metricsCollector.SetPoolStats(ps.Active, ps.Queued)
			}
		}
	})
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// OpenAI 兼容 API 路由
	// ========================================
	mux.HandleFunc("/v1/embeddings", s.embeddingsHandler.HandleEmbeddings)
	mux.HandleFunc("/v1/audio/speech", s.speechHandler.HandleSpeech)
	mux.HandleFunc("/v1/models", s.modelsHandler.HandleModels)

	// 运行时统计
	mux.HandleFunc("/stats", s.statsHandler.HandleStats)

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		RateLimiter(s.bgCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForSignal()
	}

	s.Shutdown()
}

// Shutdown 按依赖顺序优雅关闭: 先停止接收新请求, 再排空在途请求,
// 然后关闭调度器与执行池, 最后释放缓存与遥测连接。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 关闭 HTTP 服务器（不再接收新请求）
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 排空准入限制器（等待在途请求完成, 受 DrainGrace 限制）
	if s.limiter != nil {
		if err := s.limiter.Drain(ctx); err != nil {
			s.logger.Warn("limiter drain incomplete", zap.Error(err))
		}
	}

	// 3. 关闭批处理调度器（冲刷未满批次）
	if s.scheduler != nil {
		s.scheduler.Close()
	}

	// 4. 关闭执行池
	if s.workerPool != nil {
		s.workerPool.Close()
	}

	// 5. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 6. 释放缓存连接
	if s.embedCache != nil {
		if err := s.embedCache.Close(); err != nil {
			s.logger.Error("cache close error", zap.Error(err))
		}
	}

	// 7. 停止后台 goroutine
	if s.bgCancel != nil {
		s.bgCancel()
	}
	if s.bg != nil {
		if err := s.bg.Wait(); err != nil {
			s.logger.Error("background goroutine error", zap.Error(err))
		}
	}

	// 8. 关闭遥测
	if s.otelProviders != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.otelProviders.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
