// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 请求指标
	requestsTotal  *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	// 准入指标
	queueRejections *prometheus.CounterVec
	queueWait       prometheus.Histogram
	limiterRunning  prometheus.Gauge
	limiterAdmitted prometheus.Gauge
	limiterWaiting  prometheus.Gauge

	// 批处理指标
	batchSize     *prometheus.HistogramVec
	batchFlushes  *prometheus.CounterVec
	batchFailures *prometheus.CounterVec

	// 执行池指标
	poolActive prometheus.Gauge
	poolQueued prometheus.Gauge

	// HTTP 层指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 请求指标
	c.requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of inference requests",
		},
		[]string{"model", "status"},
	)

	c.requestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Inference request latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"model"},
	)

	// 准入指标
	c.queueRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejections_total",
			Help:      "Requests rejected by the admission limiter",
		},
		[]string{"reason"}, // reason: queue_full, queue_timeout, shutting_down
	)

	c.queueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time spent waiting for an execution slot",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
	)

	c.limiterRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "limiter_running",
		Help:      "Requests currently holding an execution slot",
	})

	c.limiterAdmitted = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "limiter_admitted",
		Help:      "Requests currently admitted (running + waiting)",
	})

	c.limiterWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "limiter_waiting",
		Help:      "Requests parked waiting for an execution slot",
	})

	// 批处理指标
	c.batchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Sub-items per dispatched batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"model"},
	)

	c.batchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_flushes_total",
			Help:      "Batch flushes by trigger",
		},
		[]string{"model", "trigger"}, // trigger: size, deadline, close
	)

	c.batchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_failures_total",
			Help:      "Dispatched batches whose model invocation failed",
		},
		[]string{"model"},
	)

	// 执行池指标
	c.poolActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_active_workers",
		Help:      "Workers currently executing a model invocation",
	})

	c.poolQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_queued_tasks",
		Help:      "Tasks waiting for a pool worker",
	})

	// HTTP 层指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path and status code",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"method", "path"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 指标记录
// =============================================================================
// 所有记录方法都是即发即忘：指标层绝不能阻塞或中断核心路径。

// RecordRequest 记录一次推理请求
func (c *Collector) RecordRequest(model, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(model, status).Inc()
	c.requestLatency.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordQueueRejection 记录一次准入拒绝
func (c *Collector) RecordQueueRejection(reason string) {
	if c == nil {
		return
	}
	c.queueRejections.WithLabelValues(reason).Inc()
}

// RecordQueueWait 记录等待执行槽的耗时
func (c *Collector) RecordQueueWait(d time.Duration) {
	if c == nil {
		return
	}
	c.queueWait.Observe(d.Seconds())
}

// RecordBatch 记录一次批处理派发
func (c *Collector) RecordBatch(model, trigger string, size int) {
	if c == nil {
		return
	}
	c.batchSize.WithLabelValues(model).Observe(float64(size))
	c.batchFlushes.WithLabelValues(model, trigger).Inc()
}

// RecordBatchFailure 记录一次批处理失败
func (c *Collector) RecordBatchFailure(model string) {
	if c == nil {
		return
	}
	c.batchFailures.WithLabelValues(model).Inc()
}

// RecordHTTPRequest 记录一次 HTTP 请求。path 应由调用方做低基数归一化。
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetLimiterStats 更新准入限制器仪表
func (c *Collector) SetLimiterStats(running, admitted, waiting int) {
	if c == nil {
		return
	}
	c.limiterRunning.Set(float64(running))
	c.limiterAdmitted.Set(float64(admitted))
	c.limiterWaiting.Set(float64(waiting))
}

// SetPoolStats 更新执行池仪表
func (c *Collector) SetPoolStats(active, queued int) {
	if c == nil {
		return
	}
	c.poolActive.Set(float64(active))
	c.poolQueued.Set(float64(queued))
}
