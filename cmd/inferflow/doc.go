/*
Package main 提供 InferFlow 服务端程序入口。

# 概述

cmd/inferflow 是 InferFlow 推理网关的可执行入口，提供 OpenAI 兼容的
HTTP API 服务、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）与 Prometheus 指标采集。

# 核心类型

  - Server     主服务器，组装准入限制、批处理调度与执行池，
    管理 HTTP、Metrics 双端口及优雅关闭
  - Middleware HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、RateLimiter（基于 IP）、APIKeyAuth
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 排空准入限制器 →
    关闭调度器 → 关闭执行池 → 释放缓存与遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
