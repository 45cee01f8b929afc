// Package handlers 提供 InferFlow HTTP API 的请求处理器。
//
// 包含嵌入、语音合成、模型列表、健康检查与运行时统计端点，
// 以及通用的响应与错误映射辅助函数。
package handlers
