package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/inferflow/api"
	"github.com/BaSui01/inferflow/internal/admission"
	"github.com/BaSui01/inferflow/internal/batching"
	"github.com/BaSui01/inferflow/types"
)

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// 如果编码失败，响应头已写出，只能放弃
		return
	}
}

// WriteError 写入错误响应（从 types.Error）
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}

	// 记录错误日志
	if logger != nil {
		logger.Error("API error",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Bool("retryable", err.Retryable),
			zap.Error(err.Cause),
		)
	}

	WriteJSON(w, status, api.ErrorResponse{
		Error: api.ErrorDetail{
			Code:      string(err.Code),
			Message:   err.Message,
			Type:      errorTypeFor(status),
			Retryable: err.Retryable,
		},
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	err := types.NewError(code, message).WithHTTPStatus(status)
	WriteError(w, err, logger)
}

// errorTypeFor 按 OpenAI 惯例给出错误类型字符串
func errorTypeFor(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	// 4xx 客户端错误
	case types.ErrInvalidRequest, types.ErrInputTooLong:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrModelNotFound:
		return http.StatusNotFound
	case types.ErrQueueFull, types.ErrQueueTimeout:
		return http.StatusTooManyRequests
	case types.ErrCancelled:
		return 499 // client closed request

	// 5xx 服务端错误
	case types.ErrShuttingDown:
		return http.StatusServiceUnavailable
	case types.ErrBatchFailure, types.ErrInternalError:
		return http.StatusInternalServerError

	// 默认
	default:
		return http.StatusInternalServerError
	}
}

// TranslateError 把内部各层的哨兵错误翻译为统一的 types.Error。
// retryAfter 用于为准入拒绝附加 Retry-After 提示。
func TranslateError(err error, retryAfter time.Duration, w http.ResponseWriter) *types.Error {
	var apiErr *types.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, admission.ErrQueueFull):
		setRetryAfter(w, retryAfter)
		return types.NewError(types.ErrQueueFull, "server is overloaded, retry later").
			WithHTTPStatus(http.StatusTooManyRequests).
			WithRetryable(true).
			WithCause(err)
	case errors.Is(err, admission.ErrQueueTimeout):
		setRetryAfter(w, retryAfter)
		return types.NewError(types.ErrQueueTimeout, "timed out waiting for an execution slot").
			WithHTTPStatus(http.StatusTooManyRequests).
			WithRetryable(true).
			WithCause(err)
	case errors.Is(err, admission.ErrShuttingDown), errors.Is(err, batching.ErrSchedulerClosed):
		return types.NewError(types.ErrShuttingDown, "server is shutting down").
			WithHTTPStatus(http.StatusServiceUnavailable).
			WithRetryable(true).
			WithCause(err)
	case errors.Is(err, context.Canceled):
		return types.NewError(types.ErrCancelled, "request cancelled by client").
			WithHTTPStatus(499).
			WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewError(types.ErrInternalError, "inference timed out").
			WithHTTPStatus(http.StatusGatewayTimeout).
			WithRetryable(true).
			WithCause(err)
	default:
		return types.NewError(types.ErrInternalError, "inference failed").
			WithHTTPStatus(http.StatusInternalServerError).
			WithCause(err)
	}
}

// admissionReason 给准入拒绝一个用于指标标签的短原因
func admissionReason(err error) string {
	switch {
	case errors.Is(err, admission.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, admission.ErrQueueTimeout):
		return "queue_timeout"
	case errors.Is(err, admission.ErrShuttingDown):
		return "shutting_down"
	default:
		return "cancelled"
	}
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) error {
	if r.Body == nil {
		err := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, err, logger)
		return err
	}

	decoder := json.NewDecoder(r.Body)

	if err := decoder.Decode(dst); err != nil {
		apiErr := types.NewError(types.ErrInvalidRequest, fmt.Sprintf("invalid JSON body: %v", err)).
			WithCause(err).
			WithHTTPStatus(http.StatusBadRequest)
		WriteError(w, apiErr, logger)
		return apiErr
	}

	return nil
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
