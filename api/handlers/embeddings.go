package handlers

import (
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/BaSui01/inferflow/api"
	"github.com/BaSui01/inferflow/internal/admission"
	"github.com/BaSui01/inferflow/internal/batching"
	"github.com/BaSui01/inferflow/internal/metrics"
	"github.com/BaSui01/inferflow/model"
	"github.com/BaSui01/inferflow/types"
)

// =============================================================================
// 🧮 嵌入 Handler
// =============================================================================

// Limits 请求校验限制
type Limits struct {
	// 单次请求最大文本条数
	MaxBatchItems int
	// 单条文本最大字符数
	MaxTextChars int
	// TTS 单次请求最大字符数
	MaxSpeechChars int
}

// EmbeddingsHandler 嵌入请求处理器
type EmbeddingsHandler struct {
	limiter   *admission.Limiter
	scheduler *batching.Scheduler
	registry  *model.Registry
	metrics   *metrics.Collector
	limits    Limits
	logger    *zap.Logger
}

// NewEmbeddingsHandler 创建嵌入处理器
func NewEmbeddingsHandler(
	limiter *admission.Limiter,
	scheduler *batching.Scheduler,
	registry *model.Registry,
	collector *metrics.Collector,
	limits Limits,
	logger *zap.Logger,
) *EmbeddingsHandler {
	return &EmbeddingsHandler{
		limiter:   limiter,
		scheduler: scheduler,
		registry:  registry,
		metrics:   collector,
		limits:    limits,
		logger:    logger.With(zap.String("handler", "embeddings")),
	}
}

// HandleEmbeddings 处理 POST /v1/embeddings 请求
// @Summary 生成文本嵌入
// @Description OpenAI 兼容的嵌入端点，带准入控制与动态批处理
// @Tags 嵌入
// @Accept json
// @Produce json
// @Success 200 {object} api.EmbeddingsResponse "嵌入结果"
// @Failure 400 {object} api.ErrorResponse "请求无效"
// @Failure 404 {object} api.ErrorResponse "模型不存在"
// @Failure 429 {object} api.ErrorResponse "服务过载"
// @Failure 503 {object} api.ErrorResponse "服务关闭中"
// @Router /v1/embeddings [post]
func (h *EmbeddingsHandler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req api.EmbeddingsRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if apiErr := h.validate(&req); apiErr != nil {
		h.metrics.RecordRequest(req.Model, "invalid", time.Since(start))
		WriteError(w, apiErr, h.logger)
		return
	}

	embedder, err := h.registry.Embedder(req.Model)
	if err != nil {
		h.metrics.RecordRequest(req.Model, "not_found", time.Since(start))
		WriteError(w, TranslateError(err, 0, w), h.logger)
		return
	}

	// 准入: 先占名额再等执行槽, 满员立即拒绝
	ctx := r.Context()
	ticket, err := h.limiter.Acquire(ctx)
	if err != nil {
		h.rejected(w, req.Model, err, start)
		return
	}
	defer h.limiter.Release(ticket)
	h.metrics.RecordQueueWait(time.Since(start))

	vectors, err := h.scheduler.Submit(ctx, req.Model, []string(req.Input))
	if err != nil {
		apiErr := h.submitError(err, req.Model, w)
		h.metrics.RecordRequest(req.Model, "error", time.Since(start))
		WriteError(w, apiErr, h.logger)
		return
	}

	resp := api.EmbeddingsResponse{
		Object: "list",
		Data:   make([]api.EmbeddingObject, len(vectors)),
		Model:  req.Model,
	}
	for i, vec := range vectors {
		resp.Data[i] = api.EmbeddingObject{
			Object:    "embedding",
			Index:     i,
			Embedding: vec,
		}
	}
	for _, text := range req.Input {
		n, err := embedder.CountTokens(text)
		if err != nil {
			// 计数失败不影响结果, usage 记为 0
			h.logger.Warn("token counting failed", zap.String("model", req.Model), zap.Error(err))
			break
		}
		resp.Usage.PromptTokens += n
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens

	h.metrics.RecordRequest(req.Model, "ok", time.Since(start))
	WriteJSON(w, http.StatusOK, resp)
}

// validate 校验请求体
func (h *EmbeddingsHandler) validate(req *api.EmbeddingsRequest) *types.Error {
	if req.Model == "" {
		return types.NewError(types.ErrInvalidRequest, "model is required").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if req.EncodingFormat != "" && req.EncodingFormat != "float" {
		return types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("encoding_format %q is not supported, only \"float\"", req.EncodingFormat)).
			WithHTTPStatus(http.StatusBadRequest)
	}
	if len(req.Input) == 0 {
		return types.NewError(types.ErrInvalidRequest, "input must not be empty").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if len(req.Input) > h.limits.MaxBatchItems {
		return types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("input has %d items, maximum is %d", len(req.Input), h.limits.MaxBatchItems)).
			WithHTTPStatus(http.StatusBadRequest)
	}
	for i, text := range req.Input {
		if n := utf8.RuneCountInString(text); n > h.limits.MaxTextChars {
			return types.NewError(types.ErrInputTooLong,
				fmt.Sprintf("input[%d] has %d characters, maximum is %d", i, n, h.limits.MaxTextChars)).
				WithHTTPStatus(http.StatusBadRequest).
				WithModel(req.Model)
		}
	}
	return nil
}

// rejected 统一处理准入拒绝
func (h *EmbeddingsHandler) rejected(w http.ResponseWriter, modelName string, err error, start time.Time) {
	reason := admissionReason(err)
	h.metrics.RecordQueueRejection(reason)
	h.metrics.RecordRequest(modelName, reason, time.Since(start))
	WriteError(w, TranslateError(err, h.limiter.QueueTimeout(), w), h.logger)
}

// submitError 将批处理路径的失败归入错误分类
func (h *EmbeddingsHandler) submitError(err error, modelName string, w http.ResponseWriter) *types.Error {
	apiErr := TranslateError(err, h.limiter.QueueTimeout(), w)
	if apiErr.Code == types.ErrInternalError && apiErr.HTTPStatus == http.StatusInternalServerError {
		// 非哨兵的模型调用失败对整批成员等同生效
		return types.NewError(types.ErrBatchFailure, "model invocation failed").
			WithHTTPStatus(http.StatusInternalServerError).
			WithModel(modelName).
			WithCause(err)
	}
	return apiErr
}
