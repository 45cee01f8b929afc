package handlers

import (
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/BaSui01/inferflow/api"
	"github.com/BaSui01/inferflow/internal/admission"
	"github.com/BaSui01/inferflow/internal/metrics"
	"github.com/BaSui01/inferflow/model"
	"github.com/BaSui01/inferflow/types"
)

// =============================================================================
// 🔊 语音合成 Handler
// =============================================================================

// SpeechHandler 语音合成处理器。合成不走批处理: 引擎持有会话状态,
// 注册表已对其做串行化, 这里只经过准入限制和执行池。
type SpeechHandler struct {
	limiter  *admission.Limiter
	registry *model.Registry
	metrics  *metrics.Collector
	limits   Limits
	logger   *zap.Logger
}

// NewSpeechHandler 创建语音合成处理器
func NewSpeechHandler(
	limiter *admission.Limiter,
	registry *model.Registry,
	collector *metrics.Collector,
	limits Limits,
	logger *zap.Logger,
) *SpeechHandler {
	return &SpeechHandler{
		limiter:  limiter,
		registry: registry,
		metrics:  collector,
		limits:   limits,
		logger:   logger.With(zap.String("handler", "speech")),
	}
}

var audioContentTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"opus": "audio/opus",
	"aac":  "audio/aac",
	"flac": "audio/flac",
}

// HandleSpeech 处理 POST /v1/audio/speech 请求
// @Summary 文本转语音
// @Description OpenAI 兼容的语音合成端点
// @Tags 语音
// @Accept json
// @Produce audio/mpeg
// @Success 200 {file} binary "音频数据"
// @Failure 400 {object} api.ErrorResponse "请求无效"
// @Failure 404 {object} api.ErrorResponse "模型不存在"
// @Failure 429 {object} api.ErrorResponse "服务过载"
// @Router /v1/audio/speech [post]
func (h *SpeechHandler) HandleSpeech(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req api.SpeechRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if apiErr := h.validate(&req); apiErr != nil {
		h.metrics.RecordRequest(req.Model, "invalid", time.Since(start))
		WriteError(w, apiErr, h.logger)
		return
	}

	synth, err := h.registry.Synthesizer(req.Model)
	if err != nil {
		h.metrics.RecordRequest(req.Model, "not_found", time.Since(start))
		WriteError(w, TranslateError(err, 0, w), h.logger)
		return
	}

	ctx := r.Context()
	ticket, err := h.limiter.Acquire(ctx)
	if err != nil {
		h.rejected(w, req.Model, err, start)
		return
	}
	defer h.limiter.Release(ticket)
	h.metrics.RecordQueueWait(time.Since(start))

	result, err := synth.Synthesize(ctx, &model.SpeechRequest{
		Text:   req.Input,
		Voice:  req.Voice,
		Format: req.ResponseFormat,
		Speed:  req.Speed,
	})
	if err != nil {
		h.metrics.RecordRequest(req.Model, "error", time.Since(start))
		WriteError(w, TranslateError(err, h.limiter.QueueTimeout(), w), h.logger)
		return
	}
	defer result.Audio.Close()

	contentType := audioContentTypes[result.Format]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, result.Audio); err != nil {
		// 响应已经开始, 只能记录
		h.logger.Warn("streaming audio failed", zap.String("model", req.Model), zap.Error(err))
		return
	}

	h.metrics.RecordRequest(req.Model, "ok", time.Since(start))
}

// validate 校验请求体
func (h *SpeechHandler) validate(req *api.SpeechRequest) *types.Error {
	if req.Model == "" {
		return types.NewError(types.ErrInvalidRequest, "model is required").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if req.Input == "" {
		return types.NewError(types.ErrInvalidRequest, "input must not be empty").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if n := utf8.RuneCountInString(req.Input); n > h.limits.MaxSpeechChars {
		return types.NewError(types.ErrInputTooLong,
			"input exceeds the maximum character limit").
			WithHTTPStatus(http.StatusBadRequest).
			WithModel(req.Model)
	}
	if req.Speed != 0 && (req.Speed < 0.25 || req.Speed > 4.0) {
		return types.NewError(types.ErrInvalidRequest, "speed must be between 0.25 and 4.0").
			WithHTTPStatus(http.StatusBadRequest)
	}
	return nil
}

// rejected 统一处理准入拒绝
func (h *SpeechHandler) rejected(w http.ResponseWriter, modelName string, err error, start time.Time) {
	reason := admissionReason(err)
	h.metrics.RecordQueueRejection(reason)
	h.metrics.RecordRequest(modelName, reason, time.Since(start))
	WriteError(w, TranslateError(err, h.limiter.QueueTimeout(), w), h.logger)
}
