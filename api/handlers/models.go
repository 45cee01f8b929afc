package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/inferflow/api"
	"github.com/BaSui01/inferflow/model"
)

// =============================================================================
// 📋 模型列表 Handler
// =============================================================================

// ModelsHandler 模型列表处理器
type ModelsHandler struct {
	registry *model.Registry
	logger   *zap.Logger
}

// NewModelsHandler 创建模型列表处理器
func NewModelsHandler(registry *model.Registry, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{
		registry: registry,
		logger:   logger.With(zap.String("handler", "models")),
	}
}

// HandleModels 处理 GET /v1/models 请求
// @Summary 列出已加载模型
// @Description OpenAI 兼容的模型列表端点
// @Tags 模型
// @Produce json
// @Success 200 {object} api.ModelsResponse "模型列表"
// @Router /v1/models [get]
func (h *ModelsHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	infos := h.registry.List()
	resp := api.ModelsResponse{
		Object: "list",
		Data:   make([]api.ModelObject, len(infos)),
	}
	for i, info := range infos {
		resp.Data[i] = api.ModelObject{
			ID:         info.Name,
			Object:     "model",
			OwnedBy:    "inferflow",
			Kind:       info.Kind,
			Device:     info.Device,
			Dimensions: info.Dimensions,
		}
	}

	WriteJSON(w, http.StatusOK, resp)
}
