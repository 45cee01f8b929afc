package api

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// 嵌入类型
// =============================================================================

// EmbeddingsRequest 表示嵌入请求（OpenAI 兼容）。
// @Description 嵌入请求结构
type EmbeddingsRequest struct {
	// 型号名称
	Model string `json:"model" example:"text-embedding-3-small" binding:"required"`
	// 输入文本（字符串或字符串数组）
	Input InputTexts `json:"input" binding:"required"`
	// 编码格式（仅支持 float）
	EncodingFormat string `json:"encoding_format,omitempty" example:"float"`
	// 用户标识（透传，不参与处理）
	User string `json:"user,omitempty"`
}

// InputTexts 接受单个字符串或字符串数组两种 JSON 形式。
type InputTexts []string

// UnmarshalJSON 实现 string | []string 的宽松解码
func (in *InputTexts) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*in = InputTexts{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*in = InputTexts(many)
		return nil
	}
	return fmt.Errorf("input must be a string or an array of strings")
}

// EmbeddingsResponse 表示嵌入响应（OpenAI 兼容）。
// @Description 嵌入响应结构
type EmbeddingsResponse struct {
	// 对象类型，恒为 "list"
	Object string `json:"object" example:"list"`
	// 嵌入数据，顺序与输入一致
	Data []EmbeddingObject `json:"data"`
	// 使用型号
	Model string `json:"model" example:"text-embedding-3-small"`
	// 代币使用统计
	Usage EmbeddingsUsage `json:"usage"`
}

// EmbeddingObject 表示单条嵌入结果。
// @Description 嵌入对象结构
type EmbeddingObject struct {
	// 对象类型，恒为 "embedding"
	Object string `json:"object" example:"embedding"`
	// 输入中的位置
	Index int `json:"index" example:"0"`
	// 嵌入向量
	Embedding []float64 `json:"embedding"`
}

// EmbeddingsUsage 表示嵌入请求的代币使用情况。
// @Description 代币使用统计
type EmbeddingsUsage struct {
	// 提示中的令牌
	PromptTokens int `json:"prompt_tokens" example:"8"`
	// 使用的代币总数
	TotalTokens int `json:"total_tokens" example:"8"`
}

// =============================================================================
// 语音合成类型
// =============================================================================

// SpeechRequest 表示语音合成请求（OpenAI 兼容）。
// @Description 语音合成请求结构
type SpeechRequest struct {
	// 型号名称
	Model string `json:"model" example:"tts-1" binding:"required"`
	// 待合成文本
	Input string `json:"input" binding:"required"`
	// 语音名称
	Voice string `json:"voice,omitempty" example:"alloy"`
	// 音频格式（mp3、wav、opus）
	ResponseFormat string `json:"response_format,omitempty" example:"mp3"`
	// 语速（0.25-4.0）
	Speed float64 `json:"speed,omitempty" example:"1.0"`
}

// =============================================================================
// 模型列表类型
// =============================================================================

// ModelsResponse 表示模型列表响应（OpenAI 兼容）。
// @Description 模型列表响应
type ModelsResponse struct {
	// 对象类型，恒为 "list"
	Object string `json:"object" example:"list"`
	// 型号一览
	Data []ModelObject `json:"data"`
}

// ModelObject 表示单个模型条目。
// @Description 模型对象结构
type ModelObject struct {
	// 型号标识符
	ID string `json:"id" example:"text-embedding-3-small"`
	// 对象类型，恒为 "model"
	Object string `json:"object" example:"model"`
	// 所有者
	OwnedBy string `json:"owned_by" example:"inferflow"`
	// 处理器种类
	Kind string `json:"kind,omitempty" example:"openai"`
	// 放置设备
	Device string `json:"device,omitempty" example:"cuda:0"`
	// 嵌入维度
	Dimensions int `json:"dimensions,omitempty" example:"1536"`
}

// =============================================================================
// 错误类型
// =============================================================================

// ErrorResponse 表示错误响应（OpenAI 兼容）。
// @Description 错误响应结构
type ErrorResponse struct {
	// 错误详情
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 表示错误详细信息。
// @Description 错误详细结构
type ErrorDetail struct {
	// 错误代码
	Code string `json:"code" example:"QUEUE_FULL"`
	// 人类可读的错误消息
	Message string `json:"message" example:"server is overloaded"`
	// 错误类型
	Type string `json:"type" example:"rate_limit_error"`
	// 请求是否可以重试
	Retryable bool `json:"retryable,omitempty" example:"true"`
}
