package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/inferflow/types"
)

// openAIEmbedder proxies embedding calls to an OpenAI-compatible API.
type openAIEmbedder struct {
	name     string
	upstream string
	device   string
	dims     int
	baseURL  string
	apiKey   string
	client   *http.Client
	tok      *lazyTiktoken
}

func newOpenAIEmbedder(cfg Config, device string) (Embedder, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	upstream := cfg.UpstreamModel
	if upstream == "" {
		upstream = cfg.Name
	}
	dims := cfg.Dimensions
	if dims == 0 {
		dims = 1536
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "cl100k_base"
	}

	return &openAIEmbedder{
		name:     cfg.Name,
		upstream: upstream,
		device:   device,
		dims:     dims,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		tok:      &lazyTiktoken{encoding: encoding},
	}, nil
}

func (e *openAIEmbedder) Name() string     { return e.name }
func (e *openAIEmbedder) Dimensions() int  { return e.dims }
func (e *openAIEmbedder) Device() string   { return e.device }
func (e *openAIEmbedder) ThreadSafe() bool { return true }

type openAIEmbedRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed calls the upstream /v1/embeddings endpoint once for the whole
// input slice and reorders the response by index.
func (e *openAIEmbedder) Embed(ctx context.Context, inputs []string) ([][]float64, error) {
	body := openAIEmbedRequest{
		Input:          inputs,
		Model:          e.upstream,
		EncodingFormat: "float",
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).
			WithRetryable(true).
			WithModel(e.name).
			WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, mapUpstreamError(resp.StatusCode, string(respBody), e.name)
	}

	var parsed openAIEmbedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Data) != len(inputs) {
		return nil, fmt.Errorf("upstream returned %d embeddings for %d inputs", len(parsed.Data), len(inputs))
	}

	out := make([][]float64, len(inputs))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("upstream returned out-of-range index %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (e *openAIEmbedder) CountTokens(text string) (int, error) {
	return e.tok.count(text)
}

// mapUpstreamError maps an upstream HTTP status to the local error taxonomy.
func mapUpstreamError(status int, msg, model string) *types.Error {
	code := types.ErrInternalError
	retryable := status >= 500

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = types.ErrUnauthorized
	case http.StatusTooManyRequests:
		retryable = true
	case http.StatusBadRequest:
		code = types.ErrInvalidRequest
	}

	return types.NewError(code, msg).
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(retryable).
		WithModel(model)
}

// lazyTiktoken initializes a tiktoken encoding on first use; the encoding
// data may be fetched from disk or network.
type lazyTiktoken struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
}

func (t *lazyTiktoken) count(text string) (int, error) {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	if t.initErr != nil {
		return 0, t.initErr
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}
