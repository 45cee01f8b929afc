package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// openAISynthesizer proxies speech synthesis to an OpenAI-compatible API.
// The engine behind /v1/audio/speech holds per-session state, so the
// handler reports ThreadSafe() == false and the registry serializes it.
type openAISynthesizer struct {
	name     string
	upstream string
	device   string
	voice    string
	baseURL  string
	apiKey   string
	client   *http.Client
}

func newOpenAISynthesizer(cfg Config, device string) (Synthesizer, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	upstream := cfg.UpstreamModel
	if upstream == "" {
		upstream = cfg.Name
	}
	voice := cfg.Voice
	if voice == "" {
		voice = "alloy"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &openAISynthesizer{
		name:     cfg.Name,
		upstream: upstream,
		device:   device,
		voice:    voice,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (s *openAISynthesizer) Name() string     { return s.name }
func (s *openAISynthesizer) Device() string   { return s.device }
func (s *openAISynthesizer) ThreadSafe() bool { return false }

type openAISpeechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// Synthesize renders text to audio through the upstream API.
func (s *openAISynthesizer) Synthesize(ctx context.Context, req *SpeechRequest) (*SpeechResult, error) {
	voice := req.Voice
	if voice == "" {
		voice = s.voice
	}
	format := req.Format
	if format == "" {
		format = "mp3"
	}

	body := openAISpeechRequest{
		Model:          s.upstream,
		Input:          req.Text,
		Voice:          voice,
		ResponseFormat: format,
	}
	if req.Speed > 0 {
		body.Speed = req.Speed
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal speech request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create speech request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("speech request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(resp.Body)
		return nil, mapUpstreamError(resp.StatusCode, string(errBody), s.name)
	}

	return &SpeechResult{
		Audio:     resp.Body,
		Format:    format,
		CharCount: len(req.Text),
		CreatedAt: time.Now(),
	}, nil
}
