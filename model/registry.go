package model

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/inferflow/types"
)

// Config declares one model instance to load at startup.
type Config struct {
	// Name is the identifier clients send in requests.
	Name string `yaml:"name" json:"name"`
	// Kind selects the handler implementation: openai, hash or openai-tts.
	Kind string `yaml:"kind" json:"kind"`
	// Device is placement metadata: auto, cpu, cuda, cuda:N or mps.
	Device string `yaml:"device" json:"device"`
	// Dimensions is the embedding width, where the kind needs one.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	// BaseURL and APIKey configure remote kinds.
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" json:"api_key"`
	// UpstreamModel is the model id sent to the remote API when it differs
	// from Name.
	UpstreamModel string `yaml:"upstream_model" json:"upstream_model"`
	// Encoding overrides the tiktoken encoding used by CountTokens.
	Encoding string `yaml:"encoding" json:"encoding"`
	// Voice is the default voice for speech kinds.
	Voice string `yaml:"voice" json:"voice"`
	// Timeout bounds one upstream call for remote kinds.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Registry holds every loaded handler for the process lifetime. The set of
// kinds is closed: a config naming an unknown kind is a startup error, never
// a runtime lookup.
type Registry struct {
	embedders    map[string]Embedder
	synthesizers map[string]Synthesizer
	infos        []Info
	logger       *zap.Logger
}

type embedderCtor func(cfg Config, device string) (Embedder, error)
type synthesizerCtor func(cfg Config, device string) (Synthesizer, error)

var embedderKinds = map[string]embedderCtor{
	"openai": func(cfg Config, device string) (Embedder, error) {
		return newOpenAIEmbedder(cfg, device)
	},
	"hash": func(cfg Config, device string) (Embedder, error) {
		return newHashEmbedder(cfg, device)
	},
}

var synthesizerKinds = map[string]synthesizerCtor{
	"openai-tts": func(cfg Config, device string) (Synthesizer, error) {
		return newOpenAISynthesizer(cfg, device)
	},
}

// NewRegistry loads every configured model. Any invalid entry fails the
// whole registry; a server must not come up with a partial model set.
func NewRegistry(cfgs []Config, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		embedders:    make(map[string]Embedder),
		synthesizers: make(map[string]Synthesizer),
		logger:       logger.With(zap.String("component", "registry")),
	}

	for _, cfg := range cfgs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("model config missing name (kind %q)", cfg.Kind)
		}
		if _, dup := r.embedders[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate model name %q", cfg.Name)
		}
		if _, dup := r.synthesizers[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate model name %q", cfg.Name)
		}

		device, err := ResolveDevice(cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", cfg.Name, err)
		}

		switch {
		case embedderKinds[cfg.Kind] != nil:
			e, err := embedderKinds[cfg.Kind](cfg, device)
			if err != nil {
				return nil, fmt.Errorf("model %q (kind %s): %w", cfg.Name, cfg.Kind, err)
			}
			if !e.ThreadSafe() {
				e = &lockedEmbedder{inner: e}
			}
			r.embedders[cfg.Name] = e
			r.infos = append(r.infos, Info{
				Name:         cfg.Name,
				Kind:         cfg.Kind,
				Device:       device,
				Dimensions:   e.Dimensions(),
				ThreadSafe:   e.ThreadSafe(),
				Capabilities: Capabilities{Embedding: true},
			})
		case synthesizerKinds[cfg.Kind] != nil:
			s, err := synthesizerKinds[cfg.Kind](cfg, device)
			if err != nil {
				return nil, fmt.Errorf("model %q (kind %s): %w", cfg.Name, cfg.Kind, err)
			}
			if !s.ThreadSafe() {
				s = &lockedSynthesizer{inner: s}
			}
			r.synthesizers[cfg.Name] = s
			r.infos = append(r.infos, Info{
				Name:         cfg.Name,
				Kind:         cfg.Kind,
				Device:       device,
				ThreadSafe:   s.ThreadSafe(),
				Capabilities: Capabilities{Speech: true},
			})
		default:
			return nil, fmt.Errorf("model %q: unknown kind %q", cfg.Name, cfg.Kind)
		}

		r.logger.Info("model loaded",
			zap.String("model", cfg.Name),
			zap.String("kind", cfg.Kind),
			zap.String("device", device),
		)
	}

	sort.Slice(r.infos, func(i, j int) bool { return r.infos[i].Name < r.infos[j].Name })
	return r, nil
}

// Embedder returns the embedder registered under name.
func (r *Registry) Embedder(name string) (Embedder, error) {
	e, ok := r.embedders[name]
	if !ok {
		return nil, r.notFound(name)
	}
	return e, nil
}

// Synthesizer returns the speech handler registered under name.
func (r *Registry) Synthesizer(name string) (Synthesizer, error) {
	s, ok := r.synthesizers[name]
	if !ok {
		return nil, r.notFound(name)
	}
	return s, nil
}

func (r *Registry) notFound(name string) error {
	return types.NewError(types.ErrModelNotFound,
		fmt.Sprintf("model %q is not loaded", name)).
		WithHTTPStatus(http.StatusNotFound).
		WithModel(name)
}

// List returns the registered models in stable name order.
func (r *Registry) List() []Info {
	out := make([]Info, len(r.infos))
	copy(out, r.infos)
	return out
}

// lockedEmbedder serializes access to a handler that holds mutable state.
type lockedEmbedder struct {
	mu    sync.Mutex
	inner Embedder
}

func (l *lockedEmbedder) Name() string     { return l.inner.Name() }
func (l *lockedEmbedder) Dimensions() int  { return l.inner.Dimensions() }
func (l *lockedEmbedder) Device() string   { return l.inner.Device() }
func (l *lockedEmbedder) ThreadSafe() bool { return l.inner.ThreadSafe() }

func (l *lockedEmbedder) Embed(ctx context.Context, inputs []string) ([][]float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Embed(ctx, inputs)
}

func (l *lockedEmbedder) CountTokens(text string) (int, error) {
	return l.inner.CountTokens(text)
}

// lockedSynthesizer gives a stateful TTS engine exclusive access per call.
type lockedSynthesizer struct {
	mu    sync.Mutex
	inner Synthesizer
}

func (l *lockedSynthesizer) Name() string     { return l.inner.Name() }
func (l *lockedSynthesizer) Device() string   { return l.inner.Device() }
func (l *lockedSynthesizer) ThreadSafe() bool { return l.inner.ThreadSafe() }

func (l *lockedSynthesizer) Synthesize(ctx context.Context, req *SpeechRequest) (*SpeechResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Synthesize(ctx, req)
}
