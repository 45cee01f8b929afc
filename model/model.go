// Package model defines the inference handler interfaces and the static
// registry that owns every handler instance for the process lifetime.
package model

import (
	"context"
	"io"
	"time"
)

// Capabilities describes what a handler can do, surfaced through the
// model listing endpoint.
type Capabilities struct {
	Embedding bool `json:"embedding"`
	Speech    bool `json:"speech"`
}

// Info is the public description of a registered model.
type Info struct {
	Name         string       `json:"id"`
	Kind         string       `json:"kind"`
	Device       string       `json:"device"`
	Dimensions   int          `json:"dimensions,omitempty"`
	ThreadSafe   bool         `json:"-"`
	Capabilities Capabilities `json:"capabilities"`
}

// Embedder turns a slice of texts into one vector per text, preserving
// order. Implementations must be safe for concurrent use unless they
// report ThreadSafe() == false, in which case the registry serializes
// access for them.
type Embedder interface {
	Name() string
	Dimensions() int
	Device() string
	ThreadSafe() bool
	Embed(ctx context.Context, inputs []string) ([][]float64, error)
	CountTokens(text string) (int, error)
}

// SpeechRequest asks a Synthesizer to render text as audio.
type SpeechRequest struct {
	Text   string
	Voice  string
	Format string
	Speed  float64
}

// SpeechResult is rendered audio. Audio must be closed by the caller.
type SpeechResult struct {
	Audio     io.ReadCloser
	Format    string
	CharCount int
	CreatedAt time.Time
}

// Synthesizer renders text to speech. TTS engines typically hold
// per-instance state, so most implementations report ThreadSafe() == false.
type Synthesizer interface {
	Name() string
	Device() string
	ThreadSafe() bool
	Synthesize(ctx context.Context, req *SpeechRequest) (*SpeechResult, error)
}
