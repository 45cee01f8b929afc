package model

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/inferflow/types"
)

func TestRegistry_LoadsConfiguredModels(t *testing.T) {
	r, err := NewRegistry([]Config{
		{Name: "dev-embed", Kind: "hash", Device: "auto", Dimensions: 64},
		{Name: "remote-embed", Kind: "openai", Device: "cpu", Dimensions: 1536, APIKey: "sk-test"},
		{Name: "dev-tts", Kind: "openai-tts", Device: "cuda:0"},
	}, nil)
	require.NoError(t, err)

	e, err := r.Embedder("dev-embed")
	require.NoError(t, err)
	assert.Equal(t, "dev-embed", e.Name())
	assert.Equal(t, 64, e.Dimensions())
	assert.Equal(t, "cpu", e.Device(), "auto resolves to cpu")

	s, err := r.Synthesizer("dev-tts")
	require.NoError(t, err)
	assert.Equal(t, "cuda:0", s.Device())
	assert.False(t, s.ThreadSafe(), "tts engines hold state and must be serialized")

	infos := r.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "dev-embed", infos[0].Name, "listing is name-sorted")
	assert.True(t, infos[0].Capabilities.Embedding)
	assert.True(t, infos[1].Capabilities.Speech)
}

func TestRegistry_UnknownKindIsFatal(t *testing.T) {
	_, err := NewRegistry([]Config{
		{Name: "mystery", Kind: "quantum"},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown kind "quantum"`)
}

func TestRegistry_DuplicateNameIsFatal(t *testing.T) {
	_, err := NewRegistry([]Config{
		{Name: "twin", Kind: "hash"},
		{Name: "twin", Kind: "hash"},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate model name")
}

func TestRegistry_InvalidDeviceIsFatal(t *testing.T) {
	_, err := NewRegistry([]Config{
		{Name: "bad", Kind: "hash", Device: "tpu"},
	}, nil)
	require.Error(t, err)
}

func TestRegistry_UnknownModelLookup(t *testing.T) {
	r, err := NewRegistry([]Config{
		{Name: "dev-embed", Kind: "hash"},
	}, nil)
	require.NoError(t, err)

	_, err = r.Embedder("missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrModelNotFound, types.GetErrorCode(err))

	// An embedder name is not a speech model.
	_, err = r.Synthesizer("dev-embed")
	require.Error(t, err)
	assert.Equal(t, types.ErrModelNotFound, types.GetErrorCode(err))
}

func TestResolveDevice(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "cpu", false},
		{"auto", "cpu", false},
		{"CPU", "cpu", false},
		{"cuda", "cuda", false},
		{"cuda:1", "cuda:1", false},
		{"mps", "mps", false},
		{"cuda:x", "", true},
		{"cuda:-1", "", true},
		{"tpu", "", true},
	}
	for _, tc := range cases {
		got, err := ResolveDevice(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "device %q", tc.in)
		} else {
			require.NoError(t, err, "device %q", tc.in)
			assert.Equal(t, tc.want, got)
		}
	}
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e, err := newHashEmbedder(Config{Name: "dev", Dimensions: 32}, "cpu")
	require.NoError(t, err)
	ctx := context.Background()

	a, err := e.Embed(ctx, []string{"the quick brown fox", "the quick brown fox", "something else"})
	require.NoError(t, err)
	require.Len(t, a, 3)
	assert.Equal(t, a[0], a[1], "identical text yields identical vectors")
	assert.NotEqual(t, a[0], a[2])

	// Unit length.
	var norm float64
	for _, v := range a[0] {
		norm += v * v
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)

	n, err := e.CountTokens("the quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
