package registry

import (
	"fmt"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/trtengine/profiles"
	"github.com/gomlx/trtengine/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sd15Config is the usual SD 1.5 dynamic-shape envelope: 512x512 optimum,
// up to 768x768, batch up to 2 images (4 after classifier-free guidance
// doubling), one or two prompt chunks.
func sd15Config() *Config {
	return &Config{
		Profile: profiles.Set{
			profiles.InputSample: profiles.MustMake(
				[]int{1, 4, 64, 64}, []int{2, 4, 64, 64}, []int{4, 4, 96, 96}),
			profiles.InputEncoderHiddenStates: profiles.MustMake(
				[]int{1, 77, 768}, []int{2, 77, 768}, []int{4, 154, 768}),
		},
	}
}

func staticConfig() *Config {
	return &Config{
		StaticShapes: true,
		Profile: profiles.Set{
			profiles.InputSample:              profiles.Static([]int{2, 4, 64, 64}),
			profiles.InputEncoderHiddenStates: profiles.Static([]int{2, 77, 768}),
		},
	}
}

func TestCompatible(t *testing.T) {
	config := sd15Config()

	// 512x512, one image, one prompt chunk: sits on the optimization point,
	// the residual distance is the height/width slack left to max.
	ok, distance := config.Compatible(Request{Width: 512, Height: 512, BatchSize: 1, MaxEmbedding: 77})
	require.True(t, ok)
	fmt.Printf("\t512x512 batch=1: distance=%v\n", distance)
	assert.Equal(t, 32.0, distance)

	// 768x768 maxes out height and width: no slack term, but far from opt.
	ok, distance = config.Compatible(Request{Width: 768, Height: 768, BatchSize: 1, MaxEmbedding: 77})
	require.True(t, ok)
	assert.Equal(t, 64.0, distance)

	// Doubling the image batch doubles the latent batch: 2 -> 4, still inside.
	ok, distance = config.Compatible(Request{Width: 512, Height: 512, BatchSize: 2, MaxEmbedding: 77})
	require.True(t, ok)
	assert.Equal(t, 34.0, distance)

	// BatchSize 3 means a latent batch of 6, over the profile max of 4.
	ok, _ = config.Compatible(Request{Width: 512, Height: 512, BatchSize: 3, MaxEmbedding: 77})
	assert.False(t, ok)

	// One latent unit past the spatial max (776/8 = 97 > 96).
	ok, _ = config.Compatible(Request{Width: 776, Height: 776, BatchSize: 1, MaxEmbedding: 77})
	assert.False(t, ok)

	// Below the spatial min (256/8 = 32 < 64).
	ok, _ = config.Compatible(Request{Width: 256, Height: 256, BatchSize: 1, MaxEmbedding: 77})
	assert.False(t, ok)

	// Embedding length: both profile bounds are inclusive.
	ok, _ = config.Compatible(Request{Width: 512, Height: 512, BatchSize: 1, MaxEmbedding: 154})
	assert.True(t, ok)
	ok, _ = config.Compatible(Request{Width: 512, Height: 512, BatchSize: 1, MaxEmbedding: 155})
	assert.False(t, ok)
	ok, _ = config.Compatible(Request{Width: 512, Height: 512, BatchSize: 1, MaxEmbedding: 76})
	assert.False(t, ok)
}

func TestCompatibleStatic(t *testing.T) {
	config := staticConfig()

	// An exact hit on a static engine is the only way to distance 0.
	ok, distance := config.Compatible(Request{Width: 512, Height: 512, BatchSize: 1, MaxEmbedding: 77})
	require.True(t, ok)
	assert.Zero(t, distance)

	ok, _ = config.Compatible(Request{Width: 520, Height: 520, BatchSize: 1, MaxEmbedding: 77})
	assert.False(t, ok)
	ok, _ = config.Compatible(Request{Width: 512, Height: 512, BatchSize: 2, MaxEmbedding: 77})
	assert.False(t, ok)
}

func TestCompatibleMissingInputs(t *testing.T) {
	req := Request{Width: 512, Height: 512, BatchSize: 1, MaxEmbedding: 77}

	config := sd15Config()
	delete(config.Profile, profiles.InputEncoderHiddenStates)
	ok, _ := config.Compatible(req)
	assert.False(t, ok, "no embedding profile, no match")

	config = sd15Config()
	delete(config.Profile, profiles.InputSample)
	ok, _ = config.Compatible(req)
	assert.False(t, ok, "no sample profile, no match")

	// Profiles of the wrong rank cannot be indexed as NCHW / (batch, tokens).
	config = sd15Config()
	config.Profile[profiles.InputSample] = profiles.MustMake(
		[]int{1, 64, 64}, []int{2, 64, 64}, []int{4, 96, 96})
	ok, _ = config.Compatible(req)
	assert.False(t, ok)

	config = sd15Config()
	config.Profile[profiles.InputEncoderHiddenStates] = profiles.MustMake(
		[]int{77}, []int{77}, []int{154})
	ok, _ = config.Compatible(req)
	assert.False(t, ok)
}

func TestCompatibleFromFeed(t *testing.T) {
	config := sd15Config()
	feed := map[string]*tensors.Tensor{
		profiles.InputSample:              tensors.FromShape(dtypes.Float16, 2, 4, 64, 64),
		profiles.InputEncoderHiddenStates: tensors.FromShape(dtypes.Float16, 2, 77, 768),
		"timestep":                        tensors.FromShape(dtypes.Float32, 2),
	}

	// Distance is the per-input profile distance summed over the inputs the
	// profile covers; "timestep" has no profile and does not constrain.
	ok, distance := config.CompatibleFromFeed(feed)
	require.True(t, ok)
	fmt.Printf("\tfeed at opt: distance=%v\n", distance)
	assert.InDelta(t, 73.0, distance, 1e-9) // 33.25 (sample) + 39.75 (embedding)

	feed[profiles.InputSample] = tensors.FromShape(dtypes.Float16, 6, 4, 64, 64)
	ok, _ = config.CompatibleFromFeed(feed)
	assert.False(t, ok, "latent batch 6 is over the profile max of 4")

	// A feed with no profiled inputs trivially fits.
	ok, distance = config.CompatibleFromFeed(map[string]*tensors.Tensor{
		"timestep": tensors.FromShape(dtypes.Float32, 2),
	})
	assert.True(t, ok)
	assert.Zero(t, distance)
}

func TestValidEngines(t *testing.T) {
	reg := New(t.TempDir(), "cc86")
	bigConfig := &Config{
		Profile: profiles.Set{
			profiles.InputSample: profiles.MustMake(
				[]int{2, 4, 96, 96}, []int{4, 4, 96, 96}, []int{8, 4, 128, 128}),
			profiles.InputEncoderHiddenStates: profiles.MustMake(
				[]int{1, 77, 768}, []int{2, 77, 768}, []int{4, 154, 768}),
		},
	}
	// Catalogs built by offline tooling may hold several variants per base
	// model; set the partition up directly.
	reg.models["cc86"] = map[string][]Entry{
		"SD15": {
			{Filepath: "sd15_dynamic_cc86.trt", Config: *sd15Config()},
			{Filepath: "sd15_static_cc86.trt", Config: *staticConfig()},
			{Filepath: "sd15_big_cc86.trt", Config: *bigConfig},
		},
	}

	req := Request{Width: 512, Height: 512, BatchSize: 1, MaxEmbedding: 77}
	entries, distances := reg.ValidEngines("SD15", req)
	require.Len(t, entries, 2, "the 96x96-min variant cannot serve 64x64 latents")
	require.Len(t, distances, 2)

	// Registration order, not sorted: selection policy is the caller's.
	assert.Equal(t, "sd15_dynamic_cc86.trt", entries[0].Filepath)
	assert.Equal(t, "sd15_static_cc86.trt", entries[1].Filepath)
	assert.Equal(t, []float64{32, 0}, distances, "the static exact hit wins on distance")

	feed := map[string]*tensors.Tensor{
		profiles.InputSample:              tensors.FromShape(dtypes.Float16, 2, 4, 64, 64),
		profiles.InputEncoderHiddenStates: tensors.FromShape(dtypes.Float16, 2, 77, 768),
	}
	entries, distances = reg.ValidEnginesFromFeed("SD15", feed)
	require.Len(t, entries, 2)
	assert.Equal(t, "sd15_dynamic_cc86.trt", entries[0].Filepath)
	assert.Equal(t, "sd15_static_cc86.trt", entries[1].Filepath)
	require.Len(t, distances, 2)
	assert.InDelta(t, 73.0, distances[0], 1e-9)
	assert.Zero(t, distances[1])

	// Nothing matches: empty result, not an error.
	entries, distances = reg.ValidEngines("SD15", Request{Width: 512, Height: 512, BatchSize: 3, MaxEmbedding: 77})
	assert.Empty(t, entries)
	assert.Empty(t, distances)
	entries, _ = reg.ValidEngines("unknown-model", req)
	assert.Empty(t, entries)
}
