package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/gomlx/trtengine/profiles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns a config with the canonical diffusion inputs and a
// dynamic sample envelope.
func testConfig() Config {
	return Config{
		Profile: profiles.Set{
			profiles.InputSample: profiles.MustMake(
				[]int{1, 4, 64, 64}, []int{2, 4, 64, 64}, []int{4, 4, 96, 96}),
			profiles.InputEncoderHiddenStates: profiles.MustMake(
				[]int{2, 77, 768}, []int{2, 77, 768}, []int{4, 154, 768}),
		},
		BaselineModel: "SD15",
		Refit:         true,
		UNetHiddenDim: DefaultUNetHiddenDim,
	}
}

// touchArtifact creates an empty engine artifact so Reconcile keeps its entry.
func touchArtifact(t *testing.T, dir, filename string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte("trt"), 0644))
}

func TestFilenames(t *testing.T) {
	assert.Equal(t, "cc86", CCTag(8, 6))
	assert.Equal(t, "cc120", CCTag(12, 0))
	assert.Equal(t, "unet_cc86.trt", EngineFilename("unet", "cc86"))

	platform := "linux"
	if runtime.GOOS == "windows" {
		platform = "win"
	}
	assert.Equal(t, fmt.Sprintf("timing_cache_%s_cc86.cache", platform), TimingCacheFilename("cc86"))

	reg := New("/engines", "cc86")
	assert.Equal(t, filepath.Join("/engines", TimingCacheFilename("cc86")), reg.TimingCachePath())
}

func TestAddEntryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	touchArtifact(t, dir, "unet_cc86.trt")

	reg := New(dir, "cc86")
	entry, err := reg.AddEntry("unet", testConfig())
	require.NoError(t, err)
	assert.Equal(t, "unet_cc86.trt", entry.Filepath)
	assert.False(t, entry.IsAdapter())
	assert.Equal(t, filepath.Join(dir, "unet_cc86.trt"), reg.ArtifactPath(entry))
	assert.Equal(t, reg.ArtifactPath(entry), reg.EnginePath("unet"))

	// A fresh registry over the same directory sees the persisted entry.
	reloaded := New(dir, "cc86")
	require.NoError(t, reloaded.Load())
	entries := reloaded.Lookup("unet")
	require.Len(t, entries, 1)
	assert.Equal(t, entry.Filepath, entries[0].Filepath)
	assert.Equal(t, "SD15", entries[0].Config.BaselineModel)
	assert.True(t, entries[0].Config.Refit)
	assert.True(t, testConfig().Profile[profiles.InputSample].Equal(
		entries[0].Config.Profile[profiles.InputSample]))

	// The persisted form is canonical: saving what was loaded changes nothing.
	registryFile := filepath.Join(dir, RegistryFilename)
	before, err := os.ReadFile(registryFile)
	require.NoError(t, err)
	require.NoError(t, reloaded.Save())
	after, err := os.ReadFile(registryFile)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestAddEntryValidation(t *testing.T) {
	reg := New(t.TempDir(), "cc86")

	_, err := reg.AddEntry("unet", Config{UNetHiddenDim: DefaultUNetHiddenDim})
	require.Error(t, err, "an entry without input profiles is unusable")

	config := testConfig()
	config.StaticShapes = true
	_, err = reg.AddEntry("unet", config)
	require.Error(t, err, "static engines cannot declare dynamic profiles")

	config = testConfig()
	config.UNetHiddenDim = 0
	_, err = reg.AddEntry("unet", config)
	require.Error(t, err)
}

func TestReRegisterReplacesInPlace(t *testing.T) {
	dir := t.TempDir()
	touchArtifact(t, dir, "first_cc86.trt")
	touchArtifact(t, dir, "unet_cc86.trt")
	reg := New(dir, "cc86")

	_, err := reg.AddEntry("first", testConfig())
	require.NoError(t, err)

	config := testConfig()
	config.VRAM = 1 << 30
	_, err = reg.AddEntry("unet", config)
	require.NoError(t, err)
	config.VRAM = 2 << 30
	_, err = reg.AddEntry("unet", config)
	require.NoError(t, err)

	entries := reg.Lookup("unet")
	require.Len(t, entries, 1, "same artifact filename replaces, not appends")
	assert.Equal(t, 2<<30, entries[0].Config.VRAM)
	assert.Equal(t, []string{"first", "unet"}, reg.BaseModels())
}

func TestAdapterEntry(t *testing.T) {
	dir := t.TempDir()
	touchArtifact(t, dir, "unet_cc86.trt")
	touchArtifact(t, dir, "watercolor_cc86.trt")
	reg := New(dir, "cc86")

	_, err := reg.AddEntry("unet", testConfig())
	require.NoError(t, err)

	config := testConfig()
	config.StaticShapes = true // Forced off for adapters.
	config.Refit = false       // Forced on for adapters.
	entry, err := reg.AddAdapterEntry("unet", "watercolor", "/somewhere/else/watercolor_cc86.trt", config)
	require.NoError(t, err)
	assert.Equal(t, "watercolor_cc86.trt", entry.Filepath, "adapter artifacts are stored by basename")
	assert.True(t, entry.IsAdapter())
	assert.Equal(t, "unet", entry.BaseModel)
	assert.False(t, entry.Config.StaticShapes)
	assert.True(t, entry.Config.Refit)
	assert.True(t, entry.Config.LoRA)

	_, err = reg.AddAdapterEntry("", "watercolor", "watercolor_cc86.trt", testConfig())
	require.Error(t, err, "adapters need their base model")

	// Adapters are looked up under their own name and survive a reload.
	reloaded := New(dir, "cc86")
	require.NoError(t, reloaded.Load())
	entries := reloaded.Lookup("watercolor")
	require.Len(t, entries, 1)
	assert.Equal(t, "unet", entries[0].BaseModel)
}

func TestReconcilePrunesMissingArtifacts(t *testing.T) {
	dir := t.TempDir()
	touchArtifact(t, dir, "unet_cc86.trt")
	touchArtifact(t, dir, "vae_cc86.trt")
	reg := New(dir, "cc86")
	_, err := reg.AddEntry("unet", testConfig())
	require.NoError(t, err)
	_, err = reg.AddEntry("vae", testConfig())
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "vae_cc86.trt")))
	require.NoError(t, reg.Reconcile())

	assert.Nil(t, reg.Lookup("vae"), "entries without artifacts are dropped, key and all")
	assert.Len(t, reg.Lookup("unet"), 1)
	assert.Equal(t, []string{"unet"}, reg.BaseModels())

	// Idempotent: another pass without filesystem changes is a no-op.
	want := reg.Entries()
	require.NoError(t, reg.Reconcile())
	assert.Equal(t, want, reg.Entries())

	// The prune was persisted, not just in memory.
	reloaded := New(dir, "cc86")
	require.NoError(t, reloaded.Load())
	assert.Nil(t, reloaded.Lookup("vae"))
	assert.Len(t, reloaded.Lookup("unet"), 1)
}

func TestLoadMissingRegistryFile(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir, "cc86")
	require.NoError(t, reg.Load(), "a cold start is not an error")
	assert.Empty(t, reg.BaseModels())

	// Load persisted the empty registry.
	_, err := os.Stat(filepath.Join(dir, RegistryFilename))
	require.NoError(t, err)
}

func TestLoadMalformedRegistryFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, RegistryFilename), []byte("not json"), 0644))
	reg := New(dir, "cc86")
	err := reg.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestComputeCapabilityPartition(t *testing.T) {
	dir := t.TempDir()
	touchArtifact(t, dir, "unet_cc86.trt")
	touchArtifact(t, dir, "unet_cc89.trt")

	reg86 := New(dir, "cc86")
	_, err := reg86.AddEntry("unet", testConfig())
	require.NoError(t, err)

	reg89 := New(dir, "cc89")
	require.NoError(t, reg89.Load())
	assert.Nil(t, reg89.Lookup("unet"), "entries of another compute capability are invisible")

	_, err = reg89.AddEntry("unet", testConfig())
	require.NoError(t, err)
	assert.Equal(t, "unet_cc89.trt", reg89.Lookup("unet")[0].Filepath)

	// Registering under cc89 must not have clobbered the cc86 partition.
	reloaded := New(dir, "cc86")
	require.NoError(t, reloaded.Load())
	require.Len(t, reloaded.Lookup("unet"), 1)
	assert.Equal(t, "unet_cc86.trt", reloaded.Lookup("unet")[0].Filepath)
}

func TestConfigJSONDefaults(t *testing.T) {
	var config Config
	require.NoError(t, config.UnmarshalJSON([]byte(`{"profile": {}, "fp32": true}`)))
	assert.Equal(t, DefaultUNetHiddenDim, config.UNetHiddenDim,
		"records written before the field existed default the hidden dim")
	assert.True(t, config.FP32)

	require.Error(t, config.UnmarshalJSON(
		[]byte(`{"profile": {"sample": [[3],[2],[4]]}}`)),
		"persisted profiles are validated on the way in")
}
