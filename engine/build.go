package engine

import (
	"os"

	"github.com/gofrs/flock"
	"github.com/gomlx/trtengine/profiles"
	"github.com/gomlx/trtengine/trt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BuildRequest describes one engine compilation.
type BuildRequest struct {
	// OnnxPath is the exported source graph; EnginePath where the compiled
	// artifact goes.
	OnnxPath, EnginePath string

	// FP16 selects half-precision kernels.
	FP16 bool

	// Refit makes the resulting engine weight-refittable.
	Refit bool

	// AllTactics enables the exhaustive kernel-tactic search; slower builds,
	// occasionally faster engines.
	AllTactics bool

	// Profiles holds one profiles.Set per optimization profile. Empty means
	// a single profile with the graph's own dimensions.
	Profiles []profiles.Set

	// TimingCachePath is the kernel-timing cache shared across builds. Empty
	// disables caching. Missing cache files are a warning, never an error.
	TimingCachePath string

	// UpdateOutputs optionally renames the graph outputs before compiling.
	UpdateOutputs []string
}

// Build compiles an engine through the toolchain, feeding it the shared
// timing cache and persisting the refreshed cache afterwards.
//
// A failed compilation is returned as an error for the caller to handle (a
// registry caller typically falls back to a different variant); it is never
// fatal to the process.
func Build(toolchain trt.Toolchain, req BuildRequest) error {
	buildProfiles := req.Profiles
	if len(buildProfiles) == 0 {
		buildProfiles = []profiles.Set{{}}
	}
	for i, set := range buildProfiles {
		if err := set.Validate(); err != nil {
			return errors.WithMessagef(err, "optimization profile %d", i)
		}
	}

	cache, err := loadTimingCache(req.TimingCachePath)
	if err != nil {
		return err
	}

	klog.Infof("Building engine for %q: %q", req.OnnxPath, req.EnginePath)
	refreshed, err := toolchain.Build(trt.BuildConfig{
		OnnxPath:      req.OnnxPath,
		EnginePath:    req.EnginePath,
		FP16:          req.FP16,
		Refit:         req.Refit,
		AllTactics:    req.AllTactics,
		Profiles:      buildProfiles,
		TimingCache:   cache,
		UpdateOutputs: req.UpdateOutputs,
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to build engine for %q", req.OnnxPath)
	}
	saveTimingCache(req.TimingCachePath, refreshed)
	return nil
}

// loadTimingCache reads the timing cache under a shared file lock, so a
// concurrent build's rewrite can't hand us a half-written cache. A missing
// cache degrades to an empty one with a warning.
func loadTimingCache(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, errors.Wrapf(err, "failed to lock timing cache %q for reading", path)
	}
	defer func() { _ = lock.Unlock() }()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			klog.Warningf("Timing cache %q not found, falling back to an empty timing cache", path)
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read timing cache %q", path)
	}
	return data, nil
}

// saveTimingCache writes the refreshed cache under an exclusive lock. The
// engine artifact is already on disk at this point, so a cache persist
// failure only costs the next build some tuning time: warn and move on.
func saveTimingCache(path string, data []byte) {
	if path == "" || len(data) == 0 {
		return
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		klog.Warningf("Failed to lock timing cache %q for writing: %v", path, err)
		return
	}
	defer func() { _ = lock.Unlock() }()
	if err := os.WriteFile(path, data, 0644); err != nil {
		klog.Warningf("Failed to persist timing cache %q: %v", path, err)
	}
}
