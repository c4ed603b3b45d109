package registry

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// RegistryFilename is the catalog file kept inside the artifact directory.
const RegistryFilename = "model.json"

// EngineExt is the file extension of compiled engine artifacts.
const EngineExt = ".trt"

// CCTag formats a device compute capability as the short registry partition
// tag, e.g. (8, 6) -> "cc86".
func CCTag(major, minor int) string {
	return fmt.Sprintf("cc%d%d", major, minor)
}

// EngineFilename derives the deterministic artifact filename of a model
// variant compiled for the given compute capability.
func EngineFilename(modelName, cc string) string {
	return modelName + "_" + cc + EngineExt
}

// TimingCacheFilename derives the kernel-timing-cache filename for the given
// compute capability. Caches are keyed by platform as well: one compiled on
// Windows is not reusable on Linux.
func TimingCacheFilename(cc string) string {
	platform := "linux"
	if runtime.GOOS == "windows" {
		platform = "win"
	}
	return fmt.Sprintf("timing_cache_%s_%s.cache", platform, cc)
}

// ArtifactPath resolves an entry's artifact filename against the registry
// directory.
func (r *Registry) ArtifactPath(e Entry) string {
	return filepath.Join(r.dir, e.Filepath)
}

// TimingCachePath returns the timing-cache path for this registry's compute
// capability, inside the registry directory.
func (r *Registry) TimingCachePath() string {
	return filepath.Join(r.dir, TimingCacheFilename(r.cc))
}
