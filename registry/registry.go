// Package registry keeps the persistent catalog of compiled engine variants
// and selects the variant best matching a requested inference shape.
//
// The catalog is a two-level map: compute-capability tag -> base model name
// -> entries in registration order. Engines are hardware-generation specific,
// so a registry constructed for one compute capability never serves entries
// of another. The catalog lives as "model.json" inside the artifact
// directory, next to the engine files it describes, and self-heals on
// Reconcile by dropping entries whose artifact disappeared.
//
// Typical lifecycle:
//
//	reg := registry.New(dir, registry.CCTag(toolchain.ComputeCapability()))
//	if err := reg.Load(); err != nil { ... }        // also reconciles
//	entries, distances := reg.ValidEngines("SD15", registry.Request{...})
//
// All mutating operations persist before returning and are safe for
// concurrent use; reads see the registry as of the last completed write.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gomlx/trtengine/internal/xslices"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Registry is the catalog of compiled engine variants of one artifact
// directory, partitioned by compute capability.
type Registry struct {
	dir  string
	file string
	cc   string

	// mu guards models; every mutation happens under it, including the
	// persist that completes it.
	mu     sync.Mutex
	models map[string]map[string][]Entry
}

// New creates a registry over the given artifact directory for the given
// compute-capability tag (see CCTag). No I/O happens until Load.
func New(dir, cc string) *Registry {
	return &Registry{
		dir:    dir,
		file:   filepath.Join(dir, RegistryFilename),
		cc:     cc,
		models: make(map[string]map[string][]Entry),
	}
}

// Dir returns the artifact directory the registry catalogs.
func (r *Registry) Dir() string { return r.dir }

// CC returns the compute-capability tag the registry serves.
func (r *Registry) CC() string { return r.cc }

// Load reads the catalog file and reconciles it against the artifact
// directory. A missing catalog file is the cold-start case: Load warns and
// continues with an empty registry. A malformed catalog is an error.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.file)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to read registry file %q", r.file)
		}
		klog.Warningf("Registry file %q does not exist, starting with an empty registry", r.file)
		r.mu.Lock()
		r.models = make(map[string]map[string][]Entry)
		r.mu.Unlock()
		return r.Reconcile()
	}
	models := make(map[string]map[string][]Entry)
	if err := json.Unmarshal(data, &models); err != nil {
		return errors.Wrapf(err, "registry file %q is malformed", r.file)
	}
	r.mu.Lock()
	r.models = models
	r.mu.Unlock()
	return r.Reconcile()
}

// AddEntry registers a compiled engine variant for modelName: it validates
// the config, derives the artifact filename from (modelName, cc), appends
// the entry under the current compute capability and persists.
//
// Re-registering a model whose artifact filename is already present replaces
// that entry in place, keeping registration order.
func (r *Registry) AddEntry(modelName string, config Config) (Entry, error) {
	if len(config.Profile) == 0 {
		return Entry{}, errors.Errorf("engine variant %q needs at least one input profile", modelName)
	}
	if err := config.Validate(); err != nil {
		return Entry{}, errors.WithMessagef(err, "engine variant %q", modelName)
	}
	entry := Entry{
		Filepath: EngineFilename(modelName, r.cc),
		Config:   config,
	}
	return entry, r.append(modelName, entry)
}

// AddAdapterEntry registers an adapter variant (e.g. a LoRA) under
// adapterName, riding on baseModel's engine. Adapter entries are always
// dynamic-shape, refittable and flagged as adapters, whatever the caller's
// config says: the adapter itself is a weight delta, not a shape envelope.
func (r *Registry) AddAdapterEntry(baseModel, adapterName, artifactPath string, config Config) (Entry, error) {
	if baseModel == "" {
		return Entry{}, errors.Errorf("adapter %q needs the base model it refits", adapterName)
	}
	config.StaticShapes = false
	config.Refit = true
	config.LoRA = true
	if err := config.Validate(); err != nil {
		return Entry{}, errors.WithMessagef(err, "adapter %q", adapterName)
	}
	entry := Entry{
		Filepath:  filepath.Base(artifactPath),
		Config:    config,
		BaseModel: baseModel,
	}
	return entry, r.append(adapterName, entry)
}

func (r *Registry) append(name string, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	perCC := r.models[r.cc]
	if perCC == nil {
		perCC = make(map[string][]Entry)
		r.models[r.cc] = perCC
	}
	entries := perCC[name]
	replaced := false
	for i := range entries {
		if entries[i].Filepath == entry.Filepath {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	perCC[name] = entries
	return r.lockedSave()
}

// Reconcile drops every entry whose artifact file no longer exists in the
// registry directory, drops base-model keys whose entry list became empty,
// and persists. Surviving entries keep their order, so running Reconcile
// again without filesystem changes is a no-op.
func (r *Registry) Reconcile() error {
	artifacts, err := r.listArtifacts()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for cc, perCC := range r.models {
		for baseModel, entries := range perCC {
			kept := entries[:0]
			for _, entry := range entries {
				if !artifacts[entry.Filepath] {
					klog.Infof("Engine artifact %q is gone, dropping its registry entry under %s/%s",
						entry.Filepath, cc, baseModel)
					continue
				}
				kept = append(kept, entry)
			}
			if len(kept) == 0 {
				delete(perCC, baseModel)
				continue
			}
			perCC[baseModel] = kept
		}
		if len(perCC) == 0 {
			delete(r.models, cc)
		}
	}
	return r.lockedSave()
}

// listArtifacts returns the set of engine artifact filenames in the registry
// directory.
func (r *Registry) listArtifacts() (map[string]bool, error) {
	dirEntries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan artifact directory %q", r.dir)
	}
	artifacts := make(map[string]bool)
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), EngineExt) {
			continue
		}
		artifacts[dirEntry.Name()] = true
	}
	return artifacts, nil
}

// Lookup returns the entries registered for baseModel under the current
// compute capability, in registration order. It returns nil when the base
// model has no surviving entries; callers must treat that as "no engine
// available", not an error.
func (r *Registry) Lookup(baseModel string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return xslices.Copy(r.models[r.cc][baseModel])
}

// BaseModels returns the sorted base-model names with entries for the
// current compute capability.
func (r *Registry) BaseModels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return xslices.SortedKeys(r.models[r.cc])
}

// Entries returns a copy of every entry for the current compute capability,
// keyed by base-model name.
func (r *Registry) Entries() map[string][]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make(map[string][]Entry, len(r.models[r.cc]))
	for baseModel, entries := range r.models[r.cc] {
		copied[baseModel] = xslices.Copy(entries)
	}
	return copied
}

// Save persists the catalog.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lockedSave()
}

// lockedSave writes the catalog file; callers hold r.mu. The JSON goes to a
// temporary sibling first and is renamed into place, so readers and a crash
// mid-write never see a truncated catalog.
func (r *Registry) lockedSave() error {
	data, err := json.MarshalIndent(r.models, "", "    ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize registry")
	}
	data = append(data, '\n')
	tmpPath := r.file + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write registry file %q", tmpPath)
	}
	if err := os.Rename(tmpPath, r.file); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to move registry file into place at %q", r.file)
	}
	return nil
}

// EnginePath returns where the artifact of a (model, current cc) variant
// lives, whether or not it was compiled yet.
func (r *Registry) EnginePath(modelName string) string {
	return filepath.Join(r.dir, EngineFilename(modelName, r.cc))
}
