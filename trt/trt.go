// Package trt defines the interface an inference-engine toolchain needs to
// implement to be used by trtengine.
//
// The toolchain wraps whatever builds, deserializes and runs compiled engines
// (in production a cgo binding to the GPU vendor's runtime; in tests the
// in-memory fake from trt/trttest). trtengine itself never touches device
// memory or kernels directly: everything hardware-specific flows through
// these interfaces.
package trt

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/trtengine/profiles"
	"github.com/gomlx/trtengine/tensors"
)

// Toolchain is the entry point to an engine compiler/runtime implementation.
type Toolchain interface {
	// Name returns the short name of the toolchain, e.g. "tensorrt".
	Name() string

	// ComputeCapability returns the executing device's compute capability
	// version. Compiled artifacts are hardware-generation specific, so the
	// registry partitions on this.
	ComputeCapability() (major, minor int)

	// Deserialize reconstructs a compiled engine from its serialized artifact
	// bytes. A malformed stream is an error.
	Deserialize(data []byte) (Engine, error)

	// Build compiles a source graph into an engine artifact, writing it to
	// req.EnginePath. It receives the previous timing-cache contents (empty
	// if none) and returns the refreshed cache bytes to persist.
	Build(req BuildConfig) (timingCache []byte, err error)

	// Allocator returns the device-buffer allocator of this toolchain.
	Allocator() Allocator

	// Finalize releases all associated resources immediately.
	Finalize()
}

// BuildConfig carries one engine-build request to the toolchain.
type BuildConfig struct {
	// OnnxPath is the source graph to compile, EnginePath the artifact to write.
	OnnxPath, EnginePath string

	// FP16 requests half-precision kernels; default is full fp32 precision.
	FP16 bool

	// Refit marks the engine as weight-refittable after compilation.
	Refit bool

	// AllTactics enables the exhaustive kernel-tactic search instead of the
	// default curated subset.
	AllTactics bool

	// Profiles holds one profile set per optimization profile, at least one.
	Profiles []profiles.Set

	// TimingCache is the previous cache contents, empty when starting cold.
	TimingCache []byte

	// UpdateOutputs optionally renames the graph outputs before compiling.
	UpdateOutputs []string
}

// Binding is one named input or output tensor of a compiled engine.
type Binding struct {
	Name    string
	DType   dtypes.DType
	IsInput bool
}

// Engine is a deserialized compiled engine.
type Engine interface {
	// Name of the engine, usually derived from the artifact file.
	Name() string

	// Bindings returns the engine's input/output tensors in binding order.
	Bindings() []Binding

	// NumOptimizationProfiles the engine was compiled with (>= 1).
	NumOptimizationProfiles() int

	// ProfileShapes returns the (min, opt, max) dimensions a binding accepts
	// under the given optimization profile.
	ProfileShapes(profile int, binding string) (min, opt, max []int)

	// NewContext creates an execution context. With reuseDeviceMemory the
	// context shares the engine's activation memory with other contexts
	// instead of allocating its own; callers then must serialize execution.
	NewContext(reuseDeviceMemory bool) (ExecutionContext, error)

	// Refitter opens the engine's weight-refit interface. Fails if the engine
	// wasn't built refittable.
	Refitter() (Refitter, error)

	// Close releases the engine.
	Close()
}

// ExecutionContext executes a compiled engine.
type ExecutionContext interface {
	// SetInputShape fixes the concrete dimensions of a dynamic input binding.
	SetInputShape(binding string, dims []int) error

	// BindingDims returns the current dimensions of a binding; dimensions not
	// yet resolved are negative.
	BindingDims(binding string) []int

	// SetAddress binds a device buffer as the memory backing a binding.
	SetAddress(binding string, buffer DeviceBuffer) error

	// ExecuteAsync enqueues execution on the stream and returns without
	// waiting for completion. Stream synchronization is the caller's.
	ExecuteAsync(stream Stream) error

	// Close releases the context.
	Close()
}

// WeightsRole qualifies which weight of a layer a refit entry refers to.
// Compiled engines key convolution weights by (layer, role) rather than by
// the graph tensor name.
type WeightsRole int

const (
	RoleKernel WeightsRole = iota
	RoleBias
	RoleConstant
	RoleScale
	RoleShift
	RoleAny
)

var weightsRoleNames = [...]string{"Kernel", "Bias", "Constant", "Scale", "Shift", "Any"}

// String implements fmt.Stringer.
func (r WeightsRole) String() string {
	if r < 0 || int(r) >= len(weightsRoleNames) {
		return "WeightsRole(?)"
	}
	return weightsRoleNames[r]
}

// WeightRef identifies one refittable weight of a compiled engine.
type WeightRef struct {
	Layer string
	Role  WeightsRole
}

// Refitter mutates a compiled engine's weights in place.
//
// Refit and concurrent execution on the same engine must be externally
// serialized; Commit while a context is executing is undefined.
type Refitter interface {
	// Weights lists every refittable (layer, role) pair of the engine.
	Weights() []WeightRef

	// Set stages new values for one weight. Staged values only take effect
	// on Commit.
	Set(layer string, role WeightsRole, values *tensors.Tensor) error

	// Commit applies all staged weights to the engine. On failure the engine
	// must be considered partially refit and not be used for inference.
	Commit() error

	// Close releases the refitter without touching unstaged weights.
	Close()
}

// Allocator creates device-resident buffers.
type Allocator interface {
	Allocate(dtype dtypes.DType, dims []int) (DeviceBuffer, error)
}

// DeviceBuffer is a device-resident tensor owned by the runtime that
// allocated it.
type DeviceBuffer interface {
	Dims() []int
	DType() dtypes.DType

	// CopyFrom copies a host tensor's contents into the buffer. Sizes must match.
	CopyFrom(t *tensors.Tensor) error

	// CopyTo copies the buffer contents into a host tensor. Sizes must match.
	CopyTo(t *tensors.Tensor) error

	// Free releases the device memory.
	Free()
}

// Stream is an opaque device stream handle, passed through to the toolchain
// untouched.
type Stream uintptr

// Constructor takes a config string (optionally empty) and returns a Toolchain.
type Constructor func(config string) (Toolchain, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a toolchain constructor under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// TRTENGINE_TOOLCHAIN is the environment variable selecting the default
// toolchain configuration, formatted as "<toolchain_name>:<configuration>",
// where "<configuration>" is toolchain specific.
const TRTENGINE_TOOLCHAIN = "TRTENGINE_TOOLCHAIN"

// New returns a Toolchain built from the TRTENGINE_TOOLCHAIN environment
// variable if set, otherwise the first registered toolchain with an empty
// configuration.
//
// It panics if no toolchain was registered.
func New() (Toolchain, error) {
	if config, found := os.LookupEnv(TRTENGINE_TOOLCHAIN); found {
		return NewWithConfig(config)
	}
	return NewWithConfig("")
}

// NewWithConfig builds a Toolchain from a "<toolchain_name>:<configuration>"
// string. An empty name selects the first registered toolchain.
func NewWithConfig(config string) (Toolchain, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf("no registered toolchains for trtengine -- import one, e.g. the test fake github.com/gomlx/trtengine/trt/trttest")
	}
	name := firstRegistered
	toolchainConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		toolchainConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[name]
	if !found {
		exceptions.Panicf("can't find toolchain %q for configuration %q given", name, config)
	}
	return constructor(toolchainConfig)
}
