// Package trttest implements an in-memory trt.Toolchain for tests.
//
// Engines are described by an EngineSpec whose Serialize output doubles as
// the artifact bytes, so a test can write a ".trt" file to disk, load it
// through the regular runtime path and observe every toolchain interaction.
package trttest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/trtengine/tensors"
	"github.com/gomlx/trtengine/trt"
	"github.com/pkg/errors"
)

// Name to be used in TRTENGINE_TOOLCHAIN to specify this toolchain.
const Name = "fake"

// Registers New() as the constructor for the "fake" toolchain.
func init() {
	trt.Register(Name, func(config string) (trt.Toolchain, error) {
		return New(config)
	})
}

// Compile-time check:
var (
	_ trt.Toolchain        = (*Toolchain)(nil)
	_ trt.Engine           = (*Engine)(nil)
	_ trt.ExecutionContext = (*ExecutionContext)(nil)
	_ trt.Refitter         = (*Refitter)(nil)
	_ trt.DeviceBuffer     = (*Buffer)(nil)
)

// Toolchain is a fake trt.Toolchain running entirely on host memory.
//
// The zero configuration reports compute capability 8.6; pass "<major>.<minor>"
// to change it.
type Toolchain struct {
	CCMajor, CCMinor int

	// BuildFn overrides the default Build behavior when set.
	BuildFn func(req trt.BuildConfig) (timingCache []byte, err error)

	// OnExecute is invoked by every ExecuteAsync after the bindings are
	// validated. Tests use it to fill output buffers or inject failures.
	OnExecute func(engineName string, ctx *ExecutionContext) error

	allocator *hostAllocator

	mu     sync.Mutex
	builds []trt.BuildConfig
}

// New constructs a fake Toolchain. The configuration is either empty or a
// compute capability formatted as "<major>.<minor>".
func New(config string) (*Toolchain, error) {
	tc := &Toolchain{CCMajor: 8, CCMinor: 6, allocator: &hostAllocator{}}
	if config == "" {
		return tc, nil
	}
	majorStr, minorStr, found := strings.Cut(config, ".")
	if !found {
		return nil, errors.Errorf("invalid configuration %q for %q toolchain, expected \"<major>.<minor>\"", config, Name)
	}
	var err error
	if tc.CCMajor, err = strconv.Atoi(majorStr); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration %q for %q toolchain", config, Name)
	}
	if tc.CCMinor, err = strconv.Atoi(minorStr); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration %q for %q toolchain", config, Name)
	}
	return tc, nil
}

// Name implements trt.Toolchain.
func (tc *Toolchain) Name() string { return Name }

// ComputeCapability implements trt.Toolchain.
func (tc *Toolchain) ComputeCapability() (major, minor int) {
	return tc.CCMajor, tc.CCMinor
}

// Deserialize reconstructs an Engine from EngineSpec.Serialize bytes.
func (tc *Toolchain) Deserialize(data []byte) (trt.Engine, error) {
	var spec EngineSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize engine")
	}
	return NewEngine(tc, spec), nil
}

// Build records the request and, unless BuildFn overrides it, writes an empty
// engine artifact to req.EnginePath and appends a marker to the timing cache.
func (tc *Toolchain) Build(req trt.BuildConfig) ([]byte, error) {
	tc.mu.Lock()
	tc.builds = append(tc.builds, req)
	tc.mu.Unlock()
	if tc.BuildFn != nil {
		return tc.BuildFn(req)
	}
	spec := EngineSpec{
		Name: strings.TrimSuffix(filepath.Base(req.EnginePath), filepath.Ext(req.EnginePath)),
	}
	if err := os.WriteFile(req.EnginePath, spec.Serialize(), 0644); err != nil {
		return nil, errors.Wrapf(err, "failed to write engine artifact %q", req.EnginePath)
	}
	return append(slices.Clone(req.TimingCache), '#'), nil
}

// Builds returns the build requests received so far.
func (tc *Toolchain) Builds() []trt.BuildConfig {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return slices.Clone(tc.builds)
}

// Allocator implements trt.Toolchain.
func (tc *Toolchain) Allocator() trt.Allocator { return tc.allocator }

// LiveBuffers returns the number of allocated and not yet freed buffers.
func (tc *Toolchain) LiveBuffers() int { return tc.allocator.live() }

// Finalize implements trt.Toolchain.
func (tc *Toolchain) Finalize() {}

// ProfileShapes is the (min, opt, max) dimension triple one binding accepts
// under one optimization profile.
type ProfileShapes struct {
	Min []int `json:"min"`
	Opt []int `json:"opt"`
	Max []int `json:"max"`
}

// WeightSpec declares one refittable weight of a fake engine. DType and Dims,
// when set, are enforced on Refitter.Set.
type WeightSpec struct {
	Layer string          `json:"layer"`
	Role  trt.WeightsRole `json:"role"`
	DType dtypes.DType    `json:"dtype,omitempty"`
	Dims  []int           `json:"dims,omitempty"`
}

// EngineSpec describes a fake engine. Its JSON serialization is the artifact
// format the fake Toolchain deserializes.
type EngineSpec struct {
	Name     string        `json:"name"`
	Bindings []trt.Binding `json:"bindings,omitempty"`

	// Profiles maps, per optimization profile, binding name to accepted
	// shapes. Deserializing defaults to one empty profile.
	Profiles []map[string]ProfileShapes `json:"profiles,omitempty"`

	// InitialDims are the dimensions a fresh ExecutionContext reports for a
	// binding before SetInputShape; unresolved dynamic axes are negative.
	// Bindings absent here report the opt shape of profile 0.
	InitialDims map[string][]int `json:"initial_dims,omitempty"`

	Refittable bool         `json:"refittable,omitempty"`
	Weights    []WeightSpec `json:"weights,omitempty"`
}

// Serialize returns the artifact bytes for the spec.
func (spec EngineSpec) Serialize() []byte {
	data, err := json.Marshal(spec)
	if err != nil {
		panic(err) // Spec is plain data, this never fails.
	}
	return data
}

// WriteFile writes the serialized spec as an engine artifact.
func (spec EngineSpec) WriteFile(path string) error {
	return errors.Wrapf(os.WriteFile(path, spec.Serialize(), 0644), "failed to write engine artifact %q", path)
}

// Engine is a fake deserialized engine.
type Engine struct {
	toolchain *Toolchain
	spec      EngineSpec

	mu      sync.Mutex
	weights map[trt.WeightRef]*tensors.Tensor
	closed  bool
}

// NewEngine creates a fake engine directly, bypassing serialization. The
// toolchain may be nil when only the engine surface is under test.
func NewEngine(tc *Toolchain, spec EngineSpec) *Engine {
	if len(spec.Profiles) == 0 {
		spec.Profiles = []map[string]ProfileShapes{{}}
	}
	return &Engine{
		toolchain: tc,
		spec:      spec,
		weights:   make(map[trt.WeightRef]*tensors.Tensor),
	}
}

// Name implements trt.Engine.
func (e *Engine) Name() string { return e.spec.Name }

// Bindings implements trt.Engine.
func (e *Engine) Bindings() []trt.Binding { return slices.Clone(e.spec.Bindings) }

func (e *Engine) binding(name string) (trt.Binding, bool) {
	for _, b := range e.spec.Bindings {
		if b.Name == name {
			return b, true
		}
	}
	return trt.Binding{}, false
}

// NumOptimizationProfiles implements trt.Engine.
func (e *Engine) NumOptimizationProfiles() int { return len(e.spec.Profiles) }

// ProfileShapes implements trt.Engine.
func (e *Engine) ProfileShapes(profile int, binding string) (min, opt, max []int) {
	if profile < 0 || profile >= len(e.spec.Profiles) {
		return nil, nil, nil
	}
	shapes, found := e.spec.Profiles[profile][binding]
	if !found {
		return nil, nil, nil
	}
	return slices.Clone(shapes.Min), slices.Clone(shapes.Opt), slices.Clone(shapes.Max)
}

// NewContext implements trt.Engine.
func (e *Engine) NewContext(reuseDeviceMemory bool) (trt.ExecutionContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.Errorf("engine %q is closed", e.spec.Name)
	}
	return &ExecutionContext{
		engine:            e,
		ReuseDeviceMemory: reuseDeviceMemory,
		dims:              make(map[string][]int),
		addresses:         make(map[string]trt.DeviceBuffer),
	}, nil
}

// Refitter implements trt.Engine.
func (e *Engine) Refitter() (trt.Refitter, error) {
	if !e.spec.Refittable {
		return nil, errors.Errorf("engine %q was not built refittable", e.spec.Name)
	}
	return &Refitter{engine: e, staged: make(map[trt.WeightRef]*tensors.Tensor)}, nil
}

// Weight returns the last committed value for a weight, nil if never refit.
func (e *Engine) Weight(layer string, role trt.WeightsRole) *tensors.Tensor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.weights[trt.WeightRef{Layer: layer, Role: role}]
}

// Close implements trt.Engine.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// ExecutionContext is a fake trt.ExecutionContext recording every interaction.
type ExecutionContext struct {
	engine *Engine

	// ReuseDeviceMemory is the flag the context was created with.
	ReuseDeviceMemory bool

	// FailExecute makes ExecuteAsync return this error.
	FailExecute error

	mu         sync.Mutex
	dims       map[string][]int
	addresses  map[string]trt.DeviceBuffer
	executions int
	streams    []trt.Stream
}

// SetInputShape implements trt.ExecutionContext.
func (c *ExecutionContext) SetInputShape(binding string, dims []int) error {
	b, found := c.engine.binding(binding)
	if !found {
		return errors.Errorf("engine %q has no binding %q", c.engine.spec.Name, binding)
	}
	if !b.IsInput {
		return errors.Errorf("binding %q of engine %q is not an input", binding, c.engine.spec.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dims[binding] = slices.Clone(dims)
	return nil
}

// BindingDims implements trt.ExecutionContext: dimensions set through
// SetInputShape win, then the spec's InitialDims, then profile 0's opt shape.
func (c *ExecutionContext) BindingDims(binding string) []int {
	c.mu.Lock()
	if dims, found := c.dims[binding]; found {
		c.mu.Unlock()
		return slices.Clone(dims)
	}
	c.mu.Unlock()
	if dims, found := c.engine.spec.InitialDims[binding]; found {
		return slices.Clone(dims)
	}
	_, opt, _ := c.engine.ProfileShapes(0, binding)
	return opt
}

// SetAddress implements trt.ExecutionContext.
func (c *ExecutionContext) SetAddress(binding string, buffer trt.DeviceBuffer) error {
	if _, found := c.engine.binding(binding); !found {
		return errors.Errorf("engine %q has no binding %q", c.engine.spec.Name, binding)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addresses[binding] = buffer
	return nil
}

// Address returns the buffer bound to a binding, nil if unbound.
func (c *ExecutionContext) Address(binding string) trt.DeviceBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addresses[binding]
}

// ExecuteAsync implements trt.ExecutionContext. All bindings must have been
// bound to an address.
func (c *ExecutionContext) ExecuteAsync(stream trt.Stream) error {
	if c.FailExecute != nil {
		return c.FailExecute
	}
	for _, b := range c.engine.spec.Bindings {
		if c.Address(b.Name) == nil {
			return errors.Errorf("binding %q of engine %q has no address bound", b.Name, c.engine.spec.Name)
		}
	}
	if tc := c.engine.toolchain; tc != nil && tc.OnExecute != nil {
		if err := tc.OnExecute(c.engine.spec.Name, c); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executions++
	c.streams = append(c.streams, stream)
	return nil
}

// Executions returns how many times ExecuteAsync succeeded.
func (c *ExecutionContext) Executions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executions
}

// Streams returns the streams passed to successful executions, in order.
func (c *ExecutionContext) Streams() []trt.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.streams)
}

// Close implements trt.ExecutionContext.
func (c *ExecutionContext) Close() {}

// Refitter is a fake trt.Refitter staging weights for a fake Engine.
type Refitter struct {
	engine *Engine

	// FailCommit makes Commit return this error after discarding the staged
	// weights.
	FailCommit error

	mu     sync.Mutex
	staged map[trt.WeightRef]*tensors.Tensor
}

// Weights implements trt.Refitter.
func (r *Refitter) Weights() []trt.WeightRef {
	refs := make([]trt.WeightRef, 0, len(r.engine.spec.Weights))
	for _, w := range r.engine.spec.Weights {
		refs = append(refs, trt.WeightRef{Layer: w.Layer, Role: w.Role})
	}
	return refs
}

func (r *Refitter) weightSpec(layer string, role trt.WeightsRole) (WeightSpec, bool) {
	for _, w := range r.engine.spec.Weights {
		if w.Layer == layer && w.Role == role {
			return w, true
		}
	}
	return WeightSpec{}, false
}

// Set implements trt.Refitter.
func (r *Refitter) Set(layer string, role trt.WeightsRole, values *tensors.Tensor) error {
	spec, found := r.weightSpec(layer, role)
	if !found {
		return errors.Errorf("engine %q has no refittable weight (%q, %s)", r.engine.spec.Name, layer, role)
	}
	if spec.DType != dtypes.InvalidDType && spec.DType != values.DType() {
		return errors.Errorf("weight (%q, %s) of engine %q is %s, cannot refit with %s values",
			layer, role, r.engine.spec.Name, spec.DType, values.DType())
	}
	if spec.Dims != nil && !slices.Equal(spec.Dims, values.Dims()) {
		return errors.Errorf("weight (%q, %s) of engine %q has dimensions %v, cannot refit with %v values",
			layer, role, r.engine.spec.Name, spec.Dims, values.Dims())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged[trt.WeightRef{Layer: layer, Role: role}] = values.Clone()
	return nil
}

// Commit implements trt.Refitter.
func (r *Refitter) Commit() error {
	r.mu.Lock()
	staged := r.staged
	r.staged = make(map[trt.WeightRef]*tensors.Tensor)
	r.mu.Unlock()
	if r.FailCommit != nil {
		return r.FailCommit
	}
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	for ref, values := range staged {
		r.engine.weights[ref] = values
	}
	return nil
}

// Close implements trt.Refitter.
func (r *Refitter) Close() {}

// hostAllocator hands out host-memory buffers and counts the live ones.
type hostAllocator struct {
	mu        sync.Mutex
	allocated int
}

func (a *hostAllocator) Allocate(dtype dtypes.DType, dims []int) (trt.DeviceBuffer, error) {
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("cannot allocate buffer with an invalid dtype")
	}
	for _, dim := range dims {
		if dim < 0 {
			return nil, errors.Errorf("cannot allocate buffer with negative dimensions %v", dims)
		}
	}
	a.mu.Lock()
	a.allocated++
	a.mu.Unlock()
	return &Buffer{t: tensors.FromShape(dtype, dims...), valid: true, alloc: a}, nil
}

func (a *hostAllocator) live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// Buffer is a host-memory trt.DeviceBuffer backed by a tensors.Tensor.
type Buffer struct {
	t     *tensors.Tensor
	valid bool
	alloc *hostAllocator
}

// Dims implements trt.DeviceBuffer.
func (b *Buffer) Dims() []int { return b.t.Dims() }

// DType implements trt.DeviceBuffer.
func (b *Buffer) DType() dtypes.DType { return b.t.DType() }

// Tensor returns the backing tensor; OnExecute hooks mutate it to emulate
// kernel output.
func (b *Buffer) Tensor() *tensors.Tensor { return b.t }

// CopyFrom implements trt.DeviceBuffer.
func (b *Buffer) CopyFrom(t *tensors.Tensor) error {
	if !b.valid {
		return errors.Errorf("buffer was already freed")
	}
	if t.DType() != b.t.DType() || t.Size() != b.t.Size() {
		return errors.Errorf("cannot copy %s tensor into %s buffer", t, b.t)
	}
	t.ConstBytes(func(data []byte) {
		b.t.MutableBytes(func(dst []byte) {
			copy(dst, data)
		})
	})
	return nil
}

// CopyTo implements trt.DeviceBuffer.
func (b *Buffer) CopyTo(t *tensors.Tensor) error {
	if !b.valid {
		return errors.Errorf("buffer was already freed")
	}
	if t.DType() != b.t.DType() || t.Size() != b.t.Size() {
		return errors.Errorf("cannot copy %s buffer into %s tensor", b.t, t)
	}
	b.t.ConstBytes(func(data []byte) {
		t.MutableBytes(func(dst []byte) {
			copy(dst, data)
		})
	})
	return nil
}

// Free implements trt.DeviceBuffer. Freeing twice is a no-op.
func (b *Buffer) Free() {
	if !b.valid {
		return
	}
	b.valid = false
	b.alloc.mu.Lock()
	b.alloc.allocated--
	b.alloc.mu.Unlock()
}
