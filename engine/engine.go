// Package engine runs compiled engine artifacts: it loads them through a
// trt.Toolchain, owns their execution context and device buffers, and
// dispatches asynchronous inference.
//
// An Engine moves through a fixed lifecycle:
//
//	New -> Load -> Activate -> AllocateBuffers -> Infer (repeatedly) -> Close
//
// Each step requires the previous one; calling out of order is an error, not
// a panic, since a missing or malformed artifact is a runtime condition.
//
// Infer only enqueues work on the caller's stream and returns: the caller
// synchronizes the stream before reading outputs, and serializes weight
// refits (see the refit package) against in-flight executions on the same
// engine. Distinct engines share nothing and may run fully in parallel.
package engine

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/trtengine/tensors"
	"github.com/gomlx/trtengine/trt"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"k8s.io/klog/v2"
)

// ErrInference reports that the execution dispatch failed. There is no
// internal retry; the caller decides whether to rebuild, reselect or give up.
var ErrInference = errors.New("inference dispatch failed")

// Engine owns one compiled engine artifact and everything needed to run it.
type Engine struct {
	path      string
	toolchain trt.Toolchain

	engine  trt.Engine
	context trt.ExecutionContext
	buffers *orderedmap.OrderedMap[string, trt.DeviceBuffer]
}

// New returns an Engine over the artifact at path. Nothing is loaded yet.
func New(path string, toolchain trt.Toolchain) *Engine {
	return &Engine{
		path:      path,
		toolchain: toolchain,
		buffers:   orderedmap.New[string, trt.DeviceBuffer](),
	}
}

// Path returns the artifact path the engine was created over.
func (e *Engine) Path() string { return e.path }

// Load reads the artifact and deserializes the compiled engine. A missing or
// malformed artifact is an error and the engine stays unloaded.
func (e *Engine) Load() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return errors.Wrapf(err, "failed to read engine artifact %q", e.path)
	}
	klog.V(1).Infof("Loading engine %q (%s)", e.path, humanize.Bytes(uint64(len(data))))
	engine, err := e.toolchain.Deserialize(data)
	if err != nil {
		return errors.WithMessagef(err, "engine artifact %q is not loadable", e.path)
	}
	e.engine = engine
	return nil
}

// Activate creates the execution context. With reuseDeviceMemory the context
// shares activation memory with other contexts of the same engine instead of
// allocating its own; execution of sharing contexts must then be serialized
// by the caller.
func (e *Engine) Activate(reuseDeviceMemory bool) error {
	if e.engine == nil {
		return errors.Errorf("engine %q is not loaded", e.path)
	}
	context, err := e.engine.NewContext(reuseDeviceMemory)
	if err != nil {
		return errors.WithMessagef(err, "failed to create execution context for %q", e.path)
	}
	e.context = context
	return nil
}

// AllocateBuffers allocates a device buffer for every input and output
// binding, resolving each binding's concrete shape from overrides or, when
// absent, from the context's current binding dimensions (negative placeholder
// dimensions flipped positive). Input shapes are bound into the context.
//
// Must run after Activate and before Infer. Calling it again frees the
// previous buffers and reallocates, e.g. after selecting new shapes.
func (e *Engine) AllocateBuffers(overrides map[string][]int) error {
	if e.context == nil {
		return errors.Errorf("engine %q is not activated", e.path)
	}
	e.freeBuffers()
	for _, binding := range e.engine.Bindings() {
		dims, found := overrides[binding.Name]
		if !found {
			dims = e.context.BindingDims(binding.Name)
			for i, dim := range dims {
				if dim < 0 {
					dims[i] = -dim
				}
			}
		}
		if binding.IsInput {
			if err := e.context.SetInputShape(binding.Name, dims); err != nil {
				return errors.WithMessagef(err, "failed to set shape %v for input %q", dims, binding.Name)
			}
		}
		buffer, err := e.toolchain.Allocator().Allocate(binding.DType, dims)
		if err != nil {
			return errors.WithMessagef(err, "failed to allocate %s%v buffer for binding %q",
				binding.DType, dims, binding.Name)
		}
		e.buffers.Set(binding.Name, buffer)
	}
	return nil
}

// Infer copies the feed tensors into their binding buffers, binds every
// buffer address into the context and enqueues execution on stream.
//
// It returns right after the dispatch: outputs are only valid once the
// caller synchronizes the stream. The returned Buffers view is owned by the
// engine and stays valid until the next AllocateBuffers or Close. A failed
// dispatch wraps ErrInference.
func (e *Engine) Infer(feed map[string]*tensors.Tensor, stream trt.Stream) (*Buffers, error) {
	if e.buffers.Len() == 0 {
		return nil, errors.Errorf("engine %q has no allocated buffers, call AllocateBuffers first", e.path)
	}
	for name, t := range feed {
		buffer, found := e.buffers.Get(name)
		if !found {
			return nil, errors.Errorf("input %q is not a binding of engine %q", name, e.path)
		}
		if err := buffer.CopyFrom(t); err != nil {
			return nil, errors.WithMessagef(err, "failed to copy input %q to device", name)
		}
	}
	for pair := e.buffers.Oldest(); pair != nil; pair = pair.Next() {
		if err := e.context.SetAddress(pair.Key, pair.Value); err != nil {
			return nil, errors.WithMessagef(err, "failed to bind buffer address for %q", pair.Key)
		}
	}
	if err := e.context.ExecuteAsync(stream); err != nil {
		return nil, errors.Wrapf(ErrInference, "engine %q: %v", e.path, err)
	}
	return &Buffers{buffers: e.buffers}, nil
}

// Refitter opens the weight-refit interface of the loaded engine. Refit and
// concurrent Infer on the same engine must be externally serialized.
func (e *Engine) Refitter() (trt.Refitter, error) {
	if e.engine == nil {
		return nil, errors.Errorf("engine %q is not loaded", e.path)
	}
	return e.engine.Refitter()
}

// Close frees buffers, context and the compiled engine. The Engine can be
// Load-ed again afterwards.
func (e *Engine) Close() {
	e.freeBuffers()
	if e.context != nil {
		e.context.Close()
		e.context = nil
	}
	if e.engine != nil {
		e.engine.Close()
		e.engine = nil
	}
}

func (e *Engine) freeBuffers() {
	for pair := e.buffers.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.Free()
	}
	e.buffers = orderedmap.New[string, trt.DeviceBuffer]()
}

// String lists every optimization profile's (min, opt, max) shapes per
// binding, for logging and the registry CLI.
func (e *Engine) String() string {
	if e.engine == nil {
		return fmt.Sprintf("Engine(%q, not loaded)", e.path)
	}
	var b strings.Builder
	for profile := 0; profile < e.engine.NumOptimizationProfiles(); profile++ {
		fmt.Fprintf(&b, "Profile %d:\n", profile)
		for _, binding := range e.engine.Bindings() {
			min, opt, max := e.engine.ProfileShapes(profile, binding.Name)
			fmt.Fprintf(&b, "\t%s = (%v, %v, %v)\n", binding.Name, min, opt, max)
		}
	}
	return b.String()
}

// Buffers is the ordered binding-name -> device-buffer view returned by
// Infer, in the engine's binding order.
type Buffers struct {
	buffers *orderedmap.OrderedMap[string, trt.DeviceBuffer]
}

// Get returns the device buffer backing a binding.
func (b *Buffers) Get(name string) (trt.DeviceBuffer, bool) {
	return b.buffers.Get(name)
}

// Names returns the binding names in binding order.
func (b *Buffers) Names() []string {
	names := make([]string, 0, b.buffers.Len())
	for pair := b.buffers.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// ToHost copies a binding's device buffer into a freshly allocated host
// tensor. The stream the buffer was produced on must have been synchronized.
func (b *Buffers) ToHost(name string) (*tensors.Tensor, error) {
	buffer, found := b.buffers.Get(name)
	if !found {
		return nil, errors.Errorf("no buffer for binding %q", name)
	}
	t := tensors.FromShape(buffer.DType(), buffer.Dims()...)
	if err := buffer.CopyTo(t); err != nil {
		return nil, errors.WithMessagef(err, "failed to copy binding %q to host", name)
	}
	return t, nil
}
