// Package refit builds and applies weight-update sets: the bridge between a
// modified computation graph and an already-compiled engine whose weights it
// replaces without recompilation.
//
// A refit runs in two halves. First a WeightSet is built, keyed by the
// engine's canonical weight names (layer name, role-suffixed for convolution
// kernel/bias): every name starts unset, then the refitted graph's constants
// are recorded under the names the align package maps them to. Second the set
// is applied through the engine's trt.Refitter, or dumped to an npz sidecar
// to be applied later without re-aligning the graphs.
//
// Refit and inference on the same engine must be externally serialized; see
// the engine package.
package refit

import (
	"os"
	"strings"

	"github.com/gomlx/trtengine/align"
	"github.com/gomlx/trtengine/internal/xslices"
	"github.com/gomlx/trtengine/tensors"
	"github.com/gomlx/trtengine/trt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrCommitFailed reports that the engine rejected the staged weights on
// commit. The engine must be treated as partially refit: inference on it is
// not safe until a later refit commit succeeds.
var ErrCommitFailed = errors.New("engine refit commit failed")

// triluPrefix marks the upper-triangular mask constants of the text encoder.
// They are scalar int64 weights the engine cannot refit, and never change
// between model versions, so they are skipped on every path.
const triluPrefix = "onnx::Trilu"

// CanonicalName returns the name a (layer, role) weight pair is keyed by in
// a weight-update set: role-suffixed for kernel and bias, the bare layer
// name otherwise.
func CanonicalName(layer string, role trt.WeightsRole) string {
	switch role {
	case trt.RoleKernel:
		return layer + align.KernelSuffix
	case trt.RoleBias:
		return layer + align.BiasSuffix
	default:
		return layer
	}
}

// WeightSet is one refit operation's weight updates: every canonical weight
// name of the target engine, mapped to its new values or unset.
type WeightSet struct {
	// weights holds nil for known-but-unset names.
	weights map[string]*tensors.Tensor
}

// NewWeightSet returns a WeightSet with every canonical weight name of the
// engine initialized to unset.
//
// Two (layer, role) pairs canonicalizing to the same name is a naming
// collision between distinct weights and returns an error: recording values
// for one would silently clobber the other.
func NewWeightSet(refitter trt.Refitter) (*WeightSet, error) {
	refs := refitter.Weights()
	ws := &WeightSet{weights: make(map[string]*tensors.Tensor, len(refs))}
	for _, ref := range refs {
		name := CanonicalName(ref.Layer, ref.Role)
		if _, found := ws.weights[name]; found {
			return nil, errors.Errorf("duplicate canonical weight name %q (layer %q, role %s)",
				name, ref.Layer, ref.Role)
		}
		ws.weights[name] = nil
	}
	return ws, nil
}

// add records values under a canonical name. Names the engine doesn't know
// are ignored; recording a name twice is an invariant violation.
//
// 0-dimensional int64 values are narrowed to int32, the widest integer the
// engine's refit table takes for scalar weights.
func (ws *WeightSet) add(name string, values *tensors.Tensor) error {
	current, found := ws.weights[name]
	if !found {
		return nil
	}
	if current != nil {
		return errors.Errorf("canonical weight name %q written twice during refit build", name)
	}
	values, err := tensors.ConvertScalarInt64ToInt32(values)
	if err != nil {
		return errors.WithMessagef(err, "weight %q", name)
	}
	ws.weights[name] = values
	return nil
}

// Value returns the recorded values for a canonical name, or nil if the name
// is unset or unknown.
func (ws *WeightSet) Value(name string) *tensors.Tensor {
	return ws.weights[name]
}

// IsSet returns whether the canonical name has recorded values.
func (ws *WeightSet) IsSet(name string) bool {
	return ws.weights[name] != nil
}

// Names returns every canonical weight name of the set, sorted.
func (ws *WeightSet) Names() []string {
	return xslices.SortedKeys(ws.weights)
}

// NumSet returns how many names have recorded values.
func (ws *WeightSet) NumSet() (count int) {
	for _, values := range ws.weights {
		if values != nil {
			count++
		}
	}
	return
}

// BuildFromGraphs aligns the two graphs and builds the weight-update set for
// the refitter's engine: the refitted graph's Constant outputs, convolution
// kernels/biases and remaining constant inputs, recorded under their aligned
// canonical names. Constants that don't correspond to an engine weight are
// dropped.
func BuildFromGraphs(refitter trt.Refitter, original, refitted *align.Graph) (*WeightSet, error) {
	nameMap, err := align.Parameters(original, refitted)
	if err != nil {
		return nil, err
	}
	ws, err := NewWeightSet(refitter)
	if err != nil {
		return nil, err
	}
	for i, node := range refitted.Nodes {
		switch node.Op {
		case align.OpConstant:
			if len(node.Outputs) == 0 {
				return nil, errors.Errorf("Constant node %d (%q) has no output tensor", i, node.Name)
			}
			name := align.MapName(nameMap, node.Outputs[0].Name)
			klog.V(2).Infof("Recording constant %q", name)
			if err := ws.add(name, node.Outputs[0].Values); err != nil {
				return nil, err
			}
		case align.OpConv:
			// Kernel is input slot 1, the optional bias slot 2.
			if len(node.Inputs) > 1 && node.Inputs[1].IsConstant() {
				name := align.MapName(nameMap, node.Name+align.KernelSuffix)
				if err := ws.add(name, node.Inputs[1].Values); err != nil {
					return nil, err
				}
			}
			if len(node.Inputs) > 2 && node.Inputs[2].IsConstant() {
				name := align.MapName(nameMap, node.Name+align.BiasSuffix)
				if err := ws.add(name, node.Inputs[2].Values); err != nil {
					return nil, err
				}
			}
		default:
			for _, input := range node.Inputs {
				if !input.IsConstant() {
					continue
				}
				name := align.MapName(nameMap, input.Name)
				if err := ws.add(name, input.Values); err != nil {
					return nil, err
				}
			}
		}
	}
	klog.V(1).Infof("Built weight-update set: %d of %d engine weights set",
		ws.NumSet(), len(ws.weights))
	return ws, nil
}

// Dump persists the set weights of the update set as an npz sidecar at path.
// Unset names are not written; loading the dump treats them as unset again.
func (ws *WeightSet) Dump(path string) error {
	set := make(map[string]*tensors.Tensor, ws.NumSet())
	for name, values := range ws.weights {
		if values != nil {
			set[name] = values
		}
	}
	if err := tensors.WriteNpzFile(path, set); err != nil {
		return errors.WithMessagef(err, "dumping weight-update set to %q", path)
	}
	klog.V(1).Infof("Dumped %d refit weights to %q", len(set), path)
	return nil
}

// LoadDump reads a previously dumped weight-update set for the refitter's
// engine: dumped names known to the engine come back set, everything else
// unset. No graph alignment happens on this path.
func LoadDump(refitter trt.Refitter, path string) (*WeightSet, error) {
	dumped, err := tensors.ReadNpzFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading weight-update set from %q", path)
	}
	ws, err := NewWeightSet(refitter)
	if err != nil {
		return nil, err
	}
	for name, values := range dumped {
		if err := ws.add(name, values); err != nil {
			return nil, err
		}
	}
	return ws, nil
}

// Apply pushes every set weight into the engine and commits the refit.
//
// Engine weights with no recorded values are left untouched with a warning;
// a failed commit wraps ErrCommitFailed and the caller must not run
// inference on the engine.
func Apply(refitter trt.Refitter, ws *WeightSet) error {
	for _, ref := range refitter.Weights() {
		if strings.HasPrefix(ref.Layer, triluPrefix) {
			continue
		}
		name := CanonicalName(ref.Layer, ref.Role)
		values := ws.Value(name)
		if values == nil {
			klog.Warningf("No refit weights for layer %q", ref.Layer)
			continue
		}
		if err := refitter.Set(ref.Layer, ref.Role, values); err != nil {
			return errors.WithMessagef(err, "staging weight %q", name)
		}
	}
	if err := refitter.Commit(); err != nil {
		return errors.Wrapf(ErrCommitFailed, "%v", err)
	}
	return nil
}

// Refit builds the weight-update set from the two graphs and either applies
// it to the engine or, when dumpPath is non-empty, persists it as a sidecar
// without touching the engine's weights.
func Refit(refitter trt.Refitter, original, refitted *align.Graph, dumpPath string) error {
	ws, err := BuildFromGraphs(refitter, original, refitted)
	if err != nil {
		return err
	}
	if dumpPath != "" {
		return ws.Dump(dumpPath)
	}
	return Apply(refitter, ws)
}

// RefitFromDump loads a dumped weight-update set and applies it to the engine.
func RefitFromDump(refitter trt.Refitter, path string) error {
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, "weight-update dump %q is not readable", path)
	}
	ws, err := LoadDump(refitter, path)
	if err != nil {
		return err
	}
	return Apply(refitter, ws)
}
