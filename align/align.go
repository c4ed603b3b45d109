// Package align maps parameter-tensor names between two versions of a
// computation graph, so that the weights of a modified graph can be injected
// into an engine compiled from the original one.
//
// Both graphs must come from the same export pipeline: the aligner requires
// them to be topologically sorted and structurally isomorphic node-for-node
// (same node count, same operator sequence). It verifies only the operator
// kinds along the way; a graph with reordered-but-equivalent nodes would
// misalign silently, so the stronger guarantee stays with the caller.
package align

import (
	"github.com/gomlx/trtengine/tensors"
	"github.com/pkg/errors"
)

// Operator kinds the aligner treats specially. Any other operator only
// contributes its constant input slots.
const (
	// OpConstant produces a single constant output tensor and has no inputs.
	OpConstant = "Constant"
	// OpConv is a convolution: input slot 1 is the kernel, optional slot 2
	// the bias.
	OpConv = "Conv"
)

// Compiled engines key convolution weights by layer name qualified with the
// weight's role. These suffixes build the canonical names for kernel and
// bias entries.
const (
	KernelSuffix = "_TRTKERNEL"
	BiasSuffix   = "_TRTBIAS"
)

// Conv input slots.
const (
	convKernelSlot = 1
	convBiasSlot   = 2
)

// Tensor is one edge of a computation graph: either a Constant with concrete
// values and no producer, or a Variable produced by a node, with no stored
// values.
type Tensor struct {
	Name   string
	Values *tensors.Tensor
}

// IsConstant returns whether the tensor carries concrete values.
func (t *Tensor) IsConstant() bool { return t != nil && t.Values != nil }

// Constant returns a constant tensor with the given name and values.
func Constant(name string, values *tensors.Tensor) *Tensor {
	return &Tensor{Name: name, Values: values}
}

// Variable returns a valueless tensor with the given name.
func Variable(name string) *Tensor {
	return &Tensor{Name: name}
}

// Node is one operation of a computation graph.
type Node struct {
	Name    string
	Op      string
	Inputs  []*Tensor
	Outputs []*Tensor
}

// Graph is a computation graph in topological order.
type Graph struct {
	Nodes []*Node
}

// Parameters aligns the two graphs and returns the mapping from a refitted
// graph parameter name to the original graph's name for the same parameter.
//
// Per corresponding node pair:
//   - Constant nodes map their single output tensor's names.
//   - Conv nodes map role-suffixed node names for whichever of kernel and
//     bias inputs are Constants.
//   - Any other node maps the names of its Constant input slots.
//
// A node-count or per-node operator mismatch means the graphs are not
// comparable, which violates the caller's isomorphism guarantee: Parameters
// returns an error and no partial mapping.
func Parameters(original, refitted *Graph) (map[string]string, error) {
	if len(original.Nodes) != len(refitted.Nodes) {
		return nil, errors.Errorf("graphs are not aligned: original has %d nodes, refitted has %d",
			len(original.Nodes), len(refitted.Nodes))
	}
	nameMap := make(map[string]string)
	for i, node := range original.Nodes {
		refitNode := refitted.Nodes[i]
		if node.Op != refitNode.Op {
			return nil, errors.Errorf("graphs are not aligned: node %d is %q in the original but %q in the refitted graph",
				i, node.Op, refitNode.Op)
		}
		switch node.Op {
		case OpConstant:
			// Constant nodes have no inputs, only the one constant output.
			if len(node.Outputs) == 0 || len(refitNode.Outputs) == 0 {
				return nil, errors.Errorf("Constant node %d (%q) has no output tensor", i, node.Name)
			}
			nameMap[refitNode.Outputs[0].Name] = node.Outputs[0].Name
		case OpConv:
			if slotIsConstant(node, convKernelSlot) {
				nameMap[refitNode.Name+KernelSuffix] = node.Name + KernelSuffix
			}
			if slotIsConstant(node, convBiasSlot) {
				nameMap[refitNode.Name+BiasSuffix] = node.Name + BiasSuffix
			}
		default:
			for slot, input := range node.Inputs {
				if !input.IsConstant() {
					continue
				}
				if slot >= len(refitNode.Inputs) {
					return nil, errors.Errorf("node %d (%q): original input slot %d has no counterpart in the refitted graph",
						i, node.Name, slot)
				}
				nameMap[refitNode.Inputs[slot].Name] = input.Name
			}
		}
	}
	return nameMap, nil
}

func slotIsConstant(node *Node, slot int) bool {
	return slot < len(node.Inputs) && node.Inputs[slot].IsConstant()
}

// MapName resolves a refitted-graph name through the alignment mapping,
// falling back to the name itself when unmapped.
func MapName(nameMap map[string]string, name string) string {
	if mapped, found := nameMap[name]; found {
		return mapped
	}
	return name
}
