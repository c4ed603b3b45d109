// Package profiles defines ShapeProfile, the (min, opt, max) per-dimension
// shape bounds a compiled engine variant supports for one named input tensor.
//
// Engines compiled for dynamic shapes declare, per input, the range of
// dimensions they accept and the single "optimization point" their kernels
// were tuned for. A profile with min == opt == max describes a static-shape
// engine. Profiles are the currency of compatibility matching: a requested
// shape is accepted by a profile iff it fits the [min, max] envelope, and
// ranked by its distance to the optimization point.
package profiles

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/trtengine/internal/xslices"
	"github.com/pkg/errors"
)

// Canonical input names of the diffusion backbone the scalar query form of
// the matcher understands. The latent "sample" input has dimensions
// [batch, channel, height/8, width/8]; "encoder_hidden_states" carries the
// text embedding as [batch, tokens, hidden].
const (
	InputSample              = "sample"
	InputEncoderHiddenStates = "encoder_hidden_states"
)

// ShapeProfile holds one input tensor's (min, opt, max) per-dimension bounds.
//
// Invariant: all three shapes have the same rank and
// min[i] <= opt[i] <= max[i] for every axis i. Use Make (or MustMake) to
// build a validated profile.
type ShapeProfile struct {
	Min, Opt, Max []int
}

// Make returns a ShapeProfile with the given bounds, copied.
// It returns an error if the ranks differ, any dimension is negative, or
// min[i] <= opt[i] <= max[i] is violated on any axis.
func Make(min, opt, max []int) (ShapeProfile, error) {
	p := ShapeProfile{
		Min: xslices.Copy(min),
		Opt: xslices.Copy(opt),
		Max: xslices.Copy(max),
	}
	if err := p.Validate(); err != nil {
		return ShapeProfile{}, err
	}
	return p, nil
}

// MustMake is like Make, but panics on an invalid profile.
func MustMake(min, opt, max []int) ShapeProfile {
	p, err := Make(min, opt, max)
	if err != nil {
		exceptions.Panicf("profiles.MustMake(%v, %v, %v): %v", min, opt, max, err)
	}
	return p
}

// Static returns the profile of a static-shape input: min == opt == max == dims.
func Static(dims ...int) ShapeProfile {
	return MustMake(dims, dims, dims)
}

// Validate checks the profile invariant: equal ranks, non-negative dimensions
// and min <= opt <= max component-wise.
func (p ShapeProfile) Validate() error {
	if len(p.Min) != len(p.Opt) || len(p.Opt) != len(p.Max) {
		return errors.Errorf("profile shapes disagree on rank: min=%v, opt=%v, max=%v", p.Min, p.Opt, p.Max)
	}
	for axis := range p.Min {
		if p.Min[axis] < 0 {
			return errors.Errorf("profile min %v has negative dimension on axis %d", p.Min, axis)
		}
		if p.Min[axis] > p.Opt[axis] || p.Opt[axis] > p.Max[axis] {
			return errors.Errorf("profile violates min <= opt <= max on axis %d: min=%v, opt=%v, max=%v",
				axis, p.Min, p.Opt, p.Max)
		}
	}
	return nil
}

// Rank returns the number of dimensions the profile describes.
func (p ShapeProfile) Rank() int { return len(p.Opt) }

// IsStatic returns whether min == opt == max, that is, the input accepts
// exactly one shape.
func (p ShapeProfile) IsStatic() bool {
	for axis := range p.Min {
		if p.Min[axis] != p.Max[axis] {
			return false
		}
	}
	return true
}

// Equal compares two profiles component-wise.
func (p ShapeProfile) Equal(other ShapeProfile) bool {
	if p.Rank() != other.Rank() {
		return false
	}
	for axis := range p.Opt {
		if p.Min[axis] != other.Min[axis] || p.Opt[axis] != other.Opt[axis] || p.Max[axis] != other.Max[axis] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the profile.
func (p ShapeProfile) Clone() ShapeProfile {
	return ShapeProfile{
		Min: xslices.Copy(p.Min),
		Opt: xslices.Copy(p.Opt),
		Max: xslices.Copy(p.Max),
	}
}

// Contains returns whether dims fits the [min, max] envelope component-wise.
// It returns false if the rank doesn't match the profile's.
func (p ShapeProfile) Contains(dims []int) bool {
	if len(dims) != p.Rank() {
		return false
	}
	for axis, dim := range dims {
		if dim < p.Min[axis] || dim > p.Max[axis] {
			return false
		}
	}
	return true
}

// Distance returns the matching score of a requested shape against this
// profile: distance to the optimization point at full weight, plus remaining
// slack to max at half weight and headroom above min at quarter weight, so
// tighter profiles win ties between equally-well-tuned candidates.
//
//	Σ |opt-v|  +  0.5·( Σ(max-v) + 0.5·Σ(v-min) )
//
// The caller must have checked Contains first: Distance assumes
// min <= v <= max and then is always >= 0.
func (p ShapeProfile) Distance(dims []int) float64 {
	var optTerm, maxTerm, minTerm float64
	for axis, dim := range dims {
		optTerm += absInt(p.Opt[axis] - dim)
		maxTerm += float64(p.Max[axis] - dim)
		minTerm += float64(dim - p.Min[axis])
	}
	return optTerm + 0.5*(maxTerm+0.5*minTerm)
}

func absInt(v int) float64 {
	if v < 0 {
		v = -v
	}
	return float64(v)
}

// String formats the profile as "[1x4x64x64, 2x4x64x64, 4x4x96x96]".
func (p ShapeProfile) String() string {
	return fmt.Sprintf("[%s, %s, %s]", dimsString(p.Min), dimsString(p.Opt), dimsString(p.Max))
}

func dimsString(dims []int) string {
	parts := xslices.Map(dims, func(dim int) string { return fmt.Sprintf("%d", dim) })
	return strings.Join(parts, "x")
}

// MarshalJSON serializes the profile as an array of the three shape arrays,
// [min, opt, max], the layout used by the registry file.
func (p ShapeProfile) MarshalJSON() ([]byte, error) {
	return json.Marshal([3][]int{p.Min, p.Opt, p.Max})
}

// UnmarshalJSON parses the [min, opt, max] array layout and validates the
// profile invariant.
func (p *ShapeProfile) UnmarshalJSON(data []byte) error {
	var triple [][]int
	if err := json.Unmarshal(data, &triple); err != nil {
		return errors.Wrapf(err, "profile must be a [min, opt, max] array of shapes")
	}
	if len(triple) != 3 {
		return errors.Errorf("profile must hold exactly [min, opt, max], got %d shapes", len(triple))
	}
	parsed, err := Make(triple[0], triple[1], triple[2])
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Set maps input tensor names to their profiles: the full shape envelope of
// one engine variant.
type Set map[string]ShapeProfile

// Validate checks every profile in the set.
func (s Set) Validate() error {
	for name, p := range s {
		if err := p.Validate(); err != nil {
			return errors.WithMessagef(err, "input %q", name)
		}
	}
	return nil
}

// Clone returns a deep copy of the set.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	clone := make(Set, len(s))
	for name, p := range s {
		clone[name] = p.Clone()
	}
	return clone
}
