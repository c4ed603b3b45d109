// Package tensors implements the host-side tensor used to stage engine weights
// and inference inputs/outputs.
//
// A Tensor is a flat, row-major (C order) array of values in host memory,
// defined by a dtypes.DType and its axes' dimensions. It is deliberately much
// simpler than a full ML framework tensor: there is no device backing and no
// lazy transfer, since device memory is owned by the engine runtime's buffers
// and tensors only ever cross that boundary through an explicit copy.
//
// Construct tensors with FromShape (zero-initialized), FromFlat (copying a
// flat slice) or FromScalar. Typed access goes through ConstFlatData and
// MutableFlatData, which reinterpret the underlying bytes as a []T of the
// tensor's dtype.
package tensors

import (
	"fmt"
	"math"
	"strings"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/trtengine/internal/xslices"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is a host-memory multidimensional array: a dtype, the axes'
// dimensions and the flat little-endian data.
type Tensor struct {
	dtype dtypes.DType
	dims  []int
	flat  []byte
}

// FromShape creates a zero-initialized tensor with the given dtype and dimensions.
// No dimensions create a scalar.
//
// It panics if dtype is invalid or any dimension is negative: those are
// programming errors, not runtime conditions.
func FromShape(dtype dtypes.DType, dimensions ...int) *Tensor {
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("tensors.FromShape: invalid dtype")
	}
	size := 1
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("tensors.FromShape: invalid dimensions %v", dimensions)
		}
		size *= dim
	}
	return &Tensor{
		dtype: dtype,
		dims:  xslices.Copy(dimensions),
		flat:  make([]byte, size*dtype.Size()),
	}
}

// FromFlat creates a tensor with the given dimensions, filled with the flattened
// values in data. The data is copied. The DType is inferred from T.
//
// It panics if the size of data doesn't match the dimensions.
func FromFlat[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	t := FromShape(dtype, dimensions...)
	if len(data) != t.Size() {
		exceptions.Panicf("tensors.FromFlat(%s): data size is %d, but dimensions %v hold %d elements",
			dtype, len(data), dimensions, t.Size())
	}
	MustMutableFlatData(t, func(flat []T) {
		copy(flat, data)
	})
	return t
}

// FromScalar creates a 0-dimensional tensor holding the given value.
// The DType is inferred from T.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlat([]T{value})
}

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.dtype
}

// Dims returns a copy of the tensor's dimensions. Scalars return nil.
func (t *Tensor) Dims() []int { return xslices.Copy(t.dims) }

// Rank returns the number of axes. Scalars have rank 0.
func (t *Tensor) Rank() int { return len(t.dims) }

// IsScalar returns whether the tensor holds a single value with no axes.
func (t *Tensor) IsScalar() bool { return len(t.dims) == 0 }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.dims {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes used to store the tensor data.
func (t *Tensor) Memory() uintptr { return uintptr(len(t.flat)) }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		dtype: t.dtype,
		dims:  xslices.Copy(t.dims),
		flat:  xslices.Copy(t.flat),
	}
}

// ConstBytes gives read-only access to the tensor's flat data as raw bytes.
// The slice must not be modified or kept beyond accessFn's scope.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) {
	accessFn(t.flat)
}

// MutableBytes gives read-write access to the tensor's flat data as raw bytes.
// The slice must not be kept beyond accessFn's scope.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) {
	accessFn(t.flat)
}

// ConstFlatData gives read-only access to the tensor's flat data as a []T.
// It returns an error if T doesn't match the tensor's dtype.
// The slice must not be modified or kept beyond accessFn's scope.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	want := dtypes.FromGenericsType[T]()
	if t.dtype != want {
		return errors.Errorf("tensor has dtype %s, cannot access it as %s", t.dtype, want)
	}
	accessFn(flatAs[T](t))
	return nil
}

// MustConstFlatData is like ConstFlatData, but panics on a dtype mismatch.
func MustConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := ConstFlatData(t, accessFn); err != nil {
		panic(err)
	}
}

// MutableFlatData gives read-write access to the tensor's flat data as a []T.
// It returns an error if T doesn't match the tensor's dtype.
// The slice must not be kept beyond accessFn's scope.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	return ConstFlatData(t, accessFn)
}

// MustMutableFlatData is like MutableFlatData, but panics on a dtype mismatch.
func MustMutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := MutableFlatData(t, accessFn); err != nil {
		panic(err)
	}
}

// CopyFlatData returns a copy of the tensor's flat data as a []T.
// It panics if T doesn't match the tensor's dtype.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var data []T
	MustConstFlatData(t, func(flat []T) {
		data = xslices.Copy(flat)
	})
	return data
}

// ToScalar returns the value of a 0-dimensional tensor.
// It panics if the tensor is not a scalar or T doesn't match its dtype.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if !t.IsScalar() {
		exceptions.Panicf("tensors.ToScalar: tensor has dimensions %v, not a scalar", t.dims)
	}
	var value T
	MustConstFlatData(t, func(flat []T) {
		value = flat[0]
	})
	return value
}

// flatAs reinterprets the tensor's byte storage as a []T. The caller must have
// checked the dtype already.
func flatAs[T dtypes.Supported](t *Tensor) []T {
	if len(t.flat) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(t.flat))), t.Size())
}

// Equal returns whether the two tensors have the same dtype, dimensions and data.
// Equality is bitwise: NaN elements compare equal to themselves.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.dtype != other.dtype || len(t.dims) != len(other.dims) {
		return false
	}
	for axis, dim := range t.dims {
		if other.dims[axis] != dim {
			return false
		}
	}
	return string(t.flat) == string(other.flat)
}

// ConvertScalarInt64ToInt32 narrows a 0-dimensional Int64 tensor to Int32.
// Engine refit tables only take 32-bit integer weights, but graph exporters
// emit shape-like scalar constants as int64.
//
// It returns an error if the value doesn't fit in an int32; tensors that are
// not scalar Int64 are returned unchanged.
func ConvertScalarInt64ToInt32(t *Tensor) (*Tensor, error) {
	if t.DType() != dtypes.Int64 || !t.IsScalar() {
		return t, nil
	}
	value := ToScalar[int64](t)
	if value > math.MaxInt32 || value < math.MinInt32 {
		return nil, errors.Errorf("scalar value %d overflows int32 during narrowing", value)
	}
	return FromScalar(int32(value)), nil
}

// Float16FromFloat32 converts a []float32 to the IEEE 754 half-precision
// representation used by fp16 engines.
func Float16FromFloat32(values []float32) []float16.Float16 {
	return xslices.Map(values, func(v float32) float16.Float16 {
		return float16.Fromfloat32(v)
	})
}

// String returns a compact description: dtype, dimensions and, for small
// tensors, the values.
func (t *Tensor) String() string {
	if t == nil {
		return "(nil Tensor)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "(%s)", t.dtype)
	if !t.IsScalar() {
		b.WriteString("[")
		for axis, dim := range t.dims {
			if axis > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%d", dim)
		}
		b.WriteString("]")
	}
	const maxElementsToPrint = 8
	if t.Size() <= maxElementsToPrint {
		fmt.Fprintf(&b, ": %v", t.valuesForPrinting())
	}
	return b.String()
}

func (t *Tensor) valuesForPrinting() any {
	switch t.dtype {
	case dtypes.Float32:
		return CopyFlatData[float32](t)
	case dtypes.Float64:
		return CopyFlatData[float64](t)
	case dtypes.Int32:
		return CopyFlatData[int32](t)
	case dtypes.Int64:
		return CopyFlatData[int64](t)
	case dtypes.Float16:
		return xslices.Map(CopyFlatData[float16.Float16](t), func(v float16.Float16) float32 {
			return v.Float32()
		})
	default:
		return fmt.Sprintf("%d bytes", len(t.flat))
	}
}
