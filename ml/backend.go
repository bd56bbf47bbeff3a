package ml

import (
	"bytes"
	"fmt"
	"strings"
)

type Backend interface {
	Name() string
	Placement() Placement
	NewContext() Context
}

var backends = make(map[string]func(Placement) (Backend, error))

func RegisterBackend(name string, f func(Placement) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(name string, p Placement) (Backend, error) {
	if backend, ok := backends[name]; ok {
		return backend(p)
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

// Context allocates tensors on a single device. Contexts are cheap and
// short-lived; a model forward pass typically creates one per call.
type Context interface {
	Device() Device

	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)
	Arange(start, stop, step float32) Tensor

	Close() error
}

type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType
	Device() Device

	Floats() []float32

	Clone(ctx Context) Tensor

	// To materializes the tensor on the given device. On the reference
	// backend this is a relabeling copy; placement is still explicit so
	// decision logic stays free of device side effects.
	To(ctx Context, device Device) Tensor

	// Convert rounds the tensor through the storage representation of
	// dtype. Values are held in float32 but carry the precision loss of
	// the target dtype.
	Convert(ctx Context, dtype DType) Tensor

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor
	AddScalar(ctx Context, s float64) Tensor

	// Mulmat multiplies t2 by the transpose of the receiver: given a
	// receiver of shape [..., n, k] and t2 of shape [..., m, k] the result
	// is [..., m, n]. Leading dimensions broadcast.
	Mulmat(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	RMSNorm(ctx Context, weight Tensor, eps float32) Tensor

	Tanh(ctx Context) Tensor
	GELU(ctx Context) Tensor
	SILU(ctx Context) Tensor

	// Conv3D treats the receiver as convolution weights of shape
	// [out, in, k0, k1, k2] applied to t2 of shape [in, d0, d1, d2] with
	// the given strides and no padding.
	Conv3D(ctx Context, t2 Tensor, s0, s1, s2 int) Tensor

	// RoPE rotates consecutive pairs of the last dimension by the angles
	// whose cosines and sines are given per position: for a receiver of
	// shape [seq, heads, dim], cos and sin have shape [seq, dim/2].
	RoPE(ctx Context, cos, sin Tensor) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, order ...int) Tensor
	Contiguous(ctx Context) Tensor

	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Chunk(ctx Context, dim, n int) []Tensor
	Narrow(ctx Context, dim, start, length int) Tensor
	Pad(ctx Context, dim, before, after int) Tensor
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	default:
		return "unknown"
	}
}

// Bytes returns the storage footprint of n elements of this dtype.
func (t DType) Bytes(n int) int64 {
	switch t {
	case DTypeF32:
		return int64(n) * 4
	default:
		return int64(n) * 2
	}
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	s := t.Floats()
	if s == nil {
		return "<nil>"
	}

	shape := t.Shape()

	var sb bytes.Buffer
	var f func(dims []int, offset int)
	f = func(dims []int, offset int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		stride := 1
		for _, d := range dims[1:] {
			stride *= d
		}
		for i := 0; i < dims[0]; i++ {
			if i >= opts[0].Items && i < dims[0]-opts[0].Items {
				fmt.Fprint(&sb, "..., ")
				i = dims[0] - opts[0].Items - 1
				continue
			}
			if len(dims) > 1 {
				f(dims[1:], offset+i*stride)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprintf(&sb, "%.*f", opts[0].Precision, s[offset+i])
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}
