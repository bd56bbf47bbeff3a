package cpu

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/wandiff/wandiff/ml"
)

// Tensor is a contiguous row-major float32 array. Half-precision dtypes are
// carried as float32 values rounded through their storage bit patterns.
type Tensor struct {
	data   []float32
	shape  []int
	dtype  ml.DType
	device ml.Device
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) Shape() []int {
	return copyShape(t.shape)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Device() ml.Device {
	return t.device
}

func (t *Tensor) Floats() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *Tensor) Clone(ctx ml.Context) ml.Tensor {
	return &Tensor{
		data:   t.Floats(),
		shape:  t.Shape(),
		dtype:  t.dtype,
		device: t.device,
	}
}

func (t *Tensor) To(ctx ml.Context, device ml.Device) ml.Tensor {
	if device == t.device {
		return t
	}

	out := t.Clone(ctx).(*Tensor)
	out.device = device
	return out
}

func (t *Tensor) Convert(ctx ml.Context, dtype ml.DType) ml.Tensor {
	if dtype == t.dtype {
		return t
	}

	out := t.Clone(ctx).(*Tensor)
	out.dtype = dtype

	switch dtype {
	case ml.DTypeF32:
	case ml.DTypeF16:
		for i, v := range out.data {
			out.data[i] = float16.Fromfloat32(v).Float32()
		}
	case ml.DTypeBF16:
		out.data = bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(out.data))
	default:
		panic(fmt.Errorf("cpu: unsupported dtype %v", dtype))
	}

	return out
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	shape = copyShape(shape)
	rest := len(t.data)
	infer := -1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				panic("cpu: more than one inferred dimension")
			}
			infer = i
		} else {
			if d == 0 || rest%d != 0 {
				panic(fmt.Errorf("cpu: cannot reshape %v to %v", t.shape, shape))
			}
			rest /= d
		}
	}

	if infer >= 0 {
		shape[infer] = rest
	} else if rest != 1 {
		panic(fmt.Errorf("cpu: cannot reshape %v to %v", t.shape, shape))
	}

	out := t.Clone(ctx).(*Tensor)
	out.shape = shape
	return out
}

func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != len(t.shape) {
		panic(fmt.Errorf("cpu: permute order %v does not match shape %v", order, t.shape))
	}

	srcStrides := strides(t.shape)
	outShape := make([]int, len(order))
	outStrides := make([]int, len(order))
	for i, o := range order {
		outShape[i] = t.shape[o]
		outStrides[i] = srcStrides[o]
	}

	out := &Tensor{
		data:   make([]float32, len(t.data)),
		shape:  outShape,
		dtype:  t.dtype,
		device: t.device,
	}

	coords := make([]int, len(outShape))
	for i := range out.data {
		src := 0
		for d, c := range coords {
			src += c * outStrides[d]
		}
		out.data[i] = t.data[src]
		advance(coords, outShape)
	}

	return out
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	u := t2.(*Tensor)
	if len(t.shape) != len(u.shape) {
		panic(fmt.Errorf("cpu: concat rank mismatch %v vs %v", t.shape, u.shape))
	}
	for d := range t.shape {
		if d != dim && t.shape[d] != u.shape[d] {
			panic(fmt.Errorf("cpu: concat shape mismatch %v vs %v on dim %d", t.shape, u.shape, dim))
		}
	}

	outShape := t.Shape()
	outShape[dim] += u.shape[dim]

	out := &Tensor{
		data:   make([]float32, numel(outShape)),
		shape:  outShape,
		dtype:  t.dtype,
		device: t.device,
	}

	// copy in blocks of everything after dim
	inner := 1
	for _, d := range t.shape[dim+1:] {
		inner *= d
	}
	outer := 1
	for _, d := range t.shape[:dim] {
		outer *= d
	}

	ta, ub := t.shape[dim]*inner, u.shape[dim]*inner
	for o := 0; o < outer; o++ {
		copy(out.data[o*(ta+ub):], t.data[o*ta:(o+1)*ta])
		copy(out.data[o*(ta+ub)+ta:], u.data[o*ub:(o+1)*ub])
	}

	return out
}

func (t *Tensor) Narrow(ctx ml.Context, dim, start, length int) ml.Tensor {
	if start < 0 || start+length > t.shape[dim] {
		panic(fmt.Errorf("cpu: narrow [%d, %d) out of range for dim %d of %v", start, start+length, dim, t.shape))
	}

	outShape := t.Shape()
	outShape[dim] = length

	out := &Tensor{
		data:   make([]float32, numel(outShape)),
		shape:  outShape,
		dtype:  t.dtype,
		device: t.device,
	}

	inner := 1
	for _, d := range t.shape[dim+1:] {
		inner *= d
	}
	outer := 1
	for _, d := range t.shape[:dim] {
		outer *= d
	}

	for o := 0; o < outer; o++ {
		src := o*t.shape[dim]*inner + start*inner
		copy(out.data[o*length*inner:(o+1)*length*inner], t.data[src:src+length*inner])
	}

	return out
}

func (t *Tensor) Chunk(ctx ml.Context, dim, n int) []ml.Tensor {
	if t.shape[dim]%n != 0 {
		panic(fmt.Errorf("cpu: cannot chunk dim %d of %v into %d parts", dim, t.shape, n))
	}

	size := t.shape[dim] / n
	out := make([]ml.Tensor, n)
	for i := range out {
		out[i] = t.Narrow(ctx, dim, i*size, size)
	}

	return out
}

func (t *Tensor) Pad(ctx ml.Context, dim, before, after int) ml.Tensor {
	outShape := t.Shape()
	outShape[dim] += before + after

	out := &Tensor{
		data:   make([]float32, numel(outShape)),
		shape:  outShape,
		dtype:  t.dtype,
		device: t.device,
	}

	inner := 1
	for _, d := range t.shape[dim+1:] {
		inner *= d
	}
	outer := 1
	for _, d := range t.shape[:dim] {
		outer *= d
	}

	for o := 0; o < outer; o++ {
		dst := o*outShape[dim]*inner + before*inner
		copy(out.data[dst:], t.data[o*t.shape[dim]*inner:(o+1)*t.shape[dim]*inner])
	}

	return out
}

func strides(shape []int) []int {
	out := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		out[i] = stride
		stride *= shape[i]
	}

	return out
}

// advance increments coords as an odometer over shape.
func advance(coords, shape []int) {
	for d := len(coords) - 1; d >= 0; d-- {
		coords[d]++
		if coords[d] < shape[d] {
			return
		}
		coords[d] = 0
	}
}
