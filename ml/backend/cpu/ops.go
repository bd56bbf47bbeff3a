package cpu

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/wandiff/wandiff/ml"
)

// broadcastShape aligns shapes on trailing dimensions, numpy style.
func broadcastShape(a, b []int) []int {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if i >= n-len(a) {
			da = a[i-(n-len(a))]
		}
		if i >= n-len(b) {
			db = b[i-(n-len(b))]
		}

		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			panic(fmt.Errorf("cpu: cannot broadcast %v with %v", a, b))
		}
	}

	return out
}

// broadcastStrides returns per-output-dimension strides into a tensor of
// the given shape, zero where the dimension is broadcast.
func broadcastStrides(shape, outShape []int) []int {
	src := strides(shape)
	out := make([]int, len(outShape))
	off := len(outShape) - len(shape)
	for i := range outShape {
		if i < off || shape[i-off] == 1 {
			out[i] = 0
		} else {
			out[i] = src[i-off]
		}
	}

	return out
}

func (t *Tensor) binary(t2 ml.Tensor, f func(a, b float32) float32) *Tensor {
	u := t2.(*Tensor)
	outShape := broadcastShape(t.shape, u.shape)

	out := &Tensor{
		data:   make([]float32, numel(outShape)),
		shape:  outShape,
		dtype:  t.dtype,
		device: t.device,
	}

	as := broadcastStrides(t.shape, outShape)
	bs := broadcastStrides(u.shape, outShape)

	coords := make([]int, len(outShape))
	for i := range out.data {
		var ao, bo int
		for d, c := range coords {
			ao += c * as[d]
			bo += c * bs[d]
		}
		out.data[i] = f(t.data[ao], u.data[bo])
		advance(coords, outShape)
	}

	return out
}

func (t *Tensor) unary(f func(v float32) float32) *Tensor {
	out := &Tensor{
		data:   make([]float32, len(t.data)),
		shape:  t.Shape(),
		dtype:  t.dtype,
		device: t.device,
	}
	for i, v := range t.data {
		out.data[i] = f(v)
	}

	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a - b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a * b })
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return t.unary(func(v float32) float32 { return v * float32(s) })
}

func (t *Tensor) AddScalar(ctx ml.Context, s float64) ml.Tensor {
	return t.unary(func(v float32) float32 { return v + float32(s) })
}

func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 { return float32(math.Tanh(float64(v))) })
}

// GELU is the tanh approximation used by the model's feed-forward layers.
func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 {
		x := float64(v)
		return float32(0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x))))
	})
}

func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 {
		x := float64(v)
		return float32(x / (1 + math.Exp(-x)))
	})
}

func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	w, x := t, t2.(*Tensor)
	if len(w.shape) < 2 || len(x.shape) < 2 {
		panic(fmt.Errorf("cpu: mulmat requires rank >= 2, got %v and %v", w.shape, x.shape))
	}

	k := w.shape[len(w.shape)-1]
	n := w.shape[len(w.shape)-2]
	m := x.shape[len(x.shape)-2]
	if x.shape[len(x.shape)-1] != k {
		panic(fmt.Errorf("cpu: mulmat inner dimension mismatch %v vs %v", w.shape, x.shape))
	}

	batch := broadcastShape(w.shape[:len(w.shape)-2], x.shape[:len(x.shape)-2])
	outShape := append(copyShape(batch), m, n)

	out := &Tensor{
		data:   make([]float32, numel(outShape)),
		shape:  outShape,
		dtype:  t.dtype,
		device: t.device,
	}

	ws := broadcastStrides(w.shape[:len(w.shape)-2], batch)
	xs := broadcastStrides(x.shape[:len(x.shape)-2], batch)

	coords := make([]int, len(batch))
	for b := 0; b < numel(batch); b++ {
		var wo, xo int
		for d, c := range coords {
			wo += c * ws[d]
			xo += c * xs[d]
		}

		a := blas32.General{Rows: m, Cols: k, Stride: k, Data: x.data[xo*m*k : (xo+1)*m*k]}
		bm := blas32.General{Rows: n, Cols: k, Stride: k, Data: w.data[wo*n*k : (wo+1)*n*k]}
		c := blas32.General{Rows: m, Cols: n, Stride: n, Data: out.data[b*m*n : (b+1)*m*n]}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, bm, 0, c)

		advance(coords, batch)
	}

	return out
}

func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	out := t.Clone(ctx).(*Tensor)
	last := t.shape[len(t.shape)-1]

	for o := 0; o < len(t.data); o += last {
		row := out.data[o : o+last]

		maxv := float32(math.Inf(-1))
		for _, v := range row {
			if v > maxv {
				maxv = v
			}
		}

		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - maxv))
			row[i] = float32(e)
			sum += e
		}
		for i := range row {
			row[i] = float32(float64(row[i]) / sum)
		}
	}

	return out
}

func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	out := t.Clone(ctx).(*Tensor)
	last := t.shape[len(t.shape)-1]

	var w, b *Tensor
	if weight != nil {
		w = weight.(*Tensor)
	}
	if bias != nil {
		b = bias.(*Tensor)
	}

	for o := 0; o < len(t.data); o += last {
		row := out.data[o : o+last]

		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(last)

		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(last)

		inv := 1 / math.Sqrt(variance+float64(eps))
		for i, v := range row {
			n := float32((float64(v) - mean) * inv)
			if w != nil {
				n *= w.data[i]
			}
			if b != nil {
				n += b.data[i]
			}
			row[i] = n
		}
	}

	return out
}

func (t *Tensor) RMSNorm(ctx ml.Context, weight ml.Tensor, eps float32) ml.Tensor {
	out := t.Clone(ctx).(*Tensor)
	last := t.shape[len(t.shape)-1]

	var w *Tensor
	if weight != nil {
		w = weight.(*Tensor)
	}

	for o := 0; o < len(t.data); o += last {
		row := out.data[o : o+last]

		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}

		inv := 1 / math.Sqrt(ss/float64(last)+float64(eps))
		for i, v := range row {
			n := float32(float64(v) * inv)
			if w != nil {
				n *= w.data[i]
			}
			row[i] = n
		}
	}

	return out
}

func (t *Tensor) Conv3D(ctx ml.Context, t2 ml.Tensor, s0, s1, s2 int) ml.Tensor {
	x := t2.(*Tensor)
	if len(t.shape) != 5 || len(x.shape) != 4 {
		panic(fmt.Errorf("cpu: conv3d requires weight [out, in, k0, k1, k2] and input [in, d0, d1, d2], got %v and %v", t.shape, x.shape))
	}

	outC, inC := t.shape[0], t.shape[1]
	k0, k1, k2 := t.shape[2], t.shape[3], t.shape[4]
	if x.shape[0] != inC {
		panic(fmt.Errorf("cpu: conv3d channel mismatch %v vs %v", t.shape, x.shape))
	}

	d0, d1, d2 := x.shape[1], x.shape[2], x.shape[3]
	o0 := (d0-k0)/s0 + 1
	o1 := (d1-k1)/s1 + 1
	o2 := (d2-k2)/s2 + 1

	out := &Tensor{
		data:   make([]float32, outC*o0*o1*o2),
		shape:  []int{outC, o0, o1, o2},
		dtype:  t.dtype,
		device: t.device,
	}

	for oc := 0; oc < outC; oc++ {
		for i := 0; i < o0; i++ {
			for j := 0; j < o1; j++ {
				for l := 0; l < o2; l++ {
					var acc float64
					for ic := 0; ic < inC; ic++ {
						for a := 0; a < k0; a++ {
							for b := 0; b < k1; b++ {
								for c := 0; c < k2; c++ {
									wv := t.data[(((oc*inC+ic)*k0+a)*k1+b)*k2+c]
									xv := x.data[((ic*d0+i*s0+a)*d1+j*s1+b)*d2+l*s2+c]
									acc += float64(wv) * float64(xv)
								}
							}
						}
					}
					out.data[((oc*o0+i)*o1+j)*o2+l] = float32(acc)
				}
			}
		}
	}

	return out
}

func (t *Tensor) RoPE(ctx ml.Context, cos, sin ml.Tensor) ml.Tensor {
	if len(t.shape) != 3 {
		panic(fmt.Errorf("cpu: rope requires [seq, heads, dim], got %v", t.shape))
	}

	seq, heads, dim := t.shape[0], t.shape[1], t.shape[2]
	if dim%2 != 0 {
		panic(fmt.Errorf("cpu: rope requires an even head dimension, got %d", dim))
	}

	half := dim / 2
	cs, sn := cos.(*Tensor), sin.(*Tensor)
	if numel(cs.shape) != seq*half || numel(sn.shape) != seq*half {
		panic(fmt.Errorf("cpu: rope tables %v, %v do not match input %v", cs.shape, sn.shape, t.shape))
	}

	out := t.Clone(ctx).(*Tensor)
	for l := 0; l < seq; l++ {
		for h := 0; h < heads; h++ {
			for i := 0; i < half; i++ {
				c := float64(cs.data[l*half+i])
				s := float64(sn.data[l*half+i])
				o := (l*heads+h)*dim + 2*i
				x0, x1 := float64(t.data[o]), float64(t.data[o+1])
				out.data[o] = float32(x0*c - x1*s)
				out.data[o+1] = float32(x0*s + x1*c)
			}
		}
	}

	return out
}
