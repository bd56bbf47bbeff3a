package nn

import (
	"fmt"
	"math"

	"github.com/wandiff/wandiff/ml"
)

// Kernel selects the attention computation backend. All kernels satisfy the
// same contract and produce the same weighted output; they differ in how the
// score matrix is materialized.
type Kernel int

const (
	// KernelSDPA materializes the full score matrix per head.
	KernelSDPA Kernel = iota

	// KernelChunked streams over fixed-size key chunks with a running
	// max, never holding more than one chunk of scores per query.
	KernelChunked

	// KernelWindowed is KernelSDPA restricted to a local position window.
	KernelWindowed
)

func (k Kernel) String() string {
	switch k {
	case KernelSDPA:
		return "sdpa"
	case KernelChunked:
		return "chunked"
	case KernelWindowed:
		return "windowed"
	default:
		return "unknown"
	}
}

const chunkSize = 64

type AttentionOptions struct {
	Kernel Kernel

	// KeyLen is the number of valid key positions; keys at or beyond it
	// are masked out. Zero means all keys are valid.
	KeyLen int

	// Window is the (lookback, lookahead) extent for KernelWindowed.
	// Negative values leave that side unbounded.
	Window [2]int

	// Scale overrides the default 1/sqrt(headDim) score scaling.
	Scale float64
}

// Attention computes scaled dot-product attention:
//
//	Attention(Q, K, V) = softmax(QK^T * scale)V
//
// query has shape [heads, seqQ, headDim]; key and value have shape
// [heads, seqK, headDim]. The result has shape [heads, seqQ, headDim]. A
// query whose keys are all masked out yields the zero vector.
func Attention(ctx ml.Context, query, key, value ml.Tensor, opts AttentionOptions) ml.Tensor {
	if query.Dim(2) != key.Dim(2) {
		panic(fmt.Errorf("head dimension does not match between query(%v) and key(%v)", query.Dim(2), key.Dim(2)))
	}

	if key.Dim(0) != value.Dim(0) {
		panic(fmt.Errorf("heads do not match between key(%v) and value(%v)", key.Dim(0), value.Dim(0)))
	}

	if key.Dim(1) != value.Dim(1) {
		panic(fmt.Errorf("seq_len_k does not match between key(%v) and value(%v)", key.Dim(1), value.Dim(1)))
	}

	if opts.Scale == 0 {
		opts.Scale = 1 / math.Sqrt(float64(query.Dim(2)))
	}

	switch opts.Kernel {
	case KernelChunked:
		return chunkedAttention(ctx, query, key, value, opts)
	default:
		return denseAttention(ctx, query, key, value, opts)
	}
}

func denseAttention(ctx ml.Context, query, key, value ml.Tensor, opts AttentionOptions) ml.Tensor {
	mask, starved := scoreMask(ctx, query.Dim(1), key.Dim(1), opts)
	if starved {
		// a row of all -inf scores would softmax to NaN; the streaming
		// kernel leaves starved queries at zero instead
		return chunkedAttention(ctx, query, key, value, opts)
	}

	scores := key.Mulmat(ctx, query).Scale(ctx, opts.Scale)

	if mask != nil {
		scores = scores.Add(ctx, mask)
	}
	scores = scores.Softmax(ctx)

	// [heads, headDim, seqK] so the receiver transpose lands on seqK
	value = value.Permute(ctx, 0, 2, 1).Contiguous(ctx)
	return value.Mulmat(ctx, scores)
}

// chunkedAttention computes the same result as denseAttention using the
// streaming log-sum-exp merge, processing keys chunkSize at a time.
func chunkedAttention(ctx ml.Context, query, key, value ml.Tensor, opts AttentionOptions) ml.Tensor {
	heads, seqQ, dim := query.Dim(0), query.Dim(1), query.Dim(2)
	seqK := key.Dim(1)

	q, k, v := query.Floats(), key.Floats(), value.Floats()
	out := make([]float32, heads*seqQ*dim)

	for h := 0; h < heads; h++ {
		for i := 0; i < seqQ; i++ {
			runningMax := math.Inf(-1)
			runningSum := 0.0
			acc := make([]float64, dim)

			for start := 0; start < seqK; start += chunkSize {
				end := min(start+chunkSize, seqK)

				for j := start; j < end; j++ {
					if masked(i, j, opts) {
						continue
					}

					var score float64
					qo, ko := (h*seqQ+i)*dim, (h*seqK+j)*dim
					for d := 0; d < dim; d++ {
						score += float64(q[qo+d]) * float64(k[ko+d])
					}
					score *= opts.Scale

					if score > runningMax {
						rescale := math.Exp(runningMax - score)
						runningSum *= rescale
						for d := range acc {
							acc[d] *= rescale
						}
						runningMax = score
					}

					w := math.Exp(score - runningMax)
					runningSum += w
					for d := 0; d < dim; d++ {
						acc[d] += w * float64(v[ko+d])
					}
				}
			}

			// no valid keys: the output row stays zero
			if runningSum == 0 {
				continue
			}

			oo := (h*seqQ + i) * dim
			for d := 0; d < dim; d++ {
				out[oo+d] = float32(acc[d] / runningSum)
			}
		}
	}

	t, err := ctx.FromFloatSlice(out, heads, seqQ, dim)
	if err != nil {
		panic(err)
	}

	return t
}

// scoreMask returns an additive [seqQ, seqK] mask, or nil when nothing is
// masked, plus whether some query has no valid keys at all. It broadcasts
// over heads.
func scoreMask(ctx ml.Context, seqQ, seqK int, opts AttentionOptions) (ml.Tensor, bool) {
	if (opts.KeyLen <= 0 || opts.KeyLen >= seqK) && opts.Kernel != KernelWindowed {
		return nil, false
	}

	neg := float32(math.Inf(-1))
	mask := make([]float32, seqQ*seqK)
	var any, starved bool
	for i := 0; i < seqQ; i++ {
		valid := false
		for j := 0; j < seqK; j++ {
			if masked(i, j, opts) {
				mask[i*seqK+j] = neg
				any = true
			} else {
				valid = true
			}
		}
		if !valid {
			starved = true
		}
	}

	if !any {
		return nil, false
	}

	t, err := ctx.FromFloatSlice(mask, seqQ, seqK)
	if err != nil {
		panic(err)
	}

	return t, starved
}

func masked(i, j int, opts AttentionOptions) bool {
	if opts.KeyLen > 0 && j >= opts.KeyLen {
		return true
	}

	if opts.Kernel == KernelWindowed {
		if opts.Window[0] >= 0 && j < i-opts.Window[0] {
			return true
		}
		if opts.Window[1] >= 0 && j > i+opts.Window[1] {
			return true
		}
	}

	return false
}
