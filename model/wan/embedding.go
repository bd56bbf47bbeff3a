package wan

import (
	"math"

	"github.com/wandiff/wandiff/ml"
)

// SinusoidalEmbedding returns the 1D sinusoidal embedding of a single
// diffusion timestep, shape [1, dim]. dim must be even.
func SinusoidalEmbedding(ctx ml.Context, dim int, position float32) (ml.Tensor, error) {
	half := dim / 2

	data := make([]float32, dim)
	for i := 0; i < half; i++ {
		angle := float64(position) * math.Pow(10000, -float64(i)/float64(half))
		data[i] = float32(math.Cos(angle))
		data[half+i] = float32(math.Sin(angle))
	}

	return ctx.FromFloatSlice(data, 1, dim)
}
