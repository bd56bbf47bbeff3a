package nn

import (
	"github.com/wandiff/wandiff/ml"
)

// LayerNorm normalizes over the last dimension. Weight and Bias may be nil
// for a normalization without elementwise affine parameters.
type LayerNorm struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}

type RMSNorm struct {
	Weight ml.Tensor
}

func (m *RMSNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.RMSNorm(ctx, m.Weight, eps)
}
