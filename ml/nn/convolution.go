package nn

import "github.com/wandiff/wandiff/ml"

type Conv3D struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

func (m *Conv3D) Forward(ctx ml.Context, t ml.Tensor, s0, s1, s2 int) ml.Tensor {
	t = m.Weight.Conv3D(ctx, t, s0, s1, s2)
	if m.Bias != nil {
		bias := m.Bias
		// Broadcast bias along the temporal and spatial dimensions.
		bias = bias.Reshape(ctx, bias.Dim(0), 1, 1, 1)
		t = t.Add(ctx, bias)
	}
	return t
}
