package nn

import "github.com/wandiff/wandiff/ml"

type Linear struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = m.Weight.Mulmat(ctx, t)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
