package nn

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestLinear(t *testing.T) {
	ctx := testContext(t)

	weight, err := ctx.FromFloatSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	bias, err := ctx.FromFloatSlice([]float32{10, 20}, 2)
	if err != nil {
		t.Fatal(err)
	}
	x, err := ctx.FromFloatSlice([]float32{1, 1, 1}, 1, 3)
	if err != nil {
		t.Fatal(err)
	}

	m := &Linear{Weight: weight, Bias: bias}
	got := m.Forward(ctx, x)

	if diff := cmp.Diff([]float32{16, 35}, got.Floats(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}

	m.Bias = nil
	if diff := cmp.Diff([]float32{6, 15}, m.Forward(ctx, x).Floats(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("bias-free values mismatch (-want +got):\n%s", diff)
	}
}

func TestConv3DBias(t *testing.T) {
	ctx := testContext(t)

	weight, err := ctx.FromFloatSlice([]float32{1, 1}, 2, 1, 1, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	bias, err := ctx.FromFloatSlice([]float32{100, 200}, 2)
	if err != nil {
		t.Fatal(err)
	}
	x, err := ctx.FromFloatSlice([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	if err != nil {
		t.Fatal(err)
	}

	m := &Conv3D{Weight: weight, Bias: bias}
	got := m.Forward(ctx, x, 1, 1, 1)

	if diff := cmp.Diff([]int{2, 1, 2, 2}, got.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{101, 102, 103, 104, 201, 202, 203, 204}, got.Floats(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestNormsWithoutAffine(t *testing.T) {
	ctx := testContext(t)

	x, err := ctx.FromFloatSlice([]float32{3, 4}, 1, 2)
	if err != nil {
		t.Fatal(err)
	}

	rms := &RMSNorm{}
	got := rms.Forward(ctx, x, 0)
	if diff := cmp.Diff([]float32{0.8485281, 1.1313708}, got.Floats(), cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Errorf("rmsnorm values mismatch (-want +got):\n%s", diff)
	}

	ln := &LayerNorm{}
	got = ln.Forward(ctx, x, 1e-6)
	if diff := cmp.Diff([]float32{-0.99999803, 0.99999803}, got.Floats(), cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Errorf("layernorm values mismatch (-want +got):\n%s", diff)
	}
}
