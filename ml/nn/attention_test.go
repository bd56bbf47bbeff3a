package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/wandiff/wandiff/ml"
	"github.com/wandiff/wandiff/ml/backend/cpu"
)

func testContext(t *testing.T) ml.Context {
	t.Helper()

	ctx := cpu.New(ml.DefaultPlacement()).NewContext()
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func randomTensor(t *testing.T, ctx ml.Context, rng *rand.Rand, shape ...int) ml.Tensor {
	t.Helper()

	n := 1
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}

	tensor, err := ctx.FromFloatSlice(data, shape...)
	if err != nil {
		t.Fatal(err)
	}
	return tensor
}

func TestKernelString(t *testing.T) {
	cases := map[Kernel]string{
		KernelSDPA:     "sdpa",
		KernelChunked:  "chunked",
		KernelWindowed: "windowed",
		Kernel(99):     "unknown",
	}

	for kernel, want := range cases {
		if got := kernel.String(); got != want {
			t.Errorf("Kernel(%d).String() = %q, want %q", kernel, got, want)
		}
	}
}

func TestAttentionSingleKey(t *testing.T) {
	ctx := testContext(t)

	// one key means the softmax is a no-op and the output is that value
	q, err := ctx.FromFloatSlice([]float32{1, 2}, 1, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	k, err := ctx.FromFloatSlice([]float32{3, 4}, 1, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	v, err := ctx.FromFloatSlice([]float32{5, 6}, 1, 1, 2)
	if err != nil {
		t.Fatal(err)
	}

	got := Attention(ctx, q, k, v, AttentionOptions{})
	if diff := cmp.Diff([]float32{5, 6}, got.Floats(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestKernelsAgree(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(42))

	const (
		heads = 2
		seqQ  = 5
		// longer than one chunk so the streaming merge actually merges
		seqK = chunkSize + 17
		dim  = 8
	)

	q := randomTensor(t, ctx, rng, heads, seqQ, dim)
	k := randomTensor(t, ctx, rng, heads, seqK, dim)
	v := randomTensor(t, ctx, rng, heads, seqK, dim)

	dense := Attention(ctx, q, k, v, AttentionOptions{Kernel: KernelSDPA})
	chunked := Attention(ctx, q, k, v, AttentionOptions{Kernel: KernelChunked})

	if diff := cmp.Diff(dense.Floats(), chunked.Floats(), cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Errorf("kernels disagree (-dense +chunked):\n%s", diff)
	}
}

func TestKernelsAgreeWithKeyLen(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(7))

	q := randomTensor(t, ctx, rng, 1, 3, 4)
	k := randomTensor(t, ctx, rng, 1, 10, 4)
	v := randomTensor(t, ctx, rng, 1, 10, 4)

	opts := AttentionOptions{KeyLen: 6}

	dense := Attention(ctx, q, k, v, opts)
	opts.Kernel = KernelChunked
	chunked := Attention(ctx, q, k, v, opts)

	if diff := cmp.Diff(dense.Floats(), chunked.Floats(), cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Errorf("kernels disagree under key masking (-dense +chunked):\n%s", diff)
	}
}

func TestKeyLenMasksPadding(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(3))

	const valid = 4

	q := randomTensor(t, ctx, rng, 1, 2, 4)
	k := randomTensor(t, ctx, rng, 1, valid, 4)
	v := randomTensor(t, ctx, rng, 1, valid, 4)

	// padding keys past the valid length must not change the result
	kPadded := k.Pad(ctx, 1, 0, 3)
	vPadded := v.Pad(ctx, 1, 0, 3)

	want := Attention(ctx, q, k, v, AttentionOptions{})
	got := Attention(ctx, q, kPadded, vPadded, AttentionOptions{KeyLen: valid})

	if diff := cmp.Diff(want.Floats(), got.Floats(), cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Errorf("padded keys leaked into the output (-want +got):\n%s", diff)
	}
}

func TestWindowedAttention(t *testing.T) {
	ctx := testContext(t)

	// a (0, 0) window pins every query to its own position
	v, err := ctx.FromFloatSlice([]float32{
		1, 0,
		0, 1,
		2, 2,
	}, 1, 3, 2)
	if err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(11))
	q := randomTensor(t, ctx, rng, 1, 3, 2)
	k := randomTensor(t, ctx, rng, 1, 3, 2)

	got := Attention(ctx, q, k, v, AttentionOptions{Kernel: KernelWindowed, Window: [2]int{0, 0}})
	if diff := cmp.Diff(v.Floats(), got.Floats(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestWindowedUnboundedSidesMatchDense(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(13))

	q := randomTensor(t, ctx, rng, 2, 4, 4)
	k := randomTensor(t, ctx, rng, 2, 4, 4)
	v := randomTensor(t, ctx, rng, 2, 4, 4)

	dense := Attention(ctx, q, k, v, AttentionOptions{})
	windowed := Attention(ctx, q, k, v, AttentionOptions{Kernel: KernelWindowed, Window: [2]int{-1, -1}})

	if diff := cmp.Diff(dense.Floats(), windowed.Floats(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("unbounded window differs from dense (-want +got):\n%s", diff)
	}
}

func TestFullyMaskedQueryYieldsZeros(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(17))

	q := randomTensor(t, ctx, rng, 1, 3, 4)
	k := randomTensor(t, ctx, rng, 1, 3, 4)
	v := randomTensor(t, ctx, rng, 1, 3, 4)

	// queries 0 and 1 pin to their own position; query 2's window only
	// admits key 2, which the key length masks out, leaving it no keys
	got := Attention(ctx, q, k, v, AttentionOptions{
		Kernel: KernelWindowed,
		Window: [2]int{0, 0},
		KeyLen: 2,
	}).Floats()

	for _, value := range got {
		if math.IsNaN(float64(value)) {
			t.Fatalf("starved query produced NaN: %v", got)
		}
	}

	want := append(v.Floats()[:8:8], 0, 0, 0, 0)
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestAttentionScaleOverride(t *testing.T) {
	ctx := testContext(t)

	q, err := ctx.FromFloatSlice([]float32{1, 0}, 1, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	k, err := ctx.FromFloatSlice([]float32{1, 0, 0, 1}, 1, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	v, err := ctx.FromFloatSlice([]float32{1, 0, 0, 1}, 1, 2, 2)
	if err != nil {
		t.Fatal(err)
	}

	// scale 1: scores are (1, 0), weights are softmax(1, 0)
	got := Attention(ctx, q, k, v, AttentionOptions{Scale: 1}).Floats()

	w0 := float32(math.Exp(1) / (math.Exp(1) + 1))
	want := []float32{w0, 1 - w0}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestAttentionShapePanics(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(5))

	q := randomTensor(t, ctx, rng, 1, 2, 4)
	k := randomTensor(t, ctx, rng, 1, 3, 8)
	v := randomTensor(t, ctx, rng, 1, 3, 8)

	defer func() {
		if recover() == nil {
			t.Error("mismatched head dimensions did not panic")
		}
	}()
	Attention(ctx, q, k, v, AttentionOptions{})
}
