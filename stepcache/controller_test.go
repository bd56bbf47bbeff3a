package stepcache

import (
	"errors"
	"math"
	"testing"

	"github.com/wandiff/wandiff/ml"
)

func enabledConfig() Config {
	return Config{
		Enabled:   true,
		Threshold: 0.15,
		StartStep: 0,
		EndStep:   99,
	}
}

// constSignal builds a signal whose time embedding and expanded modulation
// are both filled with v.
func constSignal(t *testing.T, ctx ml.Context, v float32) Signal {
	t.Helper()

	e := make([]float32, 8)
	e0 := make([]float32, 6*8)
	for i := range e {
		e[i] = v
	}
	for i := range e0 {
		e0[i] = v
	}

	embedding, err := ctx.FromFloatSlice(e, 1, 8)
	if err != nil {
		t.Fatal(err)
	}

	modulation, err := ctx.FromFloatSlice(e0, 6, 8)
	if err != nil {
		t.Fatal(err)
	}

	return Signal{TimeEmbedding: embedding, Modulation: modulation}
}

func constTensor(t *testing.T, ctx ml.Context, v float32, shape ...int) ml.Tensor {
	t.Helper()

	n := 1
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = v
	}

	tensor, err := ctx.FromFloatSlice(data, shape...)
	if err != nil {
		t.Fatal(err)
	}

	return tensor
}

func closeEnough(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-5
}

// seedSession runs one computed step so the session holds a residual of 0.5
// and a snapshot filled with 2.0.
func seedSession(t *testing.T, ctx ml.Context, c *Controller) int {
	t.Helper()

	input := constTensor(t, ctx, 1.0, 4)
	output := constTensor(t, ctx, 1.5, 4)

	decision := c.Begin(ctx, 0, NoPrediction, constSignal(t, ctx, 2.0), input)
	if !decision.Compute || decision.Bypassed {
		t.Fatalf("first step: Compute=%v Bypassed=%v, want compute", decision.Compute, decision.Bypassed)
	}

	decision.Commit(ctx, input, output)
	return decision.ID
}

func TestNewControllerValidation(t *testing.T) {
	cases := []struct {
		name   string
		config Config
		err    error
	}{
		{"disabled ignores threshold", Config{}, nil},
		{"zero threshold", Config{Enabled: true}, ErrInvalidThreshold},
		{"negative threshold", Config{Enabled: true, Threshold: -1}, ErrInvalidThreshold},
		{"calibrated without coefficients", Config{Enabled: true, Threshold: 0.1, UseCoefficients: true}, ErrNoCoefficients},
		{"calibrated with coefficients", Config{Enabled: true, Threshold: 0.1, UseCoefficients: true, Coefficients: []float32{1, 0}}, nil},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewController(tt.config, nil)
			if !errors.Is(err, tt.err) {
				t.Errorf("NewController() error = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestDisabledBypasses(t *testing.T) {
	ctx := testContext(t)

	c, err := NewController(Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	input := constTensor(t, ctx, 1.0, 4)
	decision := c.Begin(ctx, 0, NoPrediction, constSignal(t, ctx, 2.0), input)

	if !decision.Compute || !decision.Bypassed {
		t.Errorf("Compute=%v Bypassed=%v, want both", decision.Compute, decision.Bypassed)
	}

	if decision.ID != NoPrediction {
		t.Errorf("bypassed step changed id to %d", decision.ID)
	}

	decision.Commit(ctx, input, constTensor(t, ctx, 2.0, 4))
	if c.State().Len() != 0 {
		t.Errorf("bypassed step touched the store: %d sessions", c.State().Len())
	}
}

func TestOutOfRangeBypasses(t *testing.T) {
	ctx := testContext(t)

	config := enabledConfig()
	config.StartStep = 5
	config.EndStep = 10

	c, err := NewController(config, nil)
	if err != nil {
		t.Fatal(err)
	}

	for _, step := range []int{0, 4, 11} {
		decision := c.Begin(ctx, step, NoPrediction, constSignal(t, ctx, 2.0), constTensor(t, ctx, 1.0, 4))
		if !decision.Bypassed {
			t.Errorf("step %d: want bypass", step)
		}
	}

	if c.State().Len() != 0 {
		t.Errorf("out-of-range steps created sessions: %d", c.State().Len())
	}
}

func TestFirstStepAlwaysComputes(t *testing.T) {
	ctx := testContext(t)

	c, err := NewController(enabledConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	id := seedSession(t, ctx, c)
	if id != 0 {
		t.Errorf("first session id = %d, want 0", id)
	}

	session := c.State().Get(id)
	if session.Residual == nil || session.Snapshot == nil {
		t.Fatal("commit did not store residual and snapshot")
	}

	if got := session.Residual.Floats()[0]; !closeEnough(got, 0.5) {
		t.Errorf("residual = %v, want 0.5", got)
	}
}

func TestSmallDriftSkips(t *testing.T) {
	ctx := testContext(t)

	c, err := NewController(enabledConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	id := seedSession(t, ctx, c)

	// mean |2.0-2.1| / mean |2.0| = 0.05, under the 0.15 threshold
	input := constTensor(t, ctx, 3.0, 4)
	decision := c.Begin(ctx, 1, id, constSignal(t, ctx, 2.1), input)

	if decision.Compute {
		t.Fatal("drift 0.05 under threshold 0.15 should skip")
	}

	if decision.Output == nil {
		t.Fatal("skip decision has no output")
	}

	for i, v := range decision.Output.Floats() {
		if !closeEnough(v, 3.5) {
			t.Fatalf("output[%d] = %v, want input+residual = 3.5", i, v)
		}
	}

	session := c.State().Get(id)
	if !closeEnough(session.Accumulated, 0.05) {
		t.Errorf("accumulated = %v, want 0.05", session.Accumulated)
	}
	if session.SkippedSteps != 1 {
		t.Errorf("skipped = %d, want 1", session.SkippedSteps)
	}

	// skipped steps keep comparing against the last computed snapshot
	if got := session.Snapshot.Floats()[0]; !closeEnough(got, 2.0) {
		t.Errorf("snapshot moved to %v on a skipped step, want 2.0", got)
	}
}

func TestLargeDriftComputesAndResets(t *testing.T) {
	ctx := testContext(t)

	c, err := NewController(enabledConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	id := seedSession(t, ctx, c)

	// mean |2.0-2.4| / mean |2.0| = 0.2, over the threshold
	input := constTensor(t, ctx, 3.0, 4)
	output := constTensor(t, ctx, 4.0, 4)

	decision := c.Begin(ctx, 1, id, constSignal(t, ctx, 2.4), input)
	if !decision.Compute {
		t.Fatal("drift 0.2 over threshold 0.15 should compute")
	}

	decision.Commit(ctx, input, output)

	session := c.State().Get(id)
	if session.Accumulated != 0 {
		t.Errorf("accumulated = %v after compute, want 0", session.Accumulated)
	}

	if got := session.Snapshot.Floats()[0]; !closeEnough(got, 2.4) {
		t.Errorf("snapshot = %v after compute, want 2.4", got)
	}

	if got := session.Residual.Floats()[0]; !closeEnough(got, 1.0) {
		t.Errorf("residual = %v, want output-input = 1.0", got)
	}
}

func TestDriftAccumulatesAcrossSkips(t *testing.T) {
	ctx := testContext(t)

	c, err := NewController(enabledConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	id := seedSession(t, ctx, c)

	// 0.08 alone stays under the threshold
	decision := c.Begin(ctx, 1, id, constSignal(t, ctx, 2.16), constTensor(t, ctx, 3.0, 4))
	if decision.Compute {
		t.Fatal("step 1: drift 0.08 should skip")
	}

	// the next 0.09 is still measured against the 2.0 snapshot, so the
	// accumulated total crosses 0.15
	input := constTensor(t, ctx, 3.0, 4)
	decision = c.Begin(ctx, 2, id, constSignal(t, ctx, 2.18), input)
	if !decision.Compute {
		session := c.State().Get(id)
		t.Fatalf("step 2: accumulated %v should force compute", session.Accumulated)
	}

	decision.Commit(ctx, input, constTensor(t, ctx, 4.0, 4))

	session := c.State().Get(id)
	if session.Accumulated != 0 {
		t.Errorf("accumulated = %v after compute, want 0", session.Accumulated)
	}
	if session.SkippedSteps != 1 {
		t.Errorf("skipped = %d, want 1", session.SkippedSteps)
	}
}

func TestIndependentPredictions(t *testing.T) {
	ctx := testContext(t)

	c, err := NewController(enabledConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	// conditional and unconditional branches drift at different rates
	cond := seedSession(t, ctx, c)

	input := constTensor(t, ctx, 1.0, 4)
	decision := c.Begin(ctx, 0, NoPrediction, constSignal(t, ctx, 2.0), input)
	decision.Commit(ctx, input, constTensor(t, ctx, 1.5, 4))
	uncond := decision.ID

	if cond == uncond {
		t.Fatalf("both branches share session %d", cond)
	}

	condDecision := c.Begin(ctx, 1, cond, constSignal(t, ctx, 2.4), input)
	uncondDecision := c.Begin(ctx, 1, uncond, constSignal(t, ctx, 2.1), input)

	if !condDecision.Compute {
		t.Error("conditional branch with drift 0.2 should compute")
	}
	if uncondDecision.Compute {
		t.Error("unconditional branch with drift 0.05 should skip")
	}
}

func TestCalibratedEstimatorSelected(t *testing.T) {
	ctx := testContext(t)

	config := enabledConfig()
	config.UseCoefficients = true
	// rescale x -> 10x so a 0.05 embedding drift lands well over threshold
	config.Coefficients = []float32{10, 0}

	c, err := NewController(config, nil)
	if err != nil {
		t.Fatal(err)
	}

	id := seedSession(t, ctx, c)

	// the modulation is unchanged; only the time embedding drifts. The raw
	// estimator would skip here, the calibrated one must compute.
	e, err := ctx.FromFloatSlice([]float32{2.1, 2.1, 2.1, 2.1, 2.1, 2.1, 2.1, 2.1}, 1, 8)
	if err != nil {
		t.Fatal(err)
	}

	sig := constSignal(t, ctx, 2.0)
	sig.TimeEmbedding = e

	decision := c.Begin(ctx, 1, id, sig, constTensor(t, ctx, 3.0, 4))
	if !decision.Compute {
		t.Error("calibrated drift 10*0.05 = 0.5 should compute")
	}
}

func TestHalfPrecisionCacheRoundsResidual(t *testing.T) {
	ctx := testContext(t)

	config := enabledConfig()
	config.CacheDType = ml.DTypeF16

	c, err := NewController(config, nil)
	if err != nil {
		t.Fatal(err)
	}

	third := float32(1) / 3
	input := constTensor(t, ctx, 0, 4)
	output := constTensor(t, ctx, third, 4)

	decision := c.Begin(ctx, 0, NoPrediction, constSignal(t, ctx, 2.0), input)
	decision.Commit(ctx, input, output)
	id := decision.ID

	session := c.State().Get(id)
	if session.Residual.DType() != ml.DTypeF16 {
		t.Fatalf("residual dtype = %v, want f16", session.Residual.DType())
	}

	// the reused output carries the rounded residual, not the exact one
	decision = c.Begin(ctx, 1, id, constSignal(t, ctx, 2.0), input)
	if decision.Compute {
		t.Fatal("unchanged signal should skip")
	}

	got := decision.Output.Floats()[0]
	if got == third {
		t.Error("reused residual kept float32 precision")
	}
	if diff := math.Abs(float64(got - third)); diff > 3e-3 {
		t.Errorf("reused output = %v, drifted by %v", got, diff)
	}
}

func TestCommitIgnoredWhenSkipped(t *testing.T) {
	ctx := testContext(t)

	c, err := NewController(enabledConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	id := seedSession(t, ctx, c)

	input := constTensor(t, ctx, 3.0, 4)
	decision := c.Begin(ctx, 1, id, constSignal(t, ctx, 2.1), input)
	if decision.Compute {
		t.Fatal("want skip")
	}

	decision.Commit(ctx, input, constTensor(t, ctx, 9.0, 4))

	session := c.State().Get(id)
	if got := session.Residual.Floats()[0]; !closeEnough(got, 0.5) {
		t.Errorf("commit on a skipped decision overwrote the residual: %v", got)
	}
}
