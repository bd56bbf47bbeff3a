package stepcache

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/wandiff/wandiff/ml"
)

// Signal carries both forms of a timestep's modulation signal: the raw time
// embedding and its projected per-channel expansion. Which form an
// estimator measures (and snapshots) is strategy-specific.
type Signal struct {
	// TimeEmbedding is the MLP output of the sinusoidal timestep
	// embedding, shape [1, dim].
	TimeEmbedding ml.Tensor

	// Modulation is the expanded projection of the time embedding,
	// shape [6, dim].
	Modulation ml.Tensor
}

// Estimator turns the drift between two modulation signals into a scalar
// estimate of how much the block stack's output would differ.
type Estimator interface {
	// Signal selects the form of the modulation signal this strategy
	// measures. The controller snapshots the same form.
	Signal(sig Signal) ml.Tensor

	// Distance returns a non-negative drift estimate between the
	// previous snapshot and the current signal.
	Distance(prev, curr ml.Tensor) float32
}

// RelativeL1 measures mean(|prev-curr|) / mean(|prev|) over the expanded
// modulation. The result is undefined when prev has zero mean magnitude;
// the controller guarantees a real snapshot is stored before any distance
// is computed.
type RelativeL1 struct{}

func (RelativeL1) Signal(sig Signal) ml.Tensor {
	return sig.Modulation
}

func (RelativeL1) Distance(prev, curr ml.Tensor) float32 {
	return relativeL1(prev, curr)
}

// Calibrated measures the raw relative distance of the time embedding and
// rescales it through a polynomial fitted offline against observed stack
// output drift. This compensates for the non-linear relationship between
// embedding drift and output drift.
type Calibrated struct {
	// Coefficients, highest degree first.
	Coefficients []float32
}

func (c Calibrated) Signal(sig Signal) ml.Tensor {
	return sig.TimeEmbedding
}

func (c Calibrated) Distance(prev, curr ml.Tensor) float32 {
	return float32(math.Abs(Polyval(c.Coefficients, float64(relativeL1(prev, curr)))))
}

// Polyval evaluates a polynomial with coefficients ordered highest degree
// first at x.
func Polyval(coefficients []float32, x float64) float64 {
	var result float64
	for _, c := range coefficients {
		result = result*x + float64(c)
	}

	return result
}

func relativeL1(prev, curr ml.Tensor) float32 {
	p := float64s(prev.Floats())
	c := float64s(curr.Floats())

	n := float64(len(p))
	distance := floats.Distance(p, c, 1) / n
	norm := floats.Norm(p, 1) / n

	return float32(distance / norm)
}

func float64s(s []float32) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = float64(v)
	}

	return out
}
