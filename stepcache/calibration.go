package stepcache

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// FitDegree is the polynomial degree used to calibrate embedding drift
// against observed stack output drift.
const FitDegree = 4

var ErrNotEnoughSamples = errors.New("stepcache: calibration requires at least two samples")

// Rescale fits a degree-4 least-squares polynomial mapping input distances
// to output distances and returns it evaluated at the input points. With
// fewer than two samples no fit is possible and the inputs are returned
// unchanged. Used by calibration tooling, not during inference.
func Rescale(inputs, outputs []float64) []float64 {
	if len(inputs) < 2 {
		return inputs
	}

	coefficients, err := FitCoefficients(inputs, outputs, FitDegree)
	if err != nil {
		return inputs
	}

	rescaled := make([]float64, len(inputs))
	for i, x := range inputs {
		rescaled[i] = polyval(coefficients, x)
	}

	return rescaled
}

// FitCoefficients solves the least-squares polynomial fit of the given
// degree, returning coefficients highest degree first. The degree is capped
// at len(inputs)-1 to keep the system determined; the fit through fewer
// points than coefficients is exact either way.
func FitCoefficients(inputs, outputs []float64, degree int) ([]float64, error) {
	if len(inputs) != len(outputs) {
		return nil, fmt.Errorf("stepcache: mismatched sample lengths %d and %d", len(inputs), len(outputs))
	}

	if len(inputs) < 2 {
		return nil, ErrNotEnoughSamples
	}

	if degree > len(inputs)-1 {
		degree = len(inputs) - 1
	}

	n := len(inputs)
	cols := degree + 1

	a := mat.NewDense(n, cols, nil)
	for i, x := range inputs {
		v := 1.0
		for j := cols - 1; j >= 0; j-- {
			a.Set(i, j, v)
			v *= x
		}
	}

	b := mat.NewDense(n, 1, nil)
	for i, y := range outputs {
		b.Set(i, 0, y)
	}

	var qr mat.QR
	qr.Factorize(a)

	var solution mat.Dense
	if err := qr.SolveTo(&solution, false, b); err != nil {
		return nil, fmt.Errorf("stepcache: calibration fit failed: %w", err)
	}

	coefficients := make([]float64, cols)
	for j := range coefficients {
		coefficients[j] = solution.At(j, 0)
	}

	return coefficients, nil
}

// Normalize min-max scales values into [0, 1]. Constant input maps to all
// zeros.
func Normalize(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}

	minv, maxv := values[0], values[0]
	for _, v := range values[1:] {
		if v < minv {
			minv = v
		}
		if v > maxv {
			maxv = v
		}
	}

	out := make([]float64, len(values))
	if maxv == minv {
		return out
	}

	for i, v := range values {
		out[i] = (v - minv) / (maxv - minv)
	}

	return out
}

func polyval(coefficients []float64, x float64) float64 {
	var result float64
	for _, c := range coefficients {
		result = result*x + c
	}

	return result
}
