// Package stepcache skips redundant transformer passes across denoising
// timesteps. When the timestep modulation signal drifts less than a
// threshold since the last computed step, the block stack's cached residual
// is reused instead of running the stack again.
package stepcache

import (
	"errors"

	"github.com/wandiff/wandiff/ml"
)

var (
	ErrInvalidThreshold = errors.New("stepcache: threshold must be greater than zero")
	ErrNoCoefficients   = errors.New("stepcache: calibrated mode requires coefficients")
)

type Config struct {
	Enabled bool

	// Threshold is the accumulated relative-distance cutoff below which a
	// step is skipped.
	Threshold float32

	// StartStep and EndStep bound the inclusive step range in which
	// caching may trigger. Outside the range every step computes and no
	// session state is touched. An empty range (EndStep < StartStep)
	// makes caching a no-op.
	StartStep int
	EndStep   int

	// UseCoefficients selects the calibrated estimator: the raw relative
	// distance of the time embedding rescaled through a fitted
	// polynomial. When false the raw relative distance of the expanded
	// modulation is used directly.
	UseCoefficients bool

	// Coefficients of the rescaling polynomial, highest degree first.
	Coefficients []float32

	// CacheDevice is where session tensors are parked between steps.
	CacheDevice ml.Device

	// CacheDType is the storage precision of parked tensors. The zero
	// value keeps float32; half dtypes halve the cache footprint at the
	// cost of rounding the residual and snapshot.
	CacheDType ml.DType
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Threshold <= 0 {
		return ErrInvalidThreshold
	}

	if c.UseCoefficients && len(c.Coefficients) == 0 {
		return ErrNoCoefficients
	}

	return nil
}

// active reports whether caching may trigger at the given step.
func (c Config) active(step int) bool {
	return c.Enabled && step >= c.StartStep && step <= c.EndStep
}
