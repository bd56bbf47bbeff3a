package stepcache

import (
	"log/slog"

	"github.com/wandiff/wandiff/ml"
)

// Controller decides, once per denoising timestep, whether the transformer
// stack runs or a cached residual is reused. It is stateless beyond the
// session store and purely session-scoped.
type Controller struct {
	config    Config
	store     *State
	estimator Estimator
}

// NewController validates the config and wires the estimator it selects.
// A nil store allocates a fresh one on the configured cache device.
func NewController(config Config, store *State) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if store == nil {
		store = NewState(config.CacheDevice, config.CacheDType)
	}

	var estimator Estimator = RelativeL1{}
	if config.UseCoefficients {
		estimator = Calibrated{Coefficients: config.Coefficients}
	}

	return &Controller{
		config:    config,
		store:     store,
		estimator: estimator,
	}, nil
}

func (c *Controller) Config() Config {
	return c.config
}

func (c *Controller) State() *State {
	return c.store
}

// StepDecision is the outcome of Begin for one timestep.
type StepDecision struct {
	// ID is the session id to thread into the next call. Losing it
	// forces a fresh session, defeating caching for the rest of the run.
	ID int

	// Compute reports whether the caller must run the full stack. When
	// false, Output already holds the substituted result.
	Compute bool

	// Bypassed is set when caching was disabled or the step was outside
	// the active range; no session state was touched.
	Bypassed bool

	// Output is the reused result (input plus cached residual), set only
	// when Compute is false.
	Output ml.Tensor

	controller  *Controller
	snapshot    ml.Tensor
	accumulated float32
}

// Begin evaluates the caching decision for one step. input is the tensor the
// transformer stack would consume. When the decision is to compute, the
// caller runs the stack and must call Commit with the result.
func (c *Controller) Begin(ctx ml.Context, step, id int, sig Signal, input ml.Tensor) *StepDecision {
	if !c.config.active(step) {
		return &StepDecision{ID: id, Compute: true, Bypassed: true}
	}

	var session Session
	var accumulated float32
	compute := true

	if id == NoPrediction {
		id = c.store.NewPrediction()
	} else {
		session = c.store.Get(id)

		prev := session.Snapshot.To(ctx, ctx.Device())
		accumulated = session.Accumulated + c.estimator.Distance(prev, c.estimator.Signal(sig))

		if accumulated < c.config.Threshold {
			compute = false
		} else {
			accumulated = 0
		}
	}

	// The snapshot is taken against the current signal before any branch
	// resolves; the drift above was measured against the old one. This
	// ordering is load-bearing: reversing it would measure every step
	// against itself.
	snapshot := c.estimator.Signal(sig).Clone(ctx)

	if !compute {
		residual := session.Residual.To(ctx, ctx.Device())
		skipped := session.SkippedSteps + 1
		c.store.Update(ctx, id, SessionUpdate{
			Accumulated:  &accumulated,
			SkippedSteps: &skipped,
		})

		slog.Debug("step cache: reusing residual", "step", step, "prediction", id, "accumulated", accumulated)

		return &StepDecision{
			ID:     id,
			Output: input.Add(ctx, residual),
		}
	}

	return &StepDecision{
		ID:          id,
		Compute:     true,
		controller:  c,
		snapshot:    snapshot,
		accumulated: accumulated,
	}
}

// Commit records the freshly computed stack output for a decision that
// reported Compute. It stores the output-input residual, the signal
// snapshot taken at Begin, and the (reset) accumulated distance.
func (d *StepDecision) Commit(ctx ml.Context, input, output ml.Tensor) {
	if d.Bypassed || !d.Compute {
		return
	}

	d.controller.store.Update(ctx, d.ID, SessionUpdate{
		Residual:    output.Sub(ctx, input),
		Snapshot:    d.snapshot,
		Accumulated: &d.accumulated,
	})
}
