package ml

// Device is a placement target for tensor storage. The reference backend
// keeps every device in host memory but preserves labels, so placement
// decisions remain observable and testable without accelerators.
type Device string

const (
	CPU Device = "cpu"
)

// Placement pairs the device tensors are computed on with the device
// long-lived tensors are parked on. Moving between the two is an explicit
// data-movement operation, never a side effect of control flow.
type Placement struct {
	// Compute is where forward-pass math runs.
	Compute Device

	// Cache is where residuals and other step-to-step state are stored.
	// May equal Compute.
	Cache Device
}

func DefaultPlacement() Placement {
	return Placement{Compute: CPU, Cache: CPU}
}
