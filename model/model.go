// Package model holds the plumbing shared by model architectures.
package model

import (
	"fmt"

	"github.com/wandiff/wandiff/ml"
)

// Base implements the common fields and methods for all models.
type Base struct {
	b ml.Backend
}

// Backend returns the underlying backend that will run the model.
func (m *Base) Backend() ml.Backend {
	return m.b
}

func (m *Base) SetBackend(b ml.Backend) {
	m.b = b
}

var architectures = make(map[string]func(ml.Backend) (any, error))

// Register makes an architecture constructor available to New. Intended to
// be called from an init function in the architecture's package.
func Register(name string, f func(ml.Backend) (any, error)) {
	if _, ok := architectures[name]; ok {
		panic("model: architecture already registered")
	}

	architectures[name] = f
}

func New(name string, b ml.Backend) (any, error) {
	f, ok := architectures[name]
	if !ok {
		return nil, fmt.Errorf("unsupported architecture %q", name)
	}

	return f(b)
}
