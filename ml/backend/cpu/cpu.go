// Package cpu is the reference backend: plain float32 host tensors with
// gonum-backed matrix multiplication. Every device label resolves to host
// memory, which keeps placement logic exercisable without accelerators.
package cpu

import (
	"fmt"

	"github.com/wandiff/wandiff/ml"
)

type Backend struct {
	placement ml.Placement
}

func New(p ml.Placement) *Backend {
	return &Backend{placement: p}
}

func (b *Backend) Name() string {
	return "cpu"
}

func (b *Backend) Placement() ml.Placement {
	return b.placement
}

func (b *Backend) NewContext() ml.Context {
	return &Context{device: b.placement.Compute}
}

type Context struct {
	device ml.Device
}

func (c *Context) Device() ml.Device {
	return c.device
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return &Tensor{
		data:   make([]float32, numel(shape)),
		shape:  copyShape(shape),
		dtype:  dtype,
		device: c.device,
	}
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.Empty(dtype, shape...)
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if len(s) != numel(shape) {
		return nil, fmt.Errorf("cpu: invalid shape %v for %d elements", shape, len(s))
	}

	data := make([]float32, len(s))
	copy(data, s)

	return &Tensor{
		data:   data,
		shape:  copyShape(shape),
		dtype:  ml.DTypeF32,
		device: c.device,
	}, nil
}

func (c *Context) Arange(start, stop, step float32) ml.Tensor {
	var data []float32
	for v := start; v < stop; v += step {
		data = append(data, v)
	}

	return &Tensor{
		data:   data,
		shape:  []int{len(data)},
		dtype:  ml.DTypeF32,
		device: c.device,
	}
}

func (c *Context) Close() error {
	return nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return n
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

func init() {
	ml.RegisterBackend("cpu", func(p ml.Placement) (ml.Backend, error) {
		return New(p), nil
	})
}
