package engine

import (
	"fmt"
)

// Tensor is a dense row-major float64 array. The first axis is the batch
// axis for activations.
type Tensor struct {
	Data  []float64
	Shape []int
}

// NewTensor allocates a zeroed tensor.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{
		Data:  make([]float64, shapeSize(shape)),
		Shape: append([]int(nil), shape...),
	}
}

// FromData wraps data without copying. The length must match the shape.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if len(data) != shapeSize(shape) {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{Data: data, Shape: append([]int(nil), shape...)}, nil
}

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Data:  append([]float64(nil), t.Data...),
		Shape: append([]int(nil), t.Shape...),
	}
}

// View shares the data under a new shape of equal size.
func (t *Tensor) View(shape ...int) (*Tensor, error) {
	return FromData(t.Data, shape...)
}

// Row returns the i-th slice along the first axis, sharing data.
func (t *Tensor) Row(i int) []float64 {
	n := len(t.Data) / t.Shape[0]
	return t.Data[i*n : (i+1)*n]
}

// Zero clears all elements.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
