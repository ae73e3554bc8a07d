package utils

import (
	"fmt"
)

// Multi-indices are stored row-major: the last direction varies fastest.
// This matches the layout of the local coefficient buffers and the local
// basis numbering handed to element kernels.

// Product returns the number of entries in an array of the given shape
func Product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Strides returns the row-major strides for shape
func Strides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		st[d] = acc
		acc *= shape[d]
	}
	return st
}

// Ravel converts a multi-index into a flat row-major offset. Indices are not
// range checked; callers validate against the shape first.
func Ravel(idx, shape []int) int {
	flat := 0
	for d := range shape {
		flat = flat*shape[d] + idx[d]
	}
	return flat
}

// Unravel writes the multi-index of flat into idx
func Unravel(flat int, shape []int, idx []int) {
	for d := len(shape) - 1; d >= 0; d-- {
		idx[d] = flat % shape[d]
		flat /= shape[d]
	}
}

// Box is a half-open N-dimensional index box [Lo, Hi)
type Box struct {
	Lo, Hi []int
}

// NewBox copies lo and hi into a new Box
func NewBox(lo, hi []int) Box {
	b := Box{Lo: make([]int, len(lo)), Hi: make([]int, len(hi))}
	copy(b.Lo, lo)
	copy(b.Hi, hi)
	return b
}

// Dim returns the number of directions
func (b Box) Dim() int { return len(b.Lo) }

// Shape returns the extent along each direction (zero for empty directions)
func (b Box) Shape() []int {
	sh := make([]int, len(b.Lo))
	for d := range b.Lo {
		if b.Hi[d] > b.Lo[d] {
			sh[d] = b.Hi[d] - b.Lo[d]
		}
	}
	return sh
}

// Size returns the number of indices in the box
func (b Box) Size() int {
	return Product(b.Shape())
}

// Empty reports whether the box contains no indices
func (b Box) Empty() bool {
	return b.Size() == 0
}

// Contains reports whether idx lies inside the box
func (b Box) Contains(idx []int) bool {
	for d := range b.Lo {
		if idx[d] < b.Lo[d] || idx[d] >= b.Hi[d] {
			return false
		}
	}
	return true
}

// Intersect returns the intersection of two boxes of the same dimension
func (b Box) Intersect(o Box) Box {
	r := Box{Lo: make([]int, len(b.Lo)), Hi: make([]int, len(b.Lo))}
	for d := range b.Lo {
		r.Lo[d] = max(b.Lo[d], o.Lo[d])
		r.Hi[d] = min(b.Hi[d], o.Hi[d])
		if r.Hi[d] < r.Lo[d] {
			r.Hi[d] = r.Lo[d]
		}
	}
	return r
}

// Equal reports whether two boxes cover the same indices
func (b Box) Equal(o Box) bool {
	if len(b.Lo) != len(o.Lo) {
		return false
	}
	if b.Empty() && o.Empty() {
		return true
	}
	for d := range b.Lo {
		if b.Lo[d] != o.Lo[d] || b.Hi[d] != o.Hi[d] {
			return false
		}
	}
	return true
}

// Shift returns the box translated by s
func (b Box) Shift(s []int) Box {
	r := NewBox(b.Lo, b.Hi)
	for d := range s {
		r.Lo[d] += s[d]
		r.Hi[d] += s[d]
	}
	return r
}

// Mod returns x modulo n in [0, n)
func Mod(x, n int) int {
	x %= n
	if x < 0 {
		x += n
	}
	return x
}

// ForEach visits every index of the box in row-major order. The slice
// passed to fn is reused between calls.
func (b Box) ForEach(fn func(idx []int)) {
	if b.Empty() {
		return
	}
	nd := len(b.Lo)
	idx := make([]int, nd)
	copy(idx, b.Lo)
	for {
		fn(idx)
		d := nd - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < b.Hi[d] {
				break
			}
			idx[d] = b.Lo[d]
		}
		if d < 0 {
			return
		}
	}
}

func (b Box) String() string {
	return fmt.Sprintf("%v-%v", b.Lo, b.Hi)
}
