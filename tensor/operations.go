package tensor

import (
	"fmt"
	"math"
)

// SliceBatch returns rows [start, end) of axis 0 as a view.
func (t *Tensor) SliceBatch(start, end int) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot slice scalar tensor")
	}
	if start < 0 || end > t.Shape[0] || start >= end {
		return nil, fmt.Errorf("invalid batch range [%d, %d) for axis of size %d", start, end, t.Shape[0])
	}
	per := t.NumElems / t.Shape[0]
	shape := append([]int{end - start}, t.Shape[1:]...)
	return NewTensor(shape, t.Data[start*per:end*per])
}

// Concat joins tensors along axis 0. All trailing dimensions must match.
func Concat(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("concat requires at least one tensor")
	}
	tail := parts[0].Shape[1:]
	rows := 0
	for i, p := range parts {
		if !ShapesEqual(p.Shape[1:], tail) {
			return nil, fmt.Errorf("concat: tensor %d has shape %v, expected trailing %v", i, p.Shape, tail)
		}
		rows += p.Shape[0]
	}
	data := make([]float32, 0, rows*calculateNumElements(tail))
	for _, p := range parts {
		data = append(data, p.Data...)
	}
	return NewTensor(append([]int{rows}, tail...), data)
}

// AsMatrix views t as (rows, cols) where cols is the last dimension.
func (t *Tensor) AsMatrix() (rows, cols int) {
	cols = t.Shape[len(t.Shape)-1]
	return t.NumElems / cols, cols
}

// ArgMaxRows returns, for every row of the matrix view, the index of the largest
// value. Ties resolve to the lowest index.
func ArgMaxRows(t *Tensor) []int {
	rows, cols := t.AsMatrix()
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := t.Data[r*cols : (r+1)*cols]
		best := 0
		for c := 1; c < cols; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		out[r] = best
	}
	return out
}

// SelectColumns copies the requested columns of the matrix view, preserving the
// leading dimensions.
func SelectColumns(t *Tensor, cols []int) (*Tensor, error) {
	rows, width := t.AsMatrix()
	for _, c := range cols {
		if c < 0 || c >= width {
			return nil, fmt.Errorf("column index %d out of range [0, %d)", c, width)
		}
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("no columns selected")
	}
	out := make([]float32, rows*len(cols))
	for r := 0; r < rows; r++ {
		row := t.Data[r*width : (r+1)*width]
		for j, c := range cols {
			out[r*len(cols)+j] = row[c]
		}
	}
	shape := append(append([]int{}, t.Shape[:len(t.Shape)-1]...), len(cols))
	return NewTensor(shape, out)
}

// Transpose2D swaps the two axes of a matrix.
func Transpose2D(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose requires rank 2, got %v", t.Shape)
	}
	r, c := t.Shape[0], t.Shape[1]
	out := make([]float32, t.NumElems)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out[j*r+i] = t.Data[i*c+j]
		}
	}
	return NewTensor([]int{c, r}, out)
}

// OneHot encodes integer class labels. Each value of labels is rounded to the
// nearest integer and must lie in [0, numClasses). A trailing singleton axis on
// labels is replaced by the class axis; otherwise the class axis is appended.
func OneHot(labels *Tensor, numClasses int) (*Tensor, error) {
	if numClasses < 1 {
		return nil, fmt.Errorf("one-hot requires at least one class, got %d", numClasses)
	}
	lead := labels.Shape
	if len(lead) > 1 && lead[len(lead)-1] == 1 {
		lead = lead[:len(lead)-1]
	}
	out := make([]float32, labels.NumElems*numClasses)
	for i, v := range labels.Data {
		k := int(math.Round(float64(v)))
		if k < 0 || k >= numClasses {
			return nil, fmt.Errorf("label %v at position %d outside [0, %d)", v, i, numClasses)
		}
		out[i*numClasses+k] = 1
	}
	return NewTensor(append(append([]int{}, lead...), numClasses), out)
}

// AllFinite reports whether every element is a finite number.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
