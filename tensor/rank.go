package tensor

import (
	"errors"
	"fmt"
)

// ErrRankOutOfRange is returned when a sample batch cannot be brought to rank 5.
var ErrRankOutOfRange = errors.New("tensor rank out of range")

// ExpandToRank5 inserts singleton axes immediately before the last axis until the
// tensor has rank 5, so (N,A,Z) becomes (N,A,1,1,Z). Only ranks 3 to 5 are accepted.
// The result shares t's data.
func ExpandToRank5(t *Tensor) (*Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil tensor", ErrRankOutOfRange)
	}
	rank := len(t.Shape)
	if rank < 3 || rank > 5 {
		return nil, fmt.Errorf("%w: got rank %d (shape %v), want 3 to 5", ErrRankOutOfRange, rank, t.Shape)
	}
	if rank == 5 {
		return t, nil
	}

	shape := make([]int, 0, 5)
	shape = append(shape, t.Shape[:rank-1]...)
	for len(shape) < 4 {
		shape = append(shape, 1)
	}
	shape = append(shape, t.Shape[rank-1])
	return t.Reshape(shape...)
}
