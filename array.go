package itree

import (
	"fmt"
)

// Array represents an array of symbolic or concrete bytes.
type Array struct {
	ID      uint64       // unique id, assigned by the executor
	Size    uint         // width, in bytes
	Shadow  bool         // true for the shadow copy of an array
	Updates *ArrayUpdate // linked list of symbolic updates
}

// NewArray returns a new Array of the given size.
func NewArray(id uint64, size uint) *Array {
	return &Array{
		ID:   id,
		Size: size,
	}
}

// String returns a string representation of the array.
func (a *Array) String() string {
	if a.Shadow {
		return fmt.Sprintf("(shadow-array #%d %d)", a.ID, a.Size)
	}
	return fmt.Sprintf("(array #%d %d)", a.ID, a.Size)
}

// Name returns the solver-level name of the array.
func (a *Array) Name() string {
	if a.Shadow {
		return fmt.Sprintf("A%d_shadow", a.ID)
	}
	return fmt.Sprintf("A%d", a.ID)
}

// Clone returns a copy of the array sharing the update chain.
func (a *Array) Clone() *Array {
	other := *a
	return &other
}

// CompareArray returns an integer comparing two arrays.
// The result will be 0 if a==b, -1 if a < b, and +1 if a > b.
// An array always orders before its shadow.
func CompareArray(a, b *Array) int {
	if a == nil && b != nil {
		return -1
	} else if a != nil && b == nil {
		return 1
	} else if a == nil && b == nil {
		return 0
	}

	if a.ID < b.ID {
		return -1
	} else if a.ID > b.ID {
		return 1
	}

	if !a.Shadow && b.Shadow {
		return -1
	} else if a.Shadow && !b.Shadow {
		return 1
	}

	if a.Size < b.Size {
		return -1
	} else if a.Size > b.Size {
		return 1
	}

	return CompareArrayUpdate(a.Updates, b.Updates)
}

// ArrayUpdate represents a symbolic update to an array.
type ArrayUpdate struct {
	Index Expr // byte index of update
	Value Expr // byte value to update

	Next *ArrayUpdate // linked list of next update
}

// NewArrayUpdate returns a new instance of ArrayUpdate.
func NewArrayUpdate(index, value Expr, next *ArrayUpdate) *ArrayUpdate {
	return &ArrayUpdate{
		Index: NewCastExpr(index, Width64, false),
		Value: NewCastExpr(value, Width8, false),
		Next:  next,
	}
}

// CompareArrayUpdate returns an integer comparing two array updates.
// The result will be 0 if a==b, -1 if a < b, and +1 if a > b.
func CompareArrayUpdate(a, b *ArrayUpdate) int {
	if a == nil && b != nil {
		return -1
	} else if a != nil && b == nil {
		return 1
	} else if a == nil && b == nil {
		return 0
	}

	if cmp := CompareExpr(a.Index, b.Index); cmp != 0 {
		return cmp
	} else if cmp := CompareExpr(a.Value, b.Value); cmp != 0 {
		return cmp
	}
	return CompareArrayUpdate(a.Next, b.Next)
}
