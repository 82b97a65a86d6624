package itree

import (
	"go/types"
	"runtime"
)

// TargetData sizes the types of the subject program. Mirrors the
// OS/architecture settings of the executor; see `go tool dist list`
// for valid combinations.
type TargetData struct {
	Arch string
}

// NewTargetData returns target data for the host architecture.
func NewTargetData() *TargetData {
	return &TargetData{Arch: runtime.GOARCH}
}

// Sizes returns the sizing rules for the target architecture.
func (t *TargetData) Sizes() types.Sizes {
	return types.SizesFor("gc", t.Arch)
}

// Sizeof returns the width of typ in bits.
func (t *TargetData) Sizeof(typ types.Type) uint {
	return uint(t.Sizes().Sizeof(typ)) * 8
}

// PointerWidth returns the width of a pointer in bits.
func (t *TargetData) PointerWidth() uint {
	return t.Sizeof((*types.Pointer)(nil))
}

// deref returns the element type if typ is a pointer, otherwise typ.
func deref(typ types.Type) types.Type {
	if typ, ok := typ.Underlying().(*types.Pointer); ok {
		return typ.Elem()
	}
	return typ
}
