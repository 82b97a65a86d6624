package itree

import (
	"fmt"
	"reflect"

	"golang.org/x/tools/go/ssa"
)

// sitePointer returns a stable ordering key for an SSA value.
// All ssa.Value implementations are pointers so the interface data
// word addresses the underlying object.
func sitePointer(v ssa.Value) uintptr {
	if v == nil {
		return 0
	}
	return reflect.ValueOf(v).Pointer()
}

// instrPointer returns a stable ordering key for an SSA instruction.
func instrPointer(i ssa.Instruction) uintptr {
	if i == nil {
		return 0
	}
	return reflect.ValueOf(i).Pointer()
}

// AllocationContext identifies an allocation occurrence: the
// allocation site together with the stack of call sites through which
// the site was reached. Contexts are the stable keys relating
// allocations across different execution paths.
type AllocationContext struct {
	site        ssa.Value
	callHistory []ssa.Instruction
}

// NewAllocationContext returns a new context for site reached via callHistory.
func NewAllocationContext(site ssa.Value, callHistory []ssa.Instruction) *AllocationContext {
	history := make([]ssa.Instruction, len(callHistory))
	copy(history, callHistory)
	return &AllocationContext{site: site, callHistory: history}
}

// Site returns the allocation site.
func (c *AllocationContext) Site() ssa.Value { return c.site }

// CallHistory returns the call sites through which the site was reached.
func (c *AllocationContext) CallHistory() []ssa.Instruction { return c.callHistory }

// Compare orders contexts by site and then element-wise call history.
func (c *AllocationContext) Compare(other *AllocationContext) int {
	if a, b := sitePointer(c.site), sitePointer(other.site); a < b {
		return -1
	} else if a > b {
		return 1
	}
	if len(c.callHistory) < len(other.callHistory) {
		return -1
	} else if len(c.callHistory) > len(other.callHistory) {
		return 1
	}
	for i := range c.callHistory {
		if a, b := instrPointer(c.callHistory[i]), instrPointer(other.callHistory[i]); a < b {
			return -1
		} else if a > b {
			return 1
		}
	}
	return 0
}

// MatchesPrefix returns true if the context's call history is a prefix
// of callHistory.
func (c *AllocationContext) MatchesPrefix(callHistory []ssa.Instruction) bool {
	if len(c.callHistory) > len(callHistory) {
		return false
	}
	for i := range c.callHistory {
		if c.callHistory[i] != callHistory[i] {
			return false
		}
	}
	return true
}

// String returns a string representation of the context.
func (c *AllocationContext) String() string {
	if c.site == nil {
		return "(context <nil>)"
	}
	return fmt.Sprintf("(context %s depth=%d)", c.site.Name(), len(c.callHistory))
}

// memoryLocationSeq distinguishes repeated allocations of the same site
// within one path, e.g. across loop iterations. Weak comparison, used
// for subsumption, ignores it.
var memoryLocationSeq uint64

// MemoryLocation models a pointer: an allocation context, a base
// address expression, a symbolic offset from the base, and bound
// information for the maximum legal offset.
type MemoryLocation struct {
	context *AllocationContext
	base    Expr
	offset  Expr
	size    uint64 // allocation size in bytes; 0 when unknown

	// address is the absolute address expression as observed by the
	// executor; base+offset when never observed directly.
	address Expr

	// Iteration-level identity; see memoryLocationSeq.
	allocID uint64

	// concreteBound is the maximum legal offset (exclusive) when size
	// and offset are concrete; 0 when unknown.
	concreteBound uint64

	// symbolicBounds holds bound expressions when the offset or size is
	// symbolic, or bounds recorded by slackening.
	symbolicBounds []Expr

	// boundAdjusted is set once a bounds check has slackened the bound.
	boundAdjusted bool
}

// NewMemoryLocation returns a location at the base of a fresh
// allocation of the given size, with a zero offset.
func NewMemoryLocation(site ssa.Value, callHistory []ssa.Instruction, base Expr, size uint64) *MemoryLocation {
	memoryLocationSeq++
	loc := &MemoryLocation{
		context: NewAllocationContext(site, callHistory),
		base:    base,
		offset:  NewConstantExpr(0, ExprWidth(base)),
		size:    size,
		allocID: memoryLocationSeq,
	}
	loc.concreteBound = size
	return loc
}

// NewMemoryLocationWithOffset returns a location within the same
// allocation as parent, displaced by delta. The base address is
// inherited; address is the absolute address of the new location.
func NewMemoryLocationWithOffset(parent *MemoryLocation, address, delta Expr) *MemoryLocation {
	memoryLocationSeq++
	loc := &MemoryLocation{
		context: parent.context,
		base:    parent.base,
		offset:  NewBinaryExpr(ADD, parent.offset, delta),
		size:    parent.size,
		address: address,
		allocID: parent.allocID,
	}
	if offset, ok := loc.offset.(*ConstantExpr); ok && loc.size > 0 {
		if offset.Value <= loc.size {
			loc.concreteBound = loc.size - offset.Value
		}
	} else {
		loc.symbolicBounds = append(loc.symbolicBounds, parent.symbolicBounds...)
	}
	return loc
}

// Context returns the allocation context of the location.
func (l *MemoryLocation) Context() *AllocationContext { return l.context }

// Site returns the allocation site of the location.
func (l *MemoryLocation) Site() ssa.Value { return l.context.site }

// Base returns the base address expression.
func (l *MemoryLocation) Base() Expr { return l.base }

// Offset returns the offset expression from the base address.
func (l *MemoryLocation) Offset() Expr { return l.offset }

// Size returns the allocation size in bytes, zero when unknown.
func (l *MemoryLocation) Size() uint64 { return l.size }

// Address returns the absolute address expression of the location.
func (l *MemoryLocation) Address() Expr {
	if l.address != nil {
		return l.address
	}
	return NewBinaryExpr(ADD, l.base, l.offset)
}

// HasConstantAddress returns true if base and offset are both constant.
func (l *MemoryLocation) HasConstantAddress() bool {
	if _, ok := l.base.(*ConstantExpr); !ok {
		return false
	}
	_, ok := l.offset.(*ConstantExpr)
	return ok
}

// Bounds returns the bound expressions for the location: the recorded
// symbolic bounds, or the concrete bound as a constant.
func (l *MemoryLocation) Bounds() []Expr {
	if len(l.symbolicBounds) > 0 {
		return l.symbolicBounds
	}
	if l.concreteBound > 0 {
		return []Expr{NewConstantExpr64(l.concreteBound)}
	}
	return nil
}

// AdjustOffsetBound slackens the recorded bound so that it is the
// tightest bound consistent with the checked offset remaining legal:
// an access at offset o requires o < bound, hence the bound becomes
// o+1. Successive checks keep the largest required bound. The bound
// expressions produced are appended to bounds.
func (l *MemoryLocation) AdjustOffsetBound(checkedOffset Expr, bounds *[]Expr) {
	if offset, ok := checkedOffset.(*ConstantExpr); ok {
		b := offset.Value + 1
		if !l.boundAdjusted || b > l.concreteBound {
			l.concreteBound = b
		}
		l.boundAdjusted = true
		*bounds = append(*bounds, NewConstantExpr64(l.concreteBound))
		return
	}

	bound := NewBinaryExpr(ADD, checkedOffset, NewConstantExpr(1, ExprWidth(checkedOffset)))
	for _, existing := range l.symbolicBounds {
		if CompareExpr(existing, bound) == 0 {
			*bounds = append(*bounds, bound)
			return
		}
	}
	l.symbolicBounds = append(l.symbolicBounds, bound)
	l.boundAdjusted = true
	*bounds = append(*bounds, bound)
}

// Compare orders locations by weak comparison and then by iteration
// identity. This is the strong equality used for store frame keys.
func (l *MemoryLocation) Compare(other *MemoryLocation) int {
	if cmp := l.WeakCompare(other); cmp != 0 {
		return cmp
	}
	if l.allocID < other.allocID {
		return -1
	} else if l.allocID > other.allocID {
		return 1
	}
	return 0
}

// WeakCompare orders locations by allocation context, base, and offset
// only, ignoring the iteration-level identity. This is the equality
// used for store lookup during subsumption, where related allocations
// on different paths carry different iteration identities.
func (l *MemoryLocation) WeakCompare(other *MemoryLocation) int {
	if cmp := l.context.Compare(other.context); cmp != 0 {
		return cmp
	}
	if cmp := CompareExpr(l.base, other.base); cmp != 0 {
		return cmp
	}
	return CompareExpr(l.offset, other.offset)
}

// String returns a string representation of the location.
func (l *MemoryLocation) String() string {
	return fmt.Sprintf("(loc %s base=%s offset=%s)", l.context, l.base, l.offset)
}

// StoredAddress wraps a memory location with the weak comparator, for
// use as a subsumption table index: iteration-level identity does not
// make sense when comparing states across paths.
type StoredAddress struct {
	Loc *MemoryLocation
}

// NewStoredAddress returns a new StoredAddress wrapping loc.
func NewStoredAddress(loc *MemoryLocation) *StoredAddress {
	return &StoredAddress{Loc: loc}
}

// Compare orders stored addresses by the weak location comparison.
func (a *StoredAddress) Compare(other *StoredAddress) int {
	return a.Loc.WeakCompare(other.Loc)
}

// memoryLocationComparer orders *MemoryLocation keys by strong
// comparison. Implements immutable.Comparer.
type memoryLocationComparer struct{}

func (c *memoryLocationComparer) Compare(a, b interface{}) int {
	return a.(*MemoryLocation).Compare(b.(*MemoryLocation))
}

// storedAddressComparer orders *StoredAddress keys by weak comparison.
// Implements immutable.Comparer.
type storedAddressComparer struct{}

func (c *storedAddressComparer) Compare(a, b interface{}) int {
	return a.(*StoredAddress).Compare(b.(*StoredAddress))
}
