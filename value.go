package itree

import (
	"bytes"
	"fmt"
	"sort"

	"golang.org/x/tools/go/ssa"
)

// VersionedValue is an SSA value instance observed during one path of
// the symbolic execution. Different from SSA values themselves, which
// are static entities, an execution may pass through the same
// instruction several times, so the value of the instruction is
// versioned. A versioned value with locations is a pointer.
type VersionedValue struct {
	value       ssa.Value
	callHistory []ssa.Instruction
	expr        Expr

	// Memory locations this value may point to.
	locations []*MemoryLocation

	// Flow edges to the values this one was computed from. A non-nil
	// via location records that the flow passed through memory.
	sources map[*VersionedValue]*MemoryLocation

	// Address values this value was loaded from / stored through.
	loadAddress  *VersionedValue
	storeAddress *VersionedValue

	// core is monotonic: it is set when the value participates in an
	// unsatisfiability core and never cleared.
	core bool

	// interpolableBound is cleared permanently once bound interpolation
	// becomes unsound for this value; pointer-flow marking then degrades
	// to plain flow marking.
	interpolableBound bool

	reasons map[string]struct{}
}

// NewVersionedValue returns a new versioned value for an SSA value.
func NewVersionedValue(value ssa.Value, callHistory []ssa.Instruction, expr Expr) *VersionedValue {
	history := make([]ssa.Instruction, len(callHistory))
	copy(history, callHistory)
	return &VersionedValue{
		value:             value,
		callHistory:       history,
		expr:              expr,
		sources:           make(map[*VersionedValue]*MemoryLocation),
		interpolableBound: true,
		reasons:           make(map[string]struct{}),
	}
}

// Value returns the underlying SSA value.
func (v *VersionedValue) Value() ssa.Value { return v.value }

// CallHistory returns the call history the value was created under.
func (v *VersionedValue) CallHistory() []ssa.Instruction { return v.callHistory }

// Expression returns the symbolic expression of the value.
func (v *VersionedValue) Expression() Expr { return v.expr }

// Locations returns the memory locations the value may point to.
func (v *VersionedValue) Locations() []*MemoryLocation { return v.locations }

// IsPointer returns true if the value has at least one location.
func (v *VersionedValue) IsPointer() bool { return len(v.locations) > 0 }

// IsCore returns true if the value has been marked as core.
func (v *VersionedValue) IsCore() bool { return v.core }

// CanInterpolateBound returns true if bound interpolation is still
// permitted for this value.
func (v *VersionedValue) CanInterpolateBound() bool { return v.interpolableBound }

// LoadAddress returns the address value this value was loaded from, if any.
func (v *VersionedValue) LoadAddress() *VersionedValue { return v.loadAddress }

// StoreAddress returns the address value this value was stored through, if any.
func (v *VersionedValue) StoreAddress() *VersionedValue { return v.storeAddress }

// AddLocation adds a pointer target to the value.
func (v *VersionedValue) AddLocation(loc *MemoryLocation) {
	for _, existing := range v.locations {
		if existing == loc {
			return
		}
	}
	v.locations = append(v.locations, loc)
}

// AddDependency appends a flow edge from source to v, optionally via a
// memory location when the flow passed through a store or load.
// Cycles are forbidden: flow edges always point toward
// earlier-constructed values.
func (v *VersionedValue) AddDependency(source *VersionedValue, via *MemoryLocation) {
	assert(source != v, "flow edge to self")
	assert(!source.flowsFrom(v), "flow cycle detected")
	v.sources[source] = via
}

// flowsFrom reports whether other is reachable from v via flow edges.
func (v *VersionedValue) flowsFrom(other *VersionedValue) bool {
	if v == other {
		return true
	}
	for source := range v.sources {
		if source.flowsFrom(other) {
			return true
		}
	}
	return false
}

// FlowSources returns the direct flow sources of the value.
func (v *VersionedValue) FlowSources() map[*VersionedValue]*MemoryLocation {
	return v.sources
}

// SetAsCore marks the value as needed for the unsatisfiability core.
// Idempotent; reason strings accumulate.
func (v *VersionedValue) SetAsCore(reason string) {
	v.core = true
	if reason != "" {
		v.reasons[reason] = struct{}{}
	}
}

// DisableBoundInterpolation permanently forbids memory-bound
// interpolation through this value.
func (v *VersionedValue) DisableBoundInterpolation() {
	v.interpolableBound = false
}

// Reasons returns the accumulated core reasons, sorted.
func (v *VersionedValue) Reasons() []string {
	a := make([]string, 0, len(v.reasons))
	for reason := range v.reasons {
		a = append(a, reason)
	}
	sort.Strings(a)
	return a
}

// String returns a string representation of the value.
func (v *VersionedValue) String() string {
	var buf bytes.Buffer
	name := "<unnamed>"
	if v.value != nil {
		name = v.value.Name()
	}
	fmt.Fprintf(&buf, "(value %s %s", name, v.expr)
	if v.core {
		buf.WriteString(" core")
	}
	for _, loc := range v.locations {
		fmt.Fprintf(&buf, " %s", loc)
	}
	buf.WriteString(")")
	return buf.String()
}

// StoredValue is the processed form of a versioned value held in a
// subsumption table entry or compared against one. For pointer values
// it carries, per allocation site, the offset bounds forming the
// weakest precondition of the path's memory checks and the offsets of
// the value itself to be checked against an entry's bounds.
type StoredValue struct {
	expr Expr

	allocationBounds  map[ssa.Value][]Expr
	allocationOffsets map[ssa.Value][]Expr

	value ssa.Value

	// doNotUseBound disables bound-based subsumption for this value.
	doNotUseBound bool

	reasons []string
}

// NewStoredValue returns the snapshot of vv without shadow renaming.
// Used when reading the current state's store for a subsumption check.
func NewStoredValue(vv *VersionedValue) *StoredValue {
	return newStoredValue(vv, nil, nil)
}

// NewShadowedStoredValue returns the snapshot of vv with its expression
// and offsets rewritten over shadow arrays, accumulating the shadows
// into replacements. Used when constructing a table entry.
func NewShadowedStoredValue(vv *VersionedValue, registry *ShadowRegistry, replacements *[]*Array) *StoredValue {
	return newStoredValue(vv, registry, replacements)
}

func newStoredValue(vv *VersionedValue, registry *ShadowRegistry, replacements *[]*Array) *StoredValue {
	sv := &StoredValue{
		expr:              vv.expr,
		allocationBounds:  make(map[ssa.Value][]Expr),
		allocationOffsets: make(map[ssa.Value][]Expr),
		value:             vv.value,
		doNotUseBound:     !vv.interpolableBound,
		reasons:           vv.Reasons(),
	}
	if registry != nil {
		sv.expr = registry.ShadowExpression(sv.expr, replacements)
	}

	for _, loc := range vv.locations {
		site := loc.Site()
		for _, bound := range loc.Bounds() {
			if registry != nil {
				bound = registry.ShadowExpression(bound, replacements)
			}
			sv.allocationBounds[site] = appendUniqueExpr(sv.allocationBounds[site], bound)
		}
		offset := loc.Offset()
		if registry != nil {
			offset = registry.ShadowExpression(offset, replacements)
		}
		sv.allocationOffsets[site] = appendUniqueExpr(sv.allocationOffsets[site], offset)
	}
	return sv
}

func appendUniqueExpr(a []Expr, expr Expr) []Expr {
	for _, existing := range a {
		if CompareExpr(existing, expr) == 0 {
			return a
		}
	}
	return append(a, expr)
}

// Expression returns the snapshot expression of the value.
func (sv *StoredValue) Expression() Expr { return sv.expr }

// Value returns the underlying SSA value.
func (sv *StoredValue) Value() ssa.Value { return sv.value }

// IsPointer returns true if the stored value carries allocation bounds.
func (sv *StoredValue) IsPointer() bool { return len(sv.allocationBounds) > 0 }

// UseBound returns true if bound-based subsumption may be used.
func (sv *StoredValue) UseBound() bool { return !sv.doNotUseBound }

// Bounds returns the offset bounds recorded for an allocation site.
func (sv *StoredValue) Bounds(site ssa.Value) []Expr { return sv.allocationBounds[site] }

// Offsets returns the offsets recorded for an allocation site.
func (sv *StoredValue) Offsets(site ssa.Value) []Expr { return sv.allocationOffsets[site] }

// Reasons returns the core reasons recorded for the value.
func (sv *StoredValue) Reasons() []string { return sv.reasons }

// BoundsCheck returns the condition under which every offset of the
// state value remains within the bounds recorded in sv: the
// conjunction of offset < bound over the shared allocation sites.
// Returns constant false if the state does not constrain a site that
// sv bounds.
func (sv *StoredValue) BoundsCheck(state *StoredValue) Expr {
	var cond Expr = NewBoolConstantExpr(true)
	for site, bounds := range sv.allocationBounds {
		offsets := state.allocationOffsets[site]
		if len(offsets) == 0 {
			return NewBoolConstantExpr(false)
		}
		for _, bound := range bounds {
			for _, offset := range offsets {
				check := NewBinaryExpr(ULT, NewCastExpr(offset, Width64, false), NewCastExpr(bound, Width64, false))
				if IsConstantFalse(check) {
					return check
				}
				cond = NewBinaryExpr(AND, cond, check)
			}
		}
	}
	return cond
}

// String returns a string representation of the stored value.
func (sv *StoredValue) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "(stored %s", sv.expr)
	if sv.IsPointer() {
		buf.WriteString(" pointer")
	}
	buf.WriteString(")")
	return buf.String()
}
