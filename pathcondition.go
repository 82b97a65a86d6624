package itree

import (
	"bytes"
	"fmt"

	"golang.org/x/tools/go/ssa"
)

// PathCondition is one constraint on the path from the root to a tree
// node. Conditions form a linked list growing by prepending; a child
// node shares its parent's list up to the split point.
type PathCondition struct {
	// The raw constraint as sent by the executor.
	constraint Expr

	// The constraint with arrays replaced by their shadows. Generated
	// on demand, only when the constraint is required in an interpolant.
	shadowConstraint Expr
	shadowed         bool

	// The dependency tracker of the owning tree node.
	dependency *Dependency

	// The versioned value the constraint was generated from.
	condition *VersionedValue

	// When true the constraint is part of the interpolant.
	inInterpolant bool

	tail *PathCondition
}

// NewPathCondition prepends a constraint owned by the versioned value
// of condition to prev.
func NewPathCondition(constraint Expr, dependency *Dependency, condition ssa.Value, prev *PathCondition) *PathCondition {
	pc := &PathCondition{
		constraint:       constraint,
		shadowConstraint: constraint,
		dependency:       dependency,
		tail:             prev,
	}
	if dependency != nil && condition != nil {
		pc.condition = dependency.GetLatestValue(condition, true)
	}
	return pc
}

// Car returns the constraint of the head node.
func (pc *PathCondition) Car() Expr { return pc.constraint }

// Cdr returns the rest of the list.
func (pc *PathCondition) Cdr() *PathCondition { return pc.tail }

// CarInInterpolant returns true if the head constraint is in the interpolant.
func (pc *PathCondition) CarInInterpolant() bool { return pc.inInterpolant }

// IncludeInInterpolant marks the head constraint as part of the
// interpolant and marks all values its condition depends on as core.
func (pc *PathCondition) IncludeInInterpolant() {
	if pc.condition != nil {
		pc.dependency.MarkFlow(pc.condition, "interpolant constraint")
	}
	pc.inInterpolant = true
}

// PackInterpolant folds every constraint marked as in the interpolant
// into a conjunction of their shadow-renamed forms, generating shadows
// lazily and accumulating the shadow arrays into replacements.
// Returns nil when no constraint is marked.
func (pc *PathCondition) PackInterpolant(registry *ShadowRegistry, replacements *[]*Array) Expr {
	var res Expr
	for it := pc; it != nil; it = it.tail {
		if !it.inInterpolant {
			continue
		}
		if !it.shadowed {
			it.shadowConstraint = registry.ShadowExpression(it.constraint, replacements)
			it.shadowed = true
		} else {
			// Shadows already generated; still account for the arrays.
			for _, a := range FindArrays(it.shadowConstraint) {
				if a.Shadow {
					registry.collect(a, replacements)
				}
			}
		}
		if res != nil {
			res = NewBinaryExpr(AND, res, it.shadowConstraint)
		} else {
			res = it.shadowConstraint
		}
	}
	return res
}

// Len returns the length of the list.
func (pc *PathCondition) Len() int {
	n := 0
	for it := pc; it != nil; it = it.tail {
		n++
	}
	return n
}

// String returns a string representation of the list.
func (pc *PathCondition) String() string {
	var buf bytes.Buffer
	buf.WriteString("[")
	for it := pc; it != nil; it = it.tail {
		fmt.Fprintf(&buf, "%s: ", it.constraint)
		if it.inInterpolant {
			buf.WriteString("interpolant constraint")
		} else {
			buf.WriteString("non-interpolant constraint")
		}
		if it.tail != nil {
			buf.WriteString(",")
		}
	}
	buf.WriteString("]")
	return buf.String()
}

// PathConditionMarker defers the inclusion of a constraint in the
// interpolant until a subsumption check has succeeded: the solver's
// unsatisfiability core first marks candidates, and the candidates are
// promoted only on success.
type PathConditionMarker struct {
	mayBeInInterpolant bool
	pathCondition      *PathCondition
}

// NewPathConditionMarker returns a marker for pc.
func NewPathConditionMarker(pc *PathCondition) *PathConditionMarker {
	return &PathConditionMarker{pathCondition: pc}
}

// MayIncludeInInterpolant records that the constraint appeared in an
// unsatisfiability core.
func (m *PathConditionMarker) MayIncludeInInterpolant() {
	m.mayBeInInterpolant = true
}

// IncludeInInterpolant promotes a recorded candidate into the interpolant.
func (m *PathConditionMarker) IncludeInInterpolant() {
	if m.mayBeInInterpolant {
		m.pathCondition.IncludeInInterpolant()
	}
}

// MarkerMap indexes path-condition markers by constraint expression,
// using structural comparison. For a disjunctive constraint each
// disjunct maps to the marker as well, because the solver reports the
// disjuncts of merged states separately.
type MarkerMap struct {
	keys    []Expr
	markers []*PathConditionMarker
}

// Set registers marker under expr, keeping the first registration.
func (m *MarkerMap) Set(expr Expr, marker *PathConditionMarker) {
	if m.Get(expr) != nil {
		return
	}
	m.keys = append(m.keys, expr)
	m.markers = append(m.markers, marker)
}

// Get returns the marker registered under expr or nil.
func (m *MarkerMap) Get(expr Expr) *PathConditionMarker {
	for i, key := range m.keys {
		if CompareExpr(key, expr) == 0 {
			return m.markers[i]
		}
	}
	return nil
}

// Markers returns all registered markers.
func (m *MarkerMap) Markers() []*PathConditionMarker {
	return m.markers
}
