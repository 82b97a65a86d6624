package itree

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/tools/go/ssa"
)

// ITreeNode is one node of the interpolation tree, shadowing one node
// of the executor's path tree. It owns a dependency tracker and shares
// its path condition list with its parent up to the split point.
type ITreeNode struct {
	parent, left, right *ITreeNode

	pathCondition *PathCondition
	dependency    *Dependency

	// Shadow registry of the owning tree.
	registry *ShadowRegistry

	// Graph recorder of the owning tree; nil unless enabled.
	graph *SearchTree

	stats *Stats

	// id is assigned lazily on the first SetCurrentNode.
	id uint64

	// programPoint labels the node for subsumption table indexing;
	// conventionally the first instruction of a basic block.
	programPoint uint64

	isSubsumed bool
}

// newITreeNode returns a node inheriting parent's path condition and
// dependency state.
func newITreeNode(parent *ITreeNode, target *TargetData, registry *ShadowRegistry, graph *SearchTree, stats *Stats) *ITreeNode {
	n := &ITreeNode{
		parent:   parent,
		registry: registry,
		graph:    graph,
		stats:    stats,
	}
	if parent != nil {
		n.pathCondition = parent.pathCondition
		n.dependency = NewDependency(parent.dependency, target)
	} else {
		n.dependency = NewDependency(nil, target)
	}
	return n
}

// Parent returns the parent node, or nil for the root.
func (n *ITreeNode) Parent() *ITreeNode { return n.parent }

// Left returns the false-branch child.
func (n *ITreeNode) Left() *ITreeNode { return n.left }

// Right returns the true-branch child.
func (n *ITreeNode) Right() *ITreeNode { return n.right }

// ID returns the node id, zero until the node becomes current.
func (n *ITreeNode) ID() uint64 { return n.id }

// ProgramPoint returns the program point of the node, zero if unset.
func (n *ITreeNode) ProgramPoint() uint64 { return n.programPoint }

// IsSubsumed returns true once the node has been subsumed by a table entry.
func (n *ITreeNode) IsSubsumed() bool { return n.isSubsumed }

// PathCondition returns the head of the node's path condition list.
func (n *ITreeNode) PathCondition() *PathCondition { return n.pathCondition }

// Dependency returns the node's dependency tracker.
func (n *ITreeNode) Dependency() *Dependency { return n.dependency }

// setNodeLocation assigns the program point on first use.
func (n *ITreeNode) setNodeLocation(programPoint uint64) {
	if n.programPoint == 0 {
		n.programPoint = programPoint
	}
}

// AddConstraint prepends a constraint owned by the versioned value of
// condition to the node's path condition.
func (n *ITreeNode) AddConstraint(constraint Expr, condition ssa.Value) {
	n.stats.AddConstraintTime.Start()
	defer n.stats.AddConstraintTime.End()

	n.pathCondition = NewPathCondition(constraint, n.dependency, condition, n.pathCondition)
	n.graph.AddPathCondition(n, n.pathCondition, constraint)
}

// split creates the two children of the node. Panics if the node has
// already split.
func (n *ITreeNode) split(target *TargetData) (left, right *ITreeNode) {
	n.stats.SplitTime.Start()
	defer n.stats.SplitTime.End()

	assert(n.left == nil && n.right == nil, "node already split")
	n.left = newITreeNode(n, target, n.registry, n.graph, n.stats)
	n.right = newITreeNode(n, target, n.registry, n.graph, n.stats)
	return n.left, n.right
}

// GetInterpolant returns the conjunction of the node's interpolant
// constraints in shadow form, accumulating the shadow arrays into
// replacements. Returns nil when no constraint is in the interpolant.
func (n *ITreeNode) GetInterpolant(replacements *[]*Array) Expr {
	n.stats.GetInterpolantTime.Start()
	defer n.stats.GetInterpolantTime.End()

	if n.pathCondition == nil {
		return nil
	}
	return n.pathCondition.PackInterpolant(n.registry, replacements)
}

// MakeMarkerMap builds the mapping from each path-condition constraint
// to its marker. Disjunctive constraints additionally map their two
// disjuncts to the same marker: the disjunction was due to a state
// merge and the solver reports its components separately.
func (n *ITreeNode) MakeMarkerMap() *MarkerMap {
	n.stats.MakeMarkerMapTime.Start()
	defer n.stats.MakeMarkerMapTime.End()

	m := &MarkerMap{}
	for it := n.pathCondition; it != nil; it = it.Cdr() {
		marker := NewPathConditionMarker(it)
		if or, ok := it.Car().(*BinaryExpr); ok && or.Op == OR {
			m.Set(or.LHS, marker)
			m.Set(or.RHS, marker)
		}
		m.Set(it.Car(), marker)
	}
	return m
}

// storedExpressions reads the store summary of the node. Because a
// program point is the first instruction of a basic block, the store
// to be recorded in or compared against the subsumption table is the
// one of the parent node.
func (n *ITreeNode) storedExpressions(replacements *[]*Array, coreOnly bool) (ConcreteStore, SymbolicStore) {
	n.stats.StoredExpressionsTime.Start()
	defer n.stats.StoredExpressionsTime.End()

	if n.parent == nil {
		return make(ConcreteStore), make(SymbolicStore)
	}
	d := n.parent.dependency
	var registry *ShadowRegistry
	if coreOnly {
		registry = n.registry
	}
	return d.StoredExpressions(d.CallHistory(), registry, replacements, coreOnly)
}

// LatestCoreExpressions returns the singleton portion of the state's
// store: allocation sites holding exactly one concretely-addressed
// value. Used as the state side of a subsumption check, unshadowed.
func (n *ITreeNode) LatestCoreExpressions() map[ssa.Value]*StoredValue {
	concrete, symbolic := n.storedExpressions(nil, false)
	singleton, _ := splitStore(concrete, symbolic)
	return singleton
}

// CompositeCoreExpressions returns the composite portion of the
// state's store: sites with several possible values. Used as the state
// side of a subsumption check, unshadowed.
func (n *ITreeNode) CompositeCoreExpressions() map[ssa.Value][]*StoredValue {
	concrete, symbolic := n.storedExpressions(nil, false)
	_, composite := splitStore(concrete, symbolic)
	return composite
}

// LatestInterpolantCoreExpressions returns the singleton store
// restricted to core values, shadow-renamed for storage in a table
// entry.
func (n *ITreeNode) LatestInterpolantCoreExpressions(replacements *[]*Array) map[ssa.Value]*StoredValue {
	concrete, symbolic := n.storedExpressions(replacements, true)
	singleton, _ := splitStore(concrete, symbolic)
	return singleton
}

// CompositeInterpolantCoreExpressions returns the composite store
// restricted to core values, shadow-renamed for storage in a table
// entry.
func (n *ITreeNode) CompositeInterpolantCoreExpressions(replacements *[]*Array) map[ssa.Value][]*StoredValue {
	concrete, symbolic := n.storedExpressions(replacements, true)
	_, composite := splitStore(concrete, symbolic)
	return composite
}

// splitStore derives the singleton/composite views of a store summary:
// a site with exactly one concretely-addressed entry and no symbolic
// entries is a singleton; every other site is composite.
func splitStore(concrete ConcreteStore, symbolic SymbolicStore) (map[ssa.Value]*StoredValue, map[ssa.Value][]*StoredValue) {
	singleton := make(map[ssa.Value]*StoredValue)
	composite := make(map[ssa.Value][]*StoredValue)

	for site, m := range concrete {
		if m.Len() == 1 && len(symbolic[site]) == 0 {
			itr := m.Iterator()
			_, v := itr.Next()
			singleton[site] = v.(*StoredValue)
			continue
		}
		itr := m.Iterator()
		for !itr.Done() {
			_, v := itr.Next()
			composite[site] = append(composite[site], v.(*StoredValue))
		}
	}
	for site, pairs := range symbolic {
		if _, ok := singleton[site]; ok {
			continue
		}
		for _, pair := range pairs {
			composite[site] = append(composite[site], pair.Value)
		}
	}
	return singleton, composite
}

// Dump returns the node and its subtree as a string.
func (n *ITreeNode) Dump() string {
	var buf bytes.Buffer
	n.print(&buf, 0)
	return buf.String()
}

func (n *ITreeNode) print(buf *bytes.Buffer, depth int) {
	tabs := strings.Repeat("\t", depth)
	fmt.Fprintf(buf, "%sITreeNode\n", tabs)
	fmt.Fprintf(buf, "%s\tnode id = %d, program point = %d\n", tabs, n.id, n.programPoint)
	if n.pathCondition == nil {
		fmt.Fprintf(buf, "%s\tpathCondition = NULL\n", tabs)
	} else {
		fmt.Fprintf(buf, "%s\tpathCondition = %s\n", tabs, n.pathCondition)
	}
	if n.left != nil {
		fmt.Fprintf(buf, "%s\tLeft:\n", tabs)
		n.left.print(buf, depth+1)
	}
	if n.right != nil {
		fmt.Fprintf(buf, "%s\tRight:\n", tabs)
		n.right.print(buf, depth+1)
	}
}
