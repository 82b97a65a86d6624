package itree

import (
	"bytes"
	"fmt"
	"log"
	"time"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/tools/go/ssa"
)

// ITree is the interpolation tree: the shadow of the executor's path
// tree together with the subsumption table indexed by program point.
// The executor drives it one instruction at a time through the
// Execute* forwarding methods, splits it at branches, and removes
// nodes post-order as paths terminate. Removal of an unsubsumed node
// generalizes it into a subsumption table entry.
//
// All operations apply to the single current node; the tree is not
// safe for concurrent use.
type ITree struct {
	root    *ITreeNode
	current *ITreeNode

	// Entries indexed by program point, in insertion order. The first
	// matching entry wins.
	subsumptionTable map[uint64][]*SubsumptionTableEntry

	// Mapping of executor states to their tree nodes.
	nodes map[ExecutionState]*ITreeNode

	registry *ShadowRegistry
	target   *TargetData
	graph    *SearchTree
	stats    *Stats
	opts     Options

	nodeSeq uint64
}

// NewITree returns a tree rooted at the node of the given initial state.
func NewITree(state ExecutionState, target *TargetData, opts Options) *ITree {
	t := &ITree{
		subsumptionTable: make(map[uint64][]*SubsumptionTableEntry),
		nodes:            make(map[ExecutionState]*ITreeNode),
		registry:         NewShadowRegistry(),
		target:           target,
		stats:            &Stats{},
		opts:             opts,
	}
	t.root = newITreeNode(nil, target, t.registry, nil, t.stats)
	if opts.OutputTree {
		t.graph = NewSearchTree(t.root)
		t.root.graph = t.graph
	}
	t.current = t.root
	t.nodes[state] = t.root
	return t
}

// Root returns the root node of the tree.
func (t *ITree) Root() *ITreeNode { return t.root }

// Current returns the current node of the tree.
func (t *ITree) Current() *ITreeNode { return t.current }

// Stats returns the method timing and solver counters of the tree.
func (t *ITree) Stats() *Stats { return t.stats }

// Registry returns the shadow array registry of the tree.
func (t *ITree) Registry() *ShadowRegistry { return t.registry }

// NodeOf returns the tree node of an executor state, nil if unknown.
func (t *ITree) NodeOf(state ExecutionState) *ITreeNode { return t.nodes[state] }

// Entries returns the subsumption table entries at a program point, in
// insertion order.
func (t *ITree) Entries(programPoint uint64) []*SubsumptionTableEntry {
	return t.subsumptionTable[programPoint]
}

// Store appends an entry to the table under its program point.
func (t *ITree) Store(entry *SubsumptionTableEntry) {
	t.subsumptionTable[entry.ProgramPoint()] = append(t.subsumptionTable[entry.ProgramPoint()], entry)
}

// SetCurrentNode makes the node of state current and assigns it the
// program point and a node id if it has none yet.
func (t *ITree) SetCurrentNode(state ExecutionState, programPoint uint64) {
	t.stats.SetCurrentNodeTime.Start()
	defer t.stats.SetCurrentNodeTime.End()

	node := t.nodes[state]
	assert(node != nil, "state has no tree node")
	t.current = node
	if node.id == 0 {
		t.nodeSeq++
		node.id = t.nodeSeq
	}
	node.setNodeLocation(programPoint)
	t.graph.SetCurrentNode(node, state.Instr())
}

// Split creates the children of the node of parentState and associates
// them with the left (false-branch) and right (true-branch) states.
func (t *ITree) Split(parentState, leftState, rightState ExecutionState) (left, right *ITreeNode) {
	parent := t.nodes[parentState]
	assert(parent != nil, "parent state has no tree node")
	left, right = parent.split(t.target)
	t.nodes[leftState] = left
	t.nodes[rightState] = right
	t.graph.AddChildren(parent, left, right)
	return left, right
}

// AddConstraint records a branch constraint on the node of state,
// owned by the versioned value of the branch condition.
func (t *ITree) AddConstraint(state ExecutionState, constraint Expr, condition ssa.Value) {
	node := t.nodes[state]
	assert(node != nil, "state has no tree node")
	node.AddConstraint(constraint, condition)
}

// Remove deletes a fully-explored leaf node, tabling it as a
// subsumption entry unless it was subsumed, and continues up the tree
// while parents run out of children. Removal is strictly post-order:
// both children must already be gone.
func (t *ITree) Remove(node *ITreeNode) {
	t.stats.RemoveTime.Start()
	defer t.stats.RemoveTime.End()

	assert(node.left == nil && node.right == nil, "cannot remove inner node")
	for node != nil && node.left == nil && node.right == nil {
		p := node.parent

		// The node is about to be deleted, so it has been completely
		// traversed: the right time to table the interpolant.
		if !node.isSubsumed {
			entry := NewSubsumptionTableEntry(node)
			t.Store(entry)
			t.graph.AddTableEntryMapping(node, entry)
		}

		for state, n := range t.nodes {
			if n == node {
				delete(t.nodes, state)
			}
		}
		if p != nil {
			if node == p.left {
				p.left = nil
			} else {
				assert(node == p.right, "node is not a child of its parent")
				p.right = nil
			}
		}
		node.parent = nil
		node = p
	}
}

// CheckCurrentStateSubsumption tries the table entries at the current
// program point in insertion order and reports whether any subsumes
// the state. On success the current node is marked subsumed and will
// not be tabled.
func (t *ITree) CheckCurrentStateSubsumption(solver Solver, state ExecutionState, timeout time.Duration) bool {
	t.stats.CheckCurrentStateSubsumptionTime.Start()
	defer t.stats.CheckCurrentStateSubsumptionTime.End()

	node := t.nodes[state]
	assert(node == t.current, "subsumption check on a non-current state")

	for _, entry := range t.subsumptionTable[node.ProgramPoint()] {
		if entry.Subsumed(solver, state, node, timeout) {
			// The table already contains a more general entry, so the
			// node is not stored on removal.
			node.isSubsumed = true
			t.graph.MarkAsSubsumed(node, entry)
			if t.opts.DebugSubsumption > 0 {
				log.Printf("[subsume] node %d subsumed at program point %d", node.ID(), node.ProgramPoint())
			}
			return true
		}
	}
	return false
}

// MarkPathCondition marks, on an infeasible branch, the constraints of
// the solver's unsatisfiability core as interpolant constraints of the
// current node, together with the flow of the branch condition.
func (t *ITree) MarkPathCondition(state ExecutionState, solver Solver) {
	t.stats.MarkPathConditionTime.Start()
	defer t.stats.MarkPathConditionTime.End()

	unsatCore := solver.UnsatCore()

	if binst, ok := state.Instr().(*ssa.If); ok {
		t.current.dependency.MarkAllValues(binst.Cond, "branch infeasibility "+positionString(binst))
	}

	// The core is ordered oldest-first and the path condition list
	// newest-first; walk the core backwards against one pass of the
	// list. A core constraint missing from the path condition is
	// skipped: constraints are not properly added at state merge.
	pc := t.current.pathCondition
	if pc == nil {
		return
	}
	for i := len(unsatCore) - 1; i >= 0 && pc != nil; i-- {
		for pc != nil {
			if CompareExpr(pc.Car(), unsatCore[i]) == 0 {
				pc.IncludeInInterpolant()
				t.graph.IncludeInInterpolant(pc)
				pc = pc.Cdr()
				break
			}
			pc = pc.Cdr()
		}
	}
}

// ExecuteAbstractDependency transfers one instruction through the
// current node's dependency tracker.
func (t *ITree) ExecuteAbstractDependency(instr ssa.Instruction, callHistory []ssa.Instruction, args []Expr) {
	t.stats.ExecuteTime.Start()
	defer t.stats.ExecuteTime.End()
	t.current.dependency.Execute(instr, callHistory, args)
}

// ExecuteMemoryOperation transfers a load or store through the current
// node, marking the address flow when the bounds check passed.
func (t *ITree) ExecuteMemoryOperation(instr ssa.Instruction, callHistory []ssa.Instruction, args []Expr, boundsCheckPassed bool) {
	t.stats.ExecuteMemoryOperationTime.Start()
	defer t.stats.ExecuteMemoryOperationTime.End()
	t.current.dependency.ExecuteMemoryOperation(instr, callHistory, args, boundsCheckPassed)
}

// ExecutePHI transfers a phi instruction through the current node
// using the incoming block the execution arrived from.
func (t *ITree) ExecutePHI(instr *ssa.Phi, incomingBlock int, callHistory []ssa.Instruction, valueExpr Expr) {
	t.stats.ExecutePHITime.Start()
	defer t.stats.ExecutePHITime.End()
	t.current.dependency.ExecutePHI(instr, incomingBlock, callHistory, valueExpr)
}

// ExecuteExternalCall transfers a call to a body-less function through
// the current node.
func (t *ITree) ExecuteExternalCall(instr ssa.CallInstruction, callHistory []ssa.Instruction, args []Expr) {
	t.stats.ExecuteTime.Start()
	defer t.stats.ExecuteTime.End()
	t.current.dependency.ExecuteExternalCall(instr, callHistory, args)
}

// BindCallArguments records the arguments of a call on the current
// node and pushes the callee frame.
func (t *ITree) BindCallArguments(site ssa.CallInstruction, callHistory []ssa.Instruction, args []Expr) {
	t.stats.BindCallArgumentsTime.Start()
	defer t.stats.BindCallArgumentsTime.End()
	t.current.dependency.BindCallArguments(site, callHistory, args)
}

// BindReturnValue pops the callee frame of the current node and flows
// the returned value into the call site.
func (t *ITree) BindReturnValue(site ssa.CallInstruction, callHistory []ssa.Instruction, ret *ssa.Return, returnExpr Expr) {
	t.stats.BindReturnValueTime.Start()
	defer t.stats.BindReturnValueTime.End()
	t.current.dependency.BindReturnValue(site, callHistory, ret, returnExpr)
}

// SaveGraph renders the recorded search tree as a DOT file. No-op
// unless the tree was created with OutputTree.
func (t *ITree) SaveGraph(path string) error {
	return t.graph.Save(path)
}

// DumpTimeStat logs the method running time statistics. No-op unless
// the tree was created with TimeStat.
func (t *ITree) DumpTimeStat() {
	if !t.opts.TimeStat {
		return
	}
	log.Printf("[itree] %s", t.stats.Dump())
}

// Dump returns the tree structure and subsumption table as a string.
func (t *ITree) Dump() string {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "------------------------- ITree Structure ---------------------------")
	t.printNode(&buf, t.root, "")
	fmt.Fprintln(&buf, "\n------------------------- Subsumption Table -------------------------")
	for _, entries := range t.subsumptionTable {
		for _, entry := range entries {
			fmt.Fprint(&buf, entry.Dump())
		}
	}
	return buf.String()
}

// DumpState returns a verbose dump of the current node for debugging.
func (t *ITree) DumpState() string {
	return spew.Sdump(t.current.pathCondition) + t.current.dependency.Dump()
}

func (t *ITree) printNode(buf *bytes.Buffer, n *ITreeNode, edges string) {
	fmt.Fprintf(buf, "%d", n.id)
	if n == t.current {
		fmt.Fprint(buf, " (active)")
	}
	if n.left != nil {
		fmt.Fprintf(buf, "\n%s+-- L:", edges)
		if n.right != nil {
			t.printNode(buf, n.left, edges+"|   ")
		} else {
			t.printNode(buf, n.left, edges+"    ")
		}
	}
	if n.right != nil {
		fmt.Fprintf(buf, "\n%s+-- R:", edges)
		t.printNode(buf, n.right, edges+"    ")
	}
}
