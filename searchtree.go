package itree

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"sort"
	"strings"

	"golang.org/x/tools/go/ssa"
)

// SearchTree records the shape of the interpolation tree for rendering
// as a Graphviz DOT file: one record-shaped node per tree node with
// its program point and path constraints, F/T child ports, and dashed
// edges from subsumed nodes to the subsuming entries.
//
// All methods are safe on a nil receiver so recording can be compiled
// out by simply not constructing the tree.
type SearchTree struct {
	nextNodeID uint64

	root *searchTreeNode

	nodeMap          map[*ITreeNode]*searchTreeNode
	tableEntryMap    map[*SubsumptionTableEntry]*searchTreeNode
	pathConditionMap map[*PathCondition]*searchTreeNode
	subsumptionEdges []subsumptionEdge
}

type subsumptionEdge struct {
	from, to *searchTreeNode
}

type searchTreeNode struct {
	// The display id, in visit order; zero until visited.
	id uint64

	// The interpolation tree node's program point.
	iTreeNodeID uint64

	falseTarget, trueTarget *searchTreeNode

	subsumed bool

	name string

	// Path conditions of the node, in recording order, with their
	// rendered text and interpolant flag.
	pathConditions []*PathCondition
	conditionText  map[*PathCondition]string
	conditionITP   map[*PathCondition]bool
}

func newSearchTreeNode() *searchTreeNode {
	return &searchTreeNode{
		conditionText: make(map[*PathCondition]string),
		conditionITP:  make(map[*PathCondition]bool),
	}
}

// NewSearchTree returns a recorder rooted at the given tree node.
func NewSearchTree(root *ITreeNode) *SearchTree {
	g := &SearchTree{
		nodeMap:          make(map[*ITreeNode]*searchTreeNode),
		tableEntryMap:    make(map[*SubsumptionTableEntry]*searchTreeNode),
		pathConditionMap: make(map[*PathCondition]*searchTreeNode),
	}
	g.root = newSearchTreeNode()
	g.nodeMap[root] = g.root
	return g
}

// AddChildren records the split of parent into a false child and a
// true child.
func (g *SearchTree) AddChildren(parent, falseChild, trueChild *ITreeNode) {
	if g == nil {
		return
	}
	parentNode := g.nodeMap[parent]
	if parentNode == nil {
		return
	}
	parentNode.falseTarget = newSearchTreeNode()
	parentNode.trueTarget = newSearchTreeNode()
	g.nodeMap[falseChild] = parentNode.falseTarget
	g.nodeMap[trueChild] = parentNode.trueTarget
}

// SetCurrentNode names a node on its first visit after the program
// point and instruction the executor stopped at.
func (g *SearchTree) SetCurrentNode(node *ITreeNode, instr ssa.Instruction) {
	if g == nil {
		return
	}
	n := g.nodeMap[node]
	if n == nil || n.id != 0 {
		return
	}
	if instr != nil {
		if fn := instr.Parent(); fn != nil {
			n.name = fn.Name() + "\\l" + instr.String()
		} else {
			n.name = instr.String()
		}
	}
	n.iTreeNodeID = node.ProgramPoint()
	g.nextNodeID++
	n.id = g.nextNodeID
}

// MarkAsSubsumed records a dashed subsumption edge from the node to
// the node that produced the subsuming entry.
func (g *SearchTree) MarkAsSubsumed(node *ITreeNode, entry *SubsumptionTableEntry) {
	if g == nil {
		return
	}
	n := g.nodeMap[node]
	if n == nil {
		return
	}
	n.subsumed = true
	if subsuming := g.tableEntryMap[entry]; subsuming != nil {
		g.subsumptionEdges = append(g.subsumptionEdges, subsumptionEdge{from: n, to: subsuming})
	}
}

// AddPathCondition records a constraint added to a node.
func (g *SearchTree) AddPathCondition(node *ITreeNode, pc *PathCondition, condition Expr) {
	if g == nil {
		return
	}
	n := g.nodeMap[node]
	if n == nil {
		return
	}
	n.pathConditions = append(n.pathConditions, pc)
	n.conditionText[pc] = prettyExpr(condition)
	n.conditionITP[pc] = false
	g.pathConditionMap[pc] = n
}

// AddTableEntryMapping records which node an entry was generalized from.
func (g *SearchTree) AddTableEntryMapping(node *ITreeNode, entry *SubsumptionTableEntry) {
	if g == nil {
		return
	}
	if n := g.nodeMap[node]; n != nil {
		g.tableEntryMap[entry] = n
	}
}

// IncludeInInterpolant tags a recorded constraint as interpolant.
func (g *SearchTree) IncludeInInterpolant(pc *PathCondition) {
	if g == nil {
		return
	}
	if n := g.pathConditionMap[pc]; n != nil {
		n.conditionITP[pc] = true
	}
}

// Save renders the recorded tree and writes it to path. No-op on a nil
// receiver.
func (g *SearchTree) Save(path string) error {
	if g == nil {
		return nil
	}
	return ioutil.WriteFile(path, []byte(g.Render()), 0644)
}

// Render returns the DOT representation of the recorded tree.
func (g *SearchTree) Render() string {
	if g == nil || g.root == nil {
		return ""
	}
	var buf bytes.Buffer
	buf.WriteString("digraph search_tree {\n")
	g.recurseRender(&buf, g.root)
	for _, edge := range g.subsumptionEdges {
		fmt.Fprintf(&buf, "Node%d -> Node%d [style=dashed];\n", edge.from.id, edge.to.id)
	}
	buf.WriteString("}\n")
	return buf.String()
}

func (g *SearchTree) recurseRender(buf *bytes.Buffer, node *searchTreeNode) {
	fmt.Fprintf(buf, "Node%d [shape=record,label=\"{%d: %s\\l", node.id, node.id, node.name)
	for _, pc := range node.pathConditions {
		buf.WriteString(node.conditionText[pc])
		if node.conditionITP[pc] {
			buf.WriteString(" ITP")
		}
		buf.WriteString("\\l")
	}
	if node.subsumed {
		buf.WriteString("(subsumed)\\l")
	}
	if node.falseTarget != nil || node.trueTarget != nil {
		buf.WriteString("|{<s0>F|<s1>T}")
	}
	buf.WriteString("}\"];\n")

	if node.falseTarget != nil {
		fmt.Fprintf(buf, "Node%d:s0 -> Node%d;\n", node.id, node.falseTarget.id)
	}
	if node.trueTarget != nil {
		fmt.Fprintf(buf, "Node%d:s1 -> Node%d;\n", node.id, node.trueTarget.id)
	}
	if node.falseTarget != nil {
		g.recurseRender(buf, node.falseTarget)
	}
	if node.trueTarget != nil {
		g.recurseRender(buf, node.trueTarget)
	}
}

// prettyExpr renders an expression in infix form with DOT-escaped
// ASCII operators.
func prettyExpr(expr Expr) string {
	switch expr := expr.(type) {
	case nil:
		return ""
	case *ConstantExpr:
		if expr.Width == WidthBool {
			if expr.IsTrue() {
				return "true"
			}
			return "false"
		}
		return fmt.Sprintf("%d", expr.Value)
	case *NotOptimizedExpr:
		return prettyExpr(expr.Src)
	case *SelectExpr:
		return fmt.Sprintf("%s[%s]", expr.Array.Name(), prettyExpr(expr.Index))
	case *ConcatExpr:
		return fmt.Sprintf("(%s . %s)", prettyExpr(expr.MSB), prettyExpr(expr.LSB))
	case *ExtractExpr:
		return fmt.Sprintf("%s[%d:%d]", prettyExpr(expr.Expr), expr.Offset, expr.Offset+expr.Width-1)
	case *NotExpr:
		return fmt.Sprintf("!%s", prettyExpr(expr.Expr))
	case *CastExpr:
		if expr.Signed {
			return fmt.Sprintf("sext(%s,%d)", prettyExpr(expr.Src), expr.Width)
		}
		return fmt.Sprintf("zext(%s,%d)", prettyExpr(expr.Src), expr.Width)
	case *ExistsExpr:
		names := make([]string, len(expr.Vars))
		for i, a := range expr.Vars {
			names[i] = a.Name()
		}
		sort.Strings(names)
		return fmt.Sprintf("exists %s. %s", strings.Join(names, ","), prettyExpr(expr.Body))
	case *BinaryExpr:
		return fmt.Sprintf("(%s %s %s)", prettyExpr(expr.LHS), prettyBinaryOp(expr.Op), prettyExpr(expr.RHS))
	default:
		return dotEscape(expr.String())
	}
}

// prettyBinaryOp renders an operator as DOT-escaped ASCII.
func prettyBinaryOp(op BinaryOp) string {
	switch op {
	case ADD:
		return "+"
	case SUB:
		return "-"
	case MUL:
		return "*"
	case UDIV, SDIV:
		return "/"
	case UREM, SREM:
		return "%"
	case AND:
		return "&"
	case OR:
		return "\\|"
	case XOR:
		return "^"
	case SHL:
		return "\\<\\<"
	case LSHR, ASHR:
		return "\\>\\>"
	case EQ:
		return "="
	case NE:
		return "!="
	case ULT, SLT:
		return "\\<"
	case ULE, SLE:
		return "\\<="
	case UGT, SGT:
		return "\\>"
	case UGE, SGE:
		return "\\>="
	default:
		return op.String()
	}
}

// dotEscape escapes record-label metacharacters.
func dotEscape(s string) string {
	r := strings.NewReplacer(
		"<", "\\<",
		">", "\\>",
		"{", "\\{",
		"}", "\\}",
		"|", "\\|",
		"\"", "\\\"",
	)
	return r.Replace(s)
}
