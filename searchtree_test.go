package itree_test

import (
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/itree"
)

func TestSearchTree_Render(t *testing.T) {
	pkg := MustBuildSSA(t, treeSrc)
	fn := MustFindFunction(t, pkg, "f")
	ifInstr := MustFindIf(t, fn)

	constraint := itree.NewBinaryExpr(itree.ULT, symbolicRead(1, 64), itree.NewConstantExpr64(10))

	rootState := &testState{instr: ifInstr}
	tree := itree.NewITree(rootState, itree.NewTargetData(), itree.Options{OutputTree: true})
	tree.SetCurrentNode(rootState, 1)

	leftState := &testState{constraints: []itree.Expr{constraint}, instr: ifInstr}
	rightState := &testState{constraints: []itree.Expr{constraint}, instr: ifInstr}
	left, right := tree.Split(rootState, leftState, rightState)
	_ = right

	tree.SetCurrentNode(leftState, 42)
	tree.AddConstraint(leftState, constraint, ifInstr.Cond)
	tree.MarkPathCondition(leftState, &testSolver{core: []itree.Expr{constraint}})
	tree.Remove(left)

	tree.SetCurrentNode(rightState, 42)
	tree.AddConstraint(rightState, constraint, ifInstr.Cond)
	solver := &testSolver{validity: itree.Valid, core: []itree.Expr{constraint}}
	if !tree.CheckCurrentStateSubsumption(solver, rightState, time.Second) {
		t.Fatal("expected subsumption")
	}

	out := renderTree(t, tree)
	for _, want := range []string{
		"digraph search_tree {",
		"shape=record",
		"|{<s0>F|<s1>T}",
		"\\<", // ULT rendered as escaped less-than
		"(subsumed)\\l",
		"[style=dashed]",
		" ITP",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered graph missing %q:\n%s", want, out)
		}
	}
}

func renderTree(t *testing.T, tree *itree.ITree) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tree.dot")
	if err := tree.SaveGraph(path); err != nil {
		t.Fatal(err)
	}
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(buf)
}

func TestSearchTree_Disabled(t *testing.T) {
	// Without OutputTree no graph is recorded and saving is a no-op.
	rootState := &testState{}
	tree := itree.NewITree(rootState, itree.NewTargetData(), itree.Options{})

	path := filepath.Join(t.TempDir(), "tree.dot")
	if err := tree.SaveGraph(path); err != nil {
		t.Fatal(err)
	}
	if _, err := ioutil.ReadFile(path); err == nil {
		t.Fatal("no file must be written when recording is disabled")
	}
}
