package itree_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/itree"
	"golang.org/x/tools/go/ssa"
)

// storeFixture drives an alloc and a store of expr through a fresh
// tree, returning the tree and the state at program point pp.
func storeFixture(t *testing.T, pkg *ssa.Package, expr itree.Expr, pp uint64) (*itree.ITree, *testState, *itree.ITreeNode) {
	t.Helper()

	fn := MustFindFunction(t, pkg, "f")
	alloc := MustFindAlloc(t, fn)
	store := MustFindStore(t, fn, 0)
	ifInstr := MustFindIf(t, fn)

	rootState := &testState{instr: ifInstr}
	tree := itree.NewITree(rootState, itree.NewTargetData(), itree.Options{})

	addr := itree.NewConstantExpr64(0x1000)
	tree.ExecuteAbstractDependency(alloc, nil, []itree.Expr{addr})

	// Execute the binary operation producing the stored value first so
	// the store finds a registered value to relate.
	binop := findInstr(fn, func(i ssa.Instruction) bool {
		b, ok := i.(*ssa.BinOp)
		return ok && b == store.Val
	})
	if binop != nil {
		tree.ExecuteAbstractDependency(binop, nil, []itree.Expr{expr, expr, expr})
	}
	tree.ExecuteAbstractDependency(store, nil, []itree.Expr{expr, addr})

	// The stored value becomes part of the core.
	tree.Current().Dependency().MarkAllValues(store.Val, "pointer use [f: Line 4]")

	leftState := &testState{instr: ifInstr}
	rightState := &testState{instr: ifInstr}
	left, right := tree.Split(rootState, leftState, rightState)
	_ = right

	tree.SetCurrentNode(leftState, pp)
	return tree, leftState, left
}

const entrySrc = `package p

func f(k int) int {
	p := new(int)
	*p = k + 1
	if *p > 0 {
		return 1
	}
	return 0
}
`

func TestSubsumptionTableEntry_StoreValueMismatch(t *testing.T) {
	pkg := MustBuildSSA(t, entrySrc)
	k := symbolicRead(1, 64)

	// Entry records {site -> k+1}.
	entryExpr := itree.NewBinaryExpr(itree.ADD, k, itree.NewConstantExpr64(1))
	tree1, _, left1 := storeFixture(t, pkg, entryExpr, 7)
	tree1.Remove(left1)

	entries := tree1.Entries(7)
	if got, exp := len(entries), 1; got != exp {
		t.Fatalf("len(Entries(7))=%d, expected %d", got, exp)
	}
	entry := entries[0]
	if entry.Empty() {
		t.Fatal("entry must carry a store")
	}

	// State holds {site -> k+2}; the equality is invalid.
	stateExpr := itree.NewBinaryExpr(itree.ADD, k, itree.NewConstantExpr64(2))
	_, state2, node2 := storeFixture(t, pkg, stateExpr, 7)

	solver := &testSolver{validity: itree.Invalid}
	if entry.Subsumed(solver, state2, node2, time.Second) {
		t.Fatal("mismatched store must not subsume")
	}
	if got := solver.evaluateN + solver.directN; got != 1 {
		t.Fatalf("solver calls=%d, expected 1", got)
	}
}

func TestSubsumptionTableEntry_MissingStoreKey(t *testing.T) {
	pkg := MustBuildSSA(t, entrySrc)
	k := symbolicRead(1, 64)

	entryExpr := itree.NewBinaryExpr(itree.ADD, k, itree.NewConstantExpr64(1))
	tree1, _, left1 := storeFixture(t, pkg, entryExpr, 9)
	tree1.Remove(left1)
	entry := tree1.Entries(9)[0]

	// A state that does not constrain the allocation fails without a
	// solver call.
	fn := MustFindFunction(t, pkg, "f")
	ifInstr := MustFindIf(t, fn)
	rootState := &testState{instr: ifInstr}
	tree2 := itree.NewITree(rootState, itree.NewTargetData(), itree.Options{})
	aState := &testState{instr: ifInstr}
	bState := &testState{instr: ifInstr}
	node2, _ := tree2.Split(rootState, aState, bState)
	tree2.SetCurrentNode(aState, 9)

	solver := &testSolver{validity: itree.Valid}
	if entry.Subsumed(solver, aState, node2, time.Second) {
		t.Fatal("missing store key must not subsume")
	}
	if solver.evaluateN != 0 || solver.directN != 0 {
		t.Fatal("solver must not be called")
	}
}

func TestSimplifyEqualityExpr(t *testing.T) {
	x, y := symbolicRead(1, 8), symbolicRead(2, 8)
	p := itree.NewEqExpr(x, itree.NewConstantExpr(1, 8))
	q := itree.NewEqExpr(y, itree.NewConstantExpr(2, 8))

	// simplify(AND(P,Q), acc) == simplify(P, acc) ∧ simplify(Q, acc).
	var packBoth, packP, packQ []itree.Expr
	both := itree.SimplifyEqualityExpr(itree.NewAndExpr(p, q), &packBoth)
	want := itree.NewAndExpr(
		itree.SimplifyEqualityExpr(p, &packP),
		itree.SimplifyEqualityExpr(q, &packQ),
	)
	if !exprEq(both, want) {
		t.Fatalf("distribution mismatch: %s != %s", both, want)
	}
	if got, exp := len(packBoth), len(packP)+len(packQ); got != exp {
		t.Fatalf("len(pack)=%d, expected %d", got, exp)
	}

	t.Run("ConstantFold", func(t *testing.T) {
		var pack []itree.Expr
		expr := &itree.BinaryExpr{Op: itree.EQ, LHS: itree.NewConstantExpr(2, 8), RHS: itree.NewConstantExpr(4, 8)}
		if got := itree.SimplifyEqualityExpr(expr, &pack); !itree.IsConstantFalse(got) {
			t.Fatalf("expected false, got %s", got)
		}
		expr = &itree.BinaryExpr{Op: itree.EQ, LHS: itree.NewConstantExpr(2, 8), RHS: itree.NewConstantExpr(2, 8)}
		if got := itree.SimplifyEqualityExpr(expr, &pack); !itree.IsConstantTrue(got) {
			t.Fatalf("expected true, got %s", got)
		}
		if got, exp := len(pack), 0; got != exp {
			t.Fatalf("constants must not be collected: %s", fmtExprs(pack))
		}
	})
}

func TestSimplifyInterpolantExpr(t *testing.T) {
	x, y := symbolicRead(1, 8), symbolicRead(2, 8)

	t.Run("NegatedComparison", func(t *testing.T) {
		// (Eq false (Slt x y)) simplifies to y <= x.
		var pack []itree.Expr
		expr := &itree.BinaryExpr{
			Op:  itree.EQ,
			LHS: itree.NewBoolConstantExpr(false),
			RHS: &itree.BinaryExpr{Op: itree.SLT, LHS: x, RHS: y},
		}
		got := itree.SimplifyInterpolantExpr(expr, &pack)
		want := itree.NewBinaryExpr(itree.SLE, y, x)
		if !exprEq(got, want) {
			t.Fatalf("simplify mismatch: %s != %s", got, want)
		}
		if got, exp := len(pack), 1; got != exp {
			t.Fatalf("len(pack)=%d, expected %d", got, exp)
		}
	})

	t.Run("UniqueAtoms", func(t *testing.T) {
		var pack []itree.Expr
		atom := itree.NewUltExpr(x, y)
		expr := itree.NewAndExpr(atom, atom)
		itree.SimplifyInterpolantExpr(expr, &pack)
		if got, exp := len(pack), 1; got != exp {
			t.Fatalf("len(pack)=%d, expected %d", got, exp)
		}
	})
}

func TestSimplifyExistsExpr(t *testing.T) {
	t.Run("ExistentialDrop", func(t *testing.T) {
		// The exists is stripped once the interpolant mentions no bound
		// array; the equality over the shadow array stays conjoined.
		registry := itree.NewShadowRegistry()
		a := itree.NewArray(1, 8)
		shadow := registry.Register(a)

		interpolant := itree.NewUltExpr(symbolicRead(2, 8), itree.NewConstantExpr(10, 8))
		equality := itree.NewEqExpr(
			itree.NewSelectExpr(shadow, itree.NewConstantExpr64(0)),
			itree.NewConstantExpr(5, 8),
		)

		got := itree.SimplifyExistsExpr(
			itree.NewExistsExpr([]*itree.Array{shadow}, itree.NewAndExpr(interpolant, equality)))
		want := itree.NewAndExpr(interpolant, equality)
		if !exprEq(got, want) {
			t.Fatalf("simplify mismatch: %s != %s", got, want)
		}
	})

	t.Run("DisjunctiveClauseUntouched", func(t *testing.T) {
		shadow := &itree.Array{ID: 3, Size: 8, Shadow: true}
		interpolant := itree.NewUltExpr(
			itree.NewSelectExpr(shadow, itree.NewConstantExpr64(0)), itree.NewConstantExpr(10, 8))
		clause := itree.NewOrExpr(
			itree.NewEqExpr(symbolicRead(4, 8), itree.NewConstantExpr(1, 8)),
			itree.NewEqExpr(symbolicRead(5, 8), itree.NewConstantExpr(2, 8)),
		)

		exists := itree.NewExistsExpr([]*itree.Array{shadow}, itree.NewAndExpr(interpolant, clause))
		if got := itree.SimplifyExistsExpr(exists); !exprEq(got, exists) {
			t.Fatalf("disjunctive clause must not simplify: %s", got)
		}
	})

	t.Run("NonConjunctiveBody", func(t *testing.T) {
		shadow := &itree.Array{ID: 6, Size: 8, Shadow: true}
		body := itree.NewUltExpr(
			itree.NewSelectExpr(shadow, itree.NewConstantExpr64(0)), itree.NewConstantExpr(3, 8))
		exists := itree.NewExistsExpr([]*itree.Array{shadow}, body)
		if got := itree.SimplifyExistsExpr(exists); !exprEq(got, exists) {
			t.Fatalf("non-conjunctive body must be unchanged: %s", got)
		}
	})

	t.Run("SubstituteEquality", func(t *testing.T) {
		// With equality (read(shadow) == B) and interpolant atom
		// (read(shadow) < D), the atom becomes (B < D) and the exists is
		// dropped.
		shadow := &itree.Array{ID: 7, Size: 8, Shadow: true}
		read := itree.NewSelectExpr(shadow, itree.NewConstantExpr64(0))
		b := symbolicRead(8, 8)
		d := itree.NewConstantExpr(9, 8)

		interpolant := &itree.BinaryExpr{Op: itree.ULT, LHS: read, RHS: d}
		equality := &itree.BinaryExpr{Op: itree.EQ, LHS: read, RHS: b}

		got := itree.SimplifyExistsExpr(
			itree.NewExistsExpr([]*itree.Array{shadow}, itree.NewAndExpr(interpolant, equality)))
		want := itree.NewAndExpr(itree.NewUltExpr(b, d), equality)
		if !exprEq(got, want) {
			t.Fatalf("substitution mismatch: %s != %s", got, want)
		}
	})
}
