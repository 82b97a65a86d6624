package itree_test

import (
	"strings"
	"testing"

	"github.com/benbjohnson/itree"
	"golang.org/x/tools/go/ssa"
)

const depSrc = `package p

func f(x int) int {
	p := new(int)
	*p = x + 1
	y := *p
	if y > 0 {
		return y
	}
	return 0
}

func callee(a int) int { return a }

func caller(x int) int { return callee(x) }

func malloc(n uintptr) *byte

func alloc() *byte { return malloc(16) }

func mystery(p *int) int

func h(b bool) int {
	v := 0
	if b {
		v = 1
	} else {
		v = 2
	}
	return v
}
`

// depFixture drives alloc/store/load of function f through a tracker.
type depFixture struct {
	pkg   *ssa.Package
	fn    *ssa.Function
	d     *itree.Dependency
	alloc *ssa.Alloc
	store *ssa.Store
	load  *ssa.UnOp

	addrExpr  itree.Expr
	valueExpr itree.Expr
}

func newDepFixture(t *testing.T) *depFixture {
	t.Helper()

	f := &depFixture{pkg: MustBuildSSA(t, depSrc)}
	f.fn = MustFindFunction(t, f.pkg, "f")
	f.d = itree.NewDependency(nil, itree.NewTargetData())

	f.alloc = MustFindAlloc(t, f.fn)
	f.store = MustFindStore(t, f.fn, 0)
	f.load = findInstr(f.fn, func(i ssa.Instruction) bool {
		unop, ok := i.(*ssa.UnOp)
		return ok && unop.X == f.store.Addr
	}).(*ssa.UnOp)

	f.addrExpr = itree.NewConstantExpr64(0x1000)
	f.valueExpr = itree.NewBinaryExpr(itree.ADD, symbolicRead(1, 64), itree.NewConstantExpr64(1))

	f.d.Execute(f.alloc, nil, []itree.Expr{f.addrExpr})
	return f
}

func TestDependency_Alloc(t *testing.T) {
	f := newDepFixture(t)

	vv := f.d.GetLatestValue(f.alloc, false)
	if vv == nil {
		t.Fatal("alloc value not registered")
	}
	if !vv.IsPointer() {
		t.Fatal("alloc value must be a pointer")
	}
	if got := vv.Locations()[0].Size(); got == 0 {
		t.Fatal("alloc location must have a size")
	}
}

func TestDependency_StoreLoad(t *testing.T) {
	f := newDepFixture(t)

	f.d.Execute(f.store, nil, []itree.Expr{f.valueExpr, f.addrExpr})
	f.d.Execute(f.load, nil, []itree.Expr{f.valueExpr, f.addrExpr})

	loaded := f.d.GetLatestValue(f.load, false)
	if loaded == nil {
		t.Fatal("load value not registered")
	}
	if got, exp := len(loaded.FlowSources()), 1; got != exp {
		t.Fatalf("len(FlowSources())=%d, expected %d", got, exp)
	}
	if loaded.LoadAddress() == nil {
		t.Fatal("load address not recorded")
	}
}

func TestDependency_LoadWriteBack(t *testing.T) {
	// A load from a never-written location writes the loaded value back
	// so a second load observes the same value.
	f := newDepFixture(t)

	f.d.Execute(f.load, nil, []itree.Expr{f.valueExpr, f.addrExpr})
	first := f.d.GetLatestValue(f.load, false)
	if first == nil || len(first.FlowSources()) != 0 {
		t.Fatal("expected fresh value for load miss")
	}

	f.d.Execute(f.load, nil, []itree.Expr{f.valueExpr, f.addrExpr})
	second := f.d.GetLatestValue(f.load, false)
	if got, exp := len(second.FlowSources()), 1; got != exp {
		t.Fatalf("len(FlowSources())=%d, expected %d", got, exp)
	}
	for source := range second.FlowSources() {
		if source != first {
			t.Fatal("second load must flow from the written-back value")
		}
	}
}

func TestDependency_MarkAndSummarize(t *testing.T) {
	f := newDepFixture(t)

	f.d.Execute(f.store, nil, []itree.Expr{f.valueExpr, f.addrExpr})
	f.d.MarkAllValues(f.store.Val, "branch condition [f: Line 7]")

	registry := itree.NewShadowRegistry()
	var replacements []*itree.Array
	concrete, symbolic := f.d.StoredExpressions(nil, registry, &replacements, true)

	if got, exp := len(concrete), 1; got != exp {
		t.Fatalf("len(concrete)=%d, expected %d", got, exp)
	}
	if got, exp := len(symbolic), 0; got != exp {
		t.Fatalf("len(symbolic)=%d, expected %d", got, exp)
	}
	m := concrete[f.alloc]
	if m == nil || m.Len() != 1 {
		t.Fatalf("expected a single entry under the alloc site")
	}
	if got, exp := len(replacements), 1; got != exp {
		t.Fatalf("len(replacements)=%d, expected %d", got, exp)
	}

	// Without core marking the core-only summary is empty.
	var dummy []*itree.Array
	concrete, _ = itree.NewDependency(nil, itree.NewTargetData()).StoredExpressions(nil, registry, &dummy, true)
	if got, exp := len(concrete), 0; got != exp {
		t.Fatalf("len(concrete)=%d, expected %d", got, exp)
	}
}

func TestDependency_ExecuteMemoryOperation(t *testing.T) {
	f := newDepFixture(t)

	f.d.ExecuteMemoryOperation(f.store, nil, []itree.Expr{f.valueExpr, f.addrExpr}, true)

	addrVal := f.d.GetLatestValue(f.alloc, false)
	if addrVal == nil || !addrVal.IsCore() {
		t.Fatal("bounds-checked address must be core")
	}
	found := false
	for _, reason := range addrVal.Reasons() {
		if strings.HasPrefix(reason, "pointer use ") {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing pointer-use reason: %v", addrVal.Reasons())
	}
}

func TestDependency_CallReturn(t *testing.T) {
	f := newDepFixture(t)
	caller := MustFindFunction(t, f.pkg, "caller")
	callee := MustFindFunction(t, f.pkg, "callee")

	call := findInstr(caller, func(i ssa.Instruction) bool {
		c, ok := i.(*ssa.Call)
		return ok && c.Common().StaticCallee() == callee
	}).(*ssa.Call)
	ret := findInstr(callee, func(i ssa.Instruction) bool {
		_, ok := i.(*ssa.Return)
		return ok
	}).(*ssa.Return)

	arg := symbolicRead(3, 64)
	f.d.BindCallArguments(call, nil, []itree.Expr{arg})
	if got, exp := len(f.d.CallHistory()), 1; got != exp {
		t.Fatalf("len(CallHistory())=%d, expected %d", got, exp)
	}

	// The callee parameter flows from the caller argument.
	param := f.d.GetLatestValue(callee.Params[0], false)
	if param == nil || len(param.FlowSources()) != 1 {
		t.Fatal("parameter must flow from the call argument")
	}

	f.d.BindReturnValue(call, nil, ret, arg)
	if got, exp := len(f.d.CallHistory()), 0; got != exp {
		t.Fatalf("len(CallHistory())=%d, expected %d", got, exp)
	}
	result := f.d.GetLatestValue(call, false)
	if result == nil || len(result.FlowSources()) != 1 {
		t.Fatal("call result must flow from the returned value")
	}
}

func TestDependency_ExternalCall(t *testing.T) {
	f := newDepFixture(t)

	t.Run("Recognized", func(t *testing.T) {
		alloc := MustFindFunction(t, f.pkg, "alloc")
		call := findInstr(alloc, func(i ssa.Instruction) bool {
			_, ok := i.(*ssa.Call)
			return ok
		}).(*ssa.Call)

		f.d.ExecuteExternalCall(call, nil, []itree.Expr{itree.NewConstantExpr64(0x2000), itree.NewConstantExpr64(16)})

		vv := f.d.GetLatestValue(call, false)
		if vv == nil || !vv.IsPointer() {
			t.Fatal("malloc result must be a pointer")
		}
		if got, exp := vv.Locations()[0].Size(), uint64(16); got != exp {
			t.Fatalf("Size()=%d, expected %d", got, exp)
		}
	})

	t.Run("Unrecognized", func(t *testing.T) {
		qpkg := MustBuildSSA(t, `package q
func mystery(p *int) int
func use(p *int) int { return mystery(p) }
`)
		use := MustFindFunction(t, qpkg, "use")
		call := findInstr(use, func(i ssa.Instruction) bool {
			_, ok := i.(*ssa.Call)
			return ok
		}).(*ssa.Call)

		d := itree.NewDependency(nil, itree.NewTargetData())
		d.ExecuteExternalCall(call, nil, []itree.Expr{symbolicRead(4, 64), itree.NewConstantExpr64(0x3000)})

		// The default handler produces a result with no argument flow.
		vv := d.GetLatestValue(call, false)
		if vv == nil {
			t.Fatal("default handler must produce a result value")
		}
		if got, exp := len(vv.FlowSources()), 0; got != exp {
			t.Fatalf("len(FlowSources())=%d, expected %d", got, exp)
		}
	})
}

func TestDependency_ExecutePHI(t *testing.T) {
	f := newDepFixture(t)
	h := MustFindFunction(t, f.pkg, "h")

	phi := findInstr(h, func(i ssa.Instruction) bool {
		_, ok := i.(*ssa.Phi)
		return ok
	})
	if phi == nil {
		t.Skip("no phi produced for fixture")
	}

	f.d.ExecutePHI(phi.(*ssa.Phi), 0, nil, itree.NewConstantExpr64(1))
	if vv := f.d.GetLatestValue(phi.(*ssa.Phi), false); vv == nil {
		t.Fatal("phi value not registered")
	}
}

func TestDependency_Inheritance(t *testing.T) {
	// A child tracker observes the parent's store but its writes stay
	// local.
	f := newDepFixture(t)
	f.d.Execute(f.store, nil, []itree.Expr{f.valueExpr, f.addrExpr})

	child := itree.NewDependency(f.d, nil)
	child.Execute(f.load, nil, []itree.Expr{f.valueExpr, f.addrExpr})

	loaded := child.GetLatestValue(f.load, false)
	if loaded == nil || len(loaded.FlowSources()) != 1 {
		t.Fatal("child must read the parent's store")
	}
}
