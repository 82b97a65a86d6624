package itree_test

import (
	"testing"

	"github.com/benbjohnson/itree"
	"golang.org/x/tools/go/ssa"
)

func buildValueFixture(t *testing.T) (site ssa.Value) {
	t.Helper()
	pkg := MustBuildSSA(t, `package p
func f() *int { return new(int) }
`)
	return MustFindAlloc(t, MustFindFunction(t, pkg, "f"))
}

func TestVersionedValue_CoreMarking(t *testing.T) {
	site := buildValueFixture(t)

	v := itree.NewVersionedValue(site, nil, itree.NewConstantExpr64(0x1000))
	if v.IsCore() {
		t.Fatal("fresh value must not be core")
	}

	v.SetAsCore("branch condition [f: Line 2]")
	if !v.IsCore() {
		t.Fatal("expected core after marking")
	}

	// Core marking is monotonic and idempotent; reasons accumulate.
	v.SetAsCore("pointer use [f: Line 2]")
	if !v.IsCore() {
		t.Fatal("core flag must not clear")
	}
	if got, exp := len(v.Reasons()), 2; got != exp {
		t.Fatalf("len(Reasons())=%d, expected %d", got, exp)
	}
}

func TestVersionedValue_BoundInterpolation(t *testing.T) {
	site := buildValueFixture(t)

	v := itree.NewVersionedValue(site, nil, itree.NewConstantExpr64(0x1000))
	if !v.CanInterpolateBound() {
		t.Fatal("bound interpolation must start enabled")
	}
	v.DisableBoundInterpolation()
	if v.CanInterpolateBound() {
		t.Fatal("bound interpolation must stay disabled")
	}
}

func TestVersionedValue_AddDependency(t *testing.T) {
	site := buildValueFixture(t)

	a := itree.NewVersionedValue(site, nil, itree.NewConstantExpr64(1))
	b := itree.NewVersionedValue(site, nil, itree.NewConstantExpr64(2))
	b.AddDependency(a, nil)

	if got, exp := len(b.FlowSources()), 1; got != exp {
		t.Fatalf("len(FlowSources())=%d, expected %d", got, exp)
	}

	// A flow cycle is an implementation bug.
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on flow cycle")
		}
	}()
	a.AddDependency(b, nil)
}

func TestStoredValue_BoundsCheck(t *testing.T) {
	site := buildValueFixture(t)
	base := itree.NewConstantExpr64(0x1000)

	t.Run("WithinBounds", func(t *testing.T) {
		entryLoc := itree.NewMemoryLocation(site, nil, base, 8)
		entryVal := itree.NewVersionedValue(site, nil, base)
		entryVal.AddLocation(entryLoc)

		stateLoc := itree.NewMemoryLocationWithOffset(
			itree.NewMemoryLocation(site, nil, base, 8),
			itree.NewConstantExpr64(0x1004), itree.NewConstantExpr64(4))
		stateVal := itree.NewVersionedValue(site, nil, itree.NewConstantExpr64(0x1004))
		stateVal.AddLocation(stateLoc)

		entry := itree.NewStoredValue(entryVal)
		state := itree.NewStoredValue(stateVal)

		// Entry bound 8 against state offset 4 folds to constant true.
		check := entry.BoundsCheck(state)
		if !itree.IsConstantTrue(check) {
			t.Fatalf("BoundsCheck()=%s, expected constant true", check)
		}
	})

	t.Run("MissingSite", func(t *testing.T) {
		entryLoc := itree.NewMemoryLocation(site, nil, base, 8)
		entryVal := itree.NewVersionedValue(site, nil, base)
		entryVal.AddLocation(entryLoc)

		other := itree.NewVersionedValue(site, nil, base)

		entry := itree.NewStoredValue(entryVal)
		state := itree.NewStoredValue(other)
		if check := entry.BoundsCheck(state); !itree.IsConstantFalse(check) {
			t.Fatalf("BoundsCheck()=%s, expected constant false", check)
		}
	})
}

func TestStoredValue_Shadowing(t *testing.T) {
	site := buildValueFixture(t)
	registry := itree.NewShadowRegistry()

	expr := symbolicRead(5, 8)
	v := itree.NewVersionedValue(site, nil, expr)

	var replacements []*itree.Array
	sv := itree.NewShadowedStoredValue(v, registry, &replacements)

	if got, exp := len(replacements), 1; got != exp {
		t.Fatalf("len(replacements)=%d, expected %d", got, exp)
	}
	if itree.CompareExpr(sv.Expression(), expr) == 0 {
		t.Fatal("expected shadow-renamed expression")
	}
	if !exprEq(registry.UnshadowExpression(sv.Expression()), expr) {
		t.Fatal("shadowed expression must unshadow to the original")
	}
}
