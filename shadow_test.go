package itree_test

import (
	"testing"

	"github.com/benbjohnson/itree"
)

func TestShadowRegistry_ShadowExpression(t *testing.T) {
	t.Run("RenameRead", func(t *testing.T) {
		registry := itree.NewShadowRegistry()
		a := itree.NewArray(1, 8)

		expr := itree.NewEqExpr(
			itree.NewSelectExpr(a, itree.NewConstantExpr64(0)),
			itree.NewConstantExpr(3, 8),
		)

		var replacements []*itree.Array
		shadowed := registry.ShadowExpression(expr, &replacements)

		if got, exp := len(replacements), 1; got != exp {
			t.Fatalf("len(replacements)=%d, expected %d", got, exp)
		}
		shadow := replacements[0]
		if !shadow.Shadow || shadow.ID != a.ID {
			t.Fatalf("unexpected shadow: %s", shadow)
		}

		want := itree.NewEqExpr(
			itree.NewSelectExpr(shadow, itree.NewConstantExpr64(0)),
			itree.NewConstantExpr(3, 8),
		)
		if !exprEq(shadowed, want) {
			t.Fatalf("shadowed mismatch: %s != %s", shadowed, want)
		}
	})

	t.Run("ShadowOnce", func(t *testing.T) {
		// A shadow constraint is untouched by a second shadowing pass and
		// the replacement is collected only once.
		registry := itree.NewShadowRegistry()
		a := itree.NewArray(7, 8)
		expr := itree.NewEqExpr(
			itree.NewSelectExpr(a, itree.NewConstantExpr64(0)),
			itree.NewSelectExpr(a, itree.NewConstantExpr64(1)),
		)

		var replacements []*itree.Array
		shadowed := registry.ShadowExpression(expr, &replacements)
		again := registry.ShadowExpression(shadowed, &replacements)

		if !exprEq(shadowed, again) {
			t.Fatalf("shadowing not idempotent: %s != %s", shadowed, again)
		}
		if got, exp := len(replacements), 1; got != exp {
			t.Fatalf("len(replacements)=%d, expected %d", got, exp)
		}
	})

	t.Run("Constants", func(t *testing.T) {
		registry := itree.NewShadowRegistry()
		var replacements []*itree.Array
		expr := itree.NewConstantExpr(42, 32)
		if got := registry.ShadowExpression(expr, &replacements); got != itree.Expr(expr) {
			t.Fatalf("constants must be identities: %s", got)
		}
	})
}

func TestShadowRegistry_UnshadowExpression(t *testing.T) {
	registry := itree.NewShadowRegistry()
	a := itree.NewArray(3, 8)
	expr := itree.NewUltExpr(
		itree.NewSelectExpr(a, itree.NewConstantExpr64(0)),
		itree.NewConstantExpr(10, 8),
	)

	var replacements []*itree.Array
	shadowed := registry.ShadowExpression(expr, &replacements)

	// shadow(shadow⁻¹(e)) = e on the domain of registrations.
	unshadowed := registry.UnshadowExpression(shadowed)
	if !exprEq(unshadowed, expr) {
		t.Fatalf("round trip mismatch: %s != %s", unshadowed, expr)
	}

	var again []*itree.Array
	if reshadowed := registry.ShadowExpression(unshadowed, &again); !exprEq(reshadowed, shadowed) {
		t.Fatalf("round trip mismatch: %s != %s", reshadowed, shadowed)
	}
}

func TestShadowRegistry_UnshadowUnregistered(t *testing.T) {
	// Unshadowing an array that was never registered is an
	// implementation bug and panics.
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()

	registry := itree.NewShadowRegistry()
	shadow := &itree.Array{ID: 99, Size: 8, Shadow: true}
	registry.UnshadowExpression(itree.NewSelectExpr(shadow, itree.NewConstantExpr64(0)))
}
