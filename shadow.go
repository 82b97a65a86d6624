package itree

// ShadowRegistry maintains the bijection between original arrays and
// their shadow copies. Shadow arrays stand in for variables local to a
// removed subtree when an interpolant is generalized; they become the
// bound variables of an enclosing exists expression.
//
// The registry only grows over a run. It is owned by the tree and is
// not safe for concurrent use.
type ShadowRegistry struct {
	shadows   map[*Array]*Array // original -> shadow
	originals map[*Array]*Array // shadow -> original
}

// NewShadowRegistry returns an empty registry.
func NewShadowRegistry() *ShadowRegistry {
	return &ShadowRegistry{
		shadows:   make(map[*Array]*Array),
		originals: make(map[*Array]*Array),
	}
}

// Register adds array to the registry, creating its shadow if it does
// not exist yet. Returns the shadow.
func (r *ShadowRegistry) Register(array *Array) *Array {
	assert(!array.Shadow, "cannot register a shadow array")
	if shadow, ok := r.shadows[array]; ok {
		return shadow
	}
	shadow := &Array{ID: array.ID, Size: array.Size, Shadow: true}
	r.shadows[array] = shadow
	r.originals[shadow] = array
	return shadow
}

// ShadowOf returns the shadow of array or nil if never registered.
func (r *ShadowRegistry) ShadowOf(array *Array) *Array {
	return r.shadows[array]
}

// OriginalOf returns the original array of a shadow or nil if unknown.
func (r *ShadowRegistry) OriginalOf(shadow *Array) *Array {
	return r.originals[shadow]
}

// ShadowExpression rewrites every read of an original array in expr to
// a read of its shadow, registering shadows as needed. Every shadow
// array used is appended to replacements once; the caller turns the
// accumulated replacements into the bound variables of an enclosing
// exists expression.
func (r *ShadowRegistry) ShadowExpression(expr Expr, replacements *[]*Array) Expr {
	switch expr := expr.(type) {
	case *ConstantExpr:
		return expr
	case *SelectExpr:
		if expr.Array.Shadow {
			return expr
		}
		shadow := r.Register(expr.Array)
		r.collect(shadow, replacements)
		return NewSelectExpr(shadow, r.shadowKid(expr.Index, replacements))
	default:
		kids := ExprKids(expr)
		changed := false
		for i, kid := range kids {
			if other := r.ShadowExpression(kid, replacements); other != kid {
				kids[i] = other
				changed = true
			}
		}
		if !changed {
			return expr
		}
		return RebuildExpr(expr, kids)
	}
}

func (r *ShadowRegistry) shadowKid(expr Expr, replacements *[]*Array) Expr {
	return r.ShadowExpression(expr, replacements)
}

// collect appends shadow to replacements unless already present.
func (r *ShadowRegistry) collect(shadow *Array, replacements *[]*Array) {
	for _, a := range *replacements {
		if a == shadow {
			return
		}
	}
	*replacements = append(*replacements, shadow)
}

// UnshadowExpression rewrites every read of a shadow array back to a
// read of its original. Panics if a shadow was never registered.
func (r *ShadowRegistry) UnshadowExpression(expr Expr) Expr {
	switch expr := expr.(type) {
	case *ConstantExpr:
		return expr
	case *SelectExpr:
		if !expr.Array.Shadow {
			return expr
		}
		original := r.OriginalOf(expr.Array)
		assert(original != nil, "shadow array not registered: %s", expr.Array)
		return NewSelectExpr(original, r.UnshadowExpression(expr.Index))
	default:
		kids := ExprKids(expr)
		changed := false
		for i, kid := range kids {
			if other := r.UnshadowExpression(kid); other != kid {
				kids[i] = other
				changed = true
			}
		}
		if !changed {
			return expr
		}
		return RebuildExpr(expr, kids)
	}
}
