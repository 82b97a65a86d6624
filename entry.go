package itree

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"golang.org/x/tools/go/ssa"
)

// SubsumptionTableEntry is the generalization of a fully-explored tree
// node: the interpolant over shadow arrays, the core-restricted store
// snapshots, and the shadow arrays acting as existential variables.
type SubsumptionTableEntry struct {
	programPoint uint64

	// interpolant is nil when no path constraint entered the core.
	interpolant Expr

	singletonStore     map[ssa.Value]*StoredValue
	singletonStoreKeys []ssa.Value

	compositeStore     map[ssa.Value][]*StoredValue
	compositeStoreKeys []ssa.Value

	existentials []*Array

	// Full store snapshots kept for the weakest-precondition update path.
	concretelyAddressedStore   ConcreteStore
	symbolicallyAddressedStore SymbolicStore
	historicalStore            ConcreteStore

	// wpInterpolant is the weakest-precondition refinement, when computed.
	wpInterpolant Expr

	registry *ShadowRegistry
	stats    *Stats
}

// NewSubsumptionTableEntry generalizes a node that is about to be
// removed into a table entry.
func NewSubsumptionTableEntry(node *ITreeNode) *SubsumptionTableEntry {
	var replacements []*Array

	e := &SubsumptionTableEntry{
		programPoint: node.ProgramPoint(),
		registry:     node.registry,
		stats:        node.stats,
	}
	e.interpolant = node.GetInterpolant(&replacements)

	e.singletonStore = node.LatestInterpolantCoreExpressions(&replacements)
	e.singletonStoreKeys = sortedSiteKeys(e.singletonStore)

	e.compositeStore = node.CompositeInterpolantCoreExpressions(&replacements)
	e.compositeStoreKeys = sortedCompositeKeys(e.compositeStore)

	e.concretelyAddressedStore, e.symbolicallyAddressedStore = node.storedExpressions(&replacements, true)
	e.historicalStore = make(ConcreteStore)

	e.existentials = replacements
	return e
}

// ProgramPoint returns the program point the entry was recorded at.
func (e *SubsumptionTableEntry) ProgramPoint() uint64 { return e.programPoint }

// Interpolant returns the entry's interpolant, nil when empty.
func (e *SubsumptionTableEntry) Interpolant() Expr { return e.interpolant }

// Existentials returns the shadow arrays bound in the entry.
func (e *SubsumptionTableEntry) Existentials() []*Array { return e.existentials }

// Empty returns true if the entry carries neither an interpolant nor
// any store constraint. An empty entry subsumes every state at its
// program point.
func (e *SubsumptionTableEntry) Empty() bool {
	return e.interpolant == nil && len(e.singletonStoreKeys) == 0 && len(e.compositeStoreKeys) == 0
}

// Subsumed decides whether the state currently at node is weaker than
// the entry: the interpolant conjoined with the store equalities must
// be valid under the state's constraints. On success the constraints
// appearing in the solver's unsatisfiability core are promoted into
// the node's interpolant.
func (e *SubsumptionTableEntry) Subsumed(solver Solver, state ExecutionState, node *ITreeNode, timeout time.Duration) bool {
	// Check if we are at the right program point.
	if node == nil || node.ProgramPoint() != e.programPoint {
		return false
	}

	// Quick check for subsumption in case the interpolant is empty.
	if e.Empty() {
		return true
	}

	stateSingletonStore := node.LatestCoreExpressions()
	stateCompositeStore := node.CompositeCoreExpressions()

	var stateEqualityConstraints Expr
	for _, site := range e.singletonStoreKeys {
		lhs := e.singletonStore[site]
		rhs := stateSingletonStore[site]

		// If the current state does not constrain the same allocation,
		// subsumption fails.
		if rhs == nil {
			return false
		}

		var constraint Expr
		if lhs.IsPointer() && rhs.IsPointer() && lhs.UseBound() {
			constraint = lhs.BoundsCheck(rhs)
			if IsConstantFalse(constraint) {
				return false
			}
		} else {
			constraint = NewEqExpr(lhs.Expression(), rhs.Expression())
		}
		stateEqualityConstraints = conjoin(stateEqualityConstraints, constraint)
	}

	for _, site := range e.compositeStoreKeys {
		lhsList := e.compositeStore[site]
		rhsList := stateCompositeStore[site]

		// If the current state does not constrain the same allocation,
		// subsumption fails.
		if len(rhsList) == 0 {
			return false
		}

		var disjuncts Expr
		for _, lhs := range lhsList {
			for _, rhs := range rhsList {
				eq := NewEqExpr(lhs.Expression(), rhs.Expression())
				if disjuncts == nil {
					disjuncts = eq
				} else {
					disjuncts = NewOrExpr(eq, disjuncts)
				}
			}
		}
		stateEqualityConstraints = conjoin(stateEqualityConstraints, disjuncts)
	}

	// Build the query: a conjunction of the interpolant and the state
	// equality constraints.
	var query Expr
	switch {
	case e.interpolant != nil && stateEqualityConstraints != nil:
		query = NewAndExpr(e.interpolant, stateEqualityConstraints)
	case e.interpolant != nil:
		query = NewAndExpr(e.interpolant, NewBoolConstantExpr(true))
	case stateEqualityConstraints != nil:
		query = NewAndExpr(NewBoolConstantExpr(true), stateEqualityConstraints)
	default:
		// Both parts empty: everything is subsumed.
		return true
	}

	quantified := false
	if len(e.existentials) > 0 {
		query = SimplifyExistsExpr(NewExistsExpr(e.existentials, query))
		_, quantified = query.(*ExistsExpr)
	}

	// If simplification reduced the query to a constant, no solver call
	// is needed.
	if query, ok := query.(*ConstantExpr); ok {
		return query.IsTrue()
	}

	markerMap := node.MakeMarkerMap()

	e.stats.CheckSolverCount++

	var result Validity
	var err error
	e.stats.ActualSolverCallTime.Start()
	if quantified {
		// A fresh solver instance decides quantified queries directly,
		// without pre-solving optimizations, as those do not handle
		// quantified expressions.
		solver.SetTimeout(timeout)
		result, err = solver.DirectComputeValidity(state.Constraints(), query)
		solver.SetTimeout(0)
	} else {
		solver.SetTimeout(timeout)
		result, err = solver.Evaluate(state, query)
		solver.SetTimeout(0)
	}
	e.stats.ActualSolverCallTime.End()

	if err != nil || result != Valid {
		// The solver could not establish validity; it may have decided
		// invalidity or timed out.
		e.stats.CheckSolverFailureCount++
		return false
	}

	// Mark the path-condition constraints that appear in the
	// unsatisfiability core as interpolant candidates, then promote.
	for _, constraint := range solver.UnsatCore() {
		// Sometimes a core constraint is not in the path condition
		// because constraints are not properly added at state merge;
		// such constraints are skipped.
		if marker := markerMap.Get(constraint); marker != nil {
			marker.MayIncludeInInterpolant()
		}
	}
	for _, marker := range markerMap.Markers() {
		marker.IncludeInInterpolant()
	}
	return true
}

// conjoin joins expr onto a possibly-nil conjunction.
func conjoin(conj, expr Expr) Expr {
	if IsConstantTrue(expr) {
		if conj == nil {
			return expr
		}
		return conj
	}
	if conj == nil {
		return expr
	}
	return NewAndExpr(expr, conj)
}

// hasExistentials returns true if expr reads any of the given arrays.
func hasExistentials(existentials []*Array, expr Expr) bool {
	if expr == nil {
		return false
	}
	for _, array := range FindArrays(expr) {
		for _, existential := range existentials {
			if array == existential {
				return true
			}
		}
	}
	return false
}

// SimplifyExistsExpr simplifies an existentially quantified query by
// folding the equality constraints into the interpolant part of the
// body and dropping the quantifier when the interpolant no longer
// mentions any bound array.
func SimplifyExistsExpr(expr Expr) Expr {
	exists, ok := expr.(*ExistsExpr)
	if !ok {
		return expr
	}
	return simplifyArithmeticBody(exists)
}

// simplifyArithmeticBody performs the body simplification of
// SimplifyExistsExpr. The body is assumed to be a conjunction of an
// interpolant over shadow variables and state equality constraints;
// other shapes are returned unchanged.
func simplifyArithmeticBody(exists *ExistsExpr) Expr {
	body, ok := exists.Body.(*BinaryExpr)
	if !ok || body.Op != AND {
		return exists
	}

	// The equality constraint being a disjunction is a single clause of
	// a CNF formula; nothing is simplified in that case.
	if rhs, ok := body.RHS.(*BinaryExpr); ok && rhs.Op == OR {
		return exists
	}

	// Reduce constant equalities and collect the remaining atomic
	// equalities for use in simplifying the interpolant.
	var equalityPack []Expr
	fullEqualityConstraint := SimplifyEqualityExpr(body.RHS, &equalityPack)

	// Try to simplify the interpolant. A constant result means the
	// equality constraints contain no equality over shadow variables,
	// so the equality constraint alone suffices.
	var interpolantPack []Expr
	simplifiedInterpolant := SimplifyInterpolantExpr(body.LHS, &interpolantPack)
	if IsConstantExpr(simplifiedInterpolant) {
		return fullEqualityConstraint
	}

	var newInterpolant Expr
	for _, atom := range interpolantPack {
		interpolantAtom := atom // for example C cmp D

		for _, equality := range equalityPack {
			if IsConstantFalse(equality) {
				return NewBoolConstantExpr(false)
			} else if IsConstantTrue(equality) {
				return NewBoolConstantExpr(true)
			}

			eq := equality.(*BinaryExpr)
			// The shadow expression is assumed to be on the left side of
			// the equality; the right side is shadow-free.
			atomBin, ok := interpolantAtom.(*BinaryExpr)
			if !ok {
				continue
			}

			if ContainsExpr(eq.LHS, atomBin.LHS) {
				// Substitute: with equality A == B and atom C cmp D, the
				// atom becomes B cmp A[D/C].
				newLHS := eq.RHS
				var newRHS Expr
				if _, ok := eq.LHS.(*BinaryExpr); !ok {
					newRHS = atomBin.RHS
				} else {
					newRHS = SubstituteExpr(eq.LHS, atomBin.LHS, atomBin.RHS)
				}
				interpolantAtom = NewBinaryExpr(atomBin.Op, newLHS, newRHS)
			}
		}

		if newInterpolant == nil {
			newInterpolant = interpolantAtom
		} else {
			newInterpolant = NewAndExpr(newInterpolant, interpolantAtom)
		}
	}

	if newInterpolant != nil {
		// The quantifier is dropped once the interpolant no longer
		// mentions any bound array.
		if !hasExistentials(exists.Vars, newInterpolant) {
			if IsConstantTrue(fullEqualityConstraint) {
				return newInterpolant
			}
			return NewAndExpr(newInterpolant, fullEqualityConstraint)
		}
		return simplifyWithFourierMotzkin(
			NewExistsExpr(exists.Vars, NewAndExpr(newInterpolant, fullEqualityConstraint)))
	}
	return simplifyWithFourierMotzkin(
		NewExistsExpr(exists.Vars, NewAndExpr(simplifiedInterpolant, fullEqualityConstraint)))
}

// SimplifyEqualityExpr reduces constant equalities to TRUE/FALSE,
// short-circuits conjunctions and disjunctions, and collects the
// remaining atomic equalities into pack.
func SimplifyEqualityExpr(expr Expr, pack *[]Expr) Expr {
	bin, ok := expr.(*BinaryExpr)
	if !ok {
		return expr
	}

	switch bin.Op {
	case EQ:
		if lhs, ok := bin.LHS.(*ConstantExpr); ok {
			if rhs, ok := bin.RHS.(*ConstantExpr); ok {
				return NewBoolConstantExpr(lhs.Value == rhs.Value && lhs.Width == rhs.Width)
			}
		}
		appendUniquePack(pack, bin)
		return bin

	case AND:
		lhs := SimplifyEqualityExpr(bin.LHS, pack)
		if IsConstantFalse(lhs) {
			return lhs
		}
		rhs := SimplifyEqualityExpr(bin.RHS, pack)
		if IsConstantFalse(rhs) {
			return rhs
		}
		if IsConstantTrue(lhs) {
			return rhs
		}
		if IsConstantTrue(rhs) {
			return lhs
		}
		return NewAndExpr(lhs, rhs)

	case OR:
		// The atomic equalities inside a disjunctive clause are not used
		// to simplify the interpolant.
		var dummy []Expr
		lhs := SimplifyEqualityExpr(bin.LHS, &dummy)
		if IsConstantTrue(lhs) {
			return lhs
		}
		rhs := SimplifyEqualityExpr(bin.RHS, &dummy)
		if IsConstantTrue(rhs) {
			return rhs
		}
		if IsConstantFalse(lhs) {
			return rhs
		}
		if IsConstantFalse(rhs) {
			return lhs
		}
		return NewOrExpr(lhs, rhs)

	default:
		return expr
	}
}

// SimplifyInterpolantExpr folds constant comparisons, rewrites
// negated comparisons (Eq false cmp) into their complements, and
// collects the atomic comparisons into pack.
func SimplifyInterpolantExpr(expr Expr, pack *[]Expr) Expr {
	bin, ok := expr.(*BinaryExpr)
	if !ok {
		appendUniquePack(pack, expr)
		return expr
	}

	if bin.Op == EQ {
		if lhs, ok := bin.LHS.(*ConstantExpr); ok {
			if rhs, ok := bin.RHS.(*ConstantExpr); ok {
				return NewBoolConstantExpr(lhs.Value == rhs.Value && lhs.Width == rhs.Width)
			}
		}
	}

	if bin.Op != AND {
		// A comparison of the form (Eq false P), with P a comparison,
		// becomes the complement of P.
		if bin.Op == EQ && IsConstantFalse(bin.LHS) {
			if cmp, ok := bin.RHS.(*BinaryExpr); ok {
				switch cmp.Op {
				case SLT: // !(a < b) == b <= a
					expr = NewBinaryExpr(SLE, cmp.RHS, cmp.LHS)
				case SLE: // !(a <= b) == b < a
					expr = NewBinaryExpr(SLT, cmp.RHS, cmp.LHS)
				case ULT:
					expr = NewBinaryExpr(ULE, cmp.RHS, cmp.LHS)
				case ULE:
					expr = NewBinaryExpr(ULT, cmp.RHS, cmp.LHS)
				}
			}
		}
		appendUniquePack(pack, expr)
		return expr
	}

	return NewAndExpr(
		SimplifyInterpolantExpr(bin.LHS, pack),
		SimplifyInterpolantExpr(bin.RHS, pack))
}

// simplifyWithFourierMotzkin is a placeholder for Fourier-Motzkin
// elimination of quantified linear arithmetic; currently the identity.
func simplifyWithFourierMotzkin(expr Expr) Expr {
	return expr
}

// appendUniquePack appends expr to pack unless structurally present.
func appendUniquePack(pack *[]Expr, expr Expr) {
	for _, existing := range *pack {
		if CompareExpr(existing, expr) == 0 {
			return
		}
	}
	*pack = append(*pack, expr)
}

// sortedSiteKeys returns the keys of a singleton store in stable order.
func sortedSiteKeys(m map[ssa.Value]*StoredValue) []ssa.Value {
	keys := make([]ssa.Value, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return sitePointer(keys[i]) < sitePointer(keys[j]) })
	return keys
}

// sortedCompositeKeys returns the keys of a composite store in stable order.
func sortedCompositeKeys(m map[ssa.Value][]*StoredValue) []ssa.Value {
	keys := make([]ssa.Value, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return sitePointer(keys[i]) < sitePointer(keys[j]) })
	return keys
}

// Dump returns the entry as a string.
func (e *SubsumptionTableEntry) Dump() string {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "------------ Subsumption Table Entry ------------")
	fmt.Fprintf(&buf, "Program point = %d\n", e.programPoint)
	if e.interpolant != nil {
		fmt.Fprintf(&buf, "interpolant = %s\n", e.interpolant)
	} else {
		fmt.Fprintln(&buf, "interpolant = (empty)")
	}
	if len(e.singletonStoreKeys) > 0 {
		fmt.Fprint(&buf, "singleton allocations = [")
		for i, site := range e.singletonStoreKeys {
			if i > 0 {
				fmt.Fprint(&buf, ",")
			}
			fmt.Fprintf(&buf, "(%s,%s)", site.Name(), e.singletonStore[site])
		}
		fmt.Fprintln(&buf, "]")
	}
	if len(e.compositeStoreKeys) > 0 {
		fmt.Fprint(&buf, "composite allocations = [")
		for i, site := range e.compositeStoreKeys {
			if i > 0 {
				fmt.Fprint(&buf, ",")
			}
			fmt.Fprintf(&buf, "(%s,%v)", site.Name(), e.compositeStore[site])
		}
		fmt.Fprintln(&buf, "]")
	}
	if len(e.existentials) > 0 {
		fmt.Fprint(&buf, "existentials = [")
		for i, array := range e.existentials {
			if i > 0 {
				fmt.Fprint(&buf, ", ")
			}
			fmt.Fprint(&buf, array.Name())
		}
		fmt.Fprintln(&buf, "]")
	}
	return buf.String()
}
