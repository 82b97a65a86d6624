// Package z3 implements the itree.Solver interface on top of an
// embedded Z3 solver.
package z3

import (
	"fmt"
	"strings"
	"time"
	"unsafe"

	"github.com/benbjohnson/itree"
)

/*
#cgo LDFLAGS: -lz3
#include <z3.h>
#include <stdlib.h>
*/
import "C"

// Ensure solver implements interface.
var _ itree.Solver = (*Solver)(nil)

// Solver decides validity queries with Z3. Unquantified queries run on
// a persistent context; quantified queries run on a fresh context per
// call, bypassing any incremental state.
type Solver struct {
	ctx     *Context
	timeout time.Duration

	unsatCore []itree.Expr

	stats Stats
}

// NewSolver returns a new instance of Solver.
func NewSolver() *Solver {
	return &Solver{ctx: NewContext()}
}

// Close deletes the underlying Z3 context.
func (s *Solver) Close() error {
	return s.ctx.Close()
}

// Stats returns statistics for the solver.
func (s *Solver) Stats() Stats { return s.stats }

// SetTimeout bounds subsequent queries. Zero removes the bound.
func (s *Solver) SetTimeout(d time.Duration) { s.timeout = d }

// UnsatCore returns the subset of the context constraints that
// established the validity of the last Valid result.
func (s *Solver) UnsatCore() []itree.Expr { return s.unsatCore }

// Evaluate reports the validity of query under the constraints of state.
func (s *Solver) Evaluate(state itree.ExecutionState, query itree.Expr) (itree.Validity, error) {
	return s.computeValidity(s.ctx, state.Constraints(), query)
}

// DirectComputeValidity decides a possibly quantified query on a fresh
// context without pre-solving optimizations.
func (s *Solver) DirectComputeValidity(constraints []itree.Expr, query itree.Expr) (itree.Validity, error) {
	ctx := NewContext()
	defer ctx.Close()
	return s.computeValidity(ctx, constraints, query)
}

// computeValidity checks whether constraints imply query: the query is
// valid iff constraints together with its negation are unsatisfiable.
// On validity the unsatisfiability core is retained.
func (s *Solver) computeValidity(ctx *Context, constraints []itree.Expr, query itree.Expr) (itree.Validity, error) {
	t := time.Now()
	defer func() {
		s.stats.QueryN++
		s.stats.QueryTime += time.Since(t)
	}()
	s.unsatCore = nil

	solver := C.Z3_mk_solver(ctx.raw)
	if err := ctx.err("Z3_mk_solver"); err != nil {
		return itree.Unknown, err
	}
	C.Z3_solver_inc_ref(ctx.raw, solver)
	defer C.Z3_solver_dec_ref(ctx.raw, solver)

	if s.timeout > 0 {
		if err := ctx.setSolverTimeout(solver, s.timeout); err != nil {
			return itree.Unknown, err
		}
	}

	// Assert each context constraint tracked by a fresh boolean literal
	// so the unsat core can be mapped back to constraint expressions.
	literals := make(map[string]itree.Expr, len(constraints))
	for i, constraint := range constraints {
		ast, err := ctx.toAST(constraint)
		if err != nil {
			return itree.Unknown, err
		}
		name := fmt.Sprintf("C%d", i)
		literal, err := ctx.makeBoolConst(name)
		if err != nil {
			return itree.Unknown, err
		}
		C.Z3_solver_assert_and_track(ctx.raw, solver, ast, literal)
		if err := ctx.err("Z3_solver_assert_and_track"); err != nil {
			return itree.Unknown, err
		}
		literals[name] = constraint
	}

	// Assert the negation of the query.
	ast, err := ctx.toAST(query)
	if err != nil {
		return itree.Unknown, err
	}
	negated := C.Z3_mk_not(ctx.raw, ast)
	if err := ctx.err("Z3_mk_not"); err != nil {
		return itree.Unknown, err
	}
	C.Z3_solver_assert(ctx.raw, solver, negated)
	if err := ctx.err("Z3_solver_assert"); err != nil {
		return itree.Unknown, err
	}

	switch ret := C.Z3_solver_check(ctx.raw, solver); ret {
	case C.Z3_L_FALSE:
		core, err := ctx.unsatCore(solver, literals)
		if err != nil {
			return itree.Unknown, err
		}
		s.unsatCore = core
		return itree.Valid, nil
	case C.Z3_L_TRUE:
		return itree.Invalid, nil
	default:
		reason := C.GoString(C.Z3_solver_get_reason_unknown(ctx.raw, solver))
		switch {
		case strings.Contains(reason, "timeout"):
			return itree.Unknown, itree.ErrSolverTimeout
		case strings.Contains(reason, "canceled"):
			return itree.Unknown, itree.ErrSolverCanceled
		case strings.Contains(reason, "(resource limits reached)"):
			return itree.Unknown, itree.ErrSolverResourceLimit
		default:
			return itree.Unknown, itree.ErrSolverUnknown
		}
	}
}

// Context represents a Z3 context object that is used for constructing
// expressions.
type Context struct {
	raw C.Z3_context
}

// NewContext returns a new instance of Context.
func NewContext() *Context {
	config := C.Z3_mk_config()
	defer C.Z3_del_config(config)

	raw := C.Z3_mk_context(config)
	C.Z3_set_error_handler(raw, nil)
	C.Z3_set_ast_print_mode(raw, C.Z3_PRINT_SMTLIB2_COMPLIANT)
	return &Context{raw: raw}
}

// Close deletes the underlying Z3 context.
func (ctx *Context) Close() error {
	C.Z3_del_context(ctx.raw)
	return nil
}

// err returns the error for the last API call. Returns nil if the last
// call was successful.
func (ctx *Context) err(op string) error {
	if code := C.Z3_get_error_code(ctx.raw); code != C.Z3_OK {
		return &Error{Code: int(code), Op: op, Message: C.GoString(C.Z3_get_error_msg(ctx.raw, code))}
	}
	return nil
}

// setSolverTimeout bounds a solver's running time.
func (ctx *Context) setSolverTimeout(solver C.Z3_solver, d time.Duration) error {
	params := C.Z3_mk_params(ctx.raw)
	if err := ctx.err("Z3_mk_params"); err != nil {
		return err
	}
	C.Z3_params_inc_ref(ctx.raw, params)
	defer C.Z3_params_dec_ref(ctx.raw, params)

	cname := C.CString("timeout")
	defer C.free(unsafe.Pointer(cname))
	symbol := C.Z3_mk_string_symbol(ctx.raw, cname)
	C.Z3_params_set_uint(ctx.raw, params, symbol, C.uint(d/time.Millisecond))
	C.Z3_solver_set_params(ctx.raw, solver, params)
	return ctx.err("Z3_solver_set_params")
}

// unsatCore maps the solver's unsat core literals back to the tracked
// constraint expressions.
func (ctx *Context) unsatCore(solver C.Z3_solver, literals map[string]itree.Expr) ([]itree.Expr, error) {
	vec := C.Z3_solver_get_unsat_core(ctx.raw, solver)
	if err := ctx.err("Z3_solver_get_unsat_core"); err != nil {
		return nil, err
	}
	C.Z3_ast_vector_inc_ref(ctx.raw, vec)
	defer C.Z3_ast_vector_dec_ref(ctx.raw, vec)

	n := C.Z3_ast_vector_size(ctx.raw, vec)
	core := make([]itree.Expr, 0, int(n))
	for i := C.uint(0); i < n; i++ {
		ast := C.Z3_ast_vector_get(ctx.raw, vec, i)
		name := C.GoString(C.Z3_ast_to_string(ctx.raw, ast))
		if constraint, ok := literals[strings.TrimSpace(name)]; ok {
			core = append(core, constraint)
		}
	}
	return core, nil
}

// toAST returns a new instance of Z3_ast from an itree expression.
func (ctx *Context) toAST(expr itree.Expr) (C.Z3_ast, error) {
	switch expr := expr.(type) {
	case *itree.ConstantExpr:
		return ctx.toConstantAST(expr)
	case *itree.NotOptimizedExpr:
		return ctx.toAST(expr.Src)
	case *itree.SelectExpr:
		return ctx.toSelectAST(expr)
	case *itree.ConcatExpr:
		return ctx.toConcatAST(expr)
	case *itree.ExtractExpr:
		return ctx.toExtractAST(expr)
	case *itree.CastExpr:
		return ctx.toCastAST(expr)
	case *itree.NotExpr:
		return ctx.toNotAST(expr)
	case *itree.ExistsExpr:
		return ctx.toExistsAST(expr)
	case *itree.BinaryExpr:
		return ctx.toBinaryAST(expr)
	default:
		return nil, fmt.Errorf("z3.Context.toAST: invalid expression type: %T", expr)
	}
}

func (ctx *Context) toConstantAST(expr *itree.ConstantExpr) (C.Z3_ast, error) {
	if expr.Width == 1 {
		if expr.IsTrue() {
			return C.Z3_mk_true(ctx.raw), ctx.err("Z3_mk_true")
		}
		return C.Z3_mk_false(ctx.raw), ctx.err("Z3_mk_false")
	} else if expr.Width <= 64 {
		return ctx.makeUint64(expr.Width, expr.Value)
	}
	return nil, fmt.Errorf("z3.Context.toConstantAST: invalid expression width: %d", expr.Width)
}

func (ctx *Context) toSelectAST(expr *itree.SelectExpr) (C.Z3_ast, error) {
	array, err := ctx.makeArrayWithUpdate(expr.Array, expr.Array.Updates)
	if err != nil {
		return nil, err
	}
	index, err := ctx.toAST(expr.Index)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_select(ctx.raw, array, index), ctx.err("Z3_mk_select")
}

func (ctx *Context) toConcatAST(expr *itree.ConcatExpr) (C.Z3_ast, error) {
	msb, err := ctx.toAST(expr.MSB)
	if err != nil {
		return nil, err
	}
	lsb, err := ctx.toAST(expr.LSB)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_concat(ctx.raw, msb, lsb), ctx.err("Z3_mk_concat")
}

func (ctx *Context) toExtractAST(expr *itree.ExtractExpr) (C.Z3_ast, error) {
	src, err := ctx.toAST(expr.Expr)
	if err != nil {
		return nil, err
	}

	// A single-bit extraction converts to the bool sort via equality.
	if expr.Width == 1 {
		bit := C.Z3_mk_extract(ctx.raw, C.uint(expr.Offset), C.uint(expr.Offset), src)
		if err := ctx.err("Z3_mk_extract[bool]"); err != nil {
			return nil, err
		}
		one, err := ctx.makeUint64(1, 1)
		if err != nil {
			return nil, err
		}
		return C.Z3_mk_eq(ctx.raw, bit, one), ctx.err("Z3_mk_eq")
	}

	return C.Z3_mk_extract(ctx.raw, C.uint(expr.Offset+expr.Width-1), C.uint(expr.Offset), src), ctx.err("Z3_mk_extract")
}

func (ctx *Context) toCastAST(expr *itree.CastExpr) (C.Z3_ast, error) {
	src, err := ctx.toAST(expr.Src)
	if err != nil {
		return nil, err
	}

	// Convert boolean cast to an if-then-else expression.
	if itree.ExprWidth(expr.Src) == 1 {
		one := uint64(1)
		if expr.Signed {
			one = ^uint64(0)
		}
		whenTrue, err := ctx.makeUint64(expr.Width, one)
		if err != nil {
			return nil, err
		}
		whenFalse, err := ctx.makeUint64(expr.Width, 0)
		if err != nil {
			return nil, err
		}
		return C.Z3_mk_ite(ctx.raw, src, whenTrue, whenFalse), ctx.err("Z3_mk_ite")
	}

	ext := C.uint(expr.Width - itree.ExprWidth(expr.Src))
	if expr.Signed {
		return C.Z3_mk_sign_ext(ctx.raw, ext, src), ctx.err("Z3_mk_sign_ext")
	}
	return C.Z3_mk_zero_ext(ctx.raw, ext, src), ctx.err("Z3_mk_zero_ext")
}

func (ctx *Context) toNotAST(expr *itree.NotExpr) (C.Z3_ast, error) {
	src, err := ctx.toAST(expr.Expr)
	if err != nil {
		return nil, err
	}
	if itree.ExprWidth(expr.Expr) == 1 {
		return C.Z3_mk_not(ctx.raw, src), ctx.err("Z3_mk_not")
	}
	return C.Z3_mk_bvnot(ctx.raw, src), ctx.err("Z3_mk_bvnot")
}

func (ctx *Context) toExistsAST(expr *itree.ExistsExpr) (C.Z3_ast, error) {
	body, err := ctx.toAST(expr.Body)
	if err != nil {
		return nil, err
	}

	bound := make([]C.Z3_app, len(expr.Vars))
	for i, array := range expr.Vars {
		constant, err := ctx.makeArrayConst(array)
		if err != nil {
			return nil, err
		}
		bound[i] = C.Z3_to_app(ctx.raw, constant)
		if err := ctx.err("Z3_to_app"); err != nil {
			return nil, err
		}
	}
	return C.Z3_mk_exists_const(ctx.raw, 0, C.uint(len(bound)), &bound[0], 0, nil, body), ctx.err("Z3_mk_exists_const")
}

func (ctx *Context) toBinaryAST(expr *itree.BinaryExpr) (C.Z3_ast, error) {
	lhs, err := ctx.toAST(expr.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := ctx.toAST(expr.RHS)
	if err != nil {
		return nil, err
	}
	boolean := itree.ExprWidth(expr.LHS) == 1

	switch expr.Op {
	case itree.ADD:
		return C.Z3_mk_bvadd(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvadd")
	case itree.SUB:
		return C.Z3_mk_bvsub(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvsub")
	case itree.MUL:
		return C.Z3_mk_bvmul(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvmul")
	case itree.UDIV:
		return C.Z3_mk_bvudiv(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvudiv")
	case itree.SDIV:
		return C.Z3_mk_bvsdiv(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvsdiv")
	case itree.UREM:
		return C.Z3_mk_bvurem(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvurem")
	case itree.SREM:
		return C.Z3_mk_bvsrem(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvsrem")
	case itree.AND:
		if boolean {
			args := [2]C.Z3_ast{lhs, rhs}
			return C.Z3_mk_and(ctx.raw, 2, &args[0]), ctx.err("Z3_mk_and")
		}
		return C.Z3_mk_bvand(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvand")
	case itree.OR:
		if boolean {
			args := [2]C.Z3_ast{lhs, rhs}
			return C.Z3_mk_or(ctx.raw, 2, &args[0]), ctx.err("Z3_mk_or")
		}
		return C.Z3_mk_bvor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvor")
	case itree.XOR:
		if boolean {
			return C.Z3_mk_xor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_xor")
		}
		return C.Z3_mk_bvxor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvxor")
	case itree.SHL:
		return C.Z3_mk_bvshl(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvshl")
	case itree.LSHR:
		return C.Z3_mk_bvlshr(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvlshr")
	case itree.ASHR:
		return C.Z3_mk_bvashr(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvashr")
	case itree.EQ:
		if boolean {
			return C.Z3_mk_iff(ctx.raw, lhs, rhs), ctx.err("Z3_mk_iff")
		}
		return C.Z3_mk_eq(ctx.raw, lhs, rhs), ctx.err("Z3_mk_eq")
	case itree.ULT:
		return C.Z3_mk_bvult(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvult")
	case itree.ULE:
		return C.Z3_mk_bvule(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvule")
	case itree.SLT:
		return C.Z3_mk_bvslt(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvslt")
	case itree.SLE:
		return C.Z3_mk_bvsle(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvsle")
	default:
		return nil, fmt.Errorf("z3.Context.toBinaryAST: unexpected operation: %s", expr.Op)
	}
}

func (ctx *Context) makeBVSort(width uint) (C.Z3_sort, error) {
	return C.Z3_mk_bv_sort(ctx.raw, C.uint(width)), ctx.err("Z3_mk_bv_sort")
}

func (ctx *Context) makeUint64(width uint, value uint64) (C.Z3_ast, error) {
	t, err := ctx.makeBVSort(width)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_unsigned_int64(ctx.raw, C.ulonglong(value), t), ctx.err("Z3_mk_unsigned_int64")
}

func (ctx *Context) makeBoolConst(name string) (C.Z3_ast, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	symbol := C.Z3_mk_string_symbol(ctx.raw, cname)
	sort := C.Z3_mk_bool_sort(ctx.raw)
	if err := ctx.err("Z3_mk_bool_sort"); err != nil {
		return nil, err
	}
	return C.Z3_mk_const(ctx.raw, symbol, sort), ctx.err("Z3_mk_const")
}

// makeArrayConst returns the root constant array with no updates.
func (ctx *Context) makeArrayConst(array *itree.Array) (C.Z3_ast, error) {
	domainSort := C.Z3_mk_bv_sort(ctx.raw, C.uint(itree.Width64))
	if err := ctx.err("Z3_mk_bv_sort[domain]"); err != nil {
		return nil, err
	}
	rangeSort := C.Z3_mk_bv_sort(ctx.raw, C.uint(itree.Width8))
	if err := ctx.err("Z3_mk_bv_sort[range]"); err != nil {
		return nil, err
	}
	arraySort := C.Z3_mk_array_sort(ctx.raw, domainSort, rangeSort)
	if err := ctx.err("Z3_mk_array_sort"); err != nil {
		return nil, err
	}

	cname := C.CString(array.Name())
	defer C.free(unsafe.Pointer(cname))
	nameSymbol := C.Z3_mk_string_symbol(ctx.raw, cname)

	return C.Z3_mk_const(ctx.raw, nameSymbol, arraySort), ctx.err("Z3_mk_const")
}

// makeArrayWithUpdate returns an array with updates recursively applied.
func (ctx *Context) makeArrayWithUpdate(root *itree.Array, upd *itree.ArrayUpdate) (C.Z3_ast, error) {
	if upd == nil {
		return ctx.makeArrayConst(root)
	}

	array, err := ctx.makeArrayWithUpdate(root, upd.Next)
	if err != nil {
		return nil, err
	}
	index, err := ctx.toAST(upd.Index)
	if err != nil {
		return nil, err
	}
	value, err := ctx.toAST(upd.Value)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_store(ctx.raw, array, index, value), ctx.err("Z3_mk_store")
}

// Error represents an error from the Z3 API.
type Error struct {
	Code    int
	Op      string
	Message string
}

// Error returns the error as a string.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Message, e.Code)
}

// Stats aggregates solver usage.
type Stats struct {
	QueryN    int
	QueryTime time.Duration
}
