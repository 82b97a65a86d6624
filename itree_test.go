package itree_test

import (
	"fmt"
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"testing"
	"time"

	"github.com/benbjohnson/itree"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// MustBuildSSA parses src as a single-file package and builds it in
// SSA form. Fatal on error.
func MustBuildSSA(tb testing.TB, src string) *ssa.Package {
	tb.Helper()

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "p.go", src, 0)
	if err != nil {
		tb.Fatal(err)
	}

	pkg := types.NewPackage("p", "")
	conf := &types.Config{Importer: importer.Default()}
	ssapkg, _, err := ssautil.BuildPackage(conf, fset, pkg, []*ast.File{file}, ssa.SanityCheckFunctions)
	if err != nil {
		tb.Fatal(err)
	}
	return ssapkg
}

// MustFindFunction returns the package function with the given name.
func MustFindFunction(tb testing.TB, pkg *ssa.Package, name string) *ssa.Function {
	tb.Helper()

	fn := pkg.Func(name)
	if fn == nil {
		tb.Fatalf("function %q not found", name)
	}
	return fn
}

// findInstr returns the first instruction of fn matched by fm.
func findInstr(fn *ssa.Function, fm func(ssa.Instruction) bool) ssa.Instruction {
	for _, blk := range fn.Blocks {
		for _, instr := range blk.Instrs {
			if fm(instr) {
				return instr
			}
		}
	}
	return nil
}

// MustFindAlloc returns the first alloc instruction of fn.
func MustFindAlloc(tb testing.TB, fn *ssa.Function) *ssa.Alloc {
	tb.Helper()
	instr := findInstr(fn, func(i ssa.Instruction) bool {
		_, ok := i.(*ssa.Alloc)
		return ok
	})
	if instr == nil {
		tb.Fatalf("no alloc instruction in %s", fn)
	}
	return instr.(*ssa.Alloc)
}

// MustFindStore returns the i-th store instruction of fn.
func MustFindStore(tb testing.TB, fn *ssa.Function, i int) *ssa.Store {
	tb.Helper()
	n := 0
	instr := findInstr(fn, func(instr ssa.Instruction) bool {
		if _, ok := instr.(*ssa.Store); ok {
			if n == i {
				return true
			}
			n++
		}
		return false
	})
	if instr == nil {
		tb.Fatalf("store instruction #%d not found in %s", i, fn)
	}
	return instr.(*ssa.Store)
}

// MustFindIf returns the first if instruction of fn.
func MustFindIf(tb testing.TB, fn *ssa.Function) *ssa.If {
	tb.Helper()
	instr := findInstr(fn, func(i ssa.Instruction) bool {
		_, ok := i.(*ssa.If)
		return ok
	})
	if instr == nil {
		tb.Fatalf("no if instruction in %s", fn)
	}
	return instr.(*ssa.If)
}

// testState is a minimal executor state for driving the tree.
type testState struct {
	constraints []itree.Expr
	instr       ssa.Instruction
}

func (s *testState) Constraints() []itree.Expr { return s.constraints }
func (s *testState) Instr() ssa.Instruction    { return s.instr }

// testSolver is a scripted solver. Every call reports the configured
// validity and error; the zero value always reports Unknown.
type testSolver struct {
	validity itree.Validity
	err      error
	core     []itree.Expr

	evaluateN int
	directN   int
	timeout   time.Duration
}

func (s *testSolver) Evaluate(state itree.ExecutionState, query itree.Expr) (itree.Validity, error) {
	s.evaluateN++
	return s.validity, s.err
}

func (s *testSolver) DirectComputeValidity(constraints []itree.Expr, query itree.Expr) (itree.Validity, error) {
	s.directN++
	return s.validity, s.err
}

func (s *testSolver) UnsatCore() []itree.Expr { return s.core }

func (s *testSolver) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// symbolicRead returns a width-bit read of a fresh symbolic array.
func symbolicRead(id uint64, width uint) itree.Expr {
	array := itree.NewArray(id, width/8)
	expr := itree.NewSelectExpr(array, itree.NewConstantExpr64(0))
	for w := uint(8); w < width; w += 8 {
		expr = itree.NewConcatExpr(
			itree.NewSelectExpr(array, itree.NewConstantExpr64(uint64(w/8))), expr)
	}
	return expr
}

func exprEq(a, b itree.Expr) bool { return itree.CompareExpr(a, b) == 0 }

func fmtExprs(a []itree.Expr) string { return fmt.Sprintf("%v", a) }
