// Package itree implements an interpolation tree for subsumption-based
// pruning in a symbolic executor.
//
// The tree shadows the executor's path tree. Each node carries the path
// condition accumulated from the root, an abstract memory dependency
// tracker, and a program-point id. When a fully-explored node is
// removed, it is generalized into a subsumption table entry: an
// interpolant formula over shadow (existentially-quantified) arrays
// plus snapshots of the memory store restricted to the values the
// unsatisfiability cores actually depended on. When the executor later
// reaches the same program point, the table decides whether the new
// state is weaker than a recorded entry, in which case the path is
// abandoned.
package itree

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/tools/go/ssa"
)

// Standard widths.
const (
	WidthBool = 1
	Width8    = 8
	Width16   = 16
	Width32   = 32
	Width64   = 64
)

var (
	ErrSolverTimeout       = errors.New("Solver timeout")
	ErrSolverCanceled      = errors.New("Solver canceled")
	ErrSolverResourceLimit = errors.New("Solver resource limit")
	ErrSolverUnknown       = errors.New("Solver unknown error")
)

// Validity is the result of a solver validity query.
type Validity int

const (
	Unknown = Validity(iota)
	Valid
	Invalid
)

// String returns the string representation of the validity.
func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ExecutionState is the view of the executor's state required by the
// subsumption engine.
type ExecutionState interface {
	// Constraints returns the path condition collected by the executor.
	// Used as the context of solver queries.
	Constraints() []Expr

	// Instr returns the current program counter instruction.
	Instr() ssa.Instruction
}

// Solver decides validity queries for subsumption checks.
type Solver interface {
	// Evaluate reports the validity of query under the constraints of state.
	Evaluate(state ExecutionState, query Expr) (Validity, error)

	// DirectComputeValidity decides a possibly quantified query on a fresh
	// solver instance, bypassing any pre-solving cache.
	DirectComputeValidity(constraints []Expr, query Expr) (Validity, error)

	// UnsatCore returns the unsatisfiable core of the last Valid result.
	UnsatCore() []Expr

	// SetTimeout bounds subsequent queries. Zero removes the bound.
	SetTimeout(d time.Duration)
}

// Options control debug facilities of the tree.
type Options struct {
	// OutputTree enables recording of the search tree for DOT rendering.
	OutputTree bool

	// TimeStat enables collection of per-method running times.
	TimeStat bool

	// DebugSubsumption sets the verbosity of subsumption check logging.
	DebugSubsumption int
}

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}
