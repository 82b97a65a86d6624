package itree

import (
	"bytes"
	"fmt"
	"time"
)

// TimeStat accumulates the running time of one named method.
type TimeStat struct {
	amount time.Duration
	last   time.Time
}

// Start begins a measurement unless one is already running.
func (s *TimeStat) Start() {
	if s.last.IsZero() {
		s.last = time.Now()
	}
}

// End finishes the current measurement.
func (s *TimeStat) End() {
	if !s.last.IsZero() {
		s.amount += time.Since(s.last)
		s.last = time.Time{}
	}
}

// Get returns the accumulated time.
func (s *TimeStat) Get() time.Duration { return s.amount }

// Stats aggregates method running times and solver counters for one
// tree.
type Stats struct {
	// ITree methods.
	SetCurrentNodeTime               TimeStat
	RemoveTime                       TimeStat
	CheckCurrentStateSubsumptionTime TimeStat
	MarkPathConditionTime            TimeStat
	SplitTime                        TimeStat
	ExecuteTime                      TimeStat
	ExecuteMemoryOperationTime       TimeStat
	ExecutePHITime                   TimeStat

	// ITreeNode methods.
	GetInterpolantTime    TimeStat
	AddConstraintTime     TimeStat
	MakeMarkerMapTime     TimeStat
	BindCallArgumentsTime TimeStat
	BindReturnValueTime   TimeStat
	StoredExpressionsTime TimeStat
	ActualSolverCallTime  TimeStat

	// Solver counters for subsumption checks.
	CheckSolverCount        uint64
	CheckSolverFailureCount uint64
}

// Dump returns the statistics as a human-readable string.
func (s *Stats) Dump() string {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "ITree method execution times:")
	fmt.Fprintf(&buf, "    setCurrentNode = %s\n", s.SetCurrentNodeTime.Get())
	fmt.Fprintf(&buf, "    remove = %s\n", s.RemoveTime.Get())
	fmt.Fprintf(&buf, "    checkCurrentStateSubsumption = %s\n", s.CheckCurrentStateSubsumptionTime.Get())
	fmt.Fprintf(&buf, "    markPathCondition = %s\n", s.MarkPathConditionTime.Get())
	fmt.Fprintf(&buf, "    split = %s\n", s.SplitTime.Get())
	fmt.Fprintf(&buf, "    execute = %s\n", s.ExecuteTime.Get())
	fmt.Fprintf(&buf, "    executeMemoryOperation = %s\n", s.ExecuteMemoryOperationTime.Get())
	fmt.Fprintf(&buf, "    executePHI = %s\n", s.ExecutePHITime.Get())
	fmt.Fprintln(&buf, "ITreeNode method execution times:")
	fmt.Fprintf(&buf, "    getInterpolant = %s\n", s.GetInterpolantTime.Get())
	fmt.Fprintf(&buf, "    addConstraint = %s\n", s.AddConstraintTime.Get())
	fmt.Fprintf(&buf, "    makeMarkerMap = %s\n", s.MakeMarkerMapTime.Get())
	fmt.Fprintf(&buf, "    bindCallArguments = %s\n", s.BindCallArgumentsTime.Get())
	fmt.Fprintf(&buf, "    bindReturnValue = %s\n", s.BindReturnValueTime.Get())
	fmt.Fprintf(&buf, "    storedExpressions = %s\n", s.StoredExpressionsTime.Get())
	fmt.Fprintf(&buf, "Subsumption check timings:\n")
	fmt.Fprintf(&buf, "    actual solver call time = %s\n", s.ActualSolverCallTime.Get())
	fmt.Fprintf(&buf, "    solver calls (failed) = %d (%d)\n", s.CheckSolverCount, s.CheckSolverFailureCount)
	return buf.String()
}
