package itree

import (
	"bytes"
	"fmt"
	"go/token"
	"go/types"
	"log"

	"github.com/benbjohnson/immutable"
	"golang.org/x/tools/go/ssa"
)

// ConcreteStore maps allocation sites to their concretely-addressed
// store entries, keyed by stored address under weak comparison.
type ConcreteStore map[ssa.Value]*immutable.SortedMap // *StoredAddress -> *StoredValue

// AddressValuePair is one symbolically-addressed store entry.
type AddressValuePair struct {
	Address *StoredAddress
	Value   *StoredValue
}

// SymbolicStore maps allocation sites to their symbolically-addressed
// store entries.
type SymbolicStore map[ssa.Value][]AddressValuePair

// externalFunctions is the closed set of recognized external function
// names, mapping each to whether its result is a pointer into a fresh
// allocation. External calls outside this set fall back to a default
// handler. The only mangled C++ names in the set are operator new and
// operator new[]; mangled stream operations are not recognized.
var externalFunctions = map[string]bool{
	"_Znwm":            true, // operator new(unsigned long)
	"_Znam":            true, // operator new[](unsigned long)
	"malloc":           true,
	"realloc":          true,
	"calloc":           true,
	"getenv":           true,
	"__ctype_b_loc":    true,
	"__errno_location": true,
	"getpagesize":      false,
	"ioctl":            false,
	"puts":             false,
	"fflush":           false,
	"strcmp":           false,
	"strncmp":          false,
	"geteuid":          false,
	"syscall":          false,
	"printf":           false,
	"vprintf":          false,
	"fchmodat":         false,
	"fchownat":         false,
	"powl":             false,
	"gettimeofday":     false,
}

// isRecognizedExternal returns the allocation shape for a recognized
// external function name. klee_get_value variants are matched by prefix.
func isRecognizedExternal(name string) (pointer, ok bool) {
	if pointer, ok = externalFunctions[name]; ok {
		return pointer, true
	}
	if len(name) >= 14 && name[:14] == "klee_get_value" {
		return false, true
	}
	return false, false
}

// Dependency tracks, for one tree node, the memory regions upon which
// unsatisfiability cores depend. It maintains a shadow store mapping
// memory locations to versioned values, and a flow graph between
// versioned values, built by transferring each executed instruction.
// When a constraint enters an unsatisfiability core, the flow graph
// identifies which store entries must be part of the node's summary.
type Dependency struct {
	parent *Dependency
	target *TargetData

	// Argument values being passed into the next call.
	argumentValues []*VersionedValue

	globalFrame *StoreFrame
	stack       []*StoreFrame

	// Versioned values of this node keyed by SSA value; the last
	// inserted is the newest version.
	values map[ssa.Value][]*VersionedValue

	// Locations of this node and its ancestors needed for the core.
	coreLocations map[*MemoryLocation]struct{}
}

// NewDependency returns a tracker inheriting the store of parent.
// Frames are cloned shallowly: the underlying persistent maps are
// shared until either side mutates.
func NewDependency(parent *Dependency, target *TargetData) *Dependency {
	d := &Dependency{
		parent:        parent,
		target:        target,
		values:        make(map[ssa.Value][]*VersionedValue),
		coreLocations: make(map[*MemoryLocation]struct{}),
	}
	if parent != nil {
		d.target = parent.target
		d.globalFrame = parent.globalFrame.Clone()
		d.stack = make([]*StoreFrame, len(parent.stack))
		for i := range parent.stack {
			d.stack[i] = parent.stack[i].Clone()
		}
	} else {
		d.globalFrame = NewStoreFrame(nil, nil)
	}
	return d
}

// Parent returns the tracker of the parent tree node.
func (d *Dependency) Parent() *Dependency { return d.parent }

// CallHistory returns the call history of the innermost frame.
func (d *Dependency) CallHistory() []ssa.Instruction {
	if len(d.stack) == 0 {
		return nil
	}
	return d.stack[len(d.stack)-1].callHistory
}

// registerNewVersionedValue records vv as the newest version of value.
func (d *Dependency) registerNewVersionedValue(value ssa.Value, vv *VersionedValue) *VersionedValue {
	d.values[value] = append(d.values[value], vv)
	return vv
}

// getNewVersionedValue creates a versioned value for an instruction result.
func (d *Dependency) getNewVersionedValue(value ssa.Value, callHistory []ssa.Instruction, expr Expr) *VersionedValue {
	return d.registerNewVersionedValue(value, NewVersionedValue(value, callHistory, expr))
}

// getNewPointerValue creates a versioned value that is a pointer to the
// base of a fresh allocation.
func (d *Dependency) getNewPointerValue(site ssa.Value, callHistory []ssa.Instruction, address Expr, size uint64) *VersionedValue {
	vv := NewVersionedValue(site, callHistory, address)
	vv.AddLocation(NewMemoryLocation(site, callHistory, address, size))
	return d.registerNewVersionedValue(site, vv)
}

// GetLatestValue returns the newest versioned value of value, searching
// ancestor trackers. Constants carry no dependency information and
// resolve to nil unless constraint is set.
func (d *Dependency) GetLatestValue(value ssa.Value, constraint bool) *VersionedValue {
	if _, ok := value.(*ssa.Const); ok && !constraint {
		return nil
	}
	return d.getLatestValueNoConstantCheck(value)
}

func (d *Dependency) getLatestValueNoConstantCheck(value ssa.Value) *VersionedValue {
	assert(value != nil, "value cannot be nil")
	if versions := d.values[value]; len(versions) > 0 {
		return versions[len(versions)-1]
	}
	if d.parent != nil {
		return d.parent.getLatestValueNoConstantCheck(value)
	}
	return nil
}

// findFrame returns the frame owning loc: the stack frame whose call
// site matches the top of the location's call history, or the global
// frame for history-less locations.
func (d *Dependency) findFrame(loc *MemoryLocation) *StoreFrame {
	history := loc.Context().CallHistory()
	if len(history) == 0 {
		return d.globalFrame
	}
	callsite := history[len(history)-1]
	for i := len(d.stack) - 1; i >= 0; i-- {
		if d.stack[i].callsite == callsite && len(d.stack[i].callHistory) == len(history) {
			return d.stack[i]
		}
	}
	return d.globalFrame
}

// currentFrame returns the innermost frame.
func (d *Dependency) currentFrame() *StoreFrame {
	if len(d.stack) == 0 {
		return d.globalFrame
	}
	return d.stack[len(d.stack)-1]
}

// Execute transfers one instruction through the abstract store and the
// flow graph. args carries the operand expressions in the executor's
// order, with the result expression at index 0 when the instruction
// produces a value.
func (d *Dependency) Execute(instr ssa.Instruction, callHistory []ssa.Instruction, args []Expr) {
	switch instr := instr.(type) {
	case *ssa.If:
		d.executeBranch(instr, callHistory, args)
	case *ssa.Alloc:
		d.executeAlloc(instr, callHistory, args)
	case *ssa.UnOp:
		if instr.Op == token.MUL {
			d.executeLoad(instr, callHistory, args)
		} else {
			d.executeUnary(instr, callHistory, args)
		}
	case *ssa.Store:
		d.executeStore(instr, callHistory, args)
	case *ssa.IndexAddr:
		d.executeOffset(instr, instr.X, callHistory, args)
	case *ssa.FieldAddr:
		d.executeOffset(instr, instr.X, callHistory, args)
	case *ssa.Slice:
		d.executeOffset(instr, instr.X, callHistory, args)
	case *ssa.Convert:
		d.executeCast(instr, instr.X, callHistory, args)
	case *ssa.ChangeType:
		d.executeCast(instr, instr.X, callHistory, args)
	case *ssa.BinOp:
		d.executeBinary(instr, callHistory, args)
	case *ssa.Select:
		d.executeSelect(instr, callHistory, args)
	case *ssa.Jump, *ssa.Return, *ssa.RunDefers, *ssa.DebugRef:
		// No dependency effect; returns are handled by BindReturnValue.
	case *ssa.Phi:
		panic("phi must be transferred via ExecutePHI")
	default:
		d.executeDefault(instr, callHistory, args)
	}
}

// executeBranch marks the flow of a conditional branch condition as core.
func (d *Dependency) executeBranch(instr *ssa.If, callHistory []ssa.Instruction, args []Expr) {
	assert(len(args) == 1, "unhandled instruction arguments number")
	cond := d.getLatestValueNoConstantCheck(instr.Cond)
	if cond == nil {
		if _, ok := instr.Cond.(*ssa.Const); ok {
			return
		}
		cond = d.getNewVersionedValue(instr.Cond, callHistory, args[0])
	}
	d.MarkFlow(cond, "branch condition "+positionString(instr))
}

// executeAlloc creates a pointer to a fresh allocation sized by the
// allocated type.
func (d *Dependency) executeAlloc(instr *ssa.Alloc, callHistory []ssa.Instruction, args []Expr) {
	assert(len(args) == 1, "unhandled instruction arguments number")
	size := uint64(d.target.Sizeof(deref(instr.Type())) / 8)
	d.getNewPointerValue(instr, callHistory, args[0], size)
}

// executeLoad reads every location of the address value from its frame.
// A location never written is populated with the freshly loaded value
// so that subsequent loads observe a consistent value.
func (d *Dependency) executeLoad(instr *ssa.UnOp, callHistory []ssa.Instruction, args []Expr) {
	assert(len(args) == 2, "unhandled instruction arguments number")
	valueExpr, addressExpr := args[0], args[1]

	addrVal := d.GetLatestValue(instr.X, false)
	if addrVal == nil || !addrVal.IsPointer() {
		// Address value never allocated: synthesize an unknown-size
		// location and continue.
		addrVal = d.getNewPointerValue(instr.X, callHistory, addressExpr, 0)
	}

	loadVal := d.getNewVersionedValue(instr, callHistory, valueExpr)
	loadVal.loadAddress = addrVal
	for _, loc := range addrVal.Locations() {
		frame := d.findFrame(loc)
		if _, stored, ok := frame.Read(loc); ok {
			loadVal.AddDependency(stored, loc)
		} else {
			frame.UpdateStore(loc, addrVal, loadVal)
		}
	}
}

// executeStore writes the stored value into every location of the
// address value.
func (d *Dependency) executeStore(instr *ssa.Store, callHistory []ssa.Instruction, args []Expr) {
	assert(len(args) == 2, "unhandled instruction arguments number")
	valueExpr, addressExpr := args[0], args[1]

	dataVal := d.GetLatestValue(instr.Val, false)
	if dataVal == nil {
		dataVal = d.getNewVersionedValue(instr.Val, callHistory, valueExpr)
	}
	addrVal := d.GetLatestValue(instr.Addr, false)
	if addrVal == nil || !addrVal.IsPointer() {
		addrVal = d.getNewPointerValue(instr.Addr, callHistory, addressExpr, 0)
	}
	dataVal.storeAddress = addrVal

	for _, loc := range addrVal.Locations() {
		d.findFrame(loc).UpdateStore(loc, addrVal, dataVal)
	}
}

// executeOffset transfers an address computation (index, field, or
// slice): the result points into the same allocations as the base,
// displaced by the offset delta. A candidate location whose concrete
// arithmetic contradicts the result address is skipped when other
// candidates exist.
func (d *Dependency) executeOffset(instr ssa.Value, base ssa.Value, callHistory []ssa.Instruction, args []Expr) {
	assert(len(args) == 3, "unhandled instruction arguments number")
	resultExpr, baseExpr, deltaExpr := args[0], args[1], args[2]

	baseVal := d.GetLatestValue(base, false)
	if baseVal == nil || !baseVal.IsPointer() {
		baseVal = d.getNewPointerValue(base, callHistory, baseExpr, 0)
	}

	newVal := d.getNewVersionedValue(instr, callHistory, resultExpr)
	newVal.AddDependency(baseVal, nil)

	locations := baseVal.Locations()
	for _, loc := range locations {
		if len(locations) > 1 && offsetContradicts(loc, deltaExpr, resultExpr) {
			continue
		}
		newVal.AddLocation(NewMemoryLocationWithOffset(loc, resultExpr, deltaExpr))
	}
}

// offsetContradicts reports whether concrete arithmetic rules the
// candidate location out: base + offset + delta must equal the result
// address when all are constant.
func offsetContradicts(loc *MemoryLocation, delta, result Expr) bool {
	base, ok := loc.Base().(*ConstantExpr)
	if !ok {
		return false
	}
	offset, ok := loc.Offset().(*ConstantExpr)
	if !ok {
		return false
	}
	deltaConst, ok := delta.(*ConstantExpr)
	if !ok {
		return false
	}
	resultConst, ok := result.(*ConstantExpr)
	if !ok {
		return false
	}
	return base.Value+offset.Value+deltaConst.Value != resultConst.Value
}

// executeCast transfers a type conversion. Integer-to-pointer casts
// derive a location from the integer operand; pointer-to-integer casts
// keep the flow but clear the location flag; all other casts are pure
// flow.
func (d *Dependency) executeCast(instr ssa.Value, operand ssa.Value, callHistory []ssa.Instruction, args []Expr) {
	assert(len(args) == 2, "unhandled instruction arguments number")
	resultExpr := args[0]

	src := d.GetLatestValue(operand, false)
	newVal := d.getNewVersionedValue(instr, callHistory, resultExpr)
	if src == nil {
		return // constants kill dependencies
	}
	newVal.AddDependency(src, nil)

	srcPointer, dstPointer := isPointerType(operand.Type()), isPointerType(instr.Type())
	switch {
	case dstPointer && !srcPointer:
		// Integer used as an address: derive a fresh unknown-size location.
		newVal.AddLocation(NewMemoryLocation(instr, callHistory, resultExpr, 0))
	case dstPointer && srcPointer:
		for _, loc := range src.Locations() {
			newVal.AddLocation(loc)
		}
	}
}

// executeBinary transfers an arithmetic or comparison instruction:
// a new non-pointer value flowing from both operands.
func (d *Dependency) executeBinary(instr *ssa.BinOp, callHistory []ssa.Instruction, args []Expr) {
	assert(len(args) == 3, "unhandled instruction arguments number")
	newVal := d.getNewVersionedValue(instr, callHistory, args[0])
	if op1 := d.GetLatestValue(instr.X, false); op1 != nil {
		newVal.AddDependency(op1, nil)
	}
	if op2 := d.GetLatestValue(instr.Y, false); op2 != nil {
		newVal.AddDependency(op2, nil)
	}
}

// executeUnary transfers a non-load unary instruction as pure flow.
func (d *Dependency) executeUnary(instr *ssa.UnOp, callHistory []ssa.Instruction, args []Expr) {
	assert(len(args) == 2, "unhandled instruction arguments number")
	newVal := d.getNewVersionedValue(instr, callHistory, args[0])
	if src := d.GetLatestValue(instr.X, false); src != nil {
		newVal.AddDependency(src, nil)
	}
}

// executeSelect transfers a select instruction: the result flows from
// every operand.
func (d *Dependency) executeSelect(instr *ssa.Select, callHistory []ssa.Instruction, args []Expr) {
	assert(len(args) >= 1, "unhandled instruction arguments number")
	newVal := d.getNewVersionedValue(instr, callHistory, args[0])
	for _, state := range instr.States {
		if state.Send != nil {
			if op := d.GetLatestValue(state.Send, false); op != nil {
				newVal.AddDependency(op, nil)
			}
		}
		if op := d.GetLatestValue(state.Chan, false); op != nil {
			newVal.AddDependency(op, nil)
		}
	}
}

// executeDefault handles instructions without a dedicated transfer:
// a result value flowing from every register operand.
func (d *Dependency) executeDefault(instr ssa.Instruction, callHistory []ssa.Instruction, args []Expr) {
	value, ok := instr.(ssa.Value)
	if !ok || len(args) == 0 {
		return
	}
	newVal := d.getNewVersionedValue(value, callHistory, args[0])
	var rands []*ssa.Value
	for _, rand := range instr.Operands(rands) {
		if rand == nil || *rand == nil {
			continue
		}
		if op := d.GetLatestValue(*rand, false); op != nil && op != newVal {
			newVal.AddDependency(op, nil)
		}
	}
}

// ExecutePHI transfers a phi instruction using the index of the basic
// block the execution arrived from.
func (d *Dependency) ExecutePHI(instr *ssa.Phi, incomingBlock int, callHistory []ssa.Instruction, valueExpr Expr) {
	assert(incomingBlock >= 0 && incomingBlock < len(instr.Edges), "phi incoming block out of range: %d", incomingBlock)
	operand := instr.Edges[incomingBlock]

	newVal := d.getNewVersionedValue(instr, callHistory, valueExpr)
	if val := d.GetLatestValue(operand, false); val != nil {
		newVal.AddDependency(val, nil)
	} else if _, ok := operand.(*ssa.Const); !ok {
		assert(false, "phi operand not found: %s", operand.Name())
	}
}

// ExecuteMemoryOperation transfers a load or store, additionally
// marking the address flow as core when the executor's bounds check
// succeeded, so the memory-bound weakest precondition becomes part of
// the node's summary.
func (d *Dependency) ExecuteMemoryOperation(instr ssa.Instruction, callHistory []ssa.Instruction, args []Expr, boundsCheckPassed bool) {
	if boundsCheckPassed {
		var addr ssa.Value
		var addressExpr Expr
		switch instr := instr.(type) {
		case *ssa.UnOp:
			addr, addressExpr = instr.X, args[1]
		case *ssa.Store:
			addr, addressExpr = instr.Addr, args[1]
		}
		if addr != nil {
			var bounds []Expr
			d.MarkAllPointerValues(addr, addressExpr, &bounds, "pointer use "+positionString(instr))
		}
	}
	d.Execute(instr, callHistory, args)
}

// ExecuteExternalCall transfers a call to a function without a body.
// Recognized names deduce the allocation shape of the result; unknown
// externals mark every pointer argument as core and produce a result
// with no argument flow.
func (d *Dependency) ExecuteExternalCall(instr ssa.CallInstruction, callHistory []ssa.Instruction, args []Expr) {
	name := externalCallName(instr)
	value, _ := instr.(ssa.Value)

	pointer, recognized := isRecognizedExternal(name)
	if !recognized {
		for i, operand := range instr.Common().Args {
			if !isPointerType(operand.Type()) {
				continue
			}
			if arg := d.GetLatestValue(operand, false); arg != nil {
				var bounds []Expr
				expr := Expr(nil)
				if i+1 < len(args) {
					expr = args[i+1]
				}
				d.markAllPointerValues(arg, expr, &bounds, "parameter of external call "+positionString(instr))
			}
		}
		if value != nil && len(args) > 0 {
			log.Printf("[subsume] using default handler for external function %s", name)
			d.getNewVersionedValue(value, callHistory, args[0])
		}
		return
	}

	if value == nil || len(args) == 0 {
		return
	}
	if pointer {
		size := externalAllocSize(name, args)
		d.getNewPointerValue(value, callHistory, args[0], size)
		return
	}

	newVal := d.getNewVersionedValue(value, callHistory, args[0])
	for _, operand := range instr.Common().Args {
		if arg := d.GetLatestValue(operand, false); arg != nil {
			newVal.AddDependency(arg, nil)
		}
	}
}

// externalAllocSize deduces the size of an external allocation from
// the call's argument expressions; 0 when unknown.
func externalAllocSize(name string, args []Expr) uint64 {
	switch name {
	case "malloc", "_Znwm", "_Znam":
		if len(args) > 1 {
			if size, ok := args[1].(*ConstantExpr); ok {
				return size.Value
			}
		}
	case "realloc":
		if len(args) > 2 {
			if size, ok := args[2].(*ConstantExpr); ok {
				return size.Value
			}
		}
	case "calloc":
		if len(args) > 2 {
			n, ok1 := args[1].(*ConstantExpr)
			size, ok2 := args[2].(*ConstantExpr)
			if ok1 && ok2 {
				return n.Value * size.Value
			}
		}
	}
	return 0
}

// externalCallName returns the name of the called function.
func externalCallName(instr ssa.CallInstruction) string {
	common := instr.Common()
	if callee := common.StaticCallee(); callee != nil {
		return callee.Name()
	}
	if builtin, ok := common.Value.(*ssa.Builtin); ok {
		return builtin.Name()
	}
	return common.Value.Name()
}

// BindCallArguments snapshots the argument values of a call, pushes a
// frame for the callee, and rebinds the arguments to the callee's
// parameters with fresh versions inheriting flow.
func (d *Dependency) BindCallArguments(site ssa.CallInstruction, callHistory []ssa.Instruction, args []Expr) {
	callee := site.Common().StaticCallee()
	// The callee may not be statically known, in which case it is not
	// symbolically tracked.
	if callee == nil {
		return
	}

	d.argumentValues = d.argumentValues[:0]
	for i, operand := range site.Common().Args {
		arg := d.GetLatestValue(operand, false)
		if arg == nil {
			// No source dependency information, e.g. a constant.
			arg = NewVersionedValue(operand, callHistory, args[i])
		}
		d.argumentValues = append(d.argumentValues, arg)
	}

	newHistory := append(append([]ssa.Instruction{}, callHistory...), site)
	d.stack = append(d.stack, NewStoreFrame(site, newHistory))

	for i, param := range callee.Params {
		if i >= len(d.argumentValues) {
			break
		}
		arg := d.argumentValues[i]
		paramVal := d.getNewVersionedValue(param, newHistory, arg.Expression())
		paramVal.AddDependency(arg, nil)
		for _, loc := range arg.Locations() {
			paramVal.AddLocation(loc)
		}
	}
}

// BindReturnValue pops the callee's frame and creates a caller-side
// value for the call site flowing from the callee's returned value.
func (d *Dependency) BindReturnValue(site ssa.CallInstruction, callHistory []ssa.Instruction, ret *ssa.Return, returnExpr Expr) {
	if len(d.stack) > 0 {
		d.stack = d.stack[:len(d.stack)-1]
	}
	if site == nil || ret == nil || len(ret.Results) == 0 {
		return // functions returning no value
	}

	value, ok := site.(ssa.Value)
	if !ok {
		return
	}
	newVal := d.getNewVersionedValue(value, callHistory, returnExpr)
	if retVal := d.GetLatestValue(ret.Results[0], false); retVal != nil {
		newVal.AddDependency(retVal, nil)
		for _, loc := range retVal.Locations() {
			newVal.AddLocation(loc)
		}
	}
}

// MarkFlow marks target and every value that flows into it as core,
// and disables bound interpolation along the flow.
func (d *Dependency) MarkFlow(target *VersionedValue, reason string) {
	if target == nil {
		return
	}
	target.SetAsCore(reason)
	target.DisableBoundInterpolation()
	for _, loc := range target.Locations() {
		d.coreLocations[loc] = struct{}{}
	}
	for source := range target.FlowSources() {
		if !source.IsCore() || source.CanInterpolateBound() {
			d.MarkFlow(source, reason)
		}
	}
	if target.LoadAddress() != nil {
		d.MarkFlow(target.LoadAddress(), reason)
	}
	if target.StoreAddress() != nil {
		d.MarkFlow(target.StoreAddress(), reason)
	}
}

// MarkAllValues marks the flow of the newest version of value as core.
func (d *Dependency) MarkAllValues(value ssa.Value, reason string) {
	vv := d.getLatestValueNoConstantCheck(value)
	if vv == nil {
		return
	}
	d.MarkFlow(vv, reason)
}

// MarkAllPointerValues marks the pointer flow of the newest version of
// value as core, slackening offset bounds of the locations against the
// checked address. Values whose bound interpolation has been disabled
// degrade to plain flow marking.
func (d *Dependency) MarkAllPointerValues(value ssa.Value, checkedAddress Expr, bounds *[]Expr, reason string) {
	vv := d.getLatestValueNoConstantCheck(value)
	if vv == nil {
		return
	}
	d.markAllPointerValues(vv, checkedAddress, bounds, reason)
}

func (d *Dependency) markAllPointerValues(target *VersionedValue, checkedAddress Expr, bounds *[]Expr, reason string) {
	if target == nil {
		return
	}
	if !target.CanInterpolateBound() {
		d.MarkFlow(target, reason)
		return
	}

	target.SetAsCore(reason)
	for _, loc := range target.Locations() {
		if checkedAddress != nil {
			checkedOffset := NewBinaryExpr(SUB, checkedAddress, loc.Base())
			loc.AdjustOffsetBound(checkedOffset, bounds)
		}
		d.coreLocations[loc] = struct{}{}
	}
	for source := range target.FlowSources() {
		if !source.IsCore() {
			d.markAllPointerValues(source, checkedAddress, bounds, reason)
		}
	}
	if target.LoadAddress() != nil {
		d.MarkFlow(target.LoadAddress(), reason)
	}
	if target.StoreAddress() != nil {
		d.MarkFlow(target.StoreAddress(), reason)
	}
}

// StoredExpressions walks the active frames and returns the store
// restricted to locations whose call history is a prefix of
// callHistory, split into the concretely- and symbolically-addressed
// parts. When coreOnly is set, only entries whose stored value is core
// are returned and the snapshots are shadow-renamed, accumulating the
// shadow arrays into replacements.
func (d *Dependency) StoredExpressions(callHistory []ssa.Instruction, registry *ShadowRegistry, replacements *[]*Array, coreOnly bool) (ConcreteStore, SymbolicStore) {
	concrete := make(ConcreteStore)
	symbolic := make(SymbolicStore)

	frames := append([]*StoreFrame{d.globalFrame}, d.stack...)
	for _, frame := range frames {
		frame.ForEach(func(loc *MemoryLocation, address, value *VersionedValue) {
			if !loc.Context().MatchesPrefix(callHistory) {
				return
			}
			if coreOnly && !value.IsCore() {
				return
			}

			var sv *StoredValue
			if coreOnly {
				sv = NewShadowedStoredValue(value, registry, replacements)
			} else {
				sv = NewStoredValue(value)
			}

			site := loc.Site()
			if loc.HasConstantAddress() {
				m, ok := concrete[site]
				if !ok {
					m = immutable.NewSortedMap(&storedAddressComparer{})
				}
				concrete[site] = m.Set(NewStoredAddress(loc), sv)
			} else {
				symbolic[site] = append(symbolic[site], AddressValuePair{
					Address: NewStoredAddress(loc),
					Value:   sv,
				})
			}
		})
	}
	return concrete, symbolic
}

// isPointerType returns true for types whose values are addresses.
func isPointerType(typ types.Type) bool {
	switch t := typ.Underlying().(type) {
	case *types.Pointer, *types.Slice:
		return true
	case *types.Basic:
		return t.Kind() == types.UnsafePointer
	default:
		return false
	}
}

// positionString renders an instruction position as "[fn: Line n]".
func positionString(instr ssa.Instruction) string {
	fn := instr.Parent()
	if fn == nil || fn.Prog == nil {
		return "[?]"
	}
	pos := fn.Prog.Fset.Position(instr.Pos())
	return fmt.Sprintf("[%s: Line %d]", fn.Name(), pos.Line)
}

// Dump returns the contents of the tracker as a string.
func (d *Dependency) Dump() string {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "DEPENDENCY")
	fmt.Fprint(&buf, d.globalFrame.Dump())
	for i := len(d.stack) - 1; i >= 0; i-- {
		fmt.Fprint(&buf, d.stack[i].Dump())
	}
	fmt.Fprintf(&buf, "values=%d coreLocations=%d\n", len(d.values), len(d.coreLocations))
	if d.parent != nil {
		fmt.Fprintln(&buf, "--------- Parent Dependencies ----------")
		fmt.Fprint(&buf, d.parent.Dump())
	}
	return buf.String()
}
