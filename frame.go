package itree

import (
	"bytes"
	"fmt"

	"github.com/benbjohnson/immutable"
	"golang.org/x/tools/go/ssa"
)

// storePair relates a stored value to the address value it was stored
// through.
type storePair struct {
	address *VersionedValue
	value   *VersionedValue
}

// StoreFrame is the store of one call frame: two maps from memory
// locations to stored values, one keyed by concretely-addressed
// locations and one by symbolically-addressed locations.
//
// The maps are persistent: cloning a frame for a child tree node shares
// them structurally, and a mutation in either node builds a new map
// without disturbing the other. This implements the copy-on-write
// inheritance across sibling nodes.
type StoreFrame struct {
	// callsite is the call instruction that created the frame;
	// nil for the global frame.
	callsite ssa.Instruction

	// callHistory is the call history of the frame, including callsite.
	callHistory []ssa.Instruction

	concrete *immutable.SortedMap // *MemoryLocation -> storePair
	symbolic *immutable.SortedMap // *MemoryLocation -> storePair
}

// NewStoreFrame returns an empty frame for a call site reached through
// callHistory. Pass a nil callsite for the global frame.
func NewStoreFrame(callsite ssa.Instruction, callHistory []ssa.Instruction) *StoreFrame {
	history := make([]ssa.Instruction, len(callHistory))
	copy(history, callHistory)
	return &StoreFrame{
		callsite:    callsite,
		callHistory: history,
		concrete:    immutable.NewSortedMap(&memoryLocationComparer{}),
		symbolic:    immutable.NewSortedMap(&memoryLocationComparer{}),
	}
}

// Callsite returns the call instruction that created the frame.
func (f *StoreFrame) Callsite() ssa.Instruction { return f.callsite }

// Clone returns a copy of the frame sharing the underlying maps.
func (f *StoreFrame) Clone() *StoreFrame {
	other := *f
	return &other
}

// UpdateStore relates loc with the value stored in it and the address
// value used for the store.
func (f *StoreFrame) UpdateStore(loc *MemoryLocation, address, value *VersionedValue) {
	pair := storePair{address: address, value: value}
	if loc.HasConstantAddress() {
		f.concrete = f.concrete.Set(loc, pair)
	} else {
		f.symbolic = f.symbolic.Set(loc, pair)
	}
}

// Read returns the address/value pair stored at loc, if any.
//
// Symbolically-addressed lookup compares the address expressions
// structurally, together with the allocation identity. Addresses that
// are equal only semantically do not match, and no ite constraint is
// added to the path condition.
func (f *StoreFrame) Read(loc *MemoryLocation) (address, value *VersionedValue, ok bool) {
	var v interface{}
	if loc.HasConstantAddress() {
		v, ok = f.concrete.Get(loc)
	} else {
		v, ok = f.symbolic.Get(loc)
	}
	if !ok {
		return nil, nil, false
	}
	pair := v.(storePair)
	return pair.address, pair.value, true
}

// ForEach invokes fn for every entry of the frame, concretely-addressed
// entries first, in key order.
func (f *StoreFrame) ForEach(fn func(loc *MemoryLocation, address, value *VersionedValue)) {
	for _, m := range []*immutable.SortedMap{f.concrete, f.symbolic} {
		itr := m.Iterator()
		for !itr.Done() {
			k, v := itr.Next()
			pair := v.(storePair)
			fn(k.(*MemoryLocation), pair.address, pair.value)
		}
	}
}

// Len returns the number of entries in the frame.
func (f *StoreFrame) Len() int {
	return f.concrete.Len() + f.symbolic.Len()
}

// Dump returns the contents of the frame as a string.
func (f *StoreFrame) Dump() string {
	var buf bytes.Buffer
	if f.callsite != nil {
		fmt.Fprintf(&buf, "frame callsite=%s\n", f.callsite)
	} else {
		fmt.Fprintln(&buf, "frame global")
	}
	f.ForEach(func(loc *MemoryLocation, address, value *VersionedValue) {
		fmt.Fprintf(&buf, "  %s -> %s\n", loc, value)
	})
	return buf.String()
}
