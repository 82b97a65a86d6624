package itree

import (
	"errors"
	"fmt"

	"golang.org/x/tools/go/ssa"
)

var (
	// ErrWPStoresNotEmpty is returned when a weakest-precondition update
	// is attempted on an entry still carrying historical or
	// symbolically-addressed store entries.
	ErrWPStoresNotEmpty = errors.New("itree: historical and symbolic stores must be empty for weakest-precondition update")
)

// UpdateSubsumptionTableEntry refines entry with a weakest-precondition
// formula computed along a trace: the entry keeps only the store
// entries the formula does not already constrain. The arrays read by
// wp have their shadows removed from the entry's existentials, and the
// concretely-addressed store entries of the allocation contexts
// matching those arrays (by longest call-history match) are deleted.
//
// The general case with historical or symbolically-addressed store
// entries is unimplemented; the update aborts with
// ErrWPStoresNotEmpty.
// TODO: apply the general algorithm once historical stores are merged
// into entries.
func UpdateSubsumptionTableEntry(entry *SubsumptionTableEntry, wp Expr) error {
	if wp == nil {
		return fmt.Errorf("itree: weakest precondition is nil")
	}
	if len(entry.symbolicallyAddressedStore) > 0 || len(entry.historicalStore) > 0 {
		return ErrWPStoresNotEmpty
	}

	entry.wpInterpolant = wp

	arrays := FindArrays(wp)

	// Remove the shadows of the arrays read by the formula from the
	// entry's existentials: the formula constrains them directly.
	for _, array := range arrays {
		shadow := array
		if !array.Shadow {
			shadow = entry.registry.ShadowOf(array)
		}
		if shadow == nil {
			continue
		}
		for i, existential := range entry.existentials {
			if existential == shadow {
				entry.existentials = append(entry.existentials[:i], entry.existentials[i+1:]...)
				break
			}
		}
	}

	// Delete the concretely-addressed entries whose stored values read
	// the formula's arrays, choosing per array the allocation context
	// with the longest call history.
	for _, array := range arrays {
		original := array
		if array.Shadow {
			original = entry.registry.OriginalOf(array)
		}
		if site := entry.longestMatchSite(original, array); site != nil {
			delete(entry.concretelyAddressedStore, site)
			delete(entry.singletonStore, site)
			for i, key := range entry.singletonStoreKeys {
				if key == site {
					entry.singletonStoreKeys = append(entry.singletonStoreKeys[:i], entry.singletonStoreKeys[i+1:]...)
					break
				}
			}
		}
	}
	return nil
}

// longestMatchSite returns the allocation site of the
// concretely-addressed store whose values read one of the given
// arrays, preferring the site whose locations carry the longest call
// history.
func (e *SubsumptionTableEntry) longestMatchSite(arrays ...*Array) ssa.Value {
	bestDepth := -1
	var best ssa.Value
	for candidate, m := range e.concretelyAddressedStore {
		itr := m.Iterator()
		for !itr.Done() {
			k, v := itr.Next()
			addr := k.(*StoredAddress)
			sv := v.(*StoredValue)
			if !storedValueReads(sv, arrays) {
				continue
			}
			if depth := len(addr.Loc.Context().CallHistory()); depth > bestDepth {
				bestDepth = depth
				best = candidate
			}
		}
	}
	return best
}

// storedValueReads reports whether the stored value's expression reads
// any of the given arrays.
func storedValueReads(sv *StoredValue, arrays []*Array) bool {
	for _, read := range FindArrays(sv.Expression()) {
		for _, array := range arrays {
			if array != nil && read == array {
				return true
			}
		}
	}
	return false
}
