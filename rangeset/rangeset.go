// Copyright 2024 The recordlayer Authors
// This file is part of recordlayer.
//
// recordlayer is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// recordlayer is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with recordlayer. If not, see <http://www.gnu.org/licenses/>.

// Package rangeset implements a set of disjoint half-open byte ranges
// [from, to), used to track build/scrub progress (spec §3, §4.6). The
// in-memory structure is a google/btree ordered tree keyed by range start,
// the same backing structure kv/memkv uses for its key space.
package rangeset

import (
	"bytes"

	"github.com/google/btree"
)

type byteRange struct {
	from, to []byte
}

func (r byteRange) Less(other btree.Item) bool {
	return bytes.Compare(r.from, other.(byteRange).from) < 0
}

// RangeSet is an in-memory disjoint half-open byte-range set. Callers
// persist it themselves (e.g. as a serialized list of [from,to) pairs
// under the index's __range subspace); RangeSet itself has no storage
// dependency.
type RangeSet struct {
	tree *btree.BTree
}

// New returns an empty RangeSet.
func New() *RangeSet {
	return &RangeSet{tree: btree.New(32)}
}

// FromRanges reconstructs a RangeSet from a previously-persisted,
// already-disjoint list of [from,to) pairs (e.g. loaded back from the KV).
func FromRanges(ranges [][2][]byte) *RangeSet {
	rs := New()
	for _, r := range ranges {
		rs.InsertRange(r[0], r[1])
	}
	return rs
}

// Ranges returns the current disjoint ranges in ascending order.
func (rs *RangeSet) Ranges() [][2][]byte {
	out := make([][2][]byte, 0, rs.tree.Len())
	rs.tree.Ascend(func(i btree.Item) bool {
		r := i.(byteRange)
		out = append(out, [2][]byte{append([]byte{}, r.from...), append([]byte{}, r.to...)})
		return true
	})
	return out
}

// InsertRange adds [from, to) to the set, merging with any overlapping or
// directly-adjacent existing ranges so the set stays maximally coalesced.
func (rs *RangeSet) InsertRange(from, to []byte) {
	if bytes.Compare(from, to) >= 0 {
		return
	}
	newFrom := append([]byte{}, from...)
	newTo := append([]byte{}, to...)

	var toRemove []byteRange
	// Any range whose start is <= newTo might overlap or be adjacent;
	// scan from the beginning since byte-range counts are small in
	// practice (one per build/scrub job) and AscendRange needs a
	// well-formed pivot which bytes.Compare ties make awkward with the
	// sentinel end key.
	rs.tree.Ascend(func(i btree.Item) bool {
		r := i.(byteRange)
		if bytes.Compare(r.from, newTo) > 0 {
			return false
		}
		if bytes.Compare(r.to, newFrom) < 0 {
			return true
		}
		// overlaps or touches [newFrom, newTo): merge.
		if bytes.Compare(r.from, newFrom) < 0 {
			newFrom = append([]byte{}, r.from...)
		}
		if bytes.Compare(r.to, newTo) > 0 {
			newTo = append([]byte{}, r.to...)
		}
		toRemove = append(toRemove, r)
		return true
	})
	for _, r := range toRemove {
		rs.tree.Delete(r)
	}
	rs.tree.ReplaceOrInsert(byteRange{from: newFrom, to: newTo})
}

// MissingRanges returns the sub-ranges of [queryFrom, queryTo) not covered
// by any inserted range, in ascending order.
func (rs *RangeSet) MissingRanges(queryFrom, queryTo []byte) [][2][]byte {
	if bytes.Compare(queryFrom, queryTo) >= 0 {
		return nil
	}
	var missing [][2][]byte
	cursor := append([]byte{}, queryFrom...)
	rs.tree.Ascend(func(i btree.Item) bool {
		r := i.(byteRange)
		if bytes.Compare(r.to, cursor) <= 0 {
			return true
		}
		if bytes.Compare(r.from, queryTo) >= 0 {
			return false
		}
		if bytes.Compare(r.from, cursor) > 0 {
			gapEnd := r.from
			if bytes.Compare(gapEnd, queryTo) > 0 {
				gapEnd = queryTo
			}
			missing = append(missing, [2][]byte{append([]byte{}, cursor...), append([]byte{}, gapEnd...)})
		}
		if bytes.Compare(r.to, cursor) > 0 {
			cursor = append([]byte{}, r.to...)
			if bytes.Compare(cursor, queryTo) > 0 {
				cursor = append([]byte{}, queryTo...)
			}
		}
		return bytes.Compare(cursor, queryTo) < 0
	})
	if bytes.Compare(cursor, queryTo) < 0 {
		missing = append(missing, [2][]byte{append([]byte{}, cursor...), append([]byte{}, queryTo...)})
	}
	return missing
}

// FirstMissingRange returns the first missing sub-range of [queryFrom,
// queryTo), or ok=false if the query range is fully covered. OnlineIndexer
// uses this to pick the next batch (spec §4.6 step 1).
func (rs *RangeSet) FirstMissingRange(queryFrom, queryTo []byte) (from, to []byte, ok bool) {
	missing := rs.MissingRanges(queryFrom, queryTo)
	if len(missing) == 0 {
		return nil, nil, false
	}
	return missing[0][0], missing[0][1], true
}

// Covers reports whether [queryFrom, queryTo) is entirely covered.
func (rs *RangeSet) Covers(queryFrom, queryTo []byte) bool {
	return len(rs.MissingRanges(queryFrom, queryTo)) == 0
}
