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

// Package index defines the common Maintainer contract (spec §4.4) and the
// value/unique, aggregate, version, and permuted maintainer families.
// index/rank, index/hnsw, and index/spatial implement the same interface
// for the remaining kinds.
package index

import (
	"context"
	"fmt"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/tuple"
)

// Maintainer is the contract every index kind implements: entries produced
// from oldRecord are removed, entries produced from newRecord are
// inserted; when both are present, only entries that differ are touched
// (set-difference reconciliation, spec §4.4).
type Maintainer interface {
	Update(ctx context.Context, tx kv.RwTx, oldRecord, newRecord *record.Record, pk tuple.Tuple) error
}

// Scannable is implemented by maintainers whose maintained state is a flat
// set of entry keys derived purely from one record (value, unique,
// permuted, spatial), letting the OnlineIndexScrubber recompute the
// expected entries for a record without re-running Update's mutating
// side effects. Accumulator-style maintainers (aggregate) and maintainers
// whose structure depends on commit order or graph topology (version,
// rank, vector) have no discrete per-record entry to point-check and so
// do not implement it; the scrubber skips those kinds.
type Scannable interface {
	Maintainer
	EntryKeys(rec record.Record, pk tuple.Tuple) ([][]byte, error)
}

// UnpackEntryPK recovers the trailing pkArity elements of an entry key —
// the primary key a value/permuted/spatial entry carries after its
// expression prefix — by unpacking the full tuple relative to sub and
// slicing off the last pkArity elements.
func UnpackEntryPK(sub tuple.Subspace, key []byte, pkArity int) (tuple.Tuple, error) {
	full, err := sub.Unpack(key)
	if err != nil {
		return nil, err
	}
	if pkArity <= 0 || pkArity > len(full) {
		return nil, fmt.Errorf("index: entry key unpacks to %d elements, want at least %d for primary key", len(full), pkArity)
	}
	return full[len(full)-pkArity:], nil
}

// entryKey returns the packed bytes for one index entry: the expression
// tuple followed by the primary key, within the index's subspace.
func entryKey(sub tuple.Subspace, expr tuple.Tuple, pk tuple.Tuple) ([]byte, error) {
	full := make(tuple.Tuple, 0, len(expr)+len(pk))
	full = append(full, expr...)
	full = append(full, pk...)
	return sub.Pack(full)
}

// reconcile computes the set-difference between old and new entry key
// sets: keys to remove (in old, not in new) and keys to insert (in new,
// not in old). Both inputs are assumed de-duplicated.
func reconcile(oldKeys, newKeys [][]byte) (toRemove, toInsert [][]byte) {
	oldSet := make(map[string]bool, len(oldKeys))
	for _, k := range oldKeys {
		oldSet[string(k)] = true
	}
	newSet := make(map[string]bool, len(newKeys))
	for _, k := range newKeys {
		newSet[string(k)] = true
	}
	for _, k := range oldKeys {
		if !newSet[string(k)] {
			toRemove = append(toRemove, k)
		}
	}
	for _, k := range newKeys {
		if !oldSet[string(k)] {
			toInsert = append(toInsert, k)
		}
	}
	return toRemove, toInsert
}

func dedupeBytes(keys [][]byte) [][]byte {
	seen := make(map[string]bool, len(keys))
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		s := string(k)
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, k)
	}
	return out
}
