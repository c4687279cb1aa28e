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

package index

import (
	"context"
	"fmt"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

// PermutedMaintainer is defined over an existing base index and stores
// only the permuted key — no covering value — so its footprint is ≈ the
// primary-key size rather than the record size (spec §4.4.5). The planner
// may pick either the base index or any of its permutations based on the
// longest filter-matching prefix.
type PermutedMaintainer struct {
	desc       schema.IndexDescriptor
	subs       tuple.Subspace
	recType    *schema.RecordType
	baseFields []string
	order      []int
}

var _ Scannable = (*PermutedMaintainer)(nil)

// NewPermutedMaintainer constructs the maintainer for a KindPermuted
// index. baseExpression is the base index's rootExpression, from which
// opts.Permutation selects and reorders a subset of positions.
func NewPermutedMaintainer(desc schema.IndexDescriptor, rt *schema.RecordType, sub tuple.Subspace, baseExpression []string) (*PermutedMaintainer, error) {
	opts, ok := desc.Options.(schema.PermutedOptions)
	if !ok {
		return nil, fmt.Errorf("index %q: KindPermuted requires schema.PermutedOptions", desc.Name)
	}
	fields := make([]string, 0, len(opts.Permutation))
	for _, pos := range opts.Permutation {
		if pos < 0 || pos >= len(baseExpression) {
			return nil, fmt.Errorf("index %q: permutation position %d out of range for base expression of length %d", desc.Name, pos, len(baseExpression))
		}
		fields = append(fields, baseExpression[pos])
	}
	return &PermutedMaintainer{desc: desc, subs: sub, recType: rt, baseFields: fields, order: opts.Permutation}, nil
}

// EntryKeys returns the entry keys rec would produce, satisfying Scannable
// for the online scrubber (spec §4.6).
func (m *PermutedMaintainer) EntryKeys(rec record.Record, pk tuple.Tuple) ([][]byte, error) {
	exprs, err := EvaluateExpression(m.recType, rec, m.baseFields)
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, 0, len(exprs))
	for _, expr := range exprs {
		k, err := entryKey(m.subs, expr, pk)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *PermutedMaintainer) Update(ctx context.Context, tx kv.RwTx, oldRecord, newRecord *record.Record, pk tuple.Tuple) error {
	var oldKeys, newKeys [][]byte
	var err error
	if oldRecord != nil {
		oldKeys, err = m.EntryKeys(*oldRecord, pk)
		if err != nil {
			return err
		}
	}
	if newRecord != nil {
		newKeys, err = m.EntryKeys(*newRecord, pk)
		if err != nil {
			return err
		}
	}
	toRemove, toInsert := reconcile(dedupeBytes(oldKeys), dedupeBytes(newKeys))
	for _, k := range toRemove {
		if err := tx.Clear(ctx, k); err != nil {
			return err
		}
	}
	for _, k := range toInsert {
		if err := tx.Set(ctx, k, nil); err != nil {
			return err
		}
	}
	return nil
}
