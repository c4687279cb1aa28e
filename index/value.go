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
	"bytes"
	"context"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

// ValueMaintainer implements the value and unique index kinds (spec
// §4.4.1). Entry tuple = expression(record) ++ primaryKey; value = the
// covering-field bytes, or empty.
type ValueMaintainer struct {
	desc    schema.IndexDescriptor
	subs    tuple.Subspace
	unique  bool
	recType *schema.RecordType
}

var _ Scannable = (*ValueMaintainer)(nil)

// NewValueMaintainer constructs the maintainer for a KindValue or
// KindUnique index over records of type rt.
func NewValueMaintainer(desc schema.IndexDescriptor, rt *schema.RecordType, sub tuple.Subspace) *ValueMaintainer {
	return &ValueMaintainer{desc: desc, subs: sub, unique: desc.Kind == schema.KindUnique, recType: rt}
}

func (m *ValueMaintainer) coveringValue(rec record.Record) ([]byte, error) {
	if len(m.desc.CoveringFields) == 0 {
		return nil, nil
	}
	vals := make(tuple.Tuple, 0, len(m.desc.CoveringFields))
	for _, f := range m.desc.CoveringFields {
		fv, err := m.recType.ExtractField(rec, f)
		if err != nil {
			return nil, err
		}
		if len(fv) == 0 {
			vals = append(vals, nil)
			continue
		}
		vals = append(vals, fv[0])
	}
	return tuple.Pack(vals)
}

func (m *ValueMaintainer) entries(rec record.Record, pk tuple.Tuple) ([][]byte, []byte, error) {
	exprs, err := EvaluateExpression(m.recType, rec, m.desc.RootExpression)
	if err != nil {
		return nil, nil, err
	}
	value, err := m.coveringValue(rec)
	if err != nil {
		return nil, nil, err
	}
	keys := make([][]byte, 0, len(exprs))
	for _, expr := range exprs {
		k, err := entryKey(m.subs, expr, pk)
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, k)
	}
	return keys, value, nil
}

// EntryKeys returns the entry keys rec would produce, satisfying Scannable
// for the online scrubber (spec §4.6).
func (m *ValueMaintainer) EntryKeys(rec record.Record, pk tuple.Tuple) ([][]byte, error) {
	keys, _, err := m.entries(rec, pk)
	return keys, err
}

func (m *ValueMaintainer) Update(ctx context.Context, tx kv.RwTx, oldRecord, newRecord *record.Record, pk tuple.Tuple) error {
	var oldKeys, newKeys [][]byte
	var newValue []byte
	var err error
	if oldRecord != nil {
		oldKeys, _, err = m.entries(*oldRecord, pk)
		if err != nil {
			return err
		}
	}
	if newRecord != nil {
		newKeys, newValue, err = m.entries(*newRecord, pk)
		if err != nil {
			return err
		}
	}
	oldKeys = dedupeBytes(oldKeys)
	newKeys = dedupeBytes(newKeys)
	toRemove, toInsert := reconcile(oldKeys, newKeys)

	for _, k := range toRemove {
		if err := tx.Clear(ctx, k); err != nil {
			return err
		}
	}
	if m.unique {
		for _, k := range toInsert {
			prefix := expressionPrefix(m.subs, k, pk)
			if err := checkUnique(ctx, tx, m.desc.Name, prefix, k); err != nil {
				return err
			}
		}
	}
	// With covering fields, kept entries are rewritten too so their value
	// carries the new record's covered fields.
	toWrite := toInsert
	if len(m.desc.CoveringFields) > 0 {
		toWrite = newKeys
	}
	for _, k := range toWrite {
		if err := tx.Set(ctx, k, newValue); err != nil {
			return err
		}
	}
	return nil
}

// expressionPrefix returns the entry key with the trailing primary-key
// bytes stripped, i.e. the range prefix a unique check searches.
func expressionPrefix(sub tuple.Subspace, fullKey []byte, pk tuple.Tuple) []byte {
	pkBytes, err := tuple.Pack(pk)
	if err != nil || !bytes.HasSuffix(fullKey, pkBytes) {
		return fullKey
	}
	return fullKey[:len(fullKey)-len(pkBytes)]
}

// checkUnique scans the prefix before inserting; if any other entry exists
// there, it fails with UniquenessViolation (spec §4.4.1, §8 property 4).
func checkUnique(ctx context.Context, tx kv.RwTx, indexName string, prefix, ownKey []byte) error {
	begin := append(append([]byte{}, prefix...), 0x00)
	end := append(append([]byte{}, prefix...), 0xff)
	it := tx.GetRange(ctx, kv.RangeOptions{
		Begin: kv.FirstGreaterOrEqual(begin),
		End:   kv.FirstGreaterOrEqual(end),
		Limit: 2,
	})
	defer it.Close()
	for it.Next() {
		kvp := it.KV()
		if bytes.Equal(kvp.Key, ownKey) {
			continue
		}
		return &UniquenessViolation{IndexName: indexName, ConflictingKey: kvp.Key}
	}
	return it.Err()
}
