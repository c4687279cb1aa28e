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
	"encoding/binary"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

// AggregateMaintainer implements count/sum/min/max/average (spec §4.4.2).
// Structure: Subspace/groupKey -> accumulator. RootExpression's last field
// names the aggregated value; every prior field is part of the group key.
// Count ignores the aggregated field. Count/sum/average updates use the
// KV's commutative atomic ops so concurrent writers to the same group
// never conflict; min/max inserts do too, and additionally keep a
// per-group ordered value set so a delete or value change re-derives the
// exact extreme instead of leaving a stale one behind.
type AggregateMaintainer struct {
	desc    schema.IndexDescriptor
	subs    tuple.Subspace
	recType *schema.RecordType
	groupBy []string
	aggBy   string
}

// NewAggregateMaintainer constructs the maintainer for one of
// KindCount/KindSum/KindMin/KindMax/KindAverage.
func NewAggregateMaintainer(desc schema.IndexDescriptor, rt *schema.RecordType, sub tuple.Subspace) *AggregateMaintainer {
	m := &AggregateMaintainer{desc: desc, subs: sub, recType: rt}
	if desc.Kind == schema.KindCount {
		m.groupBy = desc.RootExpression
		return m
	}
	if len(desc.RootExpression) > 0 {
		m.groupBy = desc.RootExpression[:len(desc.RootExpression)-1]
		m.aggBy = desc.RootExpression[len(desc.RootExpression)-1]
	}
	return m
}

func (m *AggregateMaintainer) groupTuple(rec record.Record) (tuple.Tuple, error) {
	exprs, err := EvaluateExpression(m.recType, rec, m.groupBy)
	if err != nil {
		return nil, err
	}
	if len(exprs) == 0 {
		return tuple.Tuple{}, nil
	}
	return exprs[0], nil
}

func (m *AggregateMaintainer) groupKey(rec record.Record) ([]byte, error) {
	group, err := m.groupTuple(rec)
	if err != nil {
		return nil, err
	}
	return m.subs.Pack(group)
}

func (m *AggregateMaintainer) aggregatedValue(rec record.Record) (int64, error) {
	if m.aggBy == "" {
		return 0, nil
	}
	vals, err := m.recType.ExtractField(rec, m.aggBy)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, nil
	}
	switch v := vals[0].(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	default:
		return 0, nil
	}
}

func (m *AggregateMaintainer) Update(ctx context.Context, tx kv.RwTx, oldRecord, newRecord *record.Record, pk tuple.Tuple) error {
	switch m.desc.Kind {
	case schema.KindCount:
		return m.updateCount(ctx, tx, oldRecord, newRecord)
	case schema.KindSum:
		return m.updateSum(ctx, tx, oldRecord, newRecord)
	case schema.KindAverage:
		return m.updateAverage(ctx, tx, oldRecord, newRecord)
	case schema.KindMin, schema.KindMax:
		return m.updateMinMax(ctx, tx, oldRecord, newRecord, pk)
	}
	return nil
}

func (m *AggregateMaintainer) updateCount(ctx context.Context, tx kv.RwTx, oldRecord, newRecord *record.Record) error {
	if oldRecord != nil {
		k, err := m.groupKey(*oldRecord)
		if err != nil {
			return err
		}
		if err := tx.AtomicOp(ctx, k, kv.AtomicAdd, encodeSignedLE(-1)); err != nil {
			return err
		}
	}
	if newRecord != nil {
		k, err := m.groupKey(*newRecord)
		if err != nil {
			return err
		}
		if err := tx.AtomicOp(ctx, k, kv.AtomicAdd, encodeSignedLE(1)); err != nil {
			return err
		}
	}
	return nil
}

func (m *AggregateMaintainer) updateSum(ctx context.Context, tx kv.RwTx, oldRecord, newRecord *record.Record) error {
	if oldRecord != nil {
		k, err := m.groupKey(*oldRecord)
		if err != nil {
			return err
		}
		v, err := m.aggregatedValue(*oldRecord)
		if err != nil {
			return err
		}
		if err := tx.AtomicOp(ctx, k, kv.AtomicAdd, encodeSignedLE(-v)); err != nil {
			return err
		}
	}
	if newRecord != nil {
		k, err := m.groupKey(*newRecord)
		if err != nil {
			return err
		}
		v, err := m.aggregatedValue(*newRecord)
		if err != nil {
			return err
		}
		if err := tx.AtomicOp(ctx, k, kv.AtomicAdd, encodeSignedLE(v)); err != nil {
			return err
		}
	}
	return nil
}

// updateAverage maintains the (sum, count) pair under two child keys so it
// can be read-divided at query time (spec §4.4.2); both legs are
// maintained via atomic add to avoid read-modify-write conflicts.
func (m *AggregateMaintainer) updateAverage(ctx context.Context, tx kv.RwTx, oldRecord, newRecord *record.Record) error {
	if oldRecord != nil {
		k, err := m.groupKey(*oldRecord)
		if err != nil {
			return err
		}
		v, err := m.aggregatedValue(*oldRecord)
		if err != nil {
			return err
		}
		if err := tx.AtomicOp(ctx, append(append([]byte{}, k...), "/sum"...), kv.AtomicAdd, encodeSignedLE(-v)); err != nil {
			return err
		}
		if err := tx.AtomicOp(ctx, append(append([]byte{}, k...), "/count"...), kv.AtomicAdd, encodeSignedLE(-1)); err != nil {
			return err
		}
	}
	if newRecord != nil {
		k, err := m.groupKey(*newRecord)
		if err != nil {
			return err
		}
		v, err := m.aggregatedValue(*newRecord)
		if err != nil {
			return err
		}
		if err := tx.AtomicOp(ctx, append(append([]byte{}, k...), "/sum"...), kv.AtomicAdd, encodeSignedLE(v)); err != nil {
			return err
		}
		if err := tx.AtomicOp(ctx, append(append([]byte{}, k...), "/count"...), kv.AtomicAdd, encodeSignedLE(1)); err != nil {
			return err
		}
	}
	return nil
}

// ReadAverage loads the current (sum, count) pair for a group key and
// returns both; the caller divides. count == 0 means no records are in the
// group.
func ReadAverage(ctx context.Context, tx kv.Tx, groupKey []byte) (sum int64, count int64, err error) {
	sumBytes, ok, err := tx.Get(ctx, append(append([]byte{}, groupKey...), "/sum"...))
	if err != nil {
		return 0, 0, err
	}
	if ok {
		sum = decodeSignedLE(sumBytes)
	}
	countBytes, ok, err := tx.Get(ctx, append(append([]byte{}, groupKey...), "/count"...))
	if err != nil {
		return 0, 0, err
	}
	if ok {
		count = decodeSignedLE(countBytes)
	}
	return sum, count, nil
}

// valsSub holds the per-group ordered value set backing min/max: one entry
// per record, keyed (group..., value, pk...). The accumulator at the group
// key always equals the set's edge, so deletes and value-decreases shrink
// it back exactly (spec §8 property 5).
func (m *AggregateMaintainer) valsSub() (tuple.Subspace, error) {
	return m.subs.Child(tuple.Tuple{"vals"})
}

func (m *AggregateMaintainer) valKey(rec record.Record, pk tuple.Tuple) (key []byte, group tuple.Tuple, err error) {
	vals, err := m.valsSub()
	if err != nil {
		return nil, nil, err
	}
	group, err = m.groupTuple(rec)
	if err != nil {
		return nil, nil, err
	}
	v, err := m.aggregatedValue(rec)
	if err != nil {
		return nil, nil, err
	}
	full := make(tuple.Tuple, 0, len(group)+1+len(pk))
	full = append(full, group...)
	full = append(full, v)
	full = append(full, pk...)
	key, err = vals.Pack(full)
	return key, group, err
}

// recomputeExtreme re-derives a group's accumulator from the edge of its
// value set: the first entry for min, the last for max, cleared when the
// group is empty.
func (m *AggregateMaintainer) recomputeExtreme(ctx context.Context, tx kv.RwTx, group tuple.Tuple) error {
	vals, err := m.valsSub()
	if err != nil {
		return err
	}
	prefix, err := vals.Pack(group)
	if err != nil {
		return err
	}
	begin := append(append([]byte{}, prefix...), 0x00)
	end := append(append([]byte{}, prefix...), 0xff)
	it := tx.GetRange(ctx, kv.RangeOptions{
		Begin:   kv.FirstGreaterOrEqual(begin),
		End:     kv.FirstGreaterOrEqual(end),
		Reverse: m.desc.Kind == schema.KindMax,
		Limit:   1,
	})
	defer it.Close()

	accKey, err := m.subs.Pack(group)
	if err != nil {
		return err
	}
	if !it.Next() {
		if err := it.Err(); err != nil {
			return err
		}
		return tx.Clear(ctx, accKey)
	}
	full, err := vals.Unpack(it.KV().Key)
	if err != nil {
		return err
	}
	if len(full) <= len(group) {
		return &tuple.MalformedTuple{Reason: "min/max value entry shorter than its group key"}
	}
	edge, ok := full[len(group)].(int64)
	if !ok {
		return &tuple.MalformedTuple{Reason: "min/max value entry holds a non-integer value"}
	}
	return tx.Set(ctx, accKey, encodeOrderedInt64(edge))
}

// updateMinMax keeps the accumulator exact under arbitrary save/delete
// interleavings. Pure inserts stay conflict-free: the value-set entry is
// written and the accumulator tightened with AtomicMin/AtomicMax on the
// order-preserving encoding. Any change with an old record removes that
// record's value entry and re-derives the affected groups' extremes from
// the set's edge, so removing the current extreme shrinks the accumulator
// back down.
func (m *AggregateMaintainer) updateMinMax(ctx context.Context, tx kv.RwTx, oldRecord, newRecord *record.Record, pk tuple.Tuple) error {
	op := kv.AtomicMin
	if m.desc.Kind == schema.KindMax {
		op = kv.AtomicMax
	}

	if oldRecord == nil {
		if newRecord == nil {
			return nil
		}
		key, group, err := m.valKey(*newRecord, pk)
		if err != nil {
			return err
		}
		if err := tx.Set(ctx, key, nil); err != nil {
			return err
		}
		accKey, err := m.subs.Pack(group)
		if err != nil {
			return err
		}
		v, err := m.aggregatedValue(*newRecord)
		if err != nil {
			return err
		}
		return tx.AtomicOp(ctx, accKey, op, encodeOrderedInt64(v))
	}

	oldKey, oldGroup, err := m.valKey(*oldRecord, pk)
	if err != nil {
		return err
	}
	if err := tx.Clear(ctx, oldKey); err != nil {
		return err
	}
	groups := []tuple.Tuple{oldGroup}
	if newRecord != nil {
		newKey, newGroup, err := m.valKey(*newRecord, pk)
		if err != nil {
			return err
		}
		if err := tx.Set(ctx, newKey, nil); err != nil {
			return err
		}
		oldPacked, err := tuple.Pack(oldGroup)
		if err != nil {
			return err
		}
		newPacked, err := tuple.Pack(newGroup)
		if err != nil {
			return err
		}
		if string(oldPacked) != string(newPacked) {
			groups = append(groups, newGroup)
		}
	}
	for _, group := range groups {
		if err := m.recomputeExtreme(ctx, tx, group); err != nil {
			return err
		}
	}
	return nil
}

func encodeSignedLE(v int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeSignedLE(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var buf [8]byte
	copy(buf[:], b)
	return int64(binary.LittleEndian.Uint64(buf[:]))
}

// encodeOrderedInt64 mirrors tuple's packInt64 body (sign bit flip, big
// endian) without the type tag, so AtomicMin/AtomicMax's byte-wise compare
// agrees with signed integer order.
func encodeOrderedInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v)^(1<<63))
	return buf
}

func decodeOrderedInt64(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var buf [8]byte
	copy(buf[:], b)
	return int64(binary.BigEndian.Uint64(buf[:]) ^ (1 << 63))
}

// ReadExtreme decodes a min/max accumulator back to int64.
func ReadExtreme(ctx context.Context, tx kv.Tx, groupKey []byte) (value int64, ok bool, err error) {
	b, ok, err := tx.Get(ctx, groupKey)
	if err != nil || !ok {
		return 0, ok, err
	}
	return decodeOrderedInt64(b), true, nil
}
