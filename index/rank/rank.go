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

// Package rank implements the rank index kind (spec §4.4.3): a
// probabilistic skip-list ranked set realized as KV ranges, one per level,
// each node carrying the count of level-0 descendants in [node, next node
// at that level). Each populated level also stores a header span (keyed at
// the level subspace's own prefix) counting the entries before its first
// node, so the top-down descent can account for every entry. Spans at a
// node's own levels are recomputed by direct range-count on insert/delete;
// spans merely containing the touched entry are adjusted by one.
package rank

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/holiman/uint256"

	"github.com/kvrecord/recordlayer/index"
	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

const maxLevel = 20
const promotionP = 0.5

// Maintainer implements index.Maintainer for a KindRank index.
type Maintainer struct {
	desc    schema.IndexDescriptor
	subs    tuple.Subspace
	recType *schema.RecordType
	opts    schema.RankOptions
	rng     *rand.Rand
}

// New constructs the rank Maintainer. The first field of
// desc.RootExpression supplies the score that orders the ranked set.
func New(desc schema.IndexDescriptor, rt *schema.RecordType, sub tuple.Subspace) *Maintainer {
	opts, _ := desc.Options.(schema.RankOptions)
	return &Maintainer{desc: desc, subs: sub, recType: rt, opts: opts, rng: rand.New(rand.NewSource(1))}
}

var _ index.Maintainer = (*Maintainer)(nil)

func (m *Maintainer) levelSub(level int) (tuple.Subspace, error) {
	return m.subs.Child(tuple.Tuple{"L", int64(level)})
}

func (m *Maintainer) metaSub() (tuple.Subspace, error) {
	return m.subs.Child(tuple.Tuple{"meta"})
}

type nodeMeta struct {
	coinLevel int
	order     []byte
}

func encodeMeta(m nodeMeta) []byte {
	buf := make([]byte, 4+len(m.order))
	binary.BigEndian.PutUint32(buf[:4], uint32(m.coinLevel))
	copy(buf[4:], m.order)
	return buf
}

func decodeMeta(b []byte) nodeMeta {
	return nodeMeta{coinLevel: int(binary.BigEndian.Uint32(b[:4])), order: append([]byte{}, b[4:]...)}
}

// orderTuple builds the skip-list comparison key: score, then an explicit
// tie-break component when configured (spec §4.4.3 "Tie-breaking:
// configurable"), then the primary key so distinct records never collide.
func (m *Maintainer) orderTuple(score, tieBreak tuple.Element, pk tuple.Tuple) tuple.Tuple {
	t := make(tuple.Tuple, 0, 2+len(pk))
	t = append(t, score)
	if m.opts.TieBreak == schema.TieBreakField {
		t = append(t, tieBreak)
	}
	t = append(t, pk...)
	return t
}

func (m *Maintainer) tieBreakOf(rec record.Record) (tuple.Element, error) {
	if m.opts.TieBreak != schema.TieBreakField || m.opts.TieBreakField == "" {
		return nil, nil
	}
	vals, err := m.recType.ExtractField(rec, m.opts.TieBreakField)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return vals[0], nil
}

func (m *Maintainer) scoreOf(rec record.Record) (tuple.Element, error) {
	if len(m.desc.RootExpression) == 0 {
		return nil, nil
	}
	vals, err := m.recType.ExtractField(rec, m.desc.RootExpression[0])
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	if m.opts.WideScores {
		return WideScore(vals[0])
	}
	return vals[0], nil
}

// WideScore normalizes a raw score value into a fixed 32-byte big-endian
// unsigned integer, so scores past int64 still order correctly as bytes.
// Callers of Rank with a WideScores index must pass scores through the
// same normalization.
func WideScore(v tuple.Element) (tuple.Element, error) {
	z := new(uint256.Int)
	switch s := v.(type) {
	case int64:
		if s < 0 {
			return nil, fmt.Errorf("rank: wide score must be non-negative, got %d", s)
		}
		z.SetUint64(uint64(s))
	case string:
		if err := z.SetFromDecimal(s); err != nil {
			return nil, fmt.Errorf("rank: wide score %q: %w", s, err)
		}
	case []byte:
		if len(s) > 32 {
			return nil, fmt.Errorf("rank: wide score is %d bytes, max 32", len(s))
		}
		z.SetBytes(s)
	default:
		return nil, fmt.Errorf("rank: unsupported wide score type %T", v)
	}
	b := z.Bytes32()
	return b[:], nil
}

func (m *Maintainer) randomLevel() int {
	level := 0
	for level < maxLevel-1 && m.rng.Float64() < promotionP {
		level++
	}
	return level
}

// Update implements index.Maintainer: a changed or removed record deletes
// its existing skip-list node; a present newRecord (re)inserts it. Score
// changes are handled as delete-then-insert since the skip list has no
// natural partial-update.
func (m *Maintainer) Update(ctx context.Context, tx kv.RwTx, oldRecord, newRecord *record.Record, pk tuple.Tuple) error {
	if oldRecord != nil {
		if err := m.delete(ctx, tx, pk); err != nil {
			return err
		}
	}
	if newRecord != nil {
		score, err := m.scoreOf(*newRecord)
		if err != nil {
			return err
		}
		tieBreak, err := m.tieBreakOf(*newRecord)
		if err != nil {
			return err
		}
		if err := m.insert(ctx, tx, score, tieBreak, pk); err != nil {
			return err
		}
	}
	return nil
}

func (m *Maintainer) insert(ctx context.Context, tx kv.RwTx, score, tieBreak tuple.Element, pk tuple.Tuple) error {
	orderBytes, err := tuple.Pack(m.orderTuple(score, tieBreak, pk))
	if err != nil {
		return err
	}
	coinLevel := m.randomLevel()

	metaSub, err := m.metaSub()
	if err != nil {
		return err
	}
	metaKey, err := metaSub.Pack(pk)
	if err != nil {
		return err
	}
	if err := tx.Set(ctx, metaKey, encodeMeta(nodeMeta{coinLevel: coinLevel, order: orderBytes})); err != nil {
		return err
	}

	level0, err := m.levelSub(0)
	if err != nil {
		return err
	}
	if err := tx.Set(ctx, append(append([]byte{}, level0.Bytes()...), orderBytes...), encodeCount(1)); err != nil {
		return err
	}

	for level := 1; level < maxLevel; level++ {
		levelSub, err := m.levelSub(level)
		if err != nil {
			return err
		}
		predOrder, predCount, hasPred, err := predecessor(ctx, tx, levelSub, orderBytes)
		if err != nil {
			return err
		}

		if level > coinLevel {
			// The new entry only widens the span containing it by one.
			if hasPred {
				if err := tx.Set(ctx, append(append([]byte{}, levelSub.Bytes()...), predOrder...), encodeCount(predCount+1)); err != nil {
					return err
				}
				continue
			}
			raw, ok, err := tx.Get(ctx, levelSub.Bytes())
			if err != nil {
				return err
			}
			if ok {
				if err := tx.Set(ctx, levelSub.Bytes(), encodeCount(decodeCount(raw)+1)); err != nil {
					return err
				}
			}
			// An empty level has no span containing the entry.
			continue
		}

		// The entry becomes a node at this level: its predecessor's span
		// (or the header span) splits at the new node.
		nextOrder, _, hasNext, err := successor(ctx, tx, levelSub, orderBytes)
		if err != nil {
			return err
		}
		var nextBound []byte
		if hasNext {
			nextBound = nextOrder
		}
		newCount, err := countBaseInRange(ctx, tx, level0, orderBytes, nextBound)
		if err != nil {
			return err
		}
		if err := tx.Set(ctx, append(append([]byte{}, levelSub.Bytes()...), orderBytes...), encodeCount(newCount)); err != nil {
			return err
		}
		if hasPred {
			splitCount, err := countBaseInRange(ctx, tx, level0, predOrder, orderBytes)
			if err != nil {
				return err
			}
			if err := tx.Set(ctx, append(append([]byte{}, levelSub.Bytes()...), predOrder...), encodeCount(splitCount)); err != nil {
				return err
			}
		} else {
			headCount, err := countBaseInRange(ctx, tx, level0, nil, orderBytes)
			if err != nil {
				return err
			}
			if err := tx.Set(ctx, levelSub.Bytes(), encodeCount(headCount)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Maintainer) delete(ctx context.Context, tx kv.RwTx, pk tuple.Tuple) error {
	metaSub, err := m.metaSub()
	if err != nil {
		return err
	}
	metaKey, err := metaSub.Pack(pk)
	if err != nil {
		return err
	}
	raw, ok, err := tx.Get(ctx, metaKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	meta := decodeMeta(raw)
	if err := tx.Clear(ctx, metaKey); err != nil {
		return err
	}

	level0, err := m.levelSub(0)
	if err != nil {
		return err
	}
	if err := tx.Clear(ctx, append(append([]byte{}, level0.Bytes()...), meta.order...)); err != nil {
		return err
	}

	for level := 1; level < maxLevel; level++ {
		levelSub, err := m.levelSub(level)
		if err != nil {
			return err
		}
		predOrder, predCount, hasPred, err := predecessor(ctx, tx, levelSub, meta.order)
		if err != nil {
			return err
		}

		if level > meta.coinLevel {
			// The removed entry only narrows the span containing it.
			if hasPred {
				if err := tx.Set(ctx, append(append([]byte{}, levelSub.Bytes()...), predOrder...), encodeCount(predCount-1)); err != nil {
					return err
				}
				continue
			}
			raw, ok, err := tx.Get(ctx, levelSub.Bytes())
			if err != nil {
				return err
			}
			if ok {
				if err := tx.Set(ctx, levelSub.Bytes(), encodeCount(decodeCount(raw)-1)); err != nil {
					return err
				}
			}
			continue
		}

		// The entry was a node at this level: its span merges into the
		// predecessor's (or the header's), or the level empties out.
		nextOrder, _, hasNext, err := successor(ctx, tx, levelSub, meta.order)
		if err != nil {
			return err
		}
		if err := tx.Clear(ctx, append(append([]byte{}, levelSub.Bytes()...), meta.order...)); err != nil {
			return err
		}
		var nextBound []byte
		if hasNext {
			nextBound = nextOrder
		}
		if hasPred {
			mergedCount, err := countBaseInRange(ctx, tx, level0, predOrder, nextBound)
			if err != nil {
				return err
			}
			if err := tx.Set(ctx, append(append([]byte{}, levelSub.Bytes()...), predOrder...), encodeCount(mergedCount)); err != nil {
				return err
			}
		} else if hasNext {
			headCount, err := countBaseInRange(ctx, tx, level0, nil, nextOrder)
			if err != nil {
				return err
			}
			if err := tx.Set(ctx, levelSub.Bytes(), encodeCount(headCount)); err != nil {
				return err
			}
		} else {
			if err := tx.Clear(ctx, levelSub.Bytes()); err != nil {
				return err
			}
		}
	}
	return nil
}

func encodeCount(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeCount(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// predecessor returns the raw order-bytes and stored count of the greatest
// entry strictly less than orderBytes within levelSub.
func predecessor(ctx context.Context, tx kv.Tx, levelSub tuple.Subspace, orderBytes []byte) ([]byte, int64, bool, error) {
	begin, _ := levelSub.Range()
	end := append(append([]byte{}, levelSub.Bytes()...), orderBytes...)
	it := tx.GetRange(ctx, kv.RangeOptions{
		Begin:   kv.FirstGreaterOrEqual(begin),
		End:     kv.FirstGreaterOrEqual(end),
		Reverse: true,
		Limit:   1,
	})
	defer it.Close()
	if it.Next() {
		kvp := it.KV()
		return kvp.Key[len(levelSub.Bytes()):], decodeCount(kvp.Value), true, it.Err()
	}
	return nil, 0, false, it.Err()
}

// successor returns the raw order-bytes and stored count of the smallest
// entry strictly greater than orderBytes within levelSub.
func successor(ctx context.Context, tx kv.Tx, levelSub tuple.Subspace, orderBytes []byte) ([]byte, int64, bool, error) {
	begin := append(append([]byte{}, levelSub.Bytes()...), orderBytes...)
	_, end := levelSub.Range()
	it := tx.GetRange(ctx, kv.RangeOptions{
		Begin: kv.FirstGreaterThan(begin),
		End:   kv.FirstGreaterOrEqual(end),
		Limit: 1,
	})
	defer it.Close()
	if it.Next() {
		kvp := it.KV()
		return kvp.Key[len(levelSub.Bytes()):], decodeCount(kvp.Value), true, it.Err()
	}
	return nil, 0, false, it.Err()
}

// countBaseInRange counts level-0 entries in [fromOrderBytes, toOrderBytes)
// (toOrderBytes == nil means unbounded above).
func countBaseInRange(ctx context.Context, tx kv.Tx, level0 tuple.Subspace, fromOrderBytes, toOrderBytes []byte) (int64, error) {
	begin := append(append([]byte{}, level0.Bytes()...), fromOrderBytes...)
	var end []byte
	if toOrderBytes != nil {
		end = append(append([]byte{}, level0.Bytes()...), toOrderBytes...)
	} else {
		_, e := level0.Range()
		end = e
	}
	it := tx.GetRange(ctx, kv.RangeOptions{
		Begin: kv.FirstGreaterOrEqual(begin),
		End:   kv.FirstGreaterOrEqual(end),
	})
	defer it.Close()
	var n int64
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// spanAt reads the span starting at cursor within levelSub: the count of
// level-0 entries in [cursor, next node at this level), plus that next
// node's order bytes (nil when the span is unbounded above). An empty
// cursor addresses the level's header span. ok is false when no span
// starts at cursor (the level is empty, or cursor is not a node here).
func spanAt(ctx context.Context, tx kv.Tx, levelSub tuple.Subspace, cursor []byte) (count int64, next []byte, ok bool, err error) {
	key := levelSub.Bytes()
	if len(cursor) > 0 {
		key = append(append([]byte{}, key...), cursor...)
	}
	raw, found, err := tx.Get(ctx, key)
	if err != nil || !found {
		return 0, nil, false, err
	}
	nextOrder, _, hasNext, err := successor(ctx, tx, levelSub, cursor)
	if err != nil {
		return 0, nil, false, err
	}
	if hasNext {
		next = nextOrder
	}
	return decodeCount(raw), next, true, nil
}

// Rank returns the 0-indexed rank of the packed (score, pk) key: the
// number of entries with order key strictly less than it (spec §4.4.3,
// so select(rank(x)) == x for stored x and ranks are dense over
// [0, |S|)). Descends level by level consuming whole spans that end at or
// before the target, then resolves the final partial span at level 0.
func Rank(ctx context.Context, tx kv.Tx, subs tuple.Subspace, score tuple.Element, pk tuple.Tuple) (int64, error) {
	target := make(tuple.Tuple, 0, 1+len(pk))
	target = append(target, score)
	target = append(target, pk...)
	targetBytes, err := tuple.Pack(target)
	if err != nil {
		return 0, err
	}
	var result int64
	var cursor []byte
	for level := maxLevel - 1; level >= 1; level-- {
		levelSub, err := subs.Child(tuple.Tuple{"L", int64(level)})
		if err != nil {
			return 0, err
		}
		for {
			count, next, ok, err := spanAt(ctx, tx, levelSub, cursor)
			if err != nil {
				return 0, err
			}
			// A span is consumed whole only when it ends at or before the
			// target; the tail span is resolved at a lower level.
			if !ok || next == nil || compareBytes(next, targetBytes) > 0 {
				break
			}
			result += count
			cursor = next
		}
	}

	level0, err := subs.Child(tuple.Tuple{"L", int64(0)})
	if err != nil {
		return 0, err
	}
	if len(cursor) > 0 && compareBytes(cursor, targetBytes) < 0 {
		result++
	}
	for {
		nextOrder, _, hasNext, err := successor(ctx, tx, level0, cursor)
		if err != nil {
			return 0, err
		}
		if !hasNext || compareBytes(nextOrder, targetBytes) >= 0 {
			break
		}
		result++
		cursor = nextOrder
	}
	return result, nil
}

// Select returns the order tuple of the entry at 0-indexed rank k (spec
// §4.4.3), descending spans top to bottom and walking the final span at
// level 0.
func Select(ctx context.Context, tx kv.Tx, subs tuple.Subspace, k int64) (orderTuple tuple.Tuple, found bool, err error) {
	remaining := k + 1
	var cursor []byte
	for level := maxLevel - 1; level >= 1; level-- {
		levelSub, lerr := subs.Child(tuple.Tuple{"L", int64(level)})
		if lerr != nil {
			return nil, false, lerr
		}
		for {
			count, next, ok, serr := spanAt(ctx, tx, levelSub, cursor)
			if serr != nil {
				return nil, false, serr
			}
			// The answer lies inside this span once its count reaches
			// remaining; descend to narrow it further.
			if !ok || next == nil || count >= remaining {
				break
			}
			remaining -= count
			cursor = next
		}
	}

	level0, lerr := subs.Child(tuple.Tuple{"L", int64(0)})
	if lerr != nil {
		return nil, false, lerr
	}
	if len(cursor) == 0 {
		first, _, hasFirst, serr := successor(ctx, tx, level0, nil)
		if serr != nil {
			return nil, false, serr
		}
		if !hasFirst {
			return nil, false, nil
		}
		cursor = first
	}
	for remaining > 1 {
		nextOrder, _, hasNext, serr := successor(ctx, tx, level0, cursor)
		if serr != nil {
			return nil, false, serr
		}
		if !hasNext {
			return nil, false, nil
		}
		cursor = nextOrder
		remaining--
	}
	t, uerr := tuple.Unpack(cursor)
	if uerr != nil {
		return nil, false, uerr
	}
	return t, true, nil
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
