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

// Package memkv is an in-memory, order-preserving implementation of the
// kv.Store contract. It exists so the record layer's tests can exercise
// real transactional semantics (read-your-writes, snapshot reads,
// optimistic conflict detection, versionstamps) without an external
// FoundationDB-compatible process.
package memkv

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"

	"github.com/google/btree"

	"github.com/kvrecord/recordlayer/kv"
)

// versionedValue is one historical value for a key. A nil Value with
// Deleted=true represents a tombstone.
type versionedValue struct {
	version int64
	value   []byte
	deleted bool
}

type item struct {
	key      []byte
	versions []versionedValue // ascending by version
}

func (a *item) Less(b *item) bool { return bytes.Compare(a.key, b.key) < 0 }

func (it *item) valueAsOf(version int64) ([]byte, bool) {
	var found *versionedValue
	for i := range it.versions {
		if it.versions[i].version > version {
			break
		}
		found = &it.versions[i]
	}
	if found == nil || found.deleted {
		return nil, false
	}
	return found.value, true
}

// commitRecord lets later transactions' conflict checks ask "did anything
// I read change after my read version?" without scanning all history.
type commitRecord struct {
	version     int64
	writtenKeys [][]byte
}

// Store is an in-memory kv.Store.
type Store struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[*item]
	version int64
	history []commitRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{tree: btree.NewG(32, (*item).Less)}
}

func (s *Store) Close() error { return nil }

type writeKind int

const (
	writeSet writeKind = iota
	writeClear
	writeClearRange
	writeAtomic
	writeVersionstamped
)

type pendingWrite struct {
	kind       writeKind
	key        []byte // for set/clear/atomic; keyPrefix for versionstamped
	end        []byte // for clearRange
	value      []byte
	op         kv.AtomicOp
	vsOffset   int
	keySuffix  []byte
}

type txn struct {
	s            *Store
	ctx          context.Context
	readVersion  int64
	pinnedRead   bool
	writes       []pendingWrite
	writeIndex   map[string]int // last write touching a literal key, for read-your-writes
	readKeys     map[string]struct{}
	readRanges   [][2][]byte
	rng          [12]byte // scratch for versionstamp filling
}

func newTxn(s *Store) *txn {
	s.mu.Lock()
	rv := s.version
	s.mu.Unlock()
	return &txn{s: s, readVersion: rv, writeIndex: map[string]int{}, readKeys: map[string]struct{}{}}
}

func (t *txn) GetReadVersion(ctx context.Context) (int64, error) { return t.readVersion, nil }

func (t *txn) SetReadVersion(ctx context.Context, version int64) error {
	t.readVersion = version
	t.pinnedRead = true
	return nil
}

func (t *txn) localOverride(key []byte) (value []byte, deleted bool, has bool) {
	idx, ok := t.writeIndex[string(key)]
	if !ok {
		return nil, false, false
	}
	w := t.writes[idx]
	switch w.kind {
	case writeSet:
		return w.value, false, true
	case writeClear:
		return nil, true, true
	case writeAtomic:
		// writeIndex never points at an atomic op; Get folds pending atomic
		// ops in on top of the value found here or in the store.
		return nil, false, false
	}
	return nil, false, false
}

func (t *txn) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	v, ok, from := []byte(nil), false, 0
	if lv, deleted, has := t.localOverride(key); has {
		v, ok, from = lv, !deleted, t.writeIndex[string(key)]+1
	} else {
		t.readKeys[string(key)] = struct{}{}
		t.s.mu.Lock()
		v, ok = t.s.getLocked(key, t.readVersion)
		t.s.mu.Unlock()
	}
	// Range clears and atomic ops issued after that value apply in order.
	for _, w := range t.writes[from:] {
		if w.kind == writeAtomic && bytes.Equal(w.key, key) {
			v, ok = applyAtomic(w.op, v, w.value), true
		} else if w.kind == writeClearRange && inRange(key, w.key, w.end) {
			v, ok = nil, false
		}
	}
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

type sliceIterator struct {
	kvs []kv.KeyValue
	pos int
	cur kv.KeyValue
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.kvs) {
		return false
	}
	it.cur = it.kvs[it.pos]
	it.pos++
	return true
}
func (it *sliceIterator) KV() kv.KeyValue { return it.cur }
func (it *sliceIterator) Err() error      { return nil }
func (it *sliceIterator) Close()          {}

func resolveBegin(sel kv.KeySelector) []byte {
	k := sel.Key
	if !sel.OrEqual {
		k = append(append([]byte{}, k...), 0x00)
	}
	return k
}

func resolveEnd(sel kv.KeySelector) []byte {
	if len(sel.Key) == 0 {
		return nil // unbounded
	}
	if sel.OrEqual {
		return sel.Key
	}
	return append(append([]byte{}, sel.Key...), 0x00)
}

func (t *txn) GetRange(ctx context.Context, opts kv.RangeOptions) kv.Iterator {
	begin := resolveBegin(opts.Begin)
	end := resolveEnd(opts.End)
	if !opts.Snapshot {
		t.readRanges = append(t.readRanges, [2][]byte{begin, end})
	}

	t.s.mu.Lock()
	var out []kv.KeyValue
	visit := func(it *item) bool {
		if end != nil && bytes.Compare(it.key, end) >= 0 {
			return false
		}
		v, ok := it.valueAsOf(t.readVersion)
		if ok {
			kk := make([]byte, len(it.key))
			copy(kk, it.key)
			vv := make([]byte, len(v))
			copy(vv, v)
			out = append(out, kv.KeyValue{Key: kk, Value: vv})
		}
		return true
	}
	if end == nil {
		t.s.tree.AscendGreaterOrEqual(&item{key: begin}, visit)
	} else {
		t.s.tree.AscendRange(&item{key: begin}, &item{key: end}, visit)
	}
	t.s.mu.Unlock()

	// merge local (uncommitted) writes touching the range
	for k, idx := range t.writeIndex {
		kb := []byte(k)
		if bytes.Compare(kb, begin) < 0 {
			continue
		}
		if end != nil && bytes.Compare(kb, end) >= 0 {
			continue
		}
		w := t.writes[idx]
		switch w.kind {
		case writeSet:
			out = upsert(out, kv.KeyValue{Key: kb, Value: w.value})
		case writeClear:
			out = remove(out, kb)
		}
	}

	if opts.Reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return &sliceIterator{kvs: out}
}

func upsert(list []kv.KeyValue, kv2 kv.KeyValue) []kv.KeyValue {
	for i := range list {
		if bytes.Equal(list[i].Key, kv2.Key) {
			list[i] = kv2
			return list
		}
	}
	// keep sorted by key
	idx := len(list)
	for i, e := range list {
		if bytes.Compare(kv2.Key, e.Key) < 0 {
			idx = i
			break
		}
	}
	list = append(list, kv.KeyValue{})
	copy(list[idx+1:], list[idx:])
	list[idx] = kv2
	return list
}

func remove(list []kv.KeyValue, key []byte) []kv.KeyValue {
	for i := range list {
		if bytes.Equal(list[i].Key, key) {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (t *txn) addWrite(w pendingWrite) {
	t.writes = append(t.writes, w)
	if w.kind == writeSet || w.kind == writeClear {
		t.writeIndex[string(w.key)] = len(t.writes) - 1
	}
}

func (t *txn) Set(ctx context.Context, key, value []byte) error {
	kk := append([]byte{}, key...)
	vv := append([]byte{}, value...)
	t.addWrite(pendingWrite{kind: writeSet, key: kk, value: vv})
	return nil
}

func (t *txn) Clear(ctx context.Context, key []byte) error {
	t.addWrite(pendingWrite{kind: writeClear, key: append([]byte{}, key...)})
	return nil
}

func (t *txn) ClearRange(ctx context.Context, begin, end []byte) error {
	t.addWrite(pendingWrite{kind: writeClearRange, key: append([]byte{}, begin...), end: append([]byte{}, end...)})
	return nil
}

func (t *txn) AtomicOp(ctx context.Context, key []byte, op kv.AtomicOp, operand []byte) error {
	t.addWrite(pendingWrite{kind: writeAtomic, key: append([]byte{}, key...), op: op, value: append([]byte{}, operand...)})
	return nil
}

func (t *txn) SetVersionstampedKey(ctx context.Context, keyPrefix []byte, versionstampOffset int, keySuffix []byte, value []byte) error {
	t.addWrite(pendingWrite{
		kind:      writeVersionstamped,
		key:       append([]byte{}, keyPrefix...),
		vsOffset:  versionstampOffset,
		keySuffix: append([]byte{}, keySuffix...),
		value:     append([]byte{}, value...),
	})
	return nil
}

func applyAtomic(op kv.AtomicOp, cur, operand []byte) []byte {
	switch op {
	case kv.AtomicAdd:
		a := decodeUint64(cur)
		b := decodeUint64(operand)
		return encodeUint64(a + b)
	case kv.AtomicMin:
		if cur == nil || bytes.Compare(operand, cur) < 0 {
			return append([]byte{}, operand...)
		}
		return cur
	case kv.AtomicMax:
		if cur == nil || bytes.Compare(operand, cur) > 0 {
			return append([]byte{}, operand...)
		}
		return cur
	case kv.AtomicByteOr:
		out := make([]byte, len(operand))
		for i := range operand {
			var c byte
			if i < len(cur) {
				c = cur[i]
			}
			out[i] = c | operand[i]
		}
		return out
	}
	return cur
}

func decodeUint64(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func makeVersionStamp(version int64, batchOrder uint16) kv.VersionStamp {
	var vs kv.VersionStamp
	binary.BigEndian.PutUint64(vs[0:8], uint64(version))
	binary.BigEndian.PutUint16(vs[8:10], batchOrder)
	// final 2 bytes reserved/unused, left zero (user-visible batch order in FDB proper)
	return vs
}

// Update implements kv.Store.
func (s *Store) Update(ctx context.Context, opts kv.Options, fn func(context.Context, kv.RwTx) error) (kv.CommitResult, error) {
	retries := opts.RetryLimit
	if retries <= 0 {
		retries = 1
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		t := newTxn(s)
		if err := fn(ctx, t); err != nil {
			return kv.CommitResult{}, err
		}
		res, err := s.commit(t)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if err != kv.ErrConflict && err != kv.ErrTransactionTooOld {
			return kv.CommitResult{}, err
		}
	}
	return kv.CommitResult{}, lastErr
}

func (s *Store) View(ctx context.Context, opts kv.Options, fn func(context.Context, kv.Tx) error) error {
	t := newTxn(s)
	return fn(ctx, t)
}

func (s *Store) commit(t *txn) (kv.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConflicts(t); err != nil {
		return kv.CommitResult{}, err
	}

	commitVersion := s.version + 1
	var batch uint16
	vs := makeVersionStamp(commitVersion, batch)
	var touched [][]byte

	for _, w := range t.writes {
		switch w.kind {
		case writeSet:
			s.put(w.key, w.value, commitVersion, false)
			touched = append(touched, w.key)
		case writeClear:
			s.put(w.key, nil, commitVersion, true)
			touched = append(touched, w.key)
		case writeClearRange:
			// Read at commitVersion so mutations compose in order within
			// one transaction, matching the KV contract's read-your-writes.
			keys := s.keysInRange(w.key, w.end, commitVersion)
			for _, k := range keys {
				s.put(k, nil, commitVersion, true)
				touched = append(touched, k)
			}
		case writeAtomic:
			cur, _ := s.getLocked(w.key, commitVersion)
			newVal := applyAtomic(w.op, cur, w.value)
			s.put(w.key, newVal, commitVersion, false)
			touched = append(touched, w.key)
		case writeVersionstamped:
			key := append([]byte{}, w.key...)
			key = append(key, vs[:]...)
			key = append(key, w.keySuffix...)
			if w.vsOffset >= 0 && w.vsOffset+12 <= len(key) {
				copy(key[w.vsOffset:w.vsOffset+12], vs[:])
			}
			s.put(key, w.value, commitVersion, false)
			touched = append(touched, key)
		}
	}

	s.version = commitVersion
	s.history = append(s.history, commitRecord{version: commitVersion, writtenKeys: touched})
	return kv.CommitResult{VersionStamp: vs}, nil
}

func (s *Store) checkConflicts(t *txn) error {
	for _, rec := range s.history {
		if rec.version <= t.readVersion {
			continue
		}
		for _, wk := range rec.writtenKeys {
			if _, read := t.readKeys[string(wk)]; read {
				return kv.ErrConflict
			}
			for _, r := range t.readRanges {
				if inRange(wk, r[0], r[1]) {
					return kv.ErrConflict
				}
			}
		}
	}
	return nil
}

func inRange(k, begin, end []byte) bool {
	if bytes.Compare(k, begin) < 0 {
		return false
	}
	if end != nil && bytes.Compare(k, end) >= 0 {
		return false
	}
	return true
}

func (s *Store) getLocked(key []byte, version int64) ([]byte, bool) {
	it, ok := s.tree.Get(&item{key: key})
	if !ok {
		return nil, false
	}
	return it.valueAsOf(version)
}

func (s *Store) put(key, value []byte, version int64, deleted bool) {
	it, ok := s.tree.Get(&item{key: key})
	if !ok {
		it = &item{key: append([]byte{}, key...)}
		s.tree.ReplaceOrInsert(it)
	}
	it.versions = append(it.versions, versionedValue{version: version, value: value, deleted: deleted})
}

func (s *Store) keysInRange(begin, end []byte, version int64) [][]byte {
	var out [][]byte
	s.tree.AscendRange(&item{key: begin}, &item{key: end}, func(it *item) bool {
		if _, ok := it.valueAsOf(version); ok {
			out = append(out, append([]byte{}, it.key...))
		}
		return true
	})
	return out
}
