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

// Package mdbxkv adapts github.com/erigontech/mdbx-go onto the kv.Store
// contract. It is the production backend; kv/memkv is what the test suite
// actually runs against (see DESIGN.md). MDBX gives us a single-file
// transactional B-tree with the same MVCC/snapshot shape FoundationDB's
// client presents, which is why the kv contract maps onto it cleanly:
// page-level copy-on-write readers for Tx, one writer at a time for RwTx.
//
// MDBX itself has no notion of commit-time versionstamps, so this adapter
// fabricates one from MDBX's internal transaction ID, which is
// monotonically increasing per committed write transaction on one
// environment - sufficient for the version index's ordering requirement,
// though not comparable across different environments the way a real
// FoundationDB versionstamp is.
package mdbxkv

import (
	"context"
	"encoding/binary"
	"fmt"

	mdbx "github.com/erigontech/mdbx-go/mdbx"

	"github.com/kvrecord/recordlayer/kv"
)

// Store wraps a single MDBX environment and database.
type Store struct {
	env *mdbx.Env
	dbi mdbx.DBI
}

// Open creates (or opens) an MDBX environment rooted at path holding one
// flat table; the record layer layers its own subspace prefixes on top.
func Open(path string, maxSizeBytes int64) (*Store, error) {
	env, err := mdbx.NewEnv(mdbx.Default)
	if err != nil {
		return nil, fmt.Errorf("mdbxkv: new env: %w", err)
	}
	if err := env.SetGeometry(-1, -1, int(maxSizeBytes), -1, -1, -1); err != nil {
		return nil, fmt.Errorf("mdbxkv: set geometry: %w", err)
	}
	if err := env.Open(path, mdbx.NoSubdir, 0o644); err != nil {
		return nil, fmt.Errorf("mdbxkv: open: %w", err)
	}
	s := &Store{env: env}
	err = env.Update(func(txn *mdbx.Txn) error {
		dbi, err := txn.OpenDBISimple("recordlayer", mdbx.Create)
		if err != nil {
			return err
		}
		s.dbi = dbi
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mdbxkv: open dbi: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.env.Close()
	return nil
}

type tx struct {
	s   *Store
	txn *mdbx.Txn
}

func (t *tx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	v, err := t.txn.Get(t.s.dbi, key)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (t *tx) GetReadVersion(ctx context.Context) (int64, error) {
	info, err := t.txn.Info(false)
	if err != nil {
		return 0, err
	}
	return int64(info.Id), nil
}

func (t *tx) SetReadVersion(ctx context.Context, version int64) error {
	return fmt.Errorf("mdbxkv: SetReadVersion is unsupported; MDBX transactions cannot be pinned to an arbitrary prior version")
}

type mdbxIterator struct {
	cur  *mdbx.Cursor
	rev  bool
	end  []byte
	kvv  kv.KeyValue
	done bool
	err  error
	n    int
	lim  int
}

func (it *mdbxIterator) Next() bool {
	if it.done || (it.lim > 0 && it.n >= it.lim) {
		return false
	}
	var k, v []byte
	var err error
	if it.n == 0 {
		k, v, err = it.cur.Get(nil, nil, mdbx.GetCurrent)
	} else if it.rev {
		k, v, err = it.cur.Get(nil, nil, mdbx.Prev)
	} else {
		k, v, err = it.cur.Get(nil, nil, mdbx.Next)
	}
	if err != nil {
		it.done = true
		if !mdbx.IsNotFound(err) {
			it.err = err
		}
		return false
	}
	if it.end != nil && !it.rev && compare(k, it.end) >= 0 {
		it.done = true
		return false
	}
	it.kvv = kv.KeyValue{Key: append([]byte{}, k...), Value: append([]byte{}, v...)}
	it.n++
	return true
}

func compare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}

func (it *mdbxIterator) KV() kv.KeyValue { return it.kvv }
func (it *mdbxIterator) Err() error      { return it.err }
func (it *mdbxIterator) Close()          { it.cur.Close() }

func (t *tx) GetRange(ctx context.Context, opts kv.RangeOptions) kv.Iterator {
	cur, err := t.txn.OpenCursor(t.s.dbi)
	if err != nil {
		return &mdbxIterator{err: err, done: true}
	}
	begin := opts.Begin.Key
	if len(begin) > 0 {
		if _, _, err := cur.Get(begin, nil, mdbx.SetRange); err != nil && !mdbx.IsNotFound(err) {
			return &mdbxIterator{err: err, done: true}
		}
	} else {
		if _, _, err := cur.Get(nil, nil, mdbx.First); err != nil && !mdbx.IsNotFound(err) {
			return &mdbxIterator{err: err, done: true}
		}
	}
	return &mdbxIterator{cur: cur, rev: opts.Reverse, end: opts.End.Key, lim: opts.Limit}
}

type rwtx struct{ tx }

func (t *rwtx) Set(ctx context.Context, key, value []byte) error {
	return t.txn.Put(t.s.dbi, key, value, 0)
}

func (t *rwtx) Clear(ctx context.Context, key []byte) error {
	err := t.txn.Del(t.s.dbi, key, nil)
	if err != nil && mdbx.IsNotFound(err) {
		return nil
	}
	return err
}

func (t *rwtx) ClearRange(ctx context.Context, begin, end []byte) error {
	cur, err := t.txn.OpenCursor(t.s.dbi)
	if err != nil {
		return err
	}
	defer cur.Close()
	for k, _, err := cur.Get(begin, nil, mdbx.SetRange); err == nil; k, _, err = cur.Get(nil, nil, mdbx.Next) {
		if end != nil && compare(k, end) >= 0 {
			break
		}
		if err := cur.Del(0); err != nil {
			return err
		}
	}
	return nil
}

func (t *rwtx) AtomicOp(ctx context.Context, key []byte, op kv.AtomicOp, operand []byte) error {
	// MDBX has no atomic add/min/max primitive: emulate with a
	// read-modify-write inside the (already serialized) writer
	// transaction, which is race-free because MDBX allows only one
	// writer at a time.
	cur, err := t.txn.Get(t.s.dbi, key)
	if err != nil && !mdbx.IsNotFound(err) {
		return err
	}
	switch op {
	case kv.AtomicAdd:
		a := decodeLE(cur)
		b := decodeLE(operand)
		return t.txn.Put(t.s.dbi, key, encodeLE(a+b), 0)
	case kv.AtomicMin:
		if cur == nil || compare(operand, cur) < 0 {
			return t.txn.Put(t.s.dbi, key, operand, 0)
		}
	case kv.AtomicMax:
		if cur == nil || compare(operand, cur) > 0 {
			return t.txn.Put(t.s.dbi, key, operand, 0)
		}
	case kv.AtomicByteOr:
		out := make([]byte, len(operand))
		for i := range operand {
			var c byte
			if i < len(cur) {
				c = cur[i]
			}
			out[i] = c | operand[i]
		}
		return t.txn.Put(t.s.dbi, key, out, 0)
	}
	return nil
}

func decodeLE(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}

func encodeLE(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func (t *rwtx) SetVersionstampedKey(ctx context.Context, keyPrefix []byte, versionstampOffset int, keySuffix []byte, value []byte) error {
	id := t.txn.ID()
	var vs kv.VersionStamp
	binary.BigEndian.PutUint64(vs[0:8], uint64(id))
	key := append(append([]byte{}, keyPrefix...), vs[:]...)
	key = append(key, keySuffix...)
	if versionstampOffset >= 0 && versionstampOffset+12 <= len(key) {
		copy(key[versionstampOffset:versionstampOffset+12], vs[:])
	}
	return t.txn.Put(t.s.dbi, key, value, 0)
}


func (s *Store) Update(ctx context.Context, opts kv.Options, fn func(context.Context, kv.RwTx) error) (kv.CommitResult, error) {
	var result kv.CommitResult
	err := s.env.Update(func(txn *mdbx.Txn) error {
		rt := &rwtx{tx{s: s, txn: txn}}
		if err := fn(ctx, rt); err != nil {
			return err
		}
		id := txn.ID()
		binary.BigEndian.PutUint64(result.VersionStamp[0:8], uint64(id))
		return nil
	})
	if err != nil {
		return kv.CommitResult{}, err
	}
	return result, nil
}

func (s *Store) View(ctx context.Context, opts kv.Options, fn func(context.Context, kv.Tx) error) error {
	return s.env.View(func(txn *mdbx.Txn) error {
		t := &tx{s: s, txn: txn}
		return fn(ctx, t)
	})
}
