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

// Package kv specifies the contract the record layer requires of its
// underlying ordered key-value store. It deliberately says nothing about
// how that store is implemented: see kv/memkv for an in-memory reference
// implementation used by tests, and kv/mdbxkv for the production adapter.
package kv

import "context"

// VersionStamp is the 12-byte value a commit assigns: 10 bytes of
// transaction version plus a 2-byte in-transaction batch order, unique and
// monotonically increasing across committed transactions.
type VersionStamp [12]byte

// Less reports whether vs sorts before other.
func (vs VersionStamp) Less(other VersionStamp) bool {
	for i := range vs {
		if vs[i] != other[i] {
			return vs[i] < other[i]
		}
	}
	return false
}

// KeySelector describes one endpoint of a range read. FoundationDB-style
// key selectors (firstGreaterThan, etc.) are collapsed here to the two
// shapes the record layer actually needs.
type KeySelector struct {
	Key       []byte
	OrEqual   bool // include Key itself if present
	Offset    int  // additional keys to skip past the resolved key
}

// FirstGreaterOrEqual returns the selector for the smallest key >= key.
func FirstGreaterOrEqual(key []byte) KeySelector { return KeySelector{Key: key, OrEqual: true} }

// FirstGreaterThan returns the selector for the smallest key > key.
func FirstGreaterThan(key []byte) KeySelector { return KeySelector{Key: key} }

// KeyValue is one entry returned from a range read.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Iterator walks a range of key-value pairs in key order.
type Iterator interface {
	// Next advances the iterator and reports whether a value is available.
	Next() bool
	// KV returns the current key and value. Valid only after Next returns true.
	KV() KeyValue
	// Err returns any error encountered during iteration.
	Err() error
	// Close releases resources held by the iterator.
	Close()
}

// RangeOptions controls a ranged read.
type RangeOptions struct {
	Begin    KeySelector
	End      KeySelector
	Reverse  bool
	Limit    int  // 0 means unbounded
	Snapshot bool // bypass conflict-range tracking for this read
}

// Tx is a read-only (or snapshot) view of the store, usable both for plain
// reads and as the read side of a read-write transaction.
type Tx interface {
	// Get fetches the value for key. ok is false if key is absent.
	Get(ctx context.Context, key []byte) (value []byte, ok bool, err error)
	// GetRange returns an iterator over [opts.Begin, opts.End).
	GetRange(ctx context.Context, opts RangeOptions) Iterator
	// GetReadVersion returns the version this transaction reads at. Sibling
	// transactions created with SetReadVersion(v) observe the same snapshot.
	GetReadVersion(ctx context.Context) (int64, error)
	// SetReadVersion pins this transaction's reads to a specific version,
	// so sibling transactions opened against the same Store observe one
	// consistent snapshot (spec §5, plan combinators: getReadVersion on one
	// transaction, then SetReadVersion on read-only siblings). Read-only
	// since it only affects Get/GetRange visibility.
	SetReadVersion(ctx context.Context, version int64) error
}

// AtomicOp names a conflict-free mutation applied directly by the store,
// without a read-modify-write round trip.
type AtomicOp int

const (
	// AtomicAdd adds a little-endian integer to the existing value.
	AtomicAdd AtomicOp = iota
	// AtomicMin keeps the byte-wise lesser of the existing and new value.
	AtomicMin
	// AtomicMax keeps the byte-wise greater of the existing and new value.
	AtomicMax
	// AtomicByteOr bitwise-ORs the existing and new value.
	AtomicByteOr
)

// RwTx is a read-write transaction. All mutations are visible to
// subsequent reads on the same RwTx (read-your-writes) unless the read
// requested Snapshot.
type RwTx interface {
	Tx

	// Set writes key -> value.
	Set(ctx context.Context, key, value []byte) error
	// Clear removes key, if present.
	Clear(ctx context.Context, key []byte) error
	// ClearRange removes every key in [begin, end).
	ClearRange(ctx context.Context, begin, end []byte) error
	// AtomicOp applies op to the value stored at key using operand.
	AtomicOp(ctx context.Context, key []byte, op AtomicOp, operand []byte) error
	// SetVersionstampedKey writes value under a key formed by splicing the
	// eventual commit VersionStamp into key at the given byte offset.
	SetVersionstampedKey(ctx context.Context, keyPrefix []byte, versionstampOffset int, keySuffix []byte, value []byte) error
}

// CommitResult carries the outcome of a successful commit.
type CommitResult struct {
	VersionStamp VersionStamp
}

// Options configures one transaction attempt.
type Options struct {
	Timeout    int // milliseconds; 0 uses the store's default (<= 5000)
	RetryLimit int
	RetryDelay int // milliseconds between internal retries
}

// Store opens transactions against one ordered key-value namespace. All
// parallelism is delegated to the Store: RecordStore and friends hold no
// locks of their own (spec §5).
type Store interface {
	// Update runs fn inside a read-write transaction, committing on success
	// and retrying on ErrConflict/ErrTransactionTooOld up to opts.RetryLimit.
	Update(ctx context.Context, opts Options, fn func(ctx context.Context, tx RwTx) error) (CommitResult, error)
	// View runs fn inside a read-only transaction.
	View(ctx context.Context, opts Options, fn func(ctx context.Context, tx Tx) error) error
	// Close releases the store's resources.
	Close() error
}
