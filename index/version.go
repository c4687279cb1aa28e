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

	"github.com/pkg/errors"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

// VersionMaintainer appends an incomplete version-stamp placeholder to the
// entry key so the KV fills the 12-byte commit version at commit time,
// yielding monotonically increasing keys across transactions (spec
// §4.4.4). History entries are keyed (versionstamp, pk) for retention
// pruning; the current-version pointer is itself a versionstamped key
// current/<pk>/<stamp>, replaced on every write, whose stamped suffix is
// the opaque token CurrentVersion hands to optimistic-concurrency callers.
type VersionMaintainer struct {
	desc      schema.IndexDescriptor
	subs      tuple.Subspace
	recType   *schema.RecordType
	retention schema.VersionOptions
}

// NewVersionMaintainer constructs the maintainer for a KindVersion index.
func NewVersionMaintainer(desc schema.IndexDescriptor, rt *schema.RecordType, sub tuple.Subspace) *VersionMaintainer {
	opts, _ := desc.Options.(schema.VersionOptions)
	return &VersionMaintainer{desc: desc, subs: sub, recType: rt, retention: opts}
}

// pointerPrefix bounds the per-pk current-version pointer: a single
// versionstamped key current/<pk>/<stamp> whose stamp the KV fills at
// commit, so ExpectedVersion checks read a value that actually changes
// with every committed write.
func (m *VersionMaintainer) pointerPrefix(pk tuple.Tuple) (begin, end []byte, err error) {
	child, err := m.subs.Child(tuple.Tuple{"current"})
	if err != nil {
		return nil, nil, err
	}
	prefix, err := child.Pack(pk)
	if err != nil {
		return nil, nil, err
	}
	begin = append(append([]byte{}, prefix...), 0x00)
	end = append(append([]byte{}, prefix...), 0xff)
	return begin, end, nil
}

func (m *VersionMaintainer) historySubspace() (tuple.Subspace, error) {
	return m.subs.Child(tuple.Tuple{"history"})
}

// Update writes a new version entry for newRecord (if present). Pure
// deletes (newRecord == nil) retire the pointer but leave history alone;
// retention pruning (KeepLastN / KeepForDuration) is performed by the
// OnlineIndexScrubber / a maintenance job, not inline, since it requires
// a range scan the hot write path should not pay for.
func (m *VersionMaintainer) Update(ctx context.Context, tx kv.RwTx, oldRecord, newRecord *record.Record, pk tuple.Tuple) error {
	ptrBegin, ptrEnd, err := m.pointerPrefix(pk)
	if err != nil {
		return err
	}
	// The prior pointer is retired first; mutations apply in order, so
	// after commit exactly the new stamped pointer remains.
	if err := tx.ClearRange(ctx, ptrBegin, ptrEnd); err != nil {
		return err
	}
	if newRecord == nil {
		return nil
	}

	hist, err := m.historySubspace()
	if err != nil {
		return err
	}
	entryTuple := tuple.Tuple{tuple.Incomplete{}}
	entryTuple = append(entryTuple, pk...)
	data, offset, err := hist.PackVersionstamped(entryTuple)
	if err != nil {
		return err
	}
	if err := tx.SetVersionstampedKey(ctx, data[:offset], offset, data[offset+12:], nil); err != nil {
		return err
	}

	current, err := m.subs.Child(tuple.Tuple{"current"})
	if err != nil {
		return err
	}
	ptrTuple := make(tuple.Tuple, 0, len(pk)+1)
	ptrTuple = append(ptrTuple, pk...)
	ptrTuple = append(ptrTuple, tuple.Incomplete{})
	ptrData, ptrOffset, err := current.PackVersionstamped(ptrTuple)
	if err != nil {
		return err
	}
	return tx.SetVersionstampedKey(ctx, ptrData[:ptrOffset], ptrOffset, ptrData[ptrOffset+12:], nil)
}

// CurrentVersion returns the opaque version token of pk's latest committed
// write: the stamped suffix of its pointer key. Tokens compare
// byte-lexicographically in commit order; pass one back through
// SaveOptions.ExpectedVersion for the optimistic-concurrency check.
func (m *VersionMaintainer) CurrentVersion(ctx context.Context, tx kv.Tx, pk tuple.Tuple) ([]byte, bool, error) {
	begin, end, err := m.pointerPrefix(pk)
	if err != nil {
		return nil, false, err
	}
	it := tx.GetRange(ctx, kv.RangeOptions{
		Begin:   kv.FirstGreaterOrEqual(begin),
		End:     kv.FirstGreaterOrEqual(end),
		Reverse: true,
		Limit:   1,
	})
	defer it.Close()
	if !it.Next() {
		return nil, false, it.Err()
	}
	key := it.KV().Key
	// Strip the shared prefix (everything before the 0x00 floor of the
	// range) to leave the stamped tail as the token.
	token := append([]byte{}, key[len(begin)-1:]...)
	return token, true, nil
}

// PruneHistory applies the configured retention policy to the history
// subspace. It is a maintenance operation, run out-of-band like a build or
// scrub, never on the write path. For KeepForDuration the caller supplies
// the cutoff stamp (duration maps to a commit version only through the
// deployment's observed version rate, which the store cannot know);
// history strictly below it is cleared. For KeepLastN a reverse scan keeps
// the most recent N entries per primary key. KeepAll is a no-op.
func (m *VersionMaintainer) PruneHistory(ctx context.Context, tx kv.RwTx, cutoff kv.VersionStamp) error {
	hist, err := m.historySubspace()
	if err != nil {
		return err
	}
	// History key layout: <hist prefix> | versionstamp tag | 12 stamp
	// bytes | 2 user-version bytes | packed pk.
	const stampRegion = 1 + 12 + 2
	prefix := hist.Bytes()

	switch m.retention.Retention {
	case schema.KeepAll:
		return nil
	case schema.KeepForDuration:
		begin, _ := hist.Range()
		end := make([]byte, 0, len(prefix)+13)
		end = append(end, prefix...)
		end = append(end, tuple.VersionstampTag)
		end = append(end, cutoff[:]...)
		return tx.ClearRange(ctx, begin, end)
	case schema.KeepLastN:
		keep := m.retention.LastN
		begin, end := hist.Range()
		it := tx.GetRange(ctx, kv.RangeOptions{
			Begin:    kv.FirstGreaterOrEqual(begin),
			End:      kv.FirstGreaterOrEqual(end),
			Reverse:  true,
			Snapshot: true,
		})
		defer it.Close()
		perPK := map[string]int{}
		for it.Next() {
			key := it.KV().Key
			if len(key) < len(prefix)+stampRegion {
				return errors.WithStack(&tuple.MalformedTuple{Reason: "version history key shorter than stamp region"})
			}
			pkBytes := string(key[len(prefix)+stampRegion:])
			perPK[pkBytes]++
			if perPK[pkBytes] > keep {
				if err := tx.Clear(ctx, key); err != nil {
					return err
				}
			}
		}
		return it.Err()
	default:
		return nil
	}
}

// CheckExpectedVersion implements the optimistic-concurrency contract
// (spec §4.4.4): expected is a token previously obtained from
// CurrentVersion (nil expects "never written"); a committed write in
// between changes the stamped pointer, so the comparison fails with
// VersionMismatch.
func (m *VersionMaintainer) CheckExpectedVersion(ctx context.Context, tx kv.Tx, pk tuple.Tuple, expected []byte) error {
	actual, ok, err := m.CurrentVersion(ctx, tx, pk)
	if err != nil {
		return err
	}
	if !ok {
		actual = nil
	}
	if !bytes.Equal(actual, expected) {
		return &VersionMismatch{IndexName: m.desc.Name, Expected: expected, Actual: actual}
	}
	return nil
}
