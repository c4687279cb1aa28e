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

// Package online implements the bounded-batch resumable index builder
// (OnlineIndexer) and the two-phase index scrubber (OnlineIndexScrubber),
// both driven by a rangeset.RangeSet persisted under the store's own
// key space so a build or scrub survives process restarts.
package online

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/rangeset"
	"github.com/kvrecord/recordlayer/tuple"
)

// progressKey returns the single key holding one named RangeSet's
// persisted ranges (e.g. per-record-type build progress, or a scrub
// phase's progress), under sub.
func progressKey(sub tuple.Subspace, name string) ([]byte, error) {
	child, err := sub.Child(tuple.Tuple{name})
	if err != nil {
		return nil, err
	}
	return child.Pack(tuple.Tuple{"ranges"})
}

type rangePair struct {
	From []byte `json:"from"`
	To   []byte `json:"to"`
}

func encodeRanges(rs *rangeset.RangeSet) ([]byte, error) {
	ranges := rs.Ranges()
	pairs := make([]rangePair, len(ranges))
	for i, r := range ranges {
		pairs[i] = rangePair{From: r[0], To: r[1]}
	}
	data, err := json.Marshal(pairs)
	if err != nil {
		return nil, errors.Wrap(err, "online: encode progress")
	}
	return data, nil
}

func decodeRanges(data []byte) (*rangeset.RangeSet, error) {
	var pairs []rangePair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, errors.Wrap(err, "online: decode progress")
	}
	out := make([][2][]byte, len(pairs))
	for i, p := range pairs {
		out[i] = [2][]byte{p.From, p.To}
	}
	return rangeset.FromRanges(out), nil
}

// nextKey returns the lexicographically smallest key strictly greater
// than key with no key able to sort strictly between them — the standard
// "keyAfter" trick ordered byte spaces use to mark a range complete
// through and including key.
func nextKey(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

// loadProgress reads the RangeSet stored at sub/name, returning an empty
// one if absent.
func loadProgress(ctx context.Context, tx kv.Tx, sub tuple.Subspace, name string) (*rangeset.RangeSet, error) {
	key, err := progressKey(sub, name)
	if err != nil {
		return nil, err
	}
	data, ok, err := tx.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return rangeset.New(), nil
	}
	rs, err := decodeRanges(data)
	if err != nil {
		return nil, &RangeSetCorruption{Key: key, Err: err}
	}
	return rs, nil
}

// clearProgress removes the RangeSet stored at sub/name, so the next run
// of the same job starts from scratch instead of resuming.
func clearProgress(ctx context.Context, tx kv.RwTx, sub tuple.Subspace, name string) error {
	key, err := progressKey(sub, name)
	if err != nil {
		return err
	}
	return tx.Clear(ctx, key)
}

// saveProgress persists rs at sub/name within the same transaction that
// just advanced it.
func saveProgress(ctx context.Context, tx kv.RwTx, sub tuple.Subspace, name string, rs *rangeset.RangeSet) error {
	key, err := progressKey(sub, name)
	if err != nil {
		return err
	}
	data, err := encodeRanges(rs)
	if err != nil {
		return err
	}
	return tx.Set(ctx, key, data)
}
