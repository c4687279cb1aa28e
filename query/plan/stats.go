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

package plan

import (
	"bytes"
	"context"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/store"
	"github.com/kvrecord/recordlayer/tuple"
)

// Statistics approximates one index's value distribution: total entry
// count, distinct leading-element count, and per-value frequency buckets
// for the most common leading elements. The planner functions without them
// (spec §4.7 statistics contract), they only sharpen tie-breaking.
type Statistics struct {
	Entries     int64            `json:"entries"`
	Distinct    int64            `json:"distinct"`
	Frequencies map[string]int64 `json:"frequencies"` // hex-free packed leading element -> count
}

// Selectivity estimates the fraction of entries whose leading element
// equals value, in [0,1].
func (s *Statistics) Selectivity(value tuple.Element) float64 {
	if s == nil || s.Entries == 0 {
		return 0.1
	}
	packed, err := tuple.Pack(tuple.Tuple{value})
	if err == nil {
		if n, ok := s.Frequencies[string(packed)]; ok {
			return float64(n) / float64(s.Entries)
		}
	}
	if s.Distinct > 0 {
		return 1 / float64(s.Distinct)
	}
	return 0.1
}

const statsVersionKey = "v1"

func statsKey(rs *store.RecordStore, indexName string) ([]byte, error) {
	sub, err := rs.Layout().Stat(indexName)
	if err != nil {
		return nil, err
	}
	return sub.Pack(tuple.Tuple{statsVersionKey})
}

// Collect scans indexName's entries and builds fresh statistics, keeping
// at most maxBuckets frequency buckets (the most common values win).
// Build-progress keys stored under the index's __range child are skipped.
func Collect(ctx context.Context, tx kv.Tx, rs *store.RecordStore, indexName string, maxBuckets int) (*Statistics, error) {
	sub, err := rs.Layout().Index(indexName)
	if err != nil {
		return nil, err
	}
	progressSub, err := rs.Layout().IndexBuildRange(indexName)
	if err != nil {
		return nil, err
	}
	progressPrefix := progressSub.Bytes()

	begin, end := sub.Range()
	it := tx.GetRange(ctx, kv.RangeOptions{
		Begin:    kv.FirstGreaterOrEqual(begin),
		End:      kv.FirstGreaterOrEqual(end),
		Snapshot: true,
	})
	defer it.Close()

	st := &Statistics{Frequencies: map[string]int64{}}
	counts := map[string]int64{}
	for it.Next() {
		key := it.KV().Key
		if bytes.HasPrefix(key, progressPrefix) {
			continue
		}
		elems, err := sub.Unpack(key)
		if err != nil {
			return nil, err
		}
		if len(elems) == 0 {
			continue
		}
		leading, err := tuple.Pack(elems[:1])
		if err != nil {
			return nil, err
		}
		st.Entries++
		counts[string(leading)]++
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	st.Distinct = int64(len(counts))
	for len(counts) > 0 {
		var bestKey string
		var bestCount int64 = -1
		for k, n := range counts {
			if n > bestCount || (n == bestCount && k < bestKey) {
				bestKey, bestCount = k, n
			}
		}
		st.Frequencies[bestKey] = bestCount
		delete(counts, bestKey)
		if len(st.Frequencies) >= maxBuckets {
			break
		}
	}
	return st, nil
}

// Save persists st under the store's STAT subspace for indexName.
func Save(ctx context.Context, tx kv.RwTx, rs *store.RecordStore, indexName string, st *Statistics) error {
	key, err := statsKey(rs, indexName)
	if err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "plan: encode statistics")
	}
	return tx.Set(ctx, key, data)
}

// Load reads indexName's persisted statistics; ok is false when none were
// ever collected.
func Load(ctx context.Context, tx kv.Tx, rs *store.RecordStore, indexName string) (*Statistics, bool, error) {
	key, err := statsKey(rs, indexName)
	if err != nil {
		return nil, false, err
	}
	data, ok, err := tx.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var st Statistics
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, errors.Wrap(err, "plan: decode statistics")
	}
	return &st, true, nil
}

// LoadAll reads persisted statistics for every index in the schema,
// silently omitting indexes with none.
func LoadAll(ctx context.Context, tx kv.Tx, rs *store.RecordStore) (map[string]*Statistics, error) {
	out := map[string]*Statistics{}
	for name := range rs.Schema().Indexes {
		st, ok, err := Load(ctx, tx, rs, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out[name] = st
		}
	}
	return out, nil
}
