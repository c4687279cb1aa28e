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

package query_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/kv/memkv"
	"github.com/kvrecord/recordlayer/query"
	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/store"
	"github.com/kvrecord/recordlayer/tuple"
)

func userType() *schema.RecordType {
	rt := &schema.RecordType{
		Name: "User",
		Fields: []schema.FieldDescriptor{
			schema.Field("id", schema.TypeInt),
			schema.Field("city", schema.TypeString),
			schema.Field("name", schema.TypeString),
			schema.Field("age", schema.TypeInt),
		},
		PrimaryKey: []string{"id"},
	}
	rt.Build()
	return rt
}

func user(id int64, city, name string, age int64) record.Record {
	return record.Record{Type: "User", Fields: map[string]any{
		"id": float64(id), "city": city, "name": name, "age": float64(age),
	}}
}

// newFixture builds a ready store with the given indexes and seeds recs.
func newFixture(t *testing.T, indexes []schema.IndexDescriptor, recs []record.Record) (*store.RecordStore, kv.Store) {
	t.Helper()
	sch := schema.NewSchema(1, []*schema.RecordType{userType()}, indexes, nil)
	s, err := store.New(sch, tuple.NewSubspace([]byte("app/")))
	require.NoError(t, err)

	kvs := memkv.New()
	ctx := context.Background()
	_, err = kvs.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		h, err := s.EnsureHeader(ctx, tx)
		if err != nil {
			return err
		}
		for name := range h.IndexStates {
			h.IndexStates[name] = schema.StateReadable
		}
		if err := store.SaveHeader(ctx, tx, s.Layout(), h); err != nil {
			return err
		}
		for _, r := range recs {
			if err := s.Save(ctx, tx, r, store.SaveOptions{}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return s, kvs
}

func byCity() schema.IndexDescriptor {
	return schema.IndexDescriptor{
		Name: "by_city", Kind: schema.KindValue,
		RootExpression: []string{"city"}, AppliesToTypes: []string{"User"},
	}
}

func byAge() schema.IndexDescriptor {
	return schema.IndexDescriptor{
		Name: "by_age", Kind: schema.KindValue,
		RootExpression: []string{"age"}, AppliesToTypes: []string{"User"},
	}
}

func seedUsers() []record.Record {
	return []record.Record{
		user(1, "Tokyo", "ann", 30),
		user(2, "Osaka", "bob", 25),
		user(3, "Tokyo", "cal", 41),
		user(4, "Kyoto", "dee", 30),
		user(5, "Tokyo", "eve", 25),
	}
}

func ids(results []query.Result) []int64 {
	out := make([]int64, 0, len(results))
	for _, r := range results {
		out = append(out, r.PrimaryKey[0].(int64))
	}
	return out
}

func execute(t *testing.T, s *store.RecordStore, kvs kv.Store, p query.Plan) []query.Result {
	t.Helper()
	runner := &query.Runner{Store: s, KV: kvs}
	var results []query.Result
	err := kvs.View(context.Background(), kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		cur, err := p.Execute(ctx, runner, tx)
		if err != nil {
			return err
		}
		results, err = query.Drain(ctx, cur)
		return err
	})
	require.NoError(t, err)
	return results
}

func TestFullScanYieldsAllInPKOrder(t *testing.T) {
	s, kvs := newFixture(t, nil, seedUsers())
	results := execute(t, s, kvs, &query.FullScan{Type: "User"})
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids(results))
}

func TestIndexScanEquality(t *testing.T) {
	s, kvs := newFixture(t, []schema.IndexDescriptor{byCity()}, seedUsers())
	p := &query.IndexScan{Index: "by_city", Type: "User", Range: query.ScanRange{Equal: tuple.Tuple{"Tokyo"}}}
	results := execute(t, s, kvs, p)
	assert.Equal(t, []int64{1, 3, 5}, ids(results))
	for _, r := range results {
		assert.Equal(t, "Tokyo", r.Record.Fields["city"])
	}
}

func TestIndexScanRangeBounds(t *testing.T) {
	s, kvs := newFixture(t, []schema.IndexDescriptor{byAge()}, seedUsers())

	p := &query.IndexScan{Index: "by_age", Type: "User", Range: query.ScanRange{
		Low:  &query.Bound{Value: int64(25), Inclusive: false},
		High: &query.Bound{Value: int64(41), Inclusive: true},
	}}
	results := execute(t, s, kvs, p)
	// ages: 30(1), 41(3), 30(4); entries ordered by (age, id)
	assert.Equal(t, []int64{1, 4, 3}, ids(results))

	p2 := &query.IndexScan{Index: "by_age", Type: "User", Range: query.ScanRange{
		Low: &query.Bound{Value: int64(25), Inclusive: true},
	}}
	assert.Len(t, execute(t, s, kvs, p2), 5)
}

func TestFilterSortLimitDistinct(t *testing.T) {
	s, kvs := newFixture(t, nil, seedUsers())

	filtered := execute(t, s, kvs, &query.Filter{
		Child:     &query.FullScan{Type: "User"},
		Predicate: query.Comparison{Field: "age", Op: query.OpGreaterOrEq, Value: int64(30)},
	})
	assert.Equal(t, []int64{1, 3, 4}, ids(filtered))

	sorted := execute(t, s, kvs, &query.Sort{Child: &query.FullScan{Type: "User"}, Keys: []string{"age", "id"}})
	assert.Equal(t, []int64{2, 5, 1, 4, 3}, ids(sorted))

	limited := execute(t, s, kvs, &query.Limit{Child: &query.FullScan{Type: "User"}, N: 2})
	assert.Equal(t, []int64{1, 2}, ids(limited))

	distinct := execute(t, s, kvs, &query.Distinct{Child: &query.FullScan{Type: "User"}, Fields: []string{"city"}})
	assert.Equal(t, []int64{1, 2, 4}, ids(distinct))
}

func TestUnionDeduplicatesOnPrimaryKey(t *testing.T) {
	s, kvs := newFixture(t, []schema.IndexDescriptor{byCity(), byAge()}, seedUsers())
	p := &query.Union{Children: []query.Plan{
		&query.IndexScan{Index: "by_city", Type: "User", Range: query.ScanRange{Equal: tuple.Tuple{"Tokyo"}}},
		&query.IndexScan{Index: "by_age", Type: "User", Range: query.ScanRange{Equal: tuple.Tuple{int64(30)}}},
	}}
	// Tokyo: 1,3,5; age 30: 1,4 — union de-dups id 1.
	assert.Equal(t, []int64{1, 3, 4, 5}, ids(execute(t, s, kvs, p)))
}

func TestIntersectionKeepsCommonPrimaryKeys(t *testing.T) {
	s, kvs := newFixture(t, []schema.IndexDescriptor{byCity(), byAge()}, seedUsers())
	p := &query.Intersection{Children: []query.Plan{
		&query.IndexScan{Index: "by_city", Type: "User", Range: query.ScanRange{Equal: tuple.Tuple{"Tokyo"}}},
		&query.IndexScan{Index: "by_age", Type: "User", Range: query.ScanRange{Equal: tuple.Tuple{int64(25)}}},
	}}
	// Tokyo: 1,3,5; age 25: 2,5 — intersection is 5.
	assert.Equal(t, []int64{5}, ids(execute(t, s, kvs, p)))
}

func TestInJoinUnionsEqualityScans(t *testing.T) {
	s, kvs := newFixture(t, []schema.IndexDescriptor{byCity()}, seedUsers())
	p := &query.InJoin{Index: "by_city", Type: "User", Values: []tuple.Element{"Osaka", "Kyoto"}}
	assert.Equal(t, []int64{2, 4}, ids(execute(t, s, kvs, p)))
}

// countingTx wraps a kv.Tx and counts point reads under a key prefix.
type countingTx struct {
	kv.Tx
	prefix []byte
	gets   int
}

func (c *countingTx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if bytes.HasPrefix(key, c.prefix) {
		c.gets++
	}
	return c.Tx.Get(ctx, key)
}

// TestCoveringScanIssuesNoRecordReads is scenario S6's executor half: a
// covering scan answers from index entries alone.
func TestCoveringScanIssuesNoRecordReads(t *testing.T) {
	idx := byCity()
	idx.CoveringFields = []string{"name"}
	s, kvs := newFixture(t, []schema.IndexDescriptor{idx}, seedUsers())

	recordsSub, err := s.Layout().RecordType("User")
	require.NoError(t, err)

	p := &query.CoveringIndexScan{
		Index: "by_city", Type: "User",
		Range:       query.ScanRange{Equal: tuple.Tuple{"Tokyo"}},
		KeyFields:   []string{"city"},
		ValueFields: []string{"name"},
	}
	// No kv.Store on the runner: everything must flow through the counted tx.
	runner := &query.Runner{Store: s}
	err = kvs.View(context.Background(), kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		counted := &countingTx{Tx: tx, prefix: recordsSub.Bytes()}
		cur, err := p.Execute(ctx, runner, counted)
		if err != nil {
			return err
		}
		results, err := query.Drain(ctx, cur)
		if err != nil {
			return err
		}
		require.Equal(t, []int64{1, 3, 5}, ids(results))
		for _, r := range results {
			assert.Equal(t, "Tokyo", r.Record.Fields["city"])
			assert.NotEmpty(t, r.Record.Fields["name"])
		}
		assert.Zero(t, counted.gets, "covering scan must not fetch records")
		return nil
	})
	require.NoError(t, err)
}

func TestCursorContinuationResumesScan(t *testing.T) {
	s, kvs := newFixture(t, nil, seedUsers())
	runner := &query.Runner{Store: s}
	ctx := context.Background()

	var cont []byte
	err := kvs.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		cur, err := (&query.FullScan{Type: "User"}).Execute(ctx, runner, tx)
		if err != nil {
			return err
		}
		defer cur.Close()
		for i := 0; i < 2; i++ {
			_, ok, err := cur.Next(ctx)
			require.NoError(t, err)
			require.True(t, ok)
		}
		cont = cur.Continuation()
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, cont)

	// A fresh range read from the continuation sees only the remainder.
	sub, err := s.Layout().RecordType("User")
	require.NoError(t, err)
	_, end := sub.Range()
	var rest []int64
	err = kvs.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		it := tx.GetRange(ctx, kv.RangeOptions{Begin: kv.FirstGreaterOrEqual(cont), End: kv.FirstGreaterOrEqual(end)})
		defer it.Close()
		for it.Next() {
			pk, err := sub.Unpack(it.KV().Key)
			if err != nil {
				return err
			}
			rest = append(rest, pk[0].(int64))
		}
		return it.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, rest)
}
