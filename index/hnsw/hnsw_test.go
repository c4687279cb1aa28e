package hnsw_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvrecord/recordlayer/index/hnsw"
	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/kv/memkv"
	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

func docType() *schema.RecordType {
	rt := &schema.RecordType{
		Name:       "Doc",
		Fields:     []schema.FieldDescriptor{schema.Field("id", schema.TypeInt), schema.RepeatedField("vec", schema.TypeFloat)},
		PrimaryKey: []string{"id"},
	}
	rt.Build()
	return rt
}

func docRecord(id int64, vec []float64) record.Record {
	vals := make([]any, len(vec))
	for i, v := range vec {
		vals[i] = v
	}
	return record.Record{Type: "Doc", Fields: map[string]any{"id": float64(id), "vec": vals}}
}

func TestHNSWNearestNeighbor(t *testing.T) {
	rt := docType()
	desc := schema.IndexDescriptor{
		Name: "by_vec", Kind: schema.KindVector, RootExpression: []string{"vec"}, AppliesToTypes: []string{"Doc"},
		Options: schema.VectorOptions{Field: "vec", Dimensions: 2, Metric: schema.MetricL2, M: 4, EfConstruction: 50, EfSearch: 20},
	}
	sub := tuple.NewSubspace([]byte("idx/by_vec/"))
	m := hnsw.New(desc, rt, sub)

	s := memkv.New()
	ctx := context.Background()

	docs := []record.Record{
		docRecord(1, []float64{0, 0}),
		docRecord(2, []float64{10, 10}),
		docRecord(3, []float64{0.1, 0.1}),
		docRecord(4, []float64{20, 20}),
	}

	_, err := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		for _, d := range docs {
			pk, _ := rt.PrimaryKeyOf(d)
			if err := m.Update(ctx, tx, nil, &d, pk); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		results, err := m.Search(ctx, tx, []float32{0, 0}, 2)
		require.NoError(t, err)
		require.Len(t, results, 2)
		found := map[int64]bool{}
		for _, r := range results {
			found[r[0].(int64)] = true
		}
		assert.True(t, found[1])
		assert.True(t, found[3])
		return nil
	})
	require.NoError(t, err)
}

func TestHNSWDeleteRemovesFromResults(t *testing.T) {
	rt := docType()
	desc := schema.IndexDescriptor{
		Name: "by_vec", Kind: schema.KindVector, RootExpression: []string{"vec"}, AppliesToTypes: []string{"Doc"},
		Options: schema.VectorOptions{Field: "vec", Dimensions: 2, Metric: schema.MetricL2, M: 4, EfConstruction: 50, EfSearch: 20},
	}
	sub := tuple.NewSubspace([]byte("idx/by_vec2/"))
	m := hnsw.New(desc, rt, sub)

	s := memkv.New()
	ctx := context.Background()

	d1 := docRecord(1, []float64{0, 0})
	d2 := docRecord(2, []float64{0.1, 0.1})

	_, err := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		pk1, _ := rt.PrimaryKeyOf(d1)
		if err := m.Update(ctx, tx, nil, &d1, pk1); err != nil {
			return err
		}
		pk2, _ := rt.PrimaryKeyOf(d2)
		return m.Update(ctx, tx, nil, &d2, pk2)
	})
	require.NoError(t, err)

	_, err = s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		pk1, _ := rt.PrimaryKeyOf(d1)
		return m.Update(ctx, tx, &d1, nil, pk1)
	})
	require.NoError(t, err)

	err = s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		results, err := m.Search(ctx, tx, []float32{0, 0}, 5)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.EqualValues(t, 2, results[0][0])
		return nil
	})
	require.NoError(t, err)
}
