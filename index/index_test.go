package index_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvrecord/recordlayer/index"
	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/kv/memkv"
	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

func userType() *schema.RecordType {
	rt := &schema.RecordType{
		Name: "User",
		Fields: []schema.FieldDescriptor{
			schema.Field("id", schema.TypeInt),
			schema.Field("email", schema.TypeString),
			schema.Field("city", schema.TypeString),
		},
		PrimaryKey: []string{"id"},
	}
	rt.Build()
	return rt
}

func userRecord(id int64, email, city string) record.Record {
	return record.Record{Type: "User", Fields: map[string]any{
		"id": float64(id), "email": email, "city": city,
	}}
}

// TestUniqueIndexOnUpdate reproduces scenario S1 (spec §8).
func TestUniqueIndexOnUpdate(t *testing.T) {
	rt := userType()
	desc := schema.IndexDescriptor{Name: "by_email", Kind: schema.KindUnique, RootExpression: []string{"email"}, AppliesToTypes: []string{"User"}}
	sub := tuple.NewSubspace([]byte("idx/by_email/"))
	m := index.NewValueMaintainer(desc, rt, sub)

	s := memkv.New()
	ctx := context.Background()

	u1 := userRecord(1, "a@x", "Tokyo")
	u2 := userRecord(2, "b@x", "Osaka")
	_, err := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		pk1, _ := rt.PrimaryKeyOf(u1)
		if err := m.Update(ctx, tx, nil, &u1, pk1); err != nil {
			return err
		}
		pk2, _ := rt.PrimaryKeyOf(u2)
		return m.Update(ctx, tx, nil, &u2, pk2)
	})
	require.NoError(t, err)

	u2updated := userRecord(2, "a@x", "Osaka")
	_, err = s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		pk2, _ := rt.PrimaryKeyOf(u2)
		return m.Update(ctx, tx, &u2, &u2updated, pk2)
	})
	require.Error(t, err)
	var uv *index.UniquenessViolation
	assert.ErrorAs(t, err, &uv)
}

// TestAggregateAfterChurn reproduces scenario S2 (spec §8).
func TestAggregateAfterChurn(t *testing.T) {
	rt := userType()
	desc := schema.IndexDescriptor{Name: "count_by_city", Kind: schema.KindCount, RootExpression: []string{"city"}, AppliesToTypes: []string{"User"}}
	sub := tuple.NewSubspace([]byte("idx/count_by_city/"))
	m := index.NewAggregateMaintainer(desc, rt, sub)

	s := memkv.New()
	ctx := context.Background()

	tokyo := []record.Record{userRecord(1, "a1@x", "Tokyo"), userRecord(2, "a2@x", "Tokyo"), userRecord(3, "a3@x", "Tokyo")}
	osaka := []record.Record{userRecord(4, "b1@x", "Osaka"), userRecord(5, "b2@x", "Osaka")}

	_, err := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		for _, r := range append(tokyo, osaka...) {
			pk, _ := rt.PrimaryKeyOf(r)
			if err := m.Update(ctx, tx, nil, &r, pk); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	// delete one Tokyo record
	_, err = s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		pk, _ := rt.PrimaryKeyOf(tokyo[0])
		return m.Update(ctx, tx, &tokyo[0], nil, pk)
	})
	require.NoError(t, err)

	groupKeyTokyo, _ := sub.Pack(tuple.Tuple{"Tokyo"})
	groupKeyOsaka, _ := sub.Pack(tuple.Tuple{"Osaka"})

	err = s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		tokyoCount := decodeLE(t, tx, groupKeyTokyo)
		osakaCount := decodeLE(t, tx, groupKeyOsaka)
		assert.EqualValues(t, 2, tokyoCount)
		assert.EqualValues(t, 2, osakaCount)
		return nil
	})
	require.NoError(t, err)
}

func decodeLE(t *testing.T, tx kv.Tx, key []byte) int64 {
	t.Helper()
	v, ok, err := tx.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	var n int64
	for i := 0; i < len(v) && i < 8; i++ {
		n |= int64(v[i]) << (8 * i)
	}
	return n
}

func TestVersionMaintainerMonotonicity(t *testing.T) {
	rt := userType()
	desc := schema.IndexDescriptor{Name: "by_version", Kind: schema.KindVersion, AppliesToTypes: []string{"User"}}
	sub := tuple.NewSubspace([]byte("idx/by_version/"))
	m := index.NewVersionMaintainer(desc, rt, sub)

	s := memkv.New()
	ctx := context.Background()
	u := userRecord(1, "a@x", "Tokyo")
	pk, _ := rt.PrimaryKeyOf(u)

	currentVersion := func() []byte {
		var v []byte
		err := s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
			var ok bool
			var err error
			v, ok, err = m.CurrentVersion(ctx, tx, pk)
			require.True(t, ok)
			return err
		})
		require.NoError(t, err)
		return v
	}

	_, err := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return m.Update(ctx, tx, nil, &u, pk)
	})
	require.NoError(t, err)
	first := currentVersion()

	u2 := userRecord(1, "a2@x", "Tokyo")
	_, err = s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return m.Update(ctx, tx, &u, &u2, pk)
	})
	require.NoError(t, err)
	second := currentVersion()
	assert.Positive(t, bytes.Compare(second, first), "a later commit must yield a greater version token")
}

func TestVersionPruneKeepLastN(t *testing.T) {
	rt := userType()
	desc := schema.IndexDescriptor{
		Name: "by_version", Kind: schema.KindVersion, AppliesToTypes: []string{"User"},
		Options: schema.VersionOptions{Retention: schema.KeepLastN, LastN: 2},
	}
	sub := tuple.NewSubspace([]byte("idx/by_version/"))
	m := index.NewVersionMaintainer(desc, rt, sub)

	s := memkv.New()
	ctx := context.Background()
	pkOf := func(u record.Record) tuple.Tuple {
		pk, err := rt.PrimaryKeyOf(u)
		require.NoError(t, err)
		return pk
	}

	// Five versions of record 1, one of record 2.
	prev := userRecord(1, "v0@x", "Tokyo")
	_, err := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return m.Update(ctx, tx, nil, &prev, pkOf(prev))
	})
	require.NoError(t, err)
	for i := 1; i < 5; i++ {
		next := userRecord(1, fmt.Sprintf("v%d@x", i), "Tokyo")
		_, err := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
			return m.Update(ctx, tx, &prev, &next, pkOf(next))
		})
		require.NoError(t, err)
		prev = next
	}
	other := userRecord(2, "b@x", "Osaka")
	_, err = s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return m.Update(ctx, tx, nil, &other, pkOf(other))
	})
	require.NoError(t, err)

	_, err = s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return m.PruneHistory(ctx, tx, kv.VersionStamp{})
	})
	require.NoError(t, err)

	// Record 1 keeps its 2 newest history entries, record 2 keeps its 1.
	hist, err := sub.Child(tuple.Tuple{"history"})
	require.NoError(t, err)
	begin, end := hist.Range()
	counts := map[string]int{}
	err = s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		it := tx.GetRange(ctx, kv.RangeOptions{Begin: kv.FirstGreaterOrEqual(begin), End: kv.FirstGreaterOrEqual(end)})
		defer it.Close()
		for it.Next() {
			key := it.KV().Key
			counts[string(key[len(hist.Bytes())+15:])]++
		}
		return it.Err()
	})
	require.NoError(t, err)

	pk1, err := tuple.Pack(tuple.Tuple{int64(1)})
	require.NoError(t, err)
	pk2, err := tuple.Pack(tuple.Tuple{int64(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, counts[string(pk1)])
	assert.Equal(t, 1, counts[string(pk2)])
}

// TestMinMaxAfterChurn checks the aggregate law for extremes: the
// accumulator tracks the true group min/max across saves, deletes, and
// value changes, including removal of the current extreme.
func TestMinMaxAfterChurn(t *testing.T) {
	rt := &schema.RecordType{
		Name: "Player",
		Fields: []schema.FieldDescriptor{
			schema.Field("id", schema.TypeInt),
			schema.Field("city", schema.TypeString),
			schema.Field("score", schema.TypeInt),
		},
		PrimaryKey: []string{"id"},
	}
	rt.Build()
	player := func(id int64, city string, score int64) record.Record {
		return record.Record{Type: "Player", Fields: map[string]any{
			"id": float64(id), "city": city, "score": float64(score),
		}}
	}
	desc := schema.IndexDescriptor{
		Name: "max_score_by_city", Kind: schema.KindMax,
		RootExpression: []string{"city", "score"}, AppliesToTypes: []string{"Player"},
	}
	sub := tuple.NewSubspace([]byte("idx/max_score/"))
	m := index.NewAggregateMaintainer(desc, rt, sub)

	s := memkv.New()
	ctx := context.Background()
	pkOf := func(r record.Record) tuple.Tuple {
		pk, err := rt.PrimaryKeyOf(r)
		require.NoError(t, err)
		return pk
	}
	readMax := func(city string) (int64, bool) {
		key, err := sub.Pack(tuple.Tuple{city})
		require.NoError(t, err)
		var v int64
		var ok bool
		err = s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
			var err error
			v, ok, err = index.ReadExtreme(ctx, tx, key)
			return err
		})
		require.NoError(t, err)
		return v, ok
	}

	p1 := player(1, "Tokyo", 100)
	p2 := player(2, "Tokyo", 300)
	p3 := player(3, "Osaka", 200)
	_, err := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		for _, p := range []record.Record{p1, p2, p3} {
			if err := m.Update(ctx, tx, nil, &p, pkOf(p)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	v, ok := readMax("Tokyo")
	require.True(t, ok)
	assert.EqualValues(t, 300, v)

	// Deleting the current maximum must shrink the accumulator.
	_, err = s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return m.Update(ctx, tx, &p2, nil, pkOf(p2))
	})
	require.NoError(t, err)
	v, ok = readMax("Tokyo")
	require.True(t, ok)
	assert.EqualValues(t, 100, v)

	// Lowering the only Osaka score must track downward too.
	p3low := player(3, "Osaka", 50)
	_, err = s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return m.Update(ctx, tx, &p3, &p3low, pkOf(p3))
	})
	require.NoError(t, err)
	v, ok = readMax("Osaka")
	require.True(t, ok)
	assert.EqualValues(t, 50, v)

	// Moving the last Tokyo record to Osaka empties the Tokyo group.
	p1moved := player(1, "Osaka", 100)
	_, err = s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return m.Update(ctx, tx, &p1, &p1moved, pkOf(p1))
	})
	require.NoError(t, err)
	_, ok = readMax("Tokyo")
	assert.False(t, ok, "empty group must have no accumulator")
	v, ok = readMax("Osaka")
	require.True(t, ok)
	assert.EqualValues(t, 100, v)
}

// TestExpectedVersionMismatch checks the optimistic-concurrency contract:
// a token read before an intervening commit no longer matches after it.
func TestExpectedVersionMismatch(t *testing.T) {
	rt := userType()
	desc := schema.IndexDescriptor{Name: "by_version", Kind: schema.KindVersion, AppliesToTypes: []string{"User"}}
	sub := tuple.NewSubspace([]byte("idx/by_version/"))
	m := index.NewVersionMaintainer(desc, rt, sub)

	s := memkv.New()
	ctx := context.Background()
	u := userRecord(1, "a@x", "Tokyo")
	pk, err := rt.PrimaryKeyOf(u)
	require.NoError(t, err)

	// Unwritten records expect nil.
	err = s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		return m.CheckExpectedVersion(ctx, tx, pk, nil)
	})
	require.NoError(t, err)

	_, err = s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return m.Update(ctx, tx, nil, &u, pk)
	})
	require.NoError(t, err)

	var token1 []byte
	err = s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		var ok bool
		var err error
		token1, ok, err = m.CurrentVersion(ctx, tx, pk)
		require.True(t, ok)
		return err
	})
	require.NoError(t, err)
	require.NotEmpty(t, token1)

	// A second committed write must invalidate the first token.
	u2 := userRecord(1, "a2@x", "Tokyo")
	_, err = s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return m.Update(ctx, tx, &u, &u2, pk)
	})
	require.NoError(t, err)

	err = s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		var token2 []byte
		var ok bool
		var err error
		token2, ok, err = m.CurrentVersion(ctx, tx, pk)
		require.NoError(t, err)
		require.True(t, ok)
		require.NotEqual(t, token1, token2)

		err = m.CheckExpectedVersion(ctx, tx, pk, token1)
		var vm *index.VersionMismatch
		require.ErrorAs(t, err, &vm)

		return m.CheckExpectedVersion(ctx, tx, pk, token2)
	})
	require.NoError(t, err)
}
