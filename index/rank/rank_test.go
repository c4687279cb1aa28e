package rank_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvrecord/recordlayer/index/rank"
	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/kv/memkv"
	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

func playerType() *schema.RecordType {
	rt := &schema.RecordType{
		Name:       "Player",
		Fields:     []schema.FieldDescriptor{schema.Field("id", schema.TypeInt), schema.Field("score", schema.TypeInt)},
		PrimaryKey: []string{"id"},
	}
	rt.Build()
	return rt
}

func playerRecord(id, score int64) record.Record {
	return record.Record{Type: "Player", Fields: map[string]any{"id": float64(id), "score": float64(score)}}
}

// TestRankLeaderboard reproduces scenario S3 (spec §8).
func TestRankLeaderboard(t *testing.T) {
	rt := playerType()
	desc := schema.IndexDescriptor{Name: "leaderboard", Kind: schema.KindRank, RootExpression: []string{"score"}, AppliesToTypes: []string{"Player"}}
	sub := tuple.NewSubspace([]byte("idx/leaderboard/"))
	m := rank.New(desc, rt, sub)

	s := memkv.New()
	ctx := context.Background()

	players := []record.Record{
		playerRecord(1, 100),
		playerRecord(2, 300),
		playerRecord(3, 300),
		playerRecord(4, 500),
	}

	_, err := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		for _, p := range players {
			pk, _ := rt.PrimaryKeyOf(p)
			if err := m.Update(ctx, tx, nil, &p, pk); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	pkFirst300, _ := rt.PrimaryKeyOf(players[1])

	err = s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		r, err := rank.Rank(ctx, tx, sub, int64(300), pkFirst300)
		require.NoError(t, err)
		// only the 100 entry sorts strictly below (300, pk=2)
		assert.EqualValues(t, 1, r)

		t0, found, err := rank.Select(ctx, tx, sub, 0)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, int64(100), t0[0])

		t3, found, err := rank.Select(ctx, tx, sub, 3)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, int64(500), t3[0])
		return nil
	})
	require.NoError(t, err)

	// delete the higher-ranked 300 (players[2], pk=3)
	_, err = s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		pk, _ := rt.PrimaryKeyOf(players[2])
		return m.Update(ctx, tx, &players[2], nil, pk)
	})
	require.NoError(t, err)

	err = s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		t1, found, err := rank.Select(ctx, tx, sub, 1)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, int64(300), t1[0])

		t2, found, err := rank.Select(ctx, tx, sub, 2)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, int64(500), t2[0])
		return nil
	})
	require.NoError(t, err)
}

func TestWideScoreOrdersPastInt64(t *testing.T) {
	small, err := rank.WideScore(int64(500))
	require.NoError(t, err)
	big, err := rank.WideScore("18446744073709551616") // 2^64
	require.NoError(t, err)
	require.IsType(t, []byte{}, small)
	assert.Len(t, small.([]byte), 32)
	assert.Equal(t, -1, bytes.Compare(small.([]byte), big.([]byte)))

	_, err = rank.WideScore(int64(-1))
	assert.Error(t, err)
	_, err = rank.WideScore("not a number")
	assert.Error(t, err)
}

func TestRankWithWideScores(t *testing.T) {
	rt := &schema.RecordType{
		Name:       "Player",
		Fields:     []schema.FieldDescriptor{schema.Field("id", schema.TypeInt), schema.Field("score", schema.TypeString)},
		PrimaryKey: []string{"id"},
	}
	rt.Build()
	desc := schema.IndexDescriptor{
		Name: "wide_leaderboard", Kind: schema.KindRank,
		RootExpression: []string{"score"}, AppliesToTypes: []string{"Player"},
		Options: schema.RankOptions{WideScores: true},
	}
	sub := tuple.NewSubspace([]byte("idx/wide/"))
	m := rank.New(desc, rt, sub)

	s := memkv.New()
	ctx := context.Background()

	scores := []string{"100", "18446744073709551616", "99"}
	_, err := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		for i, sc := range scores {
			p := record.Record{Type: "Player", Fields: map[string]any{"id": float64(i + 1), "score": sc}}
			pk, err := rt.PrimaryKeyOf(p)
			if err != nil {
				return err
			}
			if err := m.Update(ctx, tx, nil, &p, pk); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		// The 2^64 score must sort last despite "1844..." < "99" as strings.
		top, found, err := rank.Select(ctx, tx, sub, 2)
		require.NoError(t, err)
		require.True(t, found)
		want, err := rank.WideScore("18446744073709551616")
		require.NoError(t, err)
		assert.Equal(t, want, top[0])
		return nil
	})
	require.NoError(t, err)
}

// TestRankSelectLaws checks the rank laws on a larger set with duplicate
// scores and promoted skip-list nodes: select(rank(x)) == x for every
// stored x, ranks dense over [0, |S|), preserved across deletions.
func TestRankSelectLaws(t *testing.T) {
	rt := playerType()
	desc := schema.IndexDescriptor{Name: "laws", Kind: schema.KindRank, RootExpression: []string{"score"}, AppliesToTypes: []string{"Player"}}
	sub := tuple.NewSubspace([]byte("idx/laws/"))
	m := rank.New(desc, rt, sub)

	s := memkv.New()
	ctx := context.Background()

	scores := []int64{100, 100, 200, 200, 200, 300, 400, 400, 500, 600}
	players := make([]record.Record, len(scores))
	_, err := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		for i, sc := range scores {
			players[i] = playerRecord(int64(i+1), sc)
			pk, err := rt.PrimaryKeyOf(players[i])
			if err != nil {
				return err
			}
			if err := m.Update(ctx, tx, nil, &players[i], pk); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	checkLaws := func(live []record.Record) {
		seen := map[int64]bool{}
		err := s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
			for _, p := range live {
				pk, err := rt.PrimaryKeyOf(p)
				require.NoError(t, err)
				score := int64(p.Fields["score"].(float64))

				r, err := rank.Rank(ctx, tx, sub, score, pk)
				require.NoError(t, err)
				require.GreaterOrEqual(t, r, int64(0))
				require.Less(t, r, int64(len(live)))
				require.False(t, seen[r], "ranks must be dense, got %d twice", r)
				seen[r] = true

				sel, found, err := rank.Select(ctx, tx, sub, r)
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, score, sel[0])
				assert.Equal(t, pk[0], sel[len(sel)-1])
			}
			return nil
		})
		require.NoError(t, err)
		require.Len(t, seen, len(live))
	}

	checkLaws(players)

	// Delete three entries, among them one of a tied pair.
	_, err = s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		for _, i := range []int{3, 6, 9} {
			pk, err := rt.PrimaryKeyOf(players[i])
			if err != nil {
				return err
			}
			if err := m.Update(ctx, tx, &players[i], nil, pk); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var live []record.Record
	for i, p := range players {
		if i != 3 && i != 6 && i != 9 {
			live = append(live, p)
		}
	}
	checkLaws(live)
}
