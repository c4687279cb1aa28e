package memkv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/kv/memkv"
)

func TestSetGetReadYourWrites(t *testing.T) {
	s := memkv.New()
	ctx := context.Background()

	_, err := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		require.NoError(t, tx.Set(ctx, []byte("a"), []byte("1")))
		v, ok, err := tx.Get(ctx, []byte("a"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("1"), v)
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		v, ok, err := tx.Get(ctx, []byte("a"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("1"), v)
		return nil
	})
	require.NoError(t, err)
}

func TestClearRemovesKey(t *testing.T) {
	s := memkv.New()
	ctx := context.Background()
	_, err := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return tx.Set(ctx, []byte("a"), []byte("1"))
	})
	require.NoError(t, err)
	_, err = s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return tx.Clear(ctx, []byte("a"))
	})
	require.NoError(t, err)
	err = s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		_, ok, err := tx.Get(ctx, []byte("a"))
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestAtomicAdd(t *testing.T) {
	s := memkv.New()
	ctx := context.Background()
	key := []byte("counter")
	for i := 0; i < 5; i++ {
		_, err := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
			return tx.AtomicOp(ctx, key, kv.AtomicAdd, encodeLE(1))
		})
		require.NoError(t, err)
	}
	err := s.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		v, ok, err := tx.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(5), decodeLE(v))
		return nil
	})
	require.NoError(t, err)
}

func TestConflictDetection(t *testing.T) {
	s := memkv.New()
	ctx := context.Background()
	_, err := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return tx.Set(ctx, []byte("a"), []byte("1"))
	})
	require.NoError(t, err)

	// tx1 reads "a", tx2 commits a write to "a" first, tx1's commit must conflict.
	_, err = s.Update(ctx, kv.Options{RetryLimit: 1}, func(ctx context.Context, tx kv.RwTx) error {
		_, _, err := tx.Get(ctx, []byte("a"))
		if err != nil {
			return err
		}
		// simulate an interleaved writer committing first
		_, err2 := s.Update(ctx, kv.Options{}, func(ctx context.Context, tx2 kv.RwTx) error {
			return tx2.Set(ctx, []byte("a"), []byte("2"))
		})
		require.NoError(t, err2)
		return tx.Set(ctx, []byte("a"), []byte("3"))
	})
	require.ErrorIs(t, err, kv.ErrConflict)
}

func encodeLE(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeLE(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
