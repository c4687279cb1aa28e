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

package migration_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/kv/memkv"
	"github.com/kvrecord/recordlayer/migration"
	"github.com/kvrecord/recordlayer/online"
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
			schema.Field("email", schema.TypeString),
			schema.Field("city", schema.TypeString),
		},
		PrimaryKey: []string{"id"},
	}
	rt.Build()
	return rt
}

func user(id int64, email, city string) record.Record {
	return record.Record{Type: "User", Fields: map[string]any{
		"id": float64(id), "email": email, "city": city,
	}}
}

func byCity() schema.IndexDescriptor {
	return schema.IndexDescriptor{Name: "by_city", Kind: schema.KindValue,
		RootExpression: []string{"city"}, AppliesToTypes: []string{"User"}}
}

func newStore(t *testing.T, version int, indexes []schema.IndexDescriptor, former []schema.FormerIndex) (*store.RecordStore, kv.Store) {
	t.Helper()
	sch := schema.NewSchema(version, []*schema.RecordType{userType()}, indexes, former)
	rs, err := store.New(sch, tuple.NewSubspace([]byte("app/")))
	require.NoError(t, err)
	return rs, memkv.New()
}

func seed(t *testing.T, rs *store.RecordStore, kvs kv.Store, recs ...record.Record) {
	t.Helper()
	_, err := kvs.Update(context.Background(), kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		for _, r := range recs {
			if err := rs.Save(ctx, tx, r, store.SaveOptions{}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// setStoredVersion rewinds the persisted header's schema version,
// simulating a store created by an application compiled against an older
// schema (EnsureHeader stamps a fresh store with the new version).
func setStoredVersion(t *testing.T, rs *store.RecordStore, kvs kv.Store, v int) {
	t.Helper()
	_, err := kvs.Update(context.Background(), kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		h, err := rs.EnsureHeader(ctx, tx)
		if err != nil {
			return err
		}
		h.SchemaVersion = v
		return store.SaveHeader(ctx, tx, rs.Layout(), h)
	})
	require.NoError(t, err)
}

func header(t *testing.T, rs *store.RecordStore, kvs kv.Store) schema.StoreHeader {
	t.Helper()
	var h schema.StoreHeader
	err := kvs.View(context.Background(), kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		var ok bool
		var err error
		h, ok, err = rs.Header(ctx, tx)
		require.True(t, ok)
		return err
	})
	require.NoError(t, err)
	return h
}

func TestPathComposesMultiStep(t *testing.T) {
	p := migration.Plan{Migrations: []migration.Migration{
		{FromVersion: 1, ToVersion: 2},
		{FromVersion: 2, ToVersion: 3},
		{FromVersion: 3, ToVersion: 4},
	}}

	path, err := p.Path(1, 4)
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, 2, path[0].ToVersion)
	assert.Equal(t, 4, path[2].ToVersion)

	path, err = p.Path(3, 3)
	require.NoError(t, err)
	assert.Empty(t, path)

	_, err = p.Path(4, 5)
	assert.Error(t, err)
}

func TestAddIndexBuildsToReadable(t *testing.T) {
	rs, kvs := newStore(t, 2, []schema.IndexDescriptor{byCity()}, nil)
	seed(t, rs, kvs, user(1, "a@x", "Tokyo"), user(2, "b@x", "Osaka"))
	setStoredVersion(t, rs, kvs, 1)

	plan := migration.Plan{Migrations: []migration.Migration{
		{FromVersion: 1, ToVersion: 2, Ops: []migration.Op{migration.AddIndex{Index: byCity()}}},
	}}
	exec := migration.NewExecutor(kvs, rs, plan, migration.WithOnlineOptions(online.Options{
		RecordsPerBatch: 10, ByteBudget: 1 << 20, MaxRetries: 2,
	}))
	require.NoError(t, exec.Run(context.Background(), 2))

	h := header(t, rs, kvs)
	assert.Equal(t, schema.StateReadable, h.IndexStates["by_city"])
	assert.Equal(t, 2, h.SchemaVersion)
}

func TestRunIsIdempotent(t *testing.T) {
	rs, kvs := newStore(t, 2, []schema.IndexDescriptor{byCity()}, nil)
	seed(t, rs, kvs, user(1, "a@x", "Tokyo"))
	setStoredVersion(t, rs, kvs, 1)

	plan := migration.Plan{Migrations: []migration.Migration{
		{FromVersion: 1, ToVersion: 2, Ops: []migration.Op{migration.AddIndex{Index: byCity()}}},
	}}
	exec := migration.NewExecutor(kvs, rs, plan)
	require.NoError(t, exec.Run(context.Background(), 2))
	// Re-running a completed path is a no-op.
	require.NoError(t, exec.Run(context.Background(), 2))
	assert.Equal(t, 2, header(t, rs, kvs).SchemaVersion)
}

func TestRemoveIndexClearsEntriesAndTombstones(t *testing.T) {
	rs, kvs := newStore(t, 2, []schema.IndexDescriptor{byCity()}, nil)
	ctx := context.Background()

	// Make the index live and populated first.
	_, err := kvs.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		h, err := rs.EnsureHeader(ctx, tx)
		if err != nil {
			return err
		}
		h.IndexStates["by_city"] = schema.StateReadable
		return store.SaveHeader(ctx, tx, rs.Layout(), h)
	})
	require.NoError(t, err)
	seed(t, rs, kvs, user(1, "a@x", "Tokyo"))
	setStoredVersion(t, rs, kvs, 1)

	plan := migration.Plan{Migrations: []migration.Migration{
		{FromVersion: 1, ToVersion: 2, Ops: []migration.Op{migration.RemoveIndex{Name: "by_city"}}},
	}}
	require.NoError(t, migration.NewExecutor(kvs, rs, plan).Run(ctx, 2))

	h := header(t, rs, kvs)
	_, present := h.IndexStates["by_city"]
	assert.False(t, present)
	require.Len(t, h.FormerIndexes, 1)
	assert.Equal(t, "by_city", h.FormerIndexes[0].Name)
	assert.Equal(t, []string{"city"}, h.FormerIndexes[0].RootExpression)

	sub, err := rs.Layout().Index("by_city")
	require.NoError(t, err)
	begin, end := sub.Range()
	err = kvs.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		it := tx.GetRange(ctx, kv.RangeOptions{Begin: kv.FirstGreaterOrEqual(begin), End: kv.FirstGreaterOrEqual(end)})
		defer it.Close()
		assert.False(t, it.Next(), "index subspace must be empty after removal")
		return it.Err()
	})
	require.NoError(t, err)
}

func TestRebuildIndexRepairsEntries(t *testing.T) {
	rs, kvs := newStore(t, 2, []schema.IndexDescriptor{byCity()}, nil)
	ctx := context.Background()

	_, err := kvs.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		h, err := rs.EnsureHeader(ctx, tx)
		if err != nil {
			return err
		}
		h.IndexStates["by_city"] = schema.StateReadable
		return store.SaveHeader(ctx, tx, rs.Layout(), h)
	})
	require.NoError(t, err)
	seed(t, rs, kvs, user(1, "a@x", "Tokyo"), user(2, "b@x", "Osaka"))

	// Corrupt the index with a spurious entry.
	sub, err := rs.Layout().Index("by_city")
	require.NoError(t, err)
	bogus, err := sub.Pack(tuple.Tuple{"Nowhere", int64(99)})
	require.NoError(t, err)
	_, err = kvs.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return tx.Set(ctx, bogus, nil)
	})
	require.NoError(t, err)
	setStoredVersion(t, rs, kvs, 1)

	plan := migration.Plan{Migrations: []migration.Migration{
		{FromVersion: 1, ToVersion: 2, Ops: []migration.Op{migration.RebuildIndex{Name: "by_city"}}},
	}}
	require.NoError(t, migration.NewExecutor(kvs, rs, plan).Run(ctx, 2))

	assert.Equal(t, schema.StateReadable, header(t, rs, kvs).IndexStates["by_city"])
	err = kvs.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		_, ok, err := tx.Get(ctx, bogus)
		require.NoError(t, err)
		assert.False(t, ok, "rebuild must drop the spurious entry")
		return nil
	})
	require.NoError(t, err)
}

func TestRenameFieldRewritesRecords(t *testing.T) {
	// The target schema already names the field "mail".
	rt := &schema.RecordType{
		Name: "User",
		Fields: []schema.FieldDescriptor{
			schema.Field("id", schema.TypeInt),
			schema.Field("mail", schema.TypeString),
			schema.Field("city", schema.TypeString),
		},
		PrimaryKey: []string{"id"},
	}
	rt.Build()
	sch := schema.NewSchema(2, []*schema.RecordType{rt}, nil, nil)
	rs, err := store.New(sch, tuple.NewSubspace([]byte("app/")))
	require.NoError(t, err)
	kvs := memkv.New()
	ctx := context.Background()

	// Stored records still carry the old field name.
	seed(t, rs, kvs,
		record.Record{Type: "User", Fields: map[string]any{"id": float64(1), "email": "a@x", "city": "Tokyo"}},
		record.Record{Type: "User", Fields: map[string]any{"id": float64(2), "email": "b@x", "city": "Osaka"}},
	)
	setStoredVersion(t, rs, kvs, 1)

	plan := migration.Plan{Migrations: []migration.Migration{
		{FromVersion: 1, ToVersion: 2, Ops: []migration.Op{
			migration.RenameField{Type: "User", Old: "email", New: "mail"},
		}},
	}}
	require.NoError(t, migration.NewExecutor(kvs, rs, plan).Run(ctx, 2))

	err = kvs.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		rec, ok, err := rs.Load(ctx, tx, "User", tuple.Tuple{int64(1)})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "a@x", rec.Fields["mail"])
		_, hasOld := rec.Fields["email"]
		assert.False(t, hasOld)
		return nil
	})
	require.NoError(t, err)
}

func TestConcurrentMigrationRejected(t *testing.T) {
	rs, kvs := newStore(t, 2, []schema.IndexDescriptor{byCity()}, nil)
	ctx := context.Background()
	seed(t, rs, kvs, user(1, "a@x", "Tokyo"))
	setStoredVersion(t, rs, kvs, 1)

	// Simulate another process holding the lock record.
	sub, err := rs.Layout().Migration()
	require.NoError(t, err)
	lockKey, err := sub.Pack(tuple.Tuple{"lock"})
	require.NoError(t, err)
	_, err = kvs.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return tx.Set(ctx, lockKey, []byte("other-process-token"))
	})
	require.NoError(t, err)

	plan := migration.Plan{Migrations: []migration.Migration{
		{FromVersion: 1, ToVersion: 2, Ops: []migration.Op{migration.AddIndex{Index: byCity()}}},
	}}
	err = migration.NewExecutor(kvs, rs, plan).Run(ctx, 2)
	var locked *migration.Locked
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "other-process-token", locked.Holder)

	// After force-unlock the migration proceeds.
	require.NoError(t, migration.ForceUnlock(ctx, kvs, rs))
	require.NoError(t, migration.NewExecutor(kvs, rs, plan).Run(ctx, 2))
	assert.Equal(t, 2, header(t, rs, kvs).SchemaVersion)
}

func TestAddIndexBlockedByMismatchedTombstone(t *testing.T) {
	former := []schema.FormerIndex{{Name: "by_city", SubspaceKey: "by_city", RootExpression: []string{"email"}}}
	rs, kvs := newStore(t, 2, []schema.IndexDescriptor{byCity()}, former)
	seed(t, rs, kvs, user(1, "a@x", "Tokyo"))
	setStoredVersion(t, rs, kvs, 1)

	plan := migration.Plan{Migrations: []migration.Migration{
		{FromVersion: 1, ToVersion: 2, Ops: []migration.Op{migration.AddIndex{Index: byCity()}}},
	}}
	err := migration.NewExecutor(kvs, rs, plan).Run(context.Background(), 2)
	var failed *migration.Failed
	require.ErrorAs(t, err, &failed)
}
