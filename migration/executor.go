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

package migration

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/online"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/schema/evolution"
	"github.com/kvrecord/recordlayer/store"
	"github.com/kvrecord/recordlayer/tuple"
)

// ExecOption configures an Executor.
type ExecOption func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(l *zap.Logger) ExecOption {
	return func(e *Executor) { e.logger = l }
}

// WithOnlineOptions sets the batch bounds used by index builds and the
// RenameField record rewrite.
func WithOnlineOptions(opts online.Options) ExecOption {
	return func(e *Executor) { e.onlineOpts = opts }
}

// WithoutIndexBuild leaves added/rebuilt indexes in the disabled state for
// a separately scheduled OnlineIndexer run instead of building inline.
func WithoutIndexBuild() ExecOption {
	return func(e *Executor) { e.buildIndexes = false }
}

// Executor runs a migration plan against one store. Each step is
// idempotent: a persisted per-step marker makes re-running a completed
// step a no-op, so a failed run can simply be retried (spec §6).
type Executor struct {
	kvStore      kv.Store
	rs           *store.RecordStore
	plan         Plan
	onlineOpts   online.Options
	buildIndexes bool
	logger       *zap.Logger

	token string
}

// NewExecutor constructs an Executor. The RecordStore must already be
// built over the target schema: migrations bring the persisted store up to
// the schema the application code was compiled against.
func NewExecutor(kvStore kv.Store, rs *store.RecordStore, plan Plan, opts ...ExecOption) *Executor {
	e := &Executor{
		kvStore:      kvStore,
		rs:           rs,
		plan:         plan,
		onlineOpts:   online.DefaultOptions(),
		buildIndexes: true,
		logger:       zap.NewNop(),
		token:        uuid.NewString(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) migrationSub() (tuple.Subspace, error) {
	return e.rs.Layout().Migration()
}

func (e *Executor) lockKey() ([]byte, error) {
	sub, err := e.migrationSub()
	if err != nil {
		return nil, err
	}
	return sub.Pack(tuple.Tuple{"lock"})
}

func (e *Executor) stepKey(m Migration, opIdx int) ([]byte, error) {
	sub, err := e.migrationSub()
	if err != nil {
		return nil, err
	}
	return sub.Pack(tuple.Tuple{"step", int64(m.FromVersion), int64(m.ToVersion), int64(opIdx)})
}

func stepName(m Migration, opIdx int, op Op) string {
	return fmt.Sprintf("%d->%d/%d %s", m.FromVersion, m.ToVersion, opIdx, op.Describe())
}

// acquireLock claims the store's migration lock record, failing with
// *Locked if a different holder owns it. Re-acquiring our own token is a
// no-op, so a retried run proceeds.
func (e *Executor) acquireLock(ctx context.Context) error {
	key, err := e.lockKey()
	if err != nil {
		return err
	}
	_, err = e.kvStore.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		cur, ok, err := tx.Get(ctx, key)
		if err != nil {
			return err
		}
		if ok && string(cur) != e.token {
			return &Locked{Holder: string(cur)}
		}
		return tx.Set(ctx, key, []byte(e.token))
	})
	return err
}

func (e *Executor) releaseLock(ctx context.Context) error {
	key, err := e.lockKey()
	if err != nil {
		return err
	}
	_, err = e.kvStore.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		cur, ok, err := tx.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok || string(cur) != e.token {
			return nil
		}
		return tx.Clear(ctx, key)
	})
	return err
}

// ForceUnlock clears the lock record regardless of holder, for recovering
// from a migration process that died between acquire and release.
func ForceUnlock(ctx context.Context, kvStore kv.Store, rs *store.RecordStore) error {
	sub, err := rs.Layout().Migration()
	if err != nil {
		return err
	}
	key, err := sub.Pack(tuple.Tuple{"lock"})
	if err != nil {
		return err
	}
	_, err = kvStore.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return tx.Clear(ctx, key)
	})
	return err
}

// Run migrates the store from its persisted schema version to target.
// Already-committed steps of a previously failed run are skipped; the
// unfinished step is retried (spec §6 executor contract).
func (e *Executor) Run(ctx context.Context, target int) error {
	if err := e.acquireLock(ctx); err != nil {
		return err
	}
	defer func() {
		if err := e.releaseLock(ctx); err != nil {
			e.logger.Error("failed to release migration lock", zap.Error(err))
		}
	}()

	var current int
	_, err := e.kvStore.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		h, err := e.rs.EnsureHeader(ctx, tx)
		if err != nil {
			return err
		}
		current = h.SchemaVersion
		return nil
	})
	if err != nil {
		return err
	}

	path, err := e.plan.Path(current, target)
	if err != nil {
		return err
	}

	for _, m := range path {
		for i, op := range m.Ops {
			done, err := e.stepDone(ctx, m, i)
			if err != nil {
				return err
			}
			if done {
				e.logger.Info("migration step already complete", zap.String("step", stepName(m, i, op)))
				continue
			}
			e.logger.Info("running migration step", zap.String("step", stepName(m, i, op)))
			if err := e.runOp(ctx, op); err != nil {
				return &Failed{Step: stepName(m, i, op), Err: err}
			}
			if err := e.markStepDone(ctx, m, i); err != nil {
				return err
			}
		}
		if err := e.bumpSchemaVersion(ctx, m.ToVersion); err != nil {
			return err
		}
		e.logger.Info("migration complete", zap.Int("from", m.FromVersion), zap.Int("to", m.ToVersion))
	}
	return nil
}

func (e *Executor) stepDone(ctx context.Context, m Migration, opIdx int) (bool, error) {
	key, err := e.stepKey(m, opIdx)
	if err != nil {
		return false, err
	}
	var done bool
	err = e.kvStore.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		_, ok, err := tx.Get(ctx, key)
		done = ok
		return err
	})
	return done, err
}

func (e *Executor) markStepDone(ctx context.Context, m Migration, opIdx int) error {
	key, err := e.stepKey(m, opIdx)
	if err != nil {
		return err
	}
	_, err = e.kvStore.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		return tx.Set(ctx, key, []byte{1})
	})
	return err
}

func (e *Executor) bumpSchemaVersion(ctx context.Context, version int) error {
	_, err := e.kvStore.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		h, err := e.rs.EnsureHeader(ctx, tx)
		if err != nil {
			return err
		}
		if h.SchemaVersion >= version {
			return nil
		}
		h.SchemaVersion = version
		return store.SaveHeader(ctx, tx, e.rs.Layout(), h)
	})
	return err
}

func (e *Executor) runOp(ctx context.Context, op Op) error {
	switch o := op.(type) {
	case AddIndex:
		return e.addIndex(ctx, o)
	case RemoveIndex:
		return e.removeIndex(ctx, o)
	case RebuildIndex:
		return e.rebuildIndex(ctx, o)
	case RenameField:
		return e.renameField(ctx, o)
	default:
		return fmt.Errorf("migration: unknown op %T", op)
	}
}

func (e *Executor) addIndex(ctx context.Context, op AddIndex) error {
	sch := e.rs.Schema()
	if _, ok := sch.Indexes[op.Index.Name]; !ok {
		return fmt.Errorf("migration: index %q is not declared in the store's schema", op.Index.Name)
	}
	// A tombstoned subspace key may only be reused by an identical
	// expression (spec §3 FormerIndex invariant).
	for _, former := range sch.FormerIndexes {
		if former.SubspaceKey == op.Index.Name && !sameExpression(former.RootExpression, op.Index.RootExpression) {
			return &evolution.SchemaEvolutionBlocked{
				Reason: fmt.Sprintf("index %q reuses former index subspace key %q with a different expression", op.Index.Name, former.SubspaceKey),
			}
		}
	}
	_, err := e.kvStore.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		h, err := e.rs.EnsureHeader(ctx, tx)
		if err != nil {
			return err
		}
		if _, ok := h.IndexStates[op.Index.Name]; !ok {
			h.IndexStates[op.Index.Name] = schema.StateDisabled
			return store.SaveHeader(ctx, tx, e.rs.Layout(), h)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !e.buildIndexes {
		return nil
	}
	return online.NewIndexer(e.kvStore, e.rs, op.Index.Name, e.onlineOpts, e.logger).Build(ctx)
}

func (e *Executor) removeIndex(ctx context.Context, op RemoveIndex) error {
	sub, err := e.rs.Layout().Index(op.Name)
	if err != nil {
		return err
	}
	begin, end := sub.Range()
	_, err = e.kvStore.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		if err := tx.ClearRange(ctx, begin, end); err != nil {
			return err
		}
		h, err := e.rs.EnsureHeader(ctx, tx)
		if err != nil {
			return err
		}
		delete(h.IndexStates, op.Name)
		var expr []string
		if desc, ok := e.rs.Schema().Indexes[op.Name]; ok {
			expr = desc.RootExpression
		}
		tombstoned := false
		for _, former := range h.FormerIndexes {
			if former.Name == op.Name {
				tombstoned = true
				break
			}
		}
		if !tombstoned {
			h.FormerIndexes = append(h.FormerIndexes, schema.FormerIndex{
				Name:           op.Name,
				SubspaceKey:    op.Name,
				RootExpression: expr,
			})
		}
		return store.SaveHeader(ctx, tx, e.rs.Layout(), h)
	})
	return err
}

func (e *Executor) rebuildIndex(ctx context.Context, op RebuildIndex) error {
	sub, err := e.rs.Layout().Index(op.Name)
	if err != nil {
		return err
	}
	begin, end := sub.Range()
	_, err = e.kvStore.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		// Clears entries and the __range build progress beneath them.
		if err := tx.ClearRange(ctx, begin, end); err != nil {
			return err
		}
		h, err := e.rs.EnsureHeader(ctx, tx)
		if err != nil {
			return err
		}
		h.IndexStates[op.Name] = schema.StateDisabled
		return store.SaveHeader(ctx, tx, e.rs.Layout(), h)
	})
	if err != nil {
		return err
	}
	if !e.buildIndexes {
		return nil
	}
	return online.NewIndexer(e.kvStore, e.rs, op.Name, e.onlineOpts, e.logger).Build(ctx)
}

// renameField rewrites record bytes directly: the new schema's accessors
// already reference the new name, so going through RecordStore.Save would
// re-derive index entries mid-rename. Index kinds whose expressions name
// the renamed field are expected to be paired with a RebuildIndex op in
// the same migration.
func (e *Executor) renameField(ctx context.Context, op RenameField) error {
	sub, err := e.rs.Layout().RecordType(op.Type)
	if err != nil {
		return err
	}
	ser := e.rs.Serializer()
	begin, end := sub.Range()
	from := begin

	for {
		var lastKey []byte
		var processed int
		_, err := e.kvStore.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
			lastKey, processed = nil, 0
			it := tx.GetRange(ctx, kv.RangeOptions{
				Begin: kv.FirstGreaterOrEqual(from),
				End:   kv.FirstGreaterOrEqual(end),
				Limit: e.onlineOpts.RecordsPerBatch,
			})
			defer it.Close()
			for it.Next() {
				kvp := it.KV()
				rec, err := ser.Deserialize(op.Type, kvp.Value)
				if err != nil {
					return err
				}
				if v, ok := rec.Fields[op.Old]; ok {
					delete(rec.Fields, op.Old)
					rec.Fields[op.New] = v
					data, err := ser.Serialize(rec)
					if err != nil {
						return err
					}
					if err := tx.Set(ctx, kvp.Key, data); err != nil {
						return err
					}
				}
				lastKey = append([]byte{}, kvp.Key...)
				processed++
			}
			return it.Err()
		})
		if err != nil {
			return err
		}
		if processed == 0 || lastKey == nil {
			return nil
		}
		from = append(lastKey, 0x00)
	}
}

func sameExpression(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
