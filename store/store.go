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

package store

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/kvrecord/recordlayer/index"
	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

// RecordStore is the transactional façade spec §4.3 describes: save/load/
// delete, orchestrating every applicable index maintainer inside the
// caller's transaction. It holds no mutable state beyond its own
// construction-time wiring (maintainers, layout) — header reads/writes
// happen inside the transaction that observes them, per spec §5.
type RecordStore struct {
	schema *schema.Schema
	layout Layout
	cfg    config

	// maintainers[indexName][typeName] is built once at construction: one
	// Maintainer instance per (index, applicable record type) pair, since
	// field extraction is bound to a specific RecordType.
	maintainers map[string]map[string]index.Maintainer
}

// New constructs a RecordStore over sch, rooted at root.
func New(sch *schema.Schema, root tuple.Subspace, opts ...Option) (*RecordStore, error) {
	cfg := newConfig(opts)
	layout := NewLayout(root)
	s := &RecordStore{schema: sch, layout: layout, cfg: cfg, maintainers: map[string]map[string]index.Maintainer{}}

	for name, desc := range sch.Indexes {
		byType := make(map[string]index.Maintainer, len(desc.AppliesToTypes))
		sub, err := layout.Index(name)
		if err != nil {
			return nil, err
		}
		for _, typeName := range desc.AppliesToTypes {
			rt, ok := sch.RecordType(typeName)
			if !ok {
				return nil, &RecordTypeNotFound{Name: typeName}
			}
			m, err := NewMaintainer(desc, rt, sch.Indexes, sub)
			if err != nil {
				return nil, err
			}
			byType[typeName] = m
		}
		s.maintainers[name] = byType
	}
	return s, nil
}

// Schema returns the store's schema.
func (s *RecordStore) Schema() *schema.Schema { return s.schema }

// Layout returns the store's key layout.
func (s *RecordStore) Layout() Layout { return s.layout }

// Serializer returns the configured record serializer.
func (s *RecordStore) Serializer() record.Serializer { return s.cfg.serializer }

// Maintainer returns the Maintainer for (indexName, typeName), or
// ok=false if that index does not apply to that type.
func (s *RecordStore) Maintainer(indexName, typeName string) (index.Maintainer, bool) {
	byType, ok := s.maintainers[indexName]
	if !ok {
		return nil, false
	}
	m, ok := byType[typeName]
	return m, ok
}

// EnsureHeader loads the store header, initializing it from the schema
// (every index disabled, spec §3) and persisting it on first use.
func (s *RecordStore) EnsureHeader(ctx context.Context, tx kv.RwTx) (schema.StoreHeader, error) {
	h, ok, err := LoadHeader(ctx, tx, s.layout)
	if err != nil {
		return schema.StoreHeader{}, err
	}
	if ok {
		return h, nil
	}
	h = s.schema.NewHeader(1)
	if err := SaveHeader(ctx, tx, s.layout, h); err != nil {
		return schema.StoreHeader{}, err
	}
	return h, nil
}

// Header loads the store header without initializing it; ok is false if
// the store has never saved a header.
func (s *RecordStore) Header(ctx context.Context, tx kv.Tx) (schema.StoreHeader, bool, error) {
	return LoadHeader(ctx, tx, s.layout)
}

// maintainedIndexes returns, in name order, the indexes applicable to
// typeName whose persisted state requires maintenance on writes (spec §4.3
// invariant: writeOnly and readable both maintain).
func (s *RecordStore) maintainedIndexes(typeName string, h schema.StoreHeader) []schema.IndexDescriptor {
	all := s.schema.IndexesForType(typeName)
	out := make([]schema.IndexDescriptor, 0, len(all))
	for _, desc := range all {
		if h.IndexStates[desc.Name].Maintained() {
			out = append(out, desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SaveOptions configures one Save call.
type SaveOptions struct {
	// ExpectedVersion, if non-nil, is checked against the type's version
	// index (if any) before writing; mismatch returns
	// *index.VersionMismatch and leaves the transaction's other writes
	// intact only insofar as the caller aborts on error (spec §4.4.4).
	// Tokens come from index.VersionMaintainer.CurrentVersion; nil with
	// HasExpectedVersion set expects the record was never written.
	ExpectedVersion []byte
	HasExpectedVersion bool
}

// Load reads and deserializes one record by primary key. ok is false if
// absent.
func (s *RecordStore) Load(ctx context.Context, tx kv.Tx, typeName string, pk tuple.Tuple) (record.Record, bool, error) {
	if _, ok := s.schema.RecordType(typeName); !ok {
		return record.Record{}, false, &RecordTypeNotFound{Name: typeName}
	}
	key, err := s.layout.RecordKey(typeName, pk)
	if err != nil {
		return record.Record{}, false, err
	}
	raw, ok, err := tx.Get(ctx, key)
	if err != nil || !ok {
		return record.Record{}, false, err
	}
	rec, err := s.cfg.serializer.Deserialize(typeName, raw)
	if err != nil {
		return record.Record{}, false, err
	}
	return rec, true, nil
}

// Scan eagerly reads every record of typeName in primary-key order; query
// builds lazy cursors over the same key range for larger results (spec
// §4.5), this is the plain façade method spec §4.3 names directly.
func (s *RecordStore) Scan(ctx context.Context, tx kv.Tx, typeName string) ([]record.Record, error) {
	if _, ok := s.schema.RecordType(typeName); !ok {
		return nil, &RecordTypeNotFound{Name: typeName}
	}
	begin, end, err := s.layout.RecordTypeRange(typeName)
	if err != nil {
		return nil, err
	}
	it := tx.GetRange(ctx, kv.RangeOptions{Begin: kv.FirstGreaterOrEqual(begin), End: kv.FirstGreaterOrEqual(end)})
	defer it.Close()
	var out []record.Record
	for it.Next() {
		rec, err := s.cfg.serializer.Deserialize(typeName, it.KV().Value)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, it.Err()
}

// versionMaintainer returns the KindVersion maintainer applicable to
// typeName, if the schema declares one.
func (s *RecordStore) versionMaintainer(typeName string) (*indexVersionChecker, bool) {
	for name, desc := range s.schema.Indexes {
		if desc.Kind != schema.KindVersion || !desc.AppliesTo(typeName) {
			continue
		}
		m, ok := s.maintainers[name][typeName]
		if !ok {
			continue
		}
		if vc, ok := m.(indexVersionChecker); ok {
			return &vc, true
		}
	}
	return nil, false
}

// indexVersionChecker is satisfied by index.VersionMaintainer; Save calls
// it through this interface to perform the optimistic-concurrency check
// spec §4.4.4 describes.
type indexVersionChecker interface {
	CheckExpectedVersion(ctx context.Context, tx kv.Tx, pk tuple.Tuple, expected []byte) error
}

// Save writes rec, loading the current record by primary key first so
// maintainers see both old and new values on update (spec §4.3). All index
// updates happen inside tx, the same transaction as the record write.
func (s *RecordStore) Save(ctx context.Context, tx kv.RwTx, rec record.Record, opts SaveOptions) error {
	rt, ok := s.schema.RecordType(rec.Type)
	if !ok {
		return &RecordTypeNotFound{Name: rec.Type}
	}
	pk, err := rt.PrimaryKeyOf(rec)
	if err != nil {
		return err
	}

	h, err := s.EnsureHeader(ctx, tx)
	if err != nil {
		return err
	}

	if opts.HasExpectedVersion {
		if vc, ok := s.versionMaintainer(rec.Type); ok {
			if err := (*vc).CheckExpectedVersion(ctx, tx, pk, opts.ExpectedVersion); err != nil {
				return err
			}
		}
	}

	oldRec, existed, err := s.Load(ctx, tx, rec.Type, pk)
	if err != nil {
		return err
	}
	var oldPtr *record.Record
	if existed {
		oldPtr = &oldRec
	}

	data, err := s.cfg.serializer.Serialize(rec)
	if err != nil {
		return err
	}
	key, err := s.layout.RecordKey(rec.Type, pk)
	if err != nil {
		return err
	}
	if err := tx.Set(ctx, key, data); err != nil {
		return err
	}

	for _, desc := range s.maintainedIndexes(rec.Type, h) {
		m, ok := s.maintainers[desc.Name][rec.Type]
		if !ok {
			continue
		}
		if err := m.Update(ctx, tx, oldPtr, &rec, pk); err != nil {
			s.cfg.logger.Error("index update failed", zap.String("index", desc.Name), zap.Error(err))
			return err
		}
	}
	return nil
}

// Delete removes the record at pk, if present, invoking every maintained
// index's maintainer with (old, none) first (spec §4.3).
func (s *RecordStore) Delete(ctx context.Context, tx kv.RwTx, typeName string, pk tuple.Tuple) error {
	if _, ok := s.schema.RecordType(typeName); !ok {
		return &RecordTypeNotFound{Name: typeName}
	}
	oldRec, existed, err := s.Load(ctx, tx, typeName, pk)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}

	h, err := s.EnsureHeader(ctx, tx)
	if err != nil {
		return err
	}

	for _, desc := range s.maintainedIndexes(typeName, h) {
		m, ok := s.maintainers[desc.Name][typeName]
		if !ok {
			continue
		}
		if err := m.Update(ctx, tx, &oldRec, nil, pk); err != nil {
			return err
		}
	}

	key, err := s.layout.RecordKey(typeName, pk)
	if err != nil {
		return err
	}
	return tx.Clear(ctx, key)
}
