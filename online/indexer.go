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

package online

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/store"
	"github.com/kvrecord/recordlayer/tuple"
)

// Options bounds one build or scrub batch (spec §4.6: "well under 5s/10MB
// per transaction").
type Options struct {
	RecordsPerBatch int
	ByteBudget      int
	ThrottleDelay   time.Duration
	MaxRetries      uint64
}

// DefaultOptions returns conservative batch bounds safely under the
// underlying KV's 5s/10MB per-transaction ceiling.
func DefaultOptions() Options {
	return Options{
		RecordsPerBatch: 500,
		ByteBudget:      5 << 20,
		ThrottleDelay:   10 * time.Millisecond,
		MaxRetries:      8,
	}
}

// ErrBuildInProgress is returned by Build/Scrub when a prior call on the
// same Indexer/Scrubber instance has not yet finished (spec §5: "a per-job
// in-memory flag... prevents two build loops from running simultaneously
// on the same index instance in-process").
var ErrBuildInProgress = errors.New("online: build already in progress on this instance")

// Indexer builds one index online: live writes keep maintaining it in
// writeOnly state while Build incrementally backfills existing records,
// batch by bounded batch, recording progress in a RangeSet so the build
// survives restarts (spec §4.6).
type Indexer struct {
	kvStore   kv.Store
	rs        *store.RecordStore
	indexName string
	opts      Options
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	lastErr error
}

// NewIndexer constructs an Indexer for indexName against rs, reading and
// writing through kvStore.
func NewIndexer(kvStore kv.Store, rs *store.RecordStore, indexName string, opts Options, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{kvStore: kvStore, rs: rs, indexName: indexName, opts: opts, logger: logger}
}

// Build runs the build loop to completion: disabled -> writeOnly at the
// start (idempotent if already writeOnly), bounded batches until every
// applicable record type's range is fully covered, then writeOnly ->
// readable. It returns nil immediately if the index is already readable.
func (idx *Indexer) Build(ctx context.Context) (err error) {
	idx.mu.Lock()
	if idx.running {
		idx.mu.Unlock()
		return ErrBuildInProgress
	}
	idx.running = true
	idx.mu.Unlock()
	defer func() {
		idx.mu.Lock()
		idx.running = false
		idx.lastErr = err
		idx.mu.Unlock()
	}()

	desc, ok := idx.rs.Schema().Indexes[idx.indexName]
	if !ok {
		return &store.IndexNotFound{Name: idx.indexName}
	}

	done, err := idx.transitionToWriteOnly(ctx)
	if err != nil {
		return err
	}
	if done {
		return nil // already readable
	}

	buildSub, err := idx.rs.Layout().IndexBuildRange(idx.indexName)
	if err != nil {
		return err
	}

	for _, typeName := range desc.AppliesToTypes {
		if err := idx.buildType(ctx, buildSub, typeName); err != nil {
			return err
		}
	}

	return idx.transitionToReadable(ctx)
}

func (idx *Indexer) transitionToWriteOnly(ctx context.Context) (alreadyReadable bool, err error) {
	_, err = idx.kvStore.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		h, err := idx.rs.EnsureHeader(ctx, tx)
		if err != nil {
			return err
		}
		switch h.IndexStates[idx.indexName] {
		case schema.StateReadable:
			alreadyReadable = true
			return nil
		case schema.StateWriteOnly:
			return nil
		default:
			h.IndexStates[idx.indexName] = schema.StateWriteOnly
			return store.SaveHeader(ctx, tx, idx.rs.Layout(), h)
		}
	})
	return alreadyReadable, err
}

func (idx *Indexer) transitionToReadable(ctx context.Context) error {
	_, err := idx.kvStore.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
		h, err := idx.rs.EnsureHeader(ctx, tx)
		if err != nil {
			return err
		}
		h.IndexStates[idx.indexName] = schema.StateReadable
		return store.SaveHeader(ctx, tx, idx.rs.Layout(), h)
	})
	if err == nil {
		idx.logger.Info("index build complete", zap.String("index", idx.indexName))
	}
	return err
}

// buildType drives the batch loop for one applicable record type until
// its full key range is covered by the persisted RangeSet.
func (idx *Indexer) buildType(ctx context.Context, buildSub tuple.Subspace, typeName string) error {
	begin, end, err := idx.rs.Layout().RecordTypeRange(typeName)
	if err != nil {
		return err
	}

	batchSize := idx.opts.RecordsPerBatch
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		doneType := false
		b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), idx.opts.MaxRetries)
		op := func() error {
			_, txErr := idx.kvStore.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
				rs, err := loadProgress(ctx, tx, buildSub, typeName)
				if err != nil {
					return err
				}
				from, to, ok := rs.FirstMissingRange(begin, end)
				if !ok {
					doneType = true
					return nil
				}
				lastKey, processed, err := idx.processBatch(ctx, tx, typeName, from, to, batchSize)
				if err != nil {
					return err
				}
				if processed == 0 {
					// No records in this sub-range: mark it complete so the
					// built-range set converges on the full record range.
					rs.InsertRange(from, to)
					return saveProgress(ctx, tx, buildSub, typeName, rs)
				}
				rs.InsertRange(from, nextKey(lastKey))
				return saveProgress(ctx, tx, buildSub, typeName, rs)
			})
			if errors.Is(txErr, kv.ErrTransactionTooLarge) && batchSize > 1 {
				batchSize /= 2
			}
			return txErr
		}
		if err := backoff.Retry(op, b); err != nil {
			return errors.Wrapf(err, "online: build index %q type %q", idx.indexName, typeName)
		}
		if doneType {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idx.opts.ThrottleDelay):
		}
	}
}

func (idx *Indexer) processBatch(ctx context.Context, tx kv.RwTx, typeName string, from, to []byte, batchSize int) (lastKey []byte, processed int, err error) {
	maintainer, ok := idx.rs.Maintainer(idx.indexName, typeName)
	if !ok {
		return nil, 0, fmt.Errorf("online: no maintainer for index %q on type %q", idx.indexName, typeName)
	}

	it := tx.GetRange(ctx, kv.RangeOptions{
		Begin: kv.FirstGreaterOrEqual(from),
		End:   kv.FirstGreaterOrEqual(to),
		Limit: batchSize,
	})
	defer it.Close()

	budget := 0
	for it.Next() {
		kvpair := it.KV()
		rec, derr := idx.rs.Serializer().Deserialize(typeName, kvpair.Value)
		if derr != nil {
			return nil, 0, derr
		}
		rt, _ := idx.rs.Schema().RecordType(typeName)
		pk, perr := rt.PrimaryKeyOf(rec)
		if perr != nil {
			return nil, 0, perr
		}
		if err := maintainer.Update(ctx, tx, nil, &rec, pk); err != nil {
			return nil, 0, err
		}
		lastKey = kvpair.Key
		processed++
		budget += len(kvpair.Key) + len(kvpair.Value)
		// Forward-progress guarantee (spec §4.6): always finish the record
		// already started even if it alone exceeds the budget.
		if budget >= idx.opts.ByteBudget {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, 0, err
	}
	return lastKey, processed, nil
}
