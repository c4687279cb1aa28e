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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kvrecord/recordlayer/index"
	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/store"
	"github.com/kvrecord/recordlayer/tuple"
)

// RepairPolicy selects whether Scrub only reports issues or also fixes
// them in the same batch that found them (spec §4.6).
type RepairPolicy int

const (
	DetectOnly RepairPolicy = iota
	Repair
)

// Report accumulates a scrub run's findings, merged only from
// successfully committed batches (spec §4.6 atomicity rule).
type Report struct {
	DanglingEntries int // index entries with no backing record
	MissingEntries  int // records with no corresponding index entry
	Skipped         []string
}

// Scrubber runs the two-phase consistency check (index->record,
// record->index) for one index, each phase driven by its own persisted
// RangeSet so a scrub also survives restarts. Only indexes whose
// maintainer implements index.Scannable can be scrubbed this way —
// accumulator and graph/skip-list maintainers have no discrete per-record
// entry to point-check (see index.Scannable's doc comment).
type Scrubber struct {
	kvStore   kv.Store
	rs        *store.RecordStore
	indexName string
	opts      Options
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewScrubber constructs a Scrubber for indexName against rs.
func NewScrubber(kvStore kv.Store, rs *store.RecordStore, indexName string, opts Options, logger *zap.Logger) *Scrubber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scrubber{kvStore: kvStore, rs: rs, indexName: indexName, opts: opts, logger: logger}
}

// Scrub runs both phases to completion against policy, returning the
// merged report. Applicable types whose maintainer is not Scannable are
// recorded in Report.Skipped rather than erroring.
func (sc *Scrubber) Scrub(ctx context.Context, policy RepairPolicy) (Report, error) {
	sc.mu.Lock()
	if sc.running {
		sc.mu.Unlock()
		return Report{}, ErrBuildInProgress
	}
	sc.running = true
	sc.mu.Unlock()
	defer func() {
		sc.mu.Lock()
		sc.running = false
		sc.mu.Unlock()
	}()

	desc, ok := sc.rs.Schema().Indexes[sc.indexName]
	if !ok {
		return Report{}, &store.IndexNotFound{Name: sc.indexName}
	}

	var report Report
	for _, typeName := range desc.AppliesToTypes {
		m, ok := sc.rs.Maintainer(sc.indexName, typeName)
		if !ok {
			continue
		}
		scannable, ok := m.(index.Scannable)
		if !ok {
			report.Skipped = append(report.Skipped, typeName)
			continue
		}

		dangling, err := sc.scanIndexToRecord(ctx, typeName, scannable, policy)
		if err != nil {
			return report, err
		}
		report.DanglingEntries += dangling

		missing, err := sc.scanRecordToIndex(ctx, typeName, scannable, policy)
		if err != nil {
			return report, err
		}
		report.MissingEntries += missing
	}
	sc.logger.Info("scrub complete",
		zap.String("index", sc.indexName),
		zap.Int("dangling", report.DanglingEntries),
		zap.Int("missing", report.MissingEntries))
	return report, nil
}

// scanIndexToRecord is phase 1: walk index entries with a snapshot range
// read, load the backing record by the entry's PK suffix, and flag
// (optionally clear) entries whose record is absent.
func (sc *Scrubber) scanIndexToRecord(ctx context.Context, typeName string, m index.Scannable, policy RepairPolicy) (int, error) {
	phaseSub, err := sc.rs.Layout().Scrub("index-to-record-" + sc.indexName + "-" + typeName)
	if err != nil {
		return 0, err
	}
	idxSub, err := sc.rs.Layout().Index(sc.indexName)
	if err != nil {
		return 0, err
	}
	rt, ok := sc.rs.Schema().RecordType(typeName)
	if !ok {
		return 0, &store.RecordTypeNotFound{Name: typeName}
	}
	pkArity := len(rt.PrimaryKey)
	begin, end := idxSub.Range()

	return sc.runPhase(ctx, phaseSub, begin, end, func(ctx context.Context, tx kv.RwTx, from, to []byte, batchSize int) (lastKey []byte, count, found int, err error) {
		it := tx.GetRange(ctx, kv.RangeOptions{
			Begin:    kv.FirstGreaterOrEqual(from),
			End:      kv.FirstGreaterOrEqual(to),
			Limit:    batchSize,
			Snapshot: true,
		})
		defer it.Close()

		for it.Next() {
			kvpair := it.KV()
			pk, err := index.UnpackEntryPK(idxSub, kvpair.Key, pkArity)
			if err != nil {
				return nil, count, found, err
			}
			_, exists, err := sc.rs.Load(ctx, tx, typeName, pk)
			if err != nil {
				return nil, count, found, err
			}
			if !exists {
				found++
				if policy == Repair {
					if err := tx.Clear(ctx, kvpair.Key); err != nil {
						return nil, count, found, err
					}
				}
			}
			lastKey = kvpair.Key
			count++
			if count >= batchSize {
				break
			}
		}
		return lastKey, count, found, it.Err()
	})
}

// scanRecordToIndex is phase 2: walk records of typeName, recompute the
// entries m.EntryKeys would produce, and flag (optionally insert) the
// ones absent from the index.
func (sc *Scrubber) scanRecordToIndex(ctx context.Context, typeName string, m index.Scannable, policy RepairPolicy) (int, error) {
	phaseSub, err := sc.rs.Layout().Scrub("record-to-index-" + sc.indexName + "-" + typeName)
	if err != nil {
		return 0, err
	}
	begin, end, err := sc.rs.Layout().RecordTypeRange(typeName)
	if err != nil {
		return 0, err
	}

	return sc.runPhase(ctx, phaseSub, begin, end, func(ctx context.Context, tx kv.RwTx, from, to []byte, batchSize int) (lastKey []byte, count, found int, err error) {
		it := tx.GetRange(ctx, kv.RangeOptions{
			Begin:    kv.FirstGreaterOrEqual(from),
			End:      kv.FirstGreaterOrEqual(to),
			Limit:    batchSize,
			Snapshot: true,
		})
		defer it.Close()

		rt, _ := sc.rs.Schema().RecordType(typeName)
		for it.Next() {
			kvpair := it.KV()
			rec, err := sc.rs.Serializer().Deserialize(typeName, kvpair.Value)
			if err != nil {
				return nil, count, found, err
			}
			pk, err := rt.PrimaryKeyOf(rec)
			if err != nil {
				return nil, count, found, err
			}
			expected, err := m.EntryKeys(rec, pk)
			if err != nil {
				return nil, count, found, err
			}
			for _, key := range expected {
				_, ok, err := tx.Get(ctx, key)
				if err != nil {
					return nil, count, found, err
				}
				if !ok {
					found++
					if policy == Repair {
						if err := tx.Set(ctx, key, nil); err != nil {
							return nil, count, found, err
						}
					}
				}
			}
			lastKey = kvpair.Key
			count++
			if count >= batchSize {
				break
			}
		}
		return lastKey, count, found, it.Err()
	})
}

// runPhase drives one phase's bounded-batch loop with the same
// forward-progress and oversize-halving behavior as the indexer, merging
// found-counts into the report only from batches that actually commit
// (spec §4.6: "counts are not double-incremented... per-batch staging,
// merge on commit").
func (sc *Scrubber) runPhase(ctx context.Context, phaseSub tuple.Subspace, begin, end []byte,
	process func(ctx context.Context, tx kv.RwTx, from, to []byte, batchSize int) (lastKey []byte, count, found int, err error)) (int, error) {

	total := 0
	batchSize := sc.opts.RecordsPerBatch
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		doneRange := false
		var batchFound int
		b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), sc.opts.MaxRetries)
		op := func() error {
			_, txErr := sc.kvStore.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
				rs, err := loadProgress(ctx, tx, phaseSub, "progress")
				if err != nil {
					return err
				}
				from, to, ok := rs.FirstMissingRange(begin, end)
				if !ok {
					// Phase complete: drop the progress so the next scrub
					// rescans from scratch rather than resuming past it.
					doneRange = true
					return clearProgress(ctx, tx, phaseSub, "progress")
				}
				lastKey, count, found, err := process(ctx, tx, from, to, batchSize)
				if err != nil {
					return err
				}
				if count == 0 {
					rs.InsertRange(from, to)
					return saveProgress(ctx, tx, phaseSub, "progress", rs)
				}
				batchFound = found
				rs.InsertRange(from, nextKey(lastKey))
				return saveProgress(ctx, tx, phaseSub, "progress", rs)
			})
			if errors.Is(txErr, kv.ErrTransactionTooLarge) && batchSize > 1 {
				batchSize /= 2
			}
			return txErr
		}
		if err := backoff.Retry(op, b); err != nil {
			return total, errors.Wrap(err, "online: scrub batch")
		}
		total += batchFound
		if doneRange {
			return total, nil
		}

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(sc.opts.ThrottleDelay):
		}
	}
}
