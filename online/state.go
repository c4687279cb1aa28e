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

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/store"
)

// RangeSetCorruption is surfaced when persisted build/scrub progress
// fails to decode; the offending key is included (spec §7 corruption
// class).
type RangeSetCorruption struct {
	Key []byte
	Err error
}

func (e *RangeSetCorruption) Error() string {
	return fmt.Sprintf("online: corrupt range set at key %x: %v", e.Key, e.Err)
}

func (e *RangeSetCorruption) Unwrap() error { return e.Err }

// BuildStatus names where an index build stands.
type BuildStatus int

const (
	BuildNotStarted BuildStatus = iota
	BuildRunning
	BuildPaused
	BuildCompleted
	BuildFailed
)

func (s BuildStatus) String() string {
	switch s {
	case BuildNotStarted:
		return "notStarted"
	case BuildRunning:
		return "running"
	case BuildPaused:
		return "paused"
	case BuildCompleted:
		return "completed"
	case BuildFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BuildState reports an index build's progress. Enough of it is persisted
// (the per-index state and the progress RangeSet) that a fresh process
// observes a build left behind by a dead one as paused at its checkpoint.
type BuildState struct {
	Status BuildStatus
	// MissingRanges counts, per applicable record type, the sub-ranges the
	// persisted progress has not yet covered.
	MissingRanges map[string]int
	// Err is the failure of the last in-process Build call, if any.
	Err error
}

// State derives the build's current state from the store header and the
// persisted progress RangeSet.
func (idx *Indexer) State(ctx context.Context) (BuildState, error) {
	desc, ok := idx.rs.Schema().Indexes[idx.indexName]
	if !ok {
		return BuildState{}, &store.IndexNotFound{Name: idx.indexName}
	}

	idx.mu.Lock()
	running := idx.running
	lastErr := idx.lastErr
	idx.mu.Unlock()

	out := BuildState{MissingRanges: map[string]int{}}
	var indexState schema.IndexState
	err := idx.kvStore.View(ctx, kv.Options{}, func(ctx context.Context, tx kv.Tx) error {
		h, ok, err := idx.rs.Header(ctx, tx)
		if err != nil {
			return err
		}
		if ok {
			indexState = h.IndexStates[idx.indexName]
		}
		buildSub, err := idx.rs.Layout().IndexBuildRange(idx.indexName)
		if err != nil {
			return err
		}
		for _, typeName := range desc.AppliesToTypes {
			begin, end, err := idx.rs.Layout().RecordTypeRange(typeName)
			if err != nil {
				return err
			}
			rs, err := loadProgress(ctx, tx, buildSub, typeName)
			if err != nil {
				return err
			}
			out.MissingRanges[typeName] = len(rs.MissingRanges(begin, end))
		}
		return nil
	})
	if err != nil {
		return BuildState{}, err
	}

	switch {
	case indexState == schema.StateReadable:
		out.Status = BuildCompleted
	case running:
		out.Status = BuildRunning
	case lastErr != nil:
		out.Status = BuildFailed
		out.Err = lastErr
	case indexState == schema.StateWriteOnly:
		out.Status = BuildPaused
	default:
		out.Status = BuildNotStarted
	}
	return out, nil
}
