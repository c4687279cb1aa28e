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

package query

import (
	"context"

	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/tuple"
)

// Result is one record yielded by a cursor, paired with the primary key
// it was reached through.
type Result struct {
	Record     record.Record
	PrimaryKey tuple.Tuple
}

// Cursor is a lazy sequence of results (spec §4.5): Next pulls the next
// record, yielding at least once per underlying KV range fetch.
// Continuation returns an opaque resume point: pass it to a new execution
// of the same plan to skip work already consumed. Buffering cursors (sort,
// union, intersection) return nil — they have no cheap resume point.
type Cursor interface {
	Next(ctx context.Context) (Result, bool, error)
	Continuation() []byte
	Close()
}

// sliceCursor replays an already-materialized result set.
type sliceCursor struct {
	results []Result
	pos     int
}

func newSliceCursor(results []Result) *sliceCursor { return &sliceCursor{results: results} }

func (c *sliceCursor) Next(ctx context.Context) (Result, bool, error) {
	if c.pos >= len(c.results) {
		return Result{}, false, nil
	}
	r := c.results[c.pos]
	c.pos++
	return r, true, nil
}

func (c *sliceCursor) Continuation() []byte { return nil }
func (c *sliceCursor) Close()               {}

// Drain consumes cur to exhaustion, returning every result.
func Drain(ctx context.Context, cur Cursor) ([]Result, error) {
	defer cur.Close()
	var out []Result
	for {
		r, ok, err := cur.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, r)
	}
}
