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

	"golang.org/x/sync/errgroup"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/tuple"
)

// drainChildren runs every child plan to completion. With a kv.Store on
// the Runner, each child gets its own read-only sibling transaction pinned
// to the driving transaction's read version, so the parallel range reads
// still observe one consistent snapshot (spec §5). Without one, children
// are drained sequentially on tx.
func drainChildren(ctx context.Context, r *Runner, tx kv.Tx, children []Plan) ([][]Result, error) {
	out := make([][]Result, len(children))

	if r.KV == nil {
		for i, child := range children {
			cur, err := child.Execute(ctx, r, tx)
			if err != nil {
				return nil, err
			}
			results, err := Drain(ctx, cur)
			if err != nil {
				return nil, err
			}
			out[i] = results
		}
		return out, nil
	}

	readVersion, err := tx.GetReadVersion(ctx)
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism())
	for i, child := range children {
		i, child := i, child
		g.Go(func() error {
			return r.KV.View(gctx, kv.Options{}, func(ctx context.Context, sibling kv.Tx) error {
				if err := sibling.SetReadVersion(ctx, readVersion); err != nil {
					return err
				}
				cur, err := child.Execute(ctx, r, sibling)
				if err != nil {
					return err
				}
				results, err := Drain(ctx, cur)
				if err != nil {
					return err
				}
				out[i] = results
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Union) Execute(ctx context.Context, r *Runner, tx kv.Tx) (Cursor, error) {
	sets, err := drainChildren(ctx, r, tx, p.Children)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var merged []Result
	for _, set := range sets {
		for _, res := range set {
			key, err := packPK(res.PrimaryKey)
			if err != nil {
				return nil, err
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, res)
		}
	}
	if err := sortByPK(merged); err != nil {
		return nil, err
	}
	return newSliceCursor(merged), nil
}

func (p *Intersection) Execute(ctx context.Context, r *Runner, tx kv.Tx) (Cursor, error) {
	sets, err := drainChildren(ctx, r, tx, p.Children)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return newSliceCursor(nil), nil
	}

	counts := map[string]int{}
	for _, set := range sets {
		inThisSet := map[string]bool{}
		for _, res := range set {
			key, err := packPK(res.PrimaryKey)
			if err != nil {
				return nil, err
			}
			if !inThisSet[key] {
				inThisSet[key] = true
				counts[key]++
			}
		}
	}

	seen := map[string]bool{}
	var merged []Result
	for _, res := range sets[0] {
		key, err := packPK(res.PrimaryKey)
		if err != nil {
			return nil, err
		}
		if counts[key] == len(sets) && !seen[key] {
			seen[key] = true
			merged = append(merged, res)
		}
	}
	if err := sortByPK(merged); err != nil {
		return nil, err
	}
	return newSliceCursor(merged), nil
}

func (p *InJoin) Execute(ctx context.Context, r *Runner, tx kv.Tx) (Cursor, error) {
	children := make([]Plan, len(p.Values))
	for i, v := range p.Values {
		eq := append(append(tuple.Tuple{}, p.Prefix...), v)
		children[i] = &IndexScan{Index: p.Index, Type: p.Type, Range: ScanRange{Equal: eq}}
	}
	union := &Union{Children: children}
	return union.Execute(ctx, r, tx)
}
