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
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/kvrecord/recordlayer/index"
	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/store"
	"github.com/kvrecord/recordlayer/tuple"
)

// Runner supplies the wiring plans execute against. KV is optional: when
// set, the combinators (Union, Intersection, InJoin) drain their children
// on parallel sibling read-only transactions pinned to the driving
// transaction's read version (spec §5); when nil they fall back to
// sequential reads on the one transaction they were given.
type Runner struct {
	Store       *store.RecordStore
	KV          kv.Store
	Parallelism int // sibling transactions per combinator; <=0 means 4
}

func (r *Runner) parallelism() int {
	if r.Parallelism <= 0 {
		return 4
	}
	return r.Parallelism
}

func (r *Runner) recordType(typeName string) (*schema.RecordType, error) {
	rt, ok := r.Store.Schema().RecordType(typeName)
	if !ok {
		return nil, fmt.Errorf("query: unknown record type %q", typeName)
	}
	return rt, nil
}

// byteRange resolves sr against an index subspace.
func (sr ScanRange) byteRange(sub tuple.Subspace) (begin, end []byte, err error) {
	prefix, err := sub.Pack(sr.Equal)
	if err != nil {
		return nil, nil, err
	}
	begin = append(append([]byte{}, prefix...), 0x00)
	end = append(append([]byte{}, prefix...), 0xff)
	if sr.Low != nil {
		lk, err := sub.Pack(append(append(tuple.Tuple{}, sr.Equal...), sr.Low.Value))
		if err != nil {
			return nil, nil, err
		}
		if sr.Low.Inclusive {
			begin = lk
		} else {
			begin = append(lk, 0xff)
		}
	}
	if sr.High != nil {
		hk, err := sub.Pack(append(append(tuple.Tuple{}, sr.Equal...), sr.High.Value))
		if err != nil {
			return nil, nil, err
		}
		if sr.High.Inclusive {
			end = append(hk, 0xff)
		} else {
			end = hk
		}
	}
	return begin, end, nil
}

// fullScanCursor walks R/<type>/* lazily, deserializing as it goes.
type fullScanCursor struct {
	it      kv.Iterator
	sub     tuple.Subspace
	ser     record.Serializer
	typ     string
	lastKey []byte
}

func (p *FullScan) Execute(ctx context.Context, r *Runner, tx kv.Tx) (Cursor, error) {
	if _, err := r.recordType(p.Type); err != nil {
		return nil, err
	}
	sub, err := r.Store.Layout().RecordType(p.Type)
	if err != nil {
		return nil, err
	}
	begin, end := sub.Range()
	it := tx.GetRange(ctx, kv.RangeOptions{
		Begin:   kv.FirstGreaterOrEqual(begin),
		End:     kv.FirstGreaterOrEqual(end),
		Reverse: p.Reverse,
	})
	return &fullScanCursor{it: it, sub: sub, ser: r.Store.Serializer(), typ: p.Type}, nil
}

func (c *fullScanCursor) Next(ctx context.Context) (Result, bool, error) {
	if !c.it.Next() {
		return Result{}, false, c.it.Err()
	}
	kvp := c.it.KV()
	c.lastKey = append(c.lastKey[:0], kvp.Key...)
	pk, err := c.sub.Unpack(kvp.Key)
	if err != nil {
		return Result{}, false, err
	}
	rec, err := c.ser.Deserialize(c.typ, kvp.Value)
	if err != nil {
		return Result{}, false, err
	}
	return Result{Record: rec, PrimaryKey: pk}, true, nil
}

func (c *fullScanCursor) Continuation() []byte {
	if c.lastKey == nil {
		return nil
	}
	return append(append([]byte{}, c.lastKey...), 0x00)
}

func (c *fullScanCursor) Close() { c.it.Close() }

// indexScanCursor walks index entries and fetches each backing record.
type indexScanCursor struct {
	it      kv.Iterator
	r       *Runner
	tx      kv.Tx
	sub     tuple.Subspace
	typ     string
	pkArity int
	lastKey []byte
}

func (p *IndexScan) Execute(ctx context.Context, r *Runner, tx kv.Tx) (Cursor, error) {
	rt, err := r.recordType(p.Type)
	if err != nil {
		return nil, err
	}
	sub, err := r.Store.Layout().Index(p.Index)
	if err != nil {
		return nil, err
	}
	begin, end, err := p.Range.byteRange(sub)
	if err != nil {
		return nil, err
	}
	it := tx.GetRange(ctx, kv.RangeOptions{
		Begin:   kv.FirstGreaterOrEqual(begin),
		End:     kv.FirstGreaterOrEqual(end),
		Reverse: p.Reverse,
	})
	return &indexScanCursor{it: it, r: r, tx: tx, sub: sub, typ: p.Type, pkArity: len(rt.PrimaryKey)}, nil
}

func (c *indexScanCursor) Next(ctx context.Context) (Result, bool, error) {
	for c.it.Next() {
		kvp := c.it.KV()
		c.lastKey = append(c.lastKey[:0], kvp.Key...)
		pk, err := index.UnpackEntryPK(c.sub, kvp.Key, c.pkArity)
		if err != nil {
			return Result{}, false, err
		}
		rec, ok, err := c.r.Store.Load(ctx, c.tx, c.typ, pk)
		if err != nil {
			return Result{}, false, err
		}
		if !ok {
			// Entry belongs to another record type sharing this index.
			continue
		}
		return Result{Record: rec, PrimaryKey: pk}, true, nil
	}
	return Result{}, false, c.it.Err()
}

func (c *indexScanCursor) Continuation() []byte {
	if c.lastKey == nil {
		return nil
	}
	return append(append([]byte{}, c.lastKey...), 0x00)
}

func (c *indexScanCursor) Close() { c.it.Close() }

// coveringScanCursor reconstructs records straight from entries.
type coveringScanCursor struct {
	it      kv.Iterator
	sub     tuple.Subspace
	plan    *CoveringIndexScan
	rt      *schema.RecordType
	lastKey []byte
}

func (p *CoveringIndexScan) Execute(ctx context.Context, r *Runner, tx kv.Tx) (Cursor, error) {
	rt, err := r.recordType(p.Type)
	if err != nil {
		return nil, err
	}
	sub, err := r.Store.Layout().Index(p.Index)
	if err != nil {
		return nil, err
	}
	begin, end, err := p.Range.byteRange(sub)
	if err != nil {
		return nil, err
	}
	it := tx.GetRange(ctx, kv.RangeOptions{
		Begin:   kv.FirstGreaterOrEqual(begin),
		End:     kv.FirstGreaterOrEqual(end),
		Reverse: p.Reverse,
	})
	return &coveringScanCursor{it: it, sub: sub, plan: p, rt: rt}, nil
}

func (c *coveringScanCursor) Next(ctx context.Context) (Result, bool, error) {
	if !c.it.Next() {
		return Result{}, false, c.it.Err()
	}
	kvp := c.it.KV()
	c.lastKey = append(c.lastKey[:0], kvp.Key...)

	full, err := c.sub.Unpack(kvp.Key)
	if err != nil {
		return Result{}, false, err
	}
	pkArity := len(c.rt.PrimaryKey)
	if len(full) < pkArity+len(c.plan.KeyFields) {
		return Result{}, false, &tuple.MalformedTuple{Reason: "covering index entry shorter than expression + primary key"}
	}
	expr := full[:len(full)-pkArity]
	pk := full[len(full)-pkArity:]

	fields := make(map[string]any, len(c.plan.KeyFields)+len(c.plan.ValueFields)+pkArity)
	for i, name := range c.plan.KeyFields {
		fields[name] = expr[i]
	}
	if len(c.plan.ValueFields) > 0 {
		vals, err := tuple.Unpack(kvp.Value)
		if err != nil {
			return Result{}, false, err
		}
		if len(vals) < len(c.plan.ValueFields) {
			return Result{}, false, &tuple.MalformedTuple{Reason: "covering entry value shorter than covering field list"}
		}
		for i, name := range c.plan.ValueFields {
			fields[name] = vals[i]
		}
	}
	for i, name := range c.rt.PrimaryKey {
		fields[name] = pk[i]
	}
	rec := record.Record{Type: c.plan.Type, Fields: fields}
	return Result{Record: rec, PrimaryKey: pk}, true, nil
}

func (c *coveringScanCursor) Continuation() []byte {
	if c.lastKey == nil {
		return nil
	}
	return append(append([]byte{}, c.lastKey...), 0x00)
}

func (c *coveringScanCursor) Close() { c.it.Close() }

// filterCursor drops results failing the predicate.
type filterCursor struct {
	child Cursor
	pred  Predicate
	rt    *schema.RecordType
}

func (p *Filter) Execute(ctx context.Context, r *Runner, tx kv.Tx) (Cursor, error) {
	child, err := p.Child.Execute(ctx, r, tx)
	if err != nil {
		return nil, err
	}
	rt, err := r.recordType(childType(p.Child))
	if err != nil {
		child.Close()
		return nil, err
	}
	return &filterCursor{child: child, pred: p.Predicate, rt: rt}, nil
}

func (c *filterCursor) Next(ctx context.Context) (Result, bool, error) {
	for {
		res, ok, err := c.child.Next(ctx)
		if err != nil || !ok {
			return Result{}, false, err
		}
		keep, err := c.pred.Eval(c.rt, res.Record)
		if err != nil {
			return Result{}, false, err
		}
		if keep {
			return res, true, nil
		}
	}
}

func (c *filterCursor) Continuation() []byte { return c.child.Continuation() }
func (c *filterCursor) Close()               { c.child.Close() }

// childType resolves the record type a plan subtree produces.
func childType(p Plan) string {
	switch n := p.(type) {
	case *FullScan:
		return n.Type
	case *IndexScan:
		return n.Type
	case *CoveringIndexScan:
		return n.Type
	case *InJoin:
		return n.Type
	case *Filter:
		return childType(n.Child)
	case *Sort:
		return childType(n.Child)
	case *Limit:
		return childType(n.Child)
	case *Distinct:
		return childType(n.Child)
	case *Union:
		if len(n.Children) > 0 {
			return childType(n.Children[0])
		}
	case *Intersection:
		if len(n.Children) > 0 {
			return childType(n.Children[0])
		}
	}
	return ""
}

func (p *Sort) Execute(ctx context.Context, r *Runner, tx kv.Tx) (Cursor, error) {
	child, err := p.Child.Execute(ctx, r, tx)
	if err != nil {
		return nil, err
	}
	results, err := Drain(ctx, child)
	if err != nil {
		return nil, err
	}
	rt, err := r.recordType(childType(p.Child))
	if err != nil {
		return nil, err
	}
	type keyed struct {
		key []byte
		res Result
	}
	ks := make([]keyed, len(results))
	for i, res := range results {
		key := make(tuple.Tuple, 0, len(p.Keys))
		for _, f := range p.Keys {
			vals, err := rt.ExtractField(res.Record, f)
			if err != nil {
				return nil, err
			}
			if len(vals) == 0 {
				key = append(key, nil)
			} else {
				key = append(key, vals[0])
			}
		}
		packed, err := tuple.Pack(key)
		if err != nil {
			return nil, err
		}
		ks[i] = keyed{key: packed, res: res}
	}
	sort.SliceStable(ks, func(i, j int) bool {
		cmp := bytes.Compare(ks[i].key, ks[j].key)
		if p.Reverse {
			return cmp > 0
		}
		return cmp < 0
	})
	for i, k := range ks {
		results[i] = k.res
	}
	return newSliceCursor(results), nil
}

func (p *Limit) Execute(ctx context.Context, r *Runner, tx kv.Tx) (Cursor, error) {
	child, err := p.Child.Execute(ctx, r, tx)
	if err != nil {
		return nil, err
	}
	return &limitCursor{child: child, remaining: p.N}, nil
}

type limitCursor struct {
	child     Cursor
	remaining int
}

func (c *limitCursor) Next(ctx context.Context) (Result, bool, error) {
	if c.remaining <= 0 {
		return Result{}, false, nil
	}
	res, ok, err := c.child.Next(ctx)
	if err != nil || !ok {
		return Result{}, false, err
	}
	c.remaining--
	return res, true, nil
}

func (c *limitCursor) Continuation() []byte { return c.child.Continuation() }
func (c *limitCursor) Close()               { c.child.Close() }

func (p *Distinct) Execute(ctx context.Context, r *Runner, tx kv.Tx) (Cursor, error) {
	child, err := p.Child.Execute(ctx, r, tx)
	if err != nil {
		return nil, err
	}
	rt, err := r.recordType(childType(p.Child))
	if err != nil {
		child.Close()
		return nil, err
	}
	return &distinctCursor{child: child, fields: p.Fields, rt: rt, seen: map[string]bool{}}, nil
}

type distinctCursor struct {
	child  Cursor
	fields []string
	rt     *schema.RecordType
	seen   map[string]bool
}

func (c *distinctCursor) Next(ctx context.Context) (Result, bool, error) {
	for {
		res, ok, err := c.child.Next(ctx)
		if err != nil || !ok {
			return Result{}, false, err
		}
		key := make(tuple.Tuple, 0, len(c.fields))
		for _, f := range c.fields {
			vals, err := c.rt.ExtractField(res.Record, f)
			if err != nil {
				return Result{}, false, err
			}
			if len(vals) == 0 {
				key = append(key, nil)
			} else {
				key = append(key, vals[0])
			}
		}
		packed, err := tuple.Pack(key)
		if err != nil {
			return Result{}, false, err
		}
		if c.seen[string(packed)] {
			continue
		}
		c.seen[string(packed)] = true
		return res, true, nil
	}
}

func (c *distinctCursor) Continuation() []byte { return c.child.Continuation() }
func (c *distinctCursor) Close()               { c.child.Close() }

// packPK packs a primary key for byte-wise comparison and dedup.
func packPK(pk tuple.Tuple) (string, error) {
	b, err := tuple.Pack(pk)
	return string(b), err
}

// sortByPK orders results by packed primary key, ascending.
func sortByPK(results []Result) error {
	type keyed struct {
		key string
		res Result
	}
	ks := make([]keyed, len(results))
	for i, r := range results {
		k, err := packPK(r.PrimaryKey)
		if err != nil {
			return err
		}
		ks[i] = keyed{key: k, res: r}
	}
	sort.SliceStable(ks, func(i, j int) bool { return bytes.Compare([]byte(ks[i].key), []byte(ks[j].key)) < 0 })
	for i, k := range ks {
		results[i] = k.res
	}
	return nil
}
