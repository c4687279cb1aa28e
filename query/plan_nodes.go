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
	"fmt"
	"strings"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/tuple"
)

// Plan is one node of an executable plan tree (spec §4.5). Execute opens a
// cursor against tx; the Runner supplies the store wiring and, optionally,
// a kv.Store for sibling-transaction parallelism in the combinators.
type Plan interface {
	Execute(ctx context.Context, r *Runner, tx kv.Tx) (Cursor, error)
	Describe() string
}

// Bound is one endpoint of a range over a single tuple element.
type Bound struct {
	Value     tuple.Element
	Inclusive bool
}

// ScanRange describes the key range of an index scan in tuple terms: a
// fixed equality prefix, then an optional one-element range on the next
// expression position. Byte ranges are derived at execution time against
// the index's subspace, so plans stay layout-independent and cacheable.
type ScanRange struct {
	Equal     tuple.Tuple
	Low, High *Bound
}

func (sr ScanRange) describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v", []tuple.Element(sr.Equal))
	if sr.Low != nil {
		op := ">"
		if sr.Low.Inclusive {
			op = ">="
		}
		fmt.Fprintf(&b, " %s%v", op, sr.Low.Value)
	}
	if sr.High != nil {
		op := "<"
		if sr.High.Inclusive {
			op = "<="
		}
		fmt.Fprintf(&b, " %s%v", op, sr.High.Value)
	}
	return b.String()
}

// FullScan reads every record of one type in primary-key order.
type FullScan struct {
	Type    string
	Reverse bool
}

func (p *FullScan) Describe() string { return fmt.Sprintf("FullScan(%s)", p.Type) }

// IndexScan reads index entries in a range and fetches each entry's record
// by the primary key carried in the entry suffix.
type IndexScan struct {
	Index   string
	Type    string
	Range   ScanRange
	Reverse bool
}

func (p *IndexScan) Describe() string {
	return fmt.Sprintf("IndexScan(%s %s)", p.Index, p.Range.describe())
}

// CoveringIndexScan reads index entries and reconstructs records directly
// from the entry key and value, issuing no record fetches (spec §4.5).
// KeyFields name the entry key's expression positions in order; ValueFields
// name the covering fields packed into the entry value.
type CoveringIndexScan struct {
	Index       string
	Type        string
	Range       ScanRange
	Reverse     bool
	KeyFields   []string
	ValueFields []string
}

func (p *CoveringIndexScan) Describe() string {
	return fmt.Sprintf("CoveringIndexScan(%s %s)", p.Index, p.Range.describe())
}

// Filter drops records failing the predicate.
type Filter struct {
	Child     Plan
	Predicate Predicate
}

func (p *Filter) Describe() string {
	return fmt.Sprintf("Filter(%s, %s)", p.Predicate.Shape(), p.Child.Describe())
}

// Sort buffers the child and reorders by the given field keys. The planner
// omits this node when the child already yields the required order.
type Sort struct {
	Child   Plan
	Keys    []string
	Reverse bool
}

func (p *Sort) Describe() string {
	return fmt.Sprintf("Sort(%s, %s)", strings.Join(p.Keys, ","), p.Child.Describe())
}

// Limit stops after n results.
type Limit struct {
	Child Plan
	N     int
}

func (p *Limit) Describe() string { return fmt.Sprintf("Limit(%d, %s)", p.N, p.Child.Describe()) }

// Distinct set-dedups over the declared fields.
type Distinct struct {
	Child  Plan
	Fields []string
}

func (p *Distinct) Describe() string {
	return fmt.Sprintf("Distinct(%s, %s)", strings.Join(p.Fields, ","), p.Child.Describe())
}

// Union merges its children, de-duplicating on primary key; output is in
// primary-key order (spec §4.5: OR over the same type).
type Union struct {
	Children []Plan
}

func (p *Union) Describe() string { return combineDescribe("Union", p.Children) }

// Intersection yields records whose primary key appears in every child;
// output is in primary-key order (spec §4.5: AND over independent indexes).
type Intersection struct {
	Children []Plan
}

func (p *Intersection) Describe() string { return combineDescribe("Intersection", p.Children) }

// InJoin performs one equality index scan per value and unions the
// results (spec §4.5: `field IN {v1..vn}` and bulk PK lookups). Prefix
// holds equality values for expression positions before the IN field.
type InJoin struct {
	Index  string
	Type   string
	Prefix tuple.Tuple
	Values []tuple.Element
}

func (p *InJoin) Describe() string {
	return fmt.Sprintf("InJoin(%s, %d values)", p.Index, len(p.Values))
}

func combineDescribe(name string, children []Plan) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.Describe()
	}
	return name + "(" + strings.Join(parts, ", ") + ")"
}
