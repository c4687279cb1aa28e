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

// Package plan turns a Query into an executable plan tree (spec §4.7):
// DNF normalization, index matching by equality-prefix score, covering
// detection, and combination of disjuncts with Union, IN lists with
// InJoin, and independent conjuncts with Intersection. Planned trees are
// cached keyed by query shape and the header's schema/index-state view.
package plan

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/kvrecord/recordlayer/query"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

const defaultCacheSize = 256

// Option configures a Planner.
type Option func(*Planner)

// WithStatistics supplies per-index statistics (see Collect/LoadAll). The
// planner works without them, with reduced tie-breaking quality.
func WithStatistics(stats map[string]*Statistics) Option {
	return func(p *Planner) { p.stats = stats }
}

// WithCacheSize overrides the plan cache's capacity.
func WithCacheSize(n int) Option {
	return func(p *Planner) { p.cacheSize = n }
}

// WithLogger sets the planner's logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// Planner assembles plans against one schema.
type Planner struct {
	sch       *schema.Schema
	stats     map[string]*Statistics
	cache     *lru.Cache[string, query.Plan]
	cacheSize int
	logger    *zap.Logger
}

// New constructs a Planner over sch.
func New(sch *schema.Schema, opts ...Option) (*Planner, error) {
	p := &Planner{sch: sch, cacheSize: defaultCacheSize, logger: zap.NewNop()}
	for _, o := range opts {
		o(p)
	}
	cache, err := lru.New[string, query.Plan](p.cacheSize)
	if err != nil {
		return nil, err
	}
	p.cache = cache
	return p, nil
}

// cacheKey folds the query shape with the header's schema version and
// per-index states: a plan chosen while an index was readable must not be
// served once that index is disabled again.
func (p *Planner) cacheKey(q query.Query, h schema.StoreHeader) string {
	names := make([]string, 0, len(h.IndexStates))
	for name := range h.IndexStates {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(q.Shape())
	fmt.Fprintf(&b, "#schema=%d#", h.SchemaVersion)
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%d;", name, h.IndexStates[name])
	}
	return b.String()
}

// Plan produces the plan tree for q given the store's current header
// (spec §4.7). The same logical query against the same schema/state view
// returns the cached tree.
func (p *Planner) Plan(q query.Query, h schema.StoreHeader) (query.Plan, error) {
	rt, ok := p.sch.RecordType(q.Type)
	if !ok {
		return nil, fmt.Errorf("plan: unknown record type %q", q.Type)
	}

	key := p.cacheKey(q, h)
	if cached, ok := p.cache.Get(key); ok {
		return cached, nil
	}

	var root query.Plan
	if q.Predicate == nil {
		root = p.finish(q, &query.FullScan{Type: q.Type}, rt.PrimaryKey)
	} else {
		conjuncts := toDNF(q.Predicate)
		if len(conjuncts) == 1 {
			root = p.planConjunct(q, rt, h, conjuncts[0])
		} else {
			children := make([]query.Plan, len(conjuncts))
			for i, c := range conjuncts {
				children[i] = p.planConjunctBody(q, rt, h, c)
			}
			// Union output is primary-key ordered.
			root = p.finish(q, &query.Union{Children: children}, rt.PrimaryKey)
		}
	}

	p.cache.Add(key, root)
	p.logger.Debug("planned query", zap.String("shape", q.Shape()), zap.String("plan", root.Describe()))
	return root, nil
}

// leafSets splits a conjunct's leaves by form.
type leafSets struct {
	eq     map[string]query.Comparison // first equality per field
	ranges map[string][]query.Comparison
	ins    map[string]query.In
	all    conjunct
}

func splitLeaves(c conjunct) leafSets {
	ls := leafSets{eq: map[string]query.Comparison{}, ranges: map[string][]query.Comparison{}, ins: map[string]query.In{}, all: c}
	for _, leaf := range c {
		switch l := leaf.(type) {
		case query.Comparison:
			switch l.Op {
			case query.OpEq:
				if _, seen := ls.eq[l.Field]; !seen {
					ls.eq[l.Field] = l
				}
			case query.OpLess, query.OpLessOrEq, query.OpGreater, query.OpGreaterOrEq:
				ls.ranges[l.Field] = append(ls.ranges[l.Field], l)
			}
		case query.In:
			if _, seen := ls.ins[l.Field]; !seen {
				ls.ins[l.Field] = l
			}
		}
	}
	return ls
}

// candidate is one index considered for a conjunct.
type candidate struct {
	desc      schema.IndexDescriptor
	fields    []string // effective expression fields, permutation resolved
	eqCount   int
	hasRange  bool
	hasIn     bool
	score     int
	covering  bool
	rowsScore float64 // estimated selectivity of the first equality; lower is better
}

// effectiveFields resolves the expression field list an index's entry keys
// are ordered by. Only the flat-entry kinds are scannable by the planner.
func (p *Planner) effectiveFields(desc schema.IndexDescriptor) ([]string, bool) {
	switch desc.Kind {
	case schema.KindValue, schema.KindUnique:
		return desc.RootExpression, true
	case schema.KindPermuted:
		opts, ok := desc.Options.(schema.PermutedOptions)
		if !ok {
			return nil, false
		}
		base, ok := p.sch.Indexes[opts.BaseIndex]
		if !ok {
			return nil, false
		}
		fields := make([]string, 0, len(opts.Permutation))
		for _, pos := range opts.Permutation {
			if pos < 0 || pos >= len(base.RootExpression) {
				return nil, false
			}
			fields = append(fields, base.RootExpression[pos])
		}
		return fields, true
	default:
		return nil, false
	}
}

// scoreIndex walks the index's expression against the conjunct's leaves
// (spec §4.7 step 2): one point per matched equality-prefix field, plus
// one if the next field matches a range predicate or an IN list.
func (p *Planner) scoreIndex(desc schema.IndexDescriptor, fields []string, ls leafSets) candidate {
	c := candidate{desc: desc, fields: fields}
	for _, f := range fields {
		if _, ok := ls.eq[f]; ok {
			c.eqCount++
			continue
		}
		if _, ok := ls.ins[f]; ok {
			c.hasIn = true
		} else if _, ok := ls.ranges[f]; ok {
			c.hasRange = true
		}
		break
	}
	c.score = c.eqCount
	if c.hasRange || c.hasIn {
		c.score++
	}
	if st := p.stats[desc.Name]; st != nil && c.eqCount > 0 {
		c.rowsScore = st.Selectivity(ls.eq[fields[0]].Value)
	} else {
		c.rowsScore = 0.5
	}
	return c
}

// neededFields computes the fields a covering scan must reconstruct:
// required output fields, residual-filter fields, sort keys, and distinct
// keys.
func neededFields(q query.Query, residual []query.Predicate) ([]string, bool) {
	if len(q.RequiredFields) == 0 {
		// Whole record requested; only a record fetch can provide it.
		return nil, false
	}
	set := map[string]bool{}
	for _, f := range q.RequiredFields {
		set[f] = true
	}
	for _, f := range q.Sort {
		set[f] = true
	}
	for _, f := range q.Distinct {
		set[f] = true
	}
	for _, leaf := range residual {
		for _, f := range predicateFields(leaf) {
			set[f] = true
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, true
}

func predicateFields(pred query.Predicate) []string {
	switch l := pred.(type) {
	case query.Comparison:
		return []string{l.Field}
	case query.In:
		return []string{l.Field}
	case query.Not:
		return predicateFields(l.Child)
	case query.And:
		var out []string
		for _, c := range l.Children {
			out = append(out, predicateFields(c)...)
		}
		return out
	case query.Or:
		var out []string
		for _, c := range l.Children {
			out = append(out, predicateFields(c)...)
		}
		return out
	}
	return nil
}

// reconstructible reports whether rt supports rebuilding a partial record
// from the given fields: every one must be declared and single-valued.
func reconstructible(rt *schema.RecordType, fields []string) bool {
	for _, f := range fields {
		fd, ok := rt.FieldByName(f)
		if !ok || fd.Repeated {
			return false
		}
	}
	return true
}

// planConjunct plans one disjunct and applies the query's top-level
// sort/distinct/limit decoration.
func (p *Planner) planConjunct(q query.Query, rt *schema.RecordType, h schema.StoreHeader, c conjunct) query.Plan {
	body, order := p.planConjunctCore(q, rt, h, c)
	return p.finish(q, body, order)
}

// planConjunctBody plans one disjunct of a multi-disjunct query: no
// sort/limit, those apply above the Union.
func (p *Planner) planConjunctBody(q query.Query, rt *schema.RecordType, h schema.StoreHeader, c conjunct) query.Plan {
	body, _ := p.planConjunctCore(q, rt, h, c)
	return body
}

// planConjunctCore returns the access plan for one conjunct plus the field
// order its output is sorted by.
func (p *Planner) planConjunctCore(q query.Query, rt *schema.RecordType, h schema.StoreHeader, c conjunct) (query.Plan, []string) {
	ls := splitLeaves(c)

	var candidates []candidate
	for _, desc := range p.sch.IndexesForType(q.Type) {
		if !h.IndexStates[desc.Name].QueryVisible() {
			continue
		}
		fields, ok := p.effectiveFields(desc)
		if !ok || len(fields) == 0 {
			continue
		}
		cand := p.scoreIndex(desc, fields, ls)
		if cand.score > 0 {
			candidates = append(candidates, cand)
		}
	}

	if len(candidates) == 0 {
		return wrapResidual(&query.FullScan{Type: q.Type}, ls.all), rt.PrimaryKey
	}

	best := p.pickBest(q, rt, ls, candidates)

	if inter, order, ok := p.tryIntersection(q, rt, ls, candidates, best); ok {
		return inter, order
	}

	return p.assembleScan(q, rt, ls, best)
}

// pickBest orders candidates by score, then covering capability, then
// estimated selectivity, then name for determinism (spec §4.7 step 2
// tie-breaking).
func (p *Planner) pickBest(q query.Query, rt *schema.RecordType, ls leafSets, candidates []candidate) candidate {
	for i := range candidates {
		residual := residualLeaves(ls, candidates[i])
		if needed, ok := neededFields(q, residual); ok {
			candidates[i].covering = p.coverable(candidates[i], rt, needed)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.covering != b.covering {
			return a.covering
		}
		if a.rowsScore != b.rowsScore {
			return a.rowsScore < b.rowsScore
		}
		return a.desc.Name < b.desc.Name
	})
	return candidates[0]
}

// coverable reports whether cand can answer needed fields without a record
// fetch: permuted indexes carry no entry value, so only their key fields
// and the primary key are available.
func (p *Planner) coverable(cand candidate, rt *schema.RecordType, needed []string) bool {
	if !reconstructible(rt, needed) {
		return false
	}
	available := map[string]bool{}
	for _, f := range cand.fields {
		available[f] = true
	}
	for _, f := range rt.PrimaryKey {
		available[f] = true
	}
	if cand.desc.Kind != schema.KindPermuted {
		for _, f := range cand.desc.CoveringFields {
			available[f] = true
		}
	}
	for _, f := range needed {
		if !available[f] {
			return false
		}
	}
	return true
}

// residualLeaves returns the conjunct leaves the chosen scan does not
// already enforce.
func residualLeaves(ls leafSets, cand candidate) []query.Predicate {
	consumed := map[string]bool{}
	for i := 0; i < cand.eqCount; i++ {
		consumed["eq:"+cand.fields[i]] = true
	}
	if cand.eqCount < len(cand.fields) {
		next := cand.fields[cand.eqCount]
		if cand.hasIn {
			consumed["in:"+next] = true
		} else if cand.hasRange {
			consumed["range:"+next] = true
		}
	}
	var out []query.Predicate
	for _, leaf := range ls.all {
		switch l := leaf.(type) {
		case query.Comparison:
			if l.Op == query.OpEq && consumed["eq:"+l.Field] && ls.eq[l.Field].Shape() == l.Shape() {
				continue
			}
			if l.Op != query.OpEq && l.Op != query.OpNotEq && consumed["range:"+l.Field] {
				continue
			}
		case query.In:
			if consumed["in:"+l.Field] && sameIn(ls.ins[l.Field], l) {
				continue
			}
		}
		out = append(out, leaf)
	}
	return out
}

func sameIn(a, b query.In) bool { return a.Shape() == b.Shape() }

// assembleScan builds the scan node for the chosen candidate and wraps the
// residual filter (spec §4.7 step 3), returning the output field order.
func (p *Planner) assembleScan(q query.Query, rt *schema.RecordType, ls leafSets, cand candidate) (query.Plan, []string) {
	residual := residualLeaves(ls, cand)

	// Order produced by an index scan: the unfixed expression tail.
	order := cand.fields[cand.eqCount:]

	equal := make(tuple.Tuple, 0, cand.eqCount)
	for i := 0; i < cand.eqCount; i++ {
		equal = append(equal, ls.eq[cand.fields[i]].Value)
	}

	if cand.hasIn {
		in := ls.ins[cand.fields[cand.eqCount]]
		join := &query.InJoin{Index: cand.desc.Name, Type: q.Type, Prefix: equal, Values: in.Values}
		// InJoin unions per-value scans; output is primary-key ordered.
		return wrapResidual(join, residual), rt.PrimaryKey
	}

	sr := query.ScanRange{Equal: equal}
	if cand.hasRange {
		next := cand.fields[cand.eqCount]
		for _, cmp := range ls.ranges[next] {
			bound := &query.Bound{Value: cmp.Value, Inclusive: cmp.Op == query.OpLessOrEq || cmp.Op == query.OpGreaterOrEq}
			switch cmp.Op {
			case query.OpLess, query.OpLessOrEq:
				if sr.High == nil || tighterHigh(bound, sr.High) {
					sr.High = bound
				}
			case query.OpGreater, query.OpGreaterOrEq:
				if sr.Low == nil || tighterLow(bound, sr.Low) {
					sr.Low = bound
				}
			}
		}
	}

	var scan query.Plan
	if cand.covering {
		needed, _ := neededFields(q, residual)
		scan = &query.CoveringIndexScan{
			Index:       cand.desc.Name,
			Type:        q.Type,
			Range:       sr,
			KeyFields:   cand.fields,
			ValueFields: coveringValueFields(cand, needed),
		}
	} else {
		scan = &query.IndexScan{Index: cand.desc.Name, Type: q.Type, Range: sr}
	}
	return wrapResidual(scan, residual), order
}

// coveringValueFields returns the entry-value field list for a covering
// scan. The value packs every declared covering field in descriptor order,
// so the full list is returned whenever any value field is needed.
func coveringValueFields(cand candidate, needed []string) []string {
	keySet := map[string]bool{}
	for _, f := range cand.fields {
		keySet[f] = true
	}
	for _, f := range needed {
		if !keySet[f] {
			return cand.desc.CoveringFields
		}
	}
	return nil
}

func tighterHigh(a, b *query.Bound) bool {
	cmp, err := tuple.Compare(tuple.Tuple{a.Value}, tuple.Tuple{b.Value})
	if err != nil {
		return false
	}
	if cmp != 0 {
		return cmp < 0
	}
	return !a.Inclusive && b.Inclusive
}

func tighterLow(a, b *query.Bound) bool {
	cmp, err := tuple.Compare(tuple.Tuple{a.Value}, tuple.Tuple{b.Value})
	if err != nil {
		return false
	}
	if cmp != 0 {
		return cmp > 0
	}
	return !a.Inclusive && b.Inclusive
}

// tryIntersection combines independent equality conjuncts on different
// single-prefix indexes (spec §4.7 step 4) when no single index matches
// more than one field.
func (p *Planner) tryIntersection(q query.Query, rt *schema.RecordType, ls leafSets, candidates []candidate, best candidate) (query.Plan, []string, bool) {
	if best.score >= 2 || best.eqCount != 1 {
		return nil, nil, false
	}
	byField := map[string]candidate{}
	for _, cand := range candidates {
		if cand.eqCount != 1 || cand.hasIn || cand.hasRange {
			continue
		}
		f := cand.fields[0]
		if prev, ok := byField[f]; !ok || cand.desc.Name < prev.desc.Name {
			byField[f] = cand
		}
	}
	if len(byField) < 2 {
		return nil, nil, false
	}

	fields := make([]string, 0, len(byField))
	for f := range byField {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	consumed := map[string]bool{}
	children := make([]query.Plan, 0, len(byField))
	for _, f := range fields {
		cand := byField[f]
		children = append(children, &query.IndexScan{
			Index: cand.desc.Name,
			Type:  q.Type,
			Range: query.ScanRange{Equal: tuple.Tuple{ls.eq[f].Value}},
		})
		consumed[f] = true
	}

	var residual []query.Predicate
	for _, leaf := range ls.all {
		if l, ok := leaf.(query.Comparison); ok && l.Op == query.OpEq && consumed[l.Field] && ls.eq[l.Field].Shape() == l.Shape() {
			continue
		}
		residual = append(residual, leaf)
	}
	inter := wrapResidual(&query.Intersection{Children: children}, residual)
	return inter, rt.PrimaryKey, true
}

// wrapResidual filters child with the given leaves ANDed together.
func wrapResidual(child query.Plan, leaves []query.Predicate) query.Plan {
	if len(leaves) == 0 {
		return child
	}
	if len(leaves) == 1 {
		return &query.Filter{Child: child, Predicate: leaves[0]}
	}
	return &query.Filter{Child: child, Predicate: query.And{Children: leaves}}
}

// finish applies sort, distinct, and limit above the access plan. order
// names the field order body already yields, letting a satisfied sort pass
// through (spec §4.5 Sort).
func (p *Planner) finish(q query.Query, body query.Plan, order []string) query.Plan {
	out := body
	if len(q.Sort) > 0 && !isPrefix(q.Sort, order) {
		out = &query.Sort{Child: out, Keys: q.Sort}
	}
	if len(q.Distinct) > 0 {
		out = &query.Distinct{Child: out, Fields: q.Distinct}
	}
	if q.Limit > 0 {
		out = &query.Limit{Child: out, N: q.Limit}
	}
	return out
}

func isPrefix(want, have []string) bool {
	if len(want) > len(have) {
		return false
	}
	for i, f := range want {
		if have[i] != f {
			return false
		}
	}
	return true
}
