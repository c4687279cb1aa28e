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

package plan

import "github.com/kvrecord/recordlayer/query"

// conjunct is one disjunct of a DNF predicate: a set of leaves ANDed
// together. Leaves are Comparison, In, or Not(In) — NOT over comparisons
// is eliminated by operator inversion during normalization.
type conjunct []query.Predicate

// toDNF normalizes pred to disjunctive normal form (spec §4.7 step 1):
// NOTs pushed inward, AND distributed over OR.
func toDNF(pred query.Predicate) []conjunct {
	return distribute(pushNot(pred, false))
}

// pushNot rewrites pred with negation pushed to the leaves. negated tracks
// whether an odd number of enclosing NOTs applies.
func pushNot(pred query.Predicate, negated bool) query.Predicate {
	switch p := pred.(type) {
	case query.Not:
		return pushNot(p.Child, !negated)
	case query.And:
		children := make([]query.Predicate, len(p.Children))
		for i, c := range p.Children {
			children[i] = pushNot(c, negated)
		}
		if negated {
			return query.Or{Children: children}
		}
		return query.And{Children: children}
	case query.Or:
		children := make([]query.Predicate, len(p.Children))
		for i, c := range p.Children {
			children[i] = pushNot(c, negated)
		}
		if negated {
			return query.And{Children: children}
		}
		return query.Or{Children: children}
	case query.Comparison:
		if negated {
			return query.Comparison{Field: p.Field, Op: p.Op.Inverse(), Value: p.Value}
		}
		return p
	case query.In:
		if negated {
			return query.Not{Child: p}
		}
		return p
	default:
		if negated {
			return query.Not{Child: pred}
		}
		return pred
	}
}

// distribute flattens a NOT-free predicate into DNF conjuncts.
func distribute(pred query.Predicate) []conjunct {
	switch p := pred.(type) {
	case query.Or:
		var out []conjunct
		for _, c := range p.Children {
			out = append(out, distribute(c)...)
		}
		return out
	case query.And:
		out := []conjunct{{}}
		for _, c := range p.Children {
			childDNF := distribute(c)
			next := make([]conjunct, 0, len(out)*len(childDNF))
			for _, left := range out {
				for _, right := range childDNF {
					merged := make(conjunct, 0, len(left)+len(right))
					merged = append(merged, left...)
					merged = append(merged, right...)
					next = append(next, merged)
				}
			}
			out = next
		}
		return out
	default:
		return []conjunct{{pred}}
	}
}
