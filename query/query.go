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

// Package query holds the executable side of querying: predicate
// expressions over typed field paths, lazy record cursors, and the plan
// node family (spec §4.5). Plans are assembled by query/plan; this package
// only knows how to run them against a transaction.
package query

import (
	"fmt"
	"strings"

	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

// Query is the planner's input: a predicate over one record type, optional
// sort keys, optional limit, and the fields the caller actually needs
// (empty means the whole record; naming them lets the planner pick a
// covering index, spec §4.7).
type Query struct {
	Type           string
	Predicate      Predicate // nil matches every record
	Sort           []string
	Distinct       []string // set-dedup over these fields; empty means none
	Limit          int      // 0 means unbounded
	RequiredFields []string
}

// CompareOp names a comparison between a field value and a literal.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNotEq
	OpLess
	OpLessOrEq
	OpGreater
	OpGreaterOrEq
)

func (op CompareOp) String() string {
	switch op {
	case OpEq:
		return "="
	case OpNotEq:
		return "!="
	case OpLess:
		return "<"
	case OpLessOrEq:
		return "<="
	case OpGreater:
		return ">"
	case OpGreaterOrEq:
		return ">="
	default:
		return "?"
	}
}

// Inverse returns the op NOT pushes this comparison to.
func (op CompareOp) Inverse() CompareOp {
	switch op {
	case OpEq:
		return OpNotEq
	case OpNotEq:
		return OpEq
	case OpLess:
		return OpGreaterOrEq
	case OpLessOrEq:
		return OpGreater
	case OpGreater:
		return OpLessOrEq
	case OpGreaterOrEq:
		return OpLess
	default:
		return op
	}
}

// Predicate is a boolean expression over a record's fields. The concrete
// forms are Comparison, In, And, Or, and Not.
type Predicate interface {
	// Eval evaluates the predicate against rec. A multi-valued field
	// satisfies a comparison if any of its values does.
	Eval(rt *schema.RecordType, rec record.Record) (bool, error)
	// Shape renders a canonical string for plan-cache keying and plan
	// descriptions.
	Shape() string
}

// Comparison compares one field against a literal value.
type Comparison struct {
	Field string
	Op    CompareOp
	Value tuple.Element
}

func (c Comparison) Eval(rt *schema.RecordType, rec record.Record) (bool, error) {
	vals, err := rt.ExtractField(rec, c.Field)
	if err != nil {
		return false, err
	}
	for _, v := range vals {
		cmp, err := tuple.Compare(tuple.Tuple{v}, tuple.Tuple{c.Value})
		if err != nil {
			return false, err
		}
		if opHolds(c.Op, cmp) {
			return true, nil
		}
	}
	// An absent field never satisfies a comparison, including !=.
	return false, nil
}

func opHolds(op CompareOp, cmp int) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNotEq:
		return cmp != 0
	case OpLess:
		return cmp < 0
	case OpLessOrEq:
		return cmp <= 0
	case OpGreater:
		return cmp > 0
	case OpGreaterOrEq:
		return cmp >= 0
	default:
		return false
	}
}

func (c Comparison) Shape() string {
	return fmt.Sprintf("%s%s%v", c.Field, c.Op, c.Value)
}

// In matches a field against a finite set of values (spec §4.7 step 5).
type In struct {
	Field  string
	Values []tuple.Element
}

func (p In) Eval(rt *schema.RecordType, rec record.Record) (bool, error) {
	for _, v := range p.Values {
		ok, err := Comparison{Field: p.Field, Op: OpEq, Value: v}.Eval(rt, rec)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (p In) Shape() string {
	parts := make([]string, len(p.Values))
	for i, v := range p.Values {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("%s in{%s}", p.Field, strings.Join(parts, ","))
}

// And is the conjunction of its children.
type And struct {
	Children []Predicate
}

func (p And) Eval(rt *schema.RecordType, rec record.Record) (bool, error) {
	for _, c := range p.Children {
		ok, err := c.Eval(rt, rec)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (p And) Shape() string { return combineShape("and", p.Children) }

// Or is the disjunction of its children.
type Or struct {
	Children []Predicate
}

func (p Or) Eval(rt *schema.RecordType, rec record.Record) (bool, error) {
	for _, c := range p.Children {
		ok, err := c.Eval(rt, rec)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (p Or) Shape() string { return combineShape("or", p.Children) }

// Not negates its child.
type Not struct {
	Child Predicate
}

func (p Not) Eval(rt *schema.RecordType, rec record.Record) (bool, error) {
	ok, err := p.Child.Eval(rt, rec)
	return !ok, err
}

func (p Not) Shape() string { return "not(" + p.Child.Shape() + ")" }

func combineShape(name string, children []Predicate) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.Shape()
	}
	return name + "(" + strings.Join(parts, ";") + ")"
}

// Shape renders q's canonical cache-key string (spec §4.7 step 6: keyed by
// filter shape, sort, and limit; the schema version is appended by the
// planner's cache).
func (q Query) Shape() string {
	pred := "true"
	if q.Predicate != nil {
		pred = q.Predicate.Shape()
	}
	return fmt.Sprintf("%s|%s|sort=%s|distinct=%s|limit=%d|fields=%s",
		q.Type, pred, strings.Join(q.Sort, ","), strings.Join(q.Distinct, ","), q.Limit, strings.Join(q.RequiredFields, ","))
}
