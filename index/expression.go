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

package index

import (
	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

// EvaluateExpression resolves rootExpression field paths against rec,
// producing the cross product of every field's extracted values — almost
// always a single tuple, except when rootExpression references a repeated
// field, in which case one entry tuple is produced per element (spec §3:
// "multi-valued paths yield multiple values").
func EvaluateExpression(rt *schema.RecordType, rec record.Record, rootExpression []string) ([]tuple.Tuple, error) {
	combos := []tuple.Tuple{{}}
	for _, field := range rootExpression {
		vals, err := rt.ExtractField(rec, field)
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			vals = []tuple.Element{nil}
		}
		next := make([]tuple.Tuple, 0, len(combos)*len(vals))
		for _, c := range combos {
			for _, v := range vals {
				ext := make(tuple.Tuple, len(c), len(c)+1)
				copy(ext, c)
				next = append(next, append(ext, v))
			}
		}
		combos = next
	}
	return combos, nil
}
