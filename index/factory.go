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
	"fmt"

	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

// New constructs the Maintainer for desc. allIndexes is needed only for
// KindPermuted, to resolve the base index's rootExpression; rt is the
// record type the index applies to (callers with a multi-type index
// construct one Maintainer per applicable type, sharing the subspace).
func New(desc schema.IndexDescriptor, rt *schema.RecordType, allIndexes map[string]schema.IndexDescriptor, sub tuple.Subspace) (Maintainer, error) {
	switch desc.Kind {
	case schema.KindValue, schema.KindUnique:
		return NewValueMaintainer(desc, rt, sub), nil
	case schema.KindCount, schema.KindSum, schema.KindMin, schema.KindMax, schema.KindAverage:
		return NewAggregateMaintainer(desc, rt, sub), nil
	case schema.KindVersion:
		return NewVersionMaintainer(desc, rt, sub), nil
	case schema.KindPermuted:
		opts, ok := desc.Options.(schema.PermutedOptions)
		if !ok {
			return nil, fmt.Errorf("index %q: KindPermuted requires schema.PermutedOptions", desc.Name)
		}
		base, ok := allIndexes[opts.BaseIndex]
		if !ok {
			return nil, fmt.Errorf("index %q: base index %q not found", desc.Name, opts.BaseIndex)
		}
		return NewPermutedMaintainer(desc, rt, sub, base.RootExpression)
	default:
		return nil, fmt.Errorf("index %q: kind %s is not constructed by index.New (see index/rank, index/hnsw, index/spatial)", desc.Name, desc.Kind)
	}
}
