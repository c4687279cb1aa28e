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

package store

import (
	"fmt"

	"github.com/kvrecord/recordlayer/index"
	"github.com/kvrecord/recordlayer/index/hnsw"
	"github.com/kvrecord/recordlayer/index/rank"
	"github.com/kvrecord/recordlayer/index/spatial"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

// NewMaintainer constructs the Maintainer for one (index, record type)
// pair, dispatching to index.New for the value/unique/aggregate/version/
// permuted family and to the rank/hnsw/spatial subpackages for the kinds
// index.New declines to build (see index/factory.go).
func NewMaintainer(desc schema.IndexDescriptor, rt *schema.RecordType, allIndexes map[string]schema.IndexDescriptor, sub tuple.Subspace) (index.Maintainer, error) {
	switch desc.Kind {
	case schema.KindRank:
		return rank.New(desc, rt, sub), nil
	case schema.KindVector:
		return hnsw.New(desc, rt, sub), nil
	case schema.KindSpatial:
		return spatial.New(desc, rt, sub)
	case schema.KindValue, schema.KindUnique, schema.KindCount, schema.KindSum, schema.KindMin, schema.KindMax, schema.KindAverage, schema.KindVersion, schema.KindPermuted:
		return index.New(desc, rt, allIndexes, sub)
	default:
		return nil, fmt.Errorf("store: index %q: unknown kind %s", desc.Name, desc.Kind)
	}
}
