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

package spatial

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// CellRange is a contiguous run of Hilbert cell IDs, [From, To] inclusive.
// A square cell aligned to a power-of-two grid boundary always maps to a
// contiguous Hilbert-index range, which is why Hilbert (unlike Z-order) is
// usable as a range-scannable space-filling curve for this index.
type CellRange struct {
	From, To uint64
}

type quadCell struct {
	level      int
	x0, y0, sz uint32
}

func (c quadCell) intersects(minX, minY, maxX, maxY uint32) bool {
	return c.x0 <= maxX && c.x0+c.sz > minX && c.y0 <= maxY && c.y0+c.sz > minY
}

func (c quadCell) containedBy(minX, minY, maxX, maxY uint32) bool {
	return c.x0 >= minX && c.y0 >= minY && c.x0+c.sz-1 <= maxX && c.y0+c.sz-1 <= maxY
}

func (c quadCell) hilbertRange() CellRange {
	base := hilbertEncode(c.x0, c.y0)
	shift := uint(2 * (order - c.level))
	lo := (base >> shift) << shift
	span := uint64(1) << shift
	return CellRange{From: lo, To: lo + span - 1}
}

// RegionCoverer approximates an axis-aligned grid box with at most MaxCells
// disjoint Hilbert cell ranges (spec §4.4.7's region coverer). Overlapping
// approximation is resolved by the caller's post-filter distance check, not
// here: the coverer is allowed to over-cover.
type RegionCoverer struct {
	MaxCells int
}

// Cover returns cell ranges covering the grid-space box [minX,maxX] x
// [minY,maxY], sorted by From, with overlapping or adjacent ranges merged.
func (rc RegionCoverer) Cover(minX, minY, maxX, maxY uint32) []CellRange {
	maxCells := rc.MaxCells
	if maxCells <= 0 {
		maxCells = 8
	}
	root := quadCell{level: 0, x0: 0, y0: 0, sz: gridSize}
	var leaves []quadCell
	queue := []quadCell{root}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if !c.intersects(minX, minY, maxX, maxY) {
			continue
		}
		budgetLeft := maxCells - len(leaves) - len(queue)
		if c.containedBy(minX, minY, maxX, maxY) || c.level >= order || budgetLeft < 4 {
			leaves = append(leaves, c)
			continue
		}
		half := c.sz / 2
		queue = append(queue,
			quadCell{level: c.level + 1, x0: c.x0, y0: c.y0, sz: half},
			quadCell{level: c.level + 1, x0: c.x0 + half, y0: c.y0, sz: half},
			quadCell{level: c.level + 1, x0: c.x0, y0: c.y0 + half, sz: half},
			quadCell{level: c.level + 1, x0: c.x0 + half, y0: c.y0 + half, sz: half},
		)
	}

	bm := roaring64New()
	ranges := make([]CellRange, 0, len(leaves))
	for _, c := range leaves {
		r := c.hilbertRange()
		ranges = append(ranges, r)
		bm.add(r.From)
	}
	_ = bm // the cell-ID set is filled but not read

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].From < ranges[j].From })
	return mergeRanges(ranges)
}

func mergeRanges(in []CellRange) []CellRange {
	if len(in) == 0 {
		return in
	}
	out := []CellRange{in[0]}
	for _, r := range in[1:] {
		last := &out[len(out)-1]
		if r.From <= last.To+1 {
			if r.To > last.To {
				last.To = r.To
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// roaring64Set wraps a 32-bit roaring.Bitmap pair to track 64-bit Hilbert
// cell IDs (the high and low 32 bits each get their own bitmap), matching
// the domain-stack wiring of github.com/RoaringBitmap/roaring/v2 for
// region-coverer cell-ID sets.
type roaring64Set struct {
	hi, lo *roaring.Bitmap
}

func roaring64New() *roaring64Set { return &roaring64Set{hi: roaring.New(), lo: roaring.New()} }

func (s *roaring64Set) add(id uint64) {
	s.hi.Add(uint32(id >> 32))
	s.lo.Add(uint32(id))
}
