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
	"context"
	"fmt"
	"math"

	"github.com/kvrecord/recordlayer/index"
	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

// Maintainer implements index.Maintainer for a KindSpatial index (spec
// §4.4.7). Each record's lat/lon (or x/y) pair is encoded to a single
// Hilbert cell ID; the entry key is cellID ++ primaryKey, with no value —
// a post-filter step re-reads the source coordinate fields off the record
// to confirm exact geometry, per SpatialOptions.Metadata (spec §9's resolved
// open question: metadata, not field-name convention).
type Maintainer struct {
	desc    schema.IndexDescriptor
	subs    tuple.Subspace
	recType *schema.RecordType
	meta    schema.SpatialMetadata
}

var _ index.Maintainer = (*Maintainer)(nil)
var _ index.Scannable = (*Maintainer)(nil)

// New constructs the spatial Maintainer. desc.Options must be a
// schema.SpatialOptions naming the source coordinate fields.
func New(desc schema.IndexDescriptor, rt *schema.RecordType, sub tuple.Subspace) (*Maintainer, error) {
	opts, ok := desc.Options.(schema.SpatialOptions)
	if !ok {
		return nil, fmt.Errorf("index %q: KindSpatial requires schema.SpatialOptions", desc.Name)
	}
	if opts.Metadata.LatField == "" || opts.Metadata.LonField == "" {
		return nil, fmt.Errorf("index %q: SpatialOptions.Metadata must name LatField and LonField", desc.Name)
	}
	return &Maintainer{desc: desc, subs: sub, recType: rt, meta: opts.Metadata}, nil
}

// Coverer returns the RegionCoverer for this index's configured fan-out.
func (m *Maintainer) Coverer() RegionCoverer {
	opts, _ := m.desc.Options.(schema.SpatialOptions)
	return RegionCoverer{MaxCells: opts.MaxCells}
}

// Metadata exposes the source coordinate fields for the planner's
// post-filter distance check.
func (m *Maintainer) Metadata() schema.SpatialMetadata { return m.meta }

func (m *Maintainer) coordinatesOf(rec record.Record) (lat, lon float64, ok bool, err error) {
	latVals, err := m.recType.ExtractField(rec, m.meta.LatField)
	if err != nil {
		return 0, 0, false, err
	}
	lonVals, err := m.recType.ExtractField(rec, m.meta.LonField)
	if err != nil {
		return 0, 0, false, err
	}
	if len(latVals) == 0 || len(lonVals) == 0 {
		return 0, 0, false, nil
	}
	lat, ok1 := asFloat(latVals[0])
	lon, ok2 := asFloat(lonVals[0])
	if !ok1 || !ok2 {
		return 0, 0, false, fmt.Errorf("spatial index %q: lat/lon fields must be numeric", m.desc.Name)
	}
	return lat, lon, true, nil
}

func asFloat(v tuple.Element) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// cellID encodes a (lat,lon) or (x,y) pair to its Hilbert grid cell. For
// Geographic metadata, lat in [-90,90] and lon in [-180,180] are rescaled
// to the grid's unsigned coordinate space (a flat equirectangular
// projection stands in for true S2 spherical indexing, since a post-filter
// distance check already corrects for the projection's local distortion).
func (m *Maintainer) cellID(lat, lon float64) uint64 {
	var x, y uint32
	if m.meta.Geographic {
		x = scaleTo(lon, -180, 180)
		y = scaleTo(lat, -90, 90)
	} else {
		x = scaleTo(lon, -1e7, 1e7)
		y = scaleTo(lat, -1e7, 1e7)
	}
	return hilbertEncode(x, y)
}

func scaleTo(v, lo, hi float64) uint32 {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	frac := (v - lo) / (hi - lo)
	scaled := frac * float64(gridSize-1)
	return uint32(math.Round(scaled))
}

func (m *Maintainer) entryKey(cellID uint64, pk tuple.Tuple) ([]byte, error) {
	full := make(tuple.Tuple, 0, 1+len(pk))
	full = append(full, int64(cellID))
	full = append(full, pk...)
	return m.subs.Pack(full)
}

// EntryKeys returns the entry key rec would produce, or none if either
// coordinate field is absent, satisfying index.Scannable for the online
// scrubber (spec §4.6).
func (m *Maintainer) EntryKeys(rec record.Record, pk tuple.Tuple) ([][]byte, error) {
	lat, lon, ok, err := m.coordinatesOf(rec)
	if err != nil || !ok {
		return nil, err
	}
	k, err := m.entryKey(m.cellID(lat, lon), pk)
	if err != nil {
		return nil, err
	}
	return [][]byte{k}, nil
}

// Update implements index.Maintainer. Records missing either coordinate
// field produce no entry.
func (m *Maintainer) Update(ctx context.Context, tx kv.RwTx, oldRecord, newRecord *record.Record, pk tuple.Tuple) error {
	var oldKey, newKey []byte
	if oldRecord != nil {
		lat, lon, ok, err := m.coordinatesOf(*oldRecord)
		if err != nil {
			return err
		}
		if ok {
			oldKey, err = m.entryKey(m.cellID(lat, lon), pk)
			if err != nil {
				return err
			}
		}
	}
	if newRecord != nil {
		lat, lon, ok, err := m.coordinatesOf(*newRecord)
		if err != nil {
			return err
		}
		if ok {
			newKey, err = m.entryKey(m.cellID(lat, lon), pk)
			if err != nil {
				return err
			}
		}
	}
	if oldKey != nil && newKey != nil && string(oldKey) == string(newKey) {
		return nil
	}
	if oldKey != nil {
		if err := tx.Clear(ctx, oldKey); err != nil {
			return err
		}
	}
	if newKey != nil {
		if err := tx.Set(ctx, newKey, nil); err != nil {
			return err
		}
	}
	return nil
}

// CellRangeKeys packs a CellRange to the [begin,end) key bounds within this
// index's subspace, for the planner's per-cell sub-scan (spec §4.4.7).
func (m *Maintainer) CellRangeKeys(r CellRange) (begin, end []byte, err error) {
	begin, err = m.subs.Pack(tuple.Tuple{int64(r.From)})
	if err != nil {
		return nil, nil, err
	}
	end, err = m.subs.Pack(tuple.Tuple{int64(r.To)})
	if err != nil {
		return nil, nil, err
	}
	end = append(end, 0xff)
	return begin, end, nil
}

// DecodePK extracts the trailing primary-key tuple from an index entry
// key, stripping the leading cell-ID component.
func DecodePK(sub tuple.Subspace, key []byte) (tuple.Tuple, error) {
	t, err := sub.Unpack(key)
	if err != nil {
		return nil, err
	}
	if len(t) < 1 {
		return nil, fmt.Errorf("spatial: malformed entry key")
	}
	return t[1:], nil
}
