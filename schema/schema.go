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

// Package schema holds record-type and index metadata: the descriptor
// contract spec §6 calls the "application-facing schema definition", plus
// the per-index state and store header spec §3 and §6 persist.
package schema

import (
	"fmt"

	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/tuple"
)

// RecordType describes one record shape: its fields and primary key.
type RecordType struct {
	Name       string
	Fields     []FieldDescriptor
	PrimaryKey []string // field names, in order

	byName map[string]FieldDescriptor
}

// Build finalizes the field-name lookup table. Call once after populating
// Fields; schemas are typically constructed once at process start.
func (rt *RecordType) Build() {
	rt.byName = make(map[string]FieldDescriptor, len(rt.Fields))
	for _, f := range rt.Fields {
		rt.byName[f.Name] = f
	}
}

// FieldByName returns the descriptor for name, or false if undeclared.
func (rt *RecordType) FieldByName(name string) (FieldDescriptor, bool) {
	f, ok := rt.byName[name]
	return f, ok
}

// ExtractField runs the named field's accessor against r.
func (rt *RecordType) ExtractField(r record.Record, name string) ([]tuple.Element, error) {
	f, ok := rt.FieldByName(name)
	if !ok {
		return nil, fmt.Errorf("schema: record type %q has no field %q", rt.Name, name)
	}
	return f.Accessor(r)
}

// PrimaryKeyOf extracts r's primary key tuple per rt.PrimaryKey. Each
// component field must yield exactly one value.
func (rt *RecordType) PrimaryKeyOf(r record.Record) (tuple.Tuple, error) {
	pk := make(tuple.Tuple, 0, len(rt.PrimaryKey))
	for _, name := range rt.PrimaryKey {
		vals, err := rt.ExtractField(r, name)
		if err != nil {
			return nil, err
		}
		if len(vals) != 1 {
			return nil, fmt.Errorf("schema: primary key field %q of type %q must yield exactly one value, got %d", name, rt.Name, len(vals))
		}
		pk = append(pk, vals[0])
	}
	return pk, nil
}

// IndexKind names which maintainer family an index uses.
type IndexKind int

const (
	KindValue IndexKind = iota
	KindUnique
	KindCount
	KindSum
	KindMin
	KindMax
	KindAverage
	KindRank
	KindVersion
	KindPermuted
	KindVector
	KindSpatial
)

func (k IndexKind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindUnique:
		return "unique"
	case KindCount:
		return "count"
	case KindSum:
		return "sum"
	case KindMin:
		return "min"
	case KindMax:
		return "max"
	case KindAverage:
		return "average"
	case KindRank:
		return "rank"
	case KindVersion:
		return "version"
	case KindPermuted:
		return "permuted"
	case KindVector:
		return "vector"
	case KindSpatial:
		return "spatial"
	default:
		return "unknown"
	}
}

// IndexState tracks an index's build lifecycle (spec §3).
type IndexState int

const (
	StateDisabled IndexState = iota
	StateWriteOnly
	StateReadable
)

func (s IndexState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateWriteOnly:
		return "writeOnly"
	case StateReadable:
		return "readable"
	default:
		return "unknown"
	}
}

// Maintained reports whether writes must invoke the maintainer in this
// state (spec §3: writeOnly and readable both maintain; disabled does not).
func (s IndexState) Maintained() bool { return s == StateWriteOnly || s == StateReadable }

// QueryVisible reports whether the planner may select this index.
func (s IndexState) QueryVisible() bool { return s == StateReadable }

// IndexDescriptor is one named, typed index rule (spec §3).
type IndexDescriptor struct {
	Name           string
	Kind           IndexKind
	RootExpression []string // field paths concatenated, in order
	AppliesToTypes []string
	CoveringFields []string
	Options        any // kind-specific: *VectorOptions, *SpatialOptions, *VersionOptions, *PermutedOptions, ...
}

// AppliesTo reports whether this index maintains records of typeName.
func (d IndexDescriptor) AppliesTo(typeName string) bool {
	for _, t := range d.AppliesToTypes {
		if t == typeName {
			return true
		}
	}
	return false
}

// Covers reports whether fields is a subset of the index's covering set,
// i.e. the planner may use a CoveringIndexScan to answer a query needing
// exactly these fields.
func (d IndexDescriptor) Covers(fields []string) bool {
	have := make(map[string]bool, len(d.CoveringFields)+len(d.RootExpression))
	for _, f := range d.CoveringFields {
		have[f] = true
	}
	for _, f := range d.RootExpression {
		have[f] = true
	}
	for _, want := range fields {
		if !have[want] {
			return false
		}
	}
	return true
}

// FormerIndex is a tombstone for a removed index (spec §3): later schemas
// must not reuse its subspace key with a different rootExpression.
type FormerIndex struct {
	Name           string
	SubspaceKey    string
	RootExpression []string
}

// StoreHeader is the per-store persisted singleton (spec §3, §6).
type StoreHeader struct {
	FormatVersion int
	SchemaVersion int
	IndexStates   map[string]IndexState
	FormerIndexes []FormerIndex
	SchemaDigest  string
}
