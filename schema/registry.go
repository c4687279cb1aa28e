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

package schema

import "sort"

// Schema is the application-facing descriptor contract spec §6 calls for:
// record types, index definitions, and the ordered former-index tombstone
// list, gathered into the one value RecordStore, the planner, and the
// online builders all close over.
type Schema struct {
	Version       int
	RecordTypes   map[string]*RecordType
	Indexes       map[string]IndexDescriptor
	FormerIndexes []FormerIndex
}

// NewSchema builds a Schema from the given record types and indexes,
// calling Build() on every record type that hasn't already been built.
func NewSchema(version int, recordTypes []*RecordType, indexes []IndexDescriptor, former []FormerIndex) *Schema {
	rts := make(map[string]*RecordType, len(recordTypes))
	for _, rt := range recordTypes {
		if rt.byName == nil {
			rt.Build()
		}
		rts[rt.Name] = rt
	}
	idxs := make(map[string]IndexDescriptor, len(indexes))
	for _, idx := range indexes {
		idxs[idx.Name] = idx
	}
	return &Schema{Version: version, RecordTypes: rts, Indexes: idxs, FormerIndexes: former}
}

// RecordType looks up a declared record type by name.
func (s *Schema) RecordType(name string) (*RecordType, bool) {
	rt, ok := s.RecordTypes[name]
	return rt, ok
}

// IndexesForType returns every index whose AppliesToTypes includes
// typeName, sorted by name for deterministic iteration order.
func (s *Schema) IndexesForType(typeName string) []IndexDescriptor {
	var out []IndexDescriptor
	for _, idx := range s.Indexes {
		if idx.AppliesTo(typeName) {
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NewHeader returns the initial StoreHeader for this schema: every index
// starts disabled (spec §3 lifecycle) until an OnlineIndexer promotes it.
func (s *Schema) NewHeader(formatVersion int) StoreHeader {
	states := make(map[string]IndexState, len(s.Indexes))
	for name := range s.Indexes {
		states[name] = StateDisabled
	}
	return StoreHeader{
		FormatVersion: formatVersion,
		SchemaVersion: s.Version,
		IndexStates:   states,
		FormerIndexes: append([]FormerIndex{}, s.FormerIndexes...),
	}
}

// FormerIndexByName looks up a tombstone by name.
func (s *Schema) FormerIndexByName(name string) (FormerIndex, bool) {
	for _, f := range s.FormerIndexes {
		if f.Name == name {
			return f, true
		}
	}
	return FormerIndex{}, false
}
