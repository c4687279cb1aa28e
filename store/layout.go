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

// Package store implements the RecordStore transactional façade (spec
// §4.3): save/load/delete orchestrating the index maintainer family, plus
// the persisted byte layout spec §6 defines.
package store

import "github.com/kvrecord/recordlayer/tuple"

// Layout computes the §6 byte layout under one store prefix:
//
//	<prefix>/H                       store header
//	<prefix>/R/<typeName>/<pk...>     record bytes
//	<prefix>/I/<indexName>/<entry..>  index entries
//	<prefix>/I/<indexName>/__range/   online-build RangeSet
//	<prefix>/S/<scrubPhase>/          scrubber RangeSet
//	<prefix>/STAT/<indexName>         collected statistics
type Layout struct {
	Root tuple.Subspace
}

// NewLayout wraps a store's root subspace (typically allocated by an
// external directory layer, out of scope per spec §1).
func NewLayout(root tuple.Subspace) Layout { return Layout{Root: root} }

// HeaderKey returns the single key holding the store header.
func (l Layout) HeaderKey() ([]byte, error) { return l.Root.Pack(tuple.Tuple{"H"}) }

// recordsSubspace is the R subspace shared by every record type.
func (l Layout) recordsSubspace() (tuple.Subspace, error) { return l.Root.Child(tuple.Tuple{"R"}) }

// RecordType returns the subspace holding every record of typeName.
func (l Layout) RecordType(typeName string) (tuple.Subspace, error) {
	recs, err := l.recordsSubspace()
	if err != nil {
		return tuple.Subspace{}, err
	}
	return recs.Child(tuple.Tuple{typeName})
}

// RecordKey returns the key for one record.
func (l Layout) RecordKey(typeName string, pk tuple.Tuple) ([]byte, error) {
	sub, err := l.RecordType(typeName)
	if err != nil {
		return nil, err
	}
	return sub.Pack(pk)
}

// RecordTypeRange returns the full key range of typeName's records.
func (l Layout) RecordTypeRange(typeName string) (begin, end []byte, err error) {
	sub, err := l.RecordType(typeName)
	if err != nil {
		return nil, nil, err
	}
	begin, end = sub.Range()
	return begin, end, nil
}

// indexesSubspace is the I subspace shared by every index.
func (l Layout) indexesSubspace() (tuple.Subspace, error) { return l.Root.Child(tuple.Tuple{"I"}) }

// Index returns the subspace holding indexName's entries.
func (l Layout) Index(indexName string) (tuple.Subspace, error) {
	idxs, err := l.indexesSubspace()
	if err != nil {
		return tuple.Subspace{}, err
	}
	return idxs.Child(tuple.Tuple{indexName})
}

// IndexBuildRange returns the subspace holding indexName's online-build
// RangeSet (spec §4.6).
func (l Layout) IndexBuildRange(indexName string) (tuple.Subspace, error) {
	idx, err := l.Index(indexName)
	if err != nil {
		return tuple.Subspace{}, err
	}
	return idx.Child(tuple.Tuple{"__range"})
}

// Scrub returns the subspace holding phase's scrubber RangeSet (spec §4.6).
func (l Layout) Scrub(phase string) (tuple.Subspace, error) {
	return l.Root.Child(tuple.Tuple{"S", phase})
}

// Stat returns the subspace holding indexName's collected statistics.
func (l Layout) Stat(indexName string) (tuple.Subspace, error) {
	return l.Root.Child(tuple.Tuple{"STAT", indexName})
}

// Migration returns the subspace holding migration bookkeeping: the lock
// record and per-step completion markers (spec §6 migration plan).
func (l Layout) Migration() (tuple.Subspace, error) {
	return l.Root.Child(tuple.Tuple{"M"})
}
