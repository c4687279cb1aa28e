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

import "time"

// VersionRetention resolves the "version index cleanup policy" open
// question (spec §9): conforming schemas declare this explicitly, there is
// no assumed default beyond KeepAll.
type VersionRetention int

const (
	KeepAll VersionRetention = iota
	KeepLastN
	KeepForDuration
)

// VersionOptions configures a KindVersion index.
type VersionOptions struct {
	Retention VersionRetention
	LastN     int           // used when Retention == KeepLastN
	Duration  time.Duration // used when Retention == KeepForDuration
}

// TieBreak selects how rank-index ties on equal score are ordered.
type TieBreak int

const (
	TieBreakPrimaryKey TieBreak = iota
	TieBreakInsertionOrder
	TieBreakField
)

// RankOptions configures a KindRank index.
type RankOptions struct {
	TieBreak      TieBreak
	TieBreakField string // used when TieBreak == TieBreakField

	// WideScores widens the score domain past int64: raw score values
	// (int64, decimal string, or big-endian bytes) are normalized to a
	// fixed 32-byte unsigned integer so byte order equals numeric order.
	WideScores bool
}

// PermutedOptions configures a KindPermuted index, resolving the
// "permuted-index automatic generation policy" open question (spec §9) as
// an explicit opt-in rather than an assumed default. AutoGenerate is kept
// with the descriptor but no code reads it: every permuted index comes
// from its own declaration.
type PermutedOptions struct {
	BaseIndex   string
	Permutation []int // reordering of BaseIndex.RootExpression positions
	AutoGenerate bool
}

// VectorMetric names a distance function for a vector index.
type VectorMetric int

const (
	MetricCosine VectorMetric = iota
	MetricL2
	MetricInnerProduct
)

// VectorStrategy selects between HNSW and a flat-scan fallback.
type VectorStrategy int

const (
	StrategyAuto VectorStrategy = iota
	StrategyHNSW
	StrategyFlat
)

// VectorOptions configures a KindVector (HNSW) index.
type VectorOptions struct {
	Field          string // field holding the []float32 vector
	Dimensions     int
	Metric         VectorMetric
	Strategy       VectorStrategy
	FlatThreshold  int // record count below which StrategyAuto picks flat scan
	M              int
	EfConstruction int
	EfSearch       int
}

// SpatialMetadata names the source coordinate fields for a spatial index's
// post-filter distance check. Required on every KindSpatial index
// descriptor per the resolved open question (spec §9): no convention-based
// field-name inference.
type SpatialMetadata struct {
	LatField string
	LonField string
	Geographic bool // true: S2-style Hilbert on the sphere; false: cartesian Morton/Hilbert
}

// SpatialOptions configures a KindSpatial index.
type SpatialOptions struct {
	Metadata  SpatialMetadata
	MaxCells  int // K: max disjoint cells a region coverer may emit
}
