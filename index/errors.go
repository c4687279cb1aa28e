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

import "fmt"

// UniquenessViolation is returned by a unique index's maintainer when an
// insert would collide with an existing entry under the same expression
// prefix (spec §4.4.1, §8 property 4).
type UniquenessViolation struct {
	IndexName      string
	ConflictingKey []byte
}

func (e *UniquenessViolation) Error() string {
	return fmt.Sprintf("index %q: uniqueness violation at key %x", e.IndexName, e.ConflictingKey)
}

// VersionMismatch is returned by the version maintainer when save is
// invoked with an expectedVersion that does not match the current stored
// version (spec §4.4.4).
type VersionMismatch struct {
	IndexName string
	Expected  []byte
	Actual    []byte
}

func (e *VersionMismatch) Error() string {
	return fmt.Sprintf("index %q: version mismatch: expected %x, actual %x", e.IndexName, e.Expected, e.Actual)
}
