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

import "fmt"

// IndexNotFound is returned when an operation names an index absent from
// the schema.
type IndexNotFound struct {
	Name string
}

func (e *IndexNotFound) Error() string { return fmt.Sprintf("store: index %q not found", e.Name) }

// IndexNotReadable is returned when a query requires an index in
// StateReadable but it is disabled or still writeOnly (spec §6, §7).
type IndexNotReadable struct {
	Name  string
	State string
}

func (e *IndexNotReadable) Error() string {
	return fmt.Sprintf("store: index %q is not readable (state=%s)", e.Name, e.State)
}

// RecordTypeNotFound is returned when an operation names a record type
// absent from the schema.
type RecordTypeNotFound struct {
	Name string
}

func (e *RecordTypeNotFound) Error() string {
	return fmt.Sprintf("store: record type %q not found", e.Name)
}
