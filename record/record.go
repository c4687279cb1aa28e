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

// Package record defines the record value type and the Serializer contract
// (spec §4.2): serialize/deserialize one record to/from bytes without the
// store ever inspecting the bytes in between. Field extraction is handled
// one layer up, by schema's compile-time accessor table (§9 Design Notes) —
// this package only owns the byte<->Record boundary.
package record

import "fmt"

// Record is one typed value flowing through the store. Fields holds the
// record's data keyed by field name; the concrete value kinds a Serializer
// accepts are up to that Serializer, but every kind tuple.Pack understands
// (nil, bool, int64, float32/64, []byte, string, uuid.UUID, nested
// tuple.Tuple) round-trips through the default JSON serializer, plus
// JSON-native slices/maps for non-indexed payload fields.
type Record struct {
	Type   string
	Fields map[string]any
}

// Get returns the raw value stored under name, and whether it was present.
func (r Record) Get(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// MalformedRecord is returned by Deserialize when bytes do not decode to a
// valid record of the expected shape.
type MalformedRecord struct {
	Type   string
	Reason string
}

func (e *MalformedRecord) Error() string {
	return fmt.Sprintf("record: malformed %s record: %s", e.Type, e.Reason)
}

// Serializer turns records into bytes and back. The store never inspects
// bytes between Serialize and Deserialize (spec §4.2 design freedom note);
// any encoding that round-trips is conforming.
type Serializer interface {
	Serialize(r Record) ([]byte, error)
	Deserialize(typeName string, data []byte) (Record, error)
}
