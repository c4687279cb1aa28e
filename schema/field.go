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

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/tuple"
)

// FieldType names the tuple.Element kind a field's raw JSON value coerces
// to. Using an explicit table instead of runtime reflection is what spec §9
// calls for in place of the source material's annotation-driven reflection.
type FieldType int

const (
	TypeString FieldType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeBytes
	TypeUUID
)

// FieldDescriptor is one compile-time-declared accessor into a record's
// fields, standing in for the code-generated accessor table spec §9
// describes. Accessor returns zero or more tuple elements: zero for an
// absent optional field, more than one for a repeated field.
type FieldDescriptor struct {
	Name     string
	Type     FieldType
	Optional bool
	Repeated bool
	Accessor func(record.Record) ([]tuple.Element, error)
}

// Field declares a single-valued field accessor of the given type, reading
// record.Record.Fields[name].
func Field(name string, typ FieldType) FieldDescriptor {
	return FieldDescriptor{
		Name: name,
		Type: typ,
		Accessor: func(r record.Record) ([]tuple.Element, error) {
			v, ok := r.Get(name)
			if !ok || v == nil {
				return nil, nil
			}
			el, err := coerce(typ, v)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
			return []tuple.Element{el}, nil
		},
	}
}

// OptionalField declares a field that may be absent; Accessor returns zero
// values rather than erroring when it is.
func OptionalField(name string, typ FieldType) FieldDescriptor {
	f := Field(name, typ)
	f.Optional = true
	return f
}

// RepeatedField declares a field whose JSON value is an array; Accessor
// returns one tuple element per array entry.
func RepeatedField(name string, typ FieldType) FieldDescriptor {
	return FieldDescriptor{
		Name:     name,
		Type:     typ,
		Repeated: true,
		Accessor: func(r record.Record) ([]tuple.Element, error) {
			v, ok := r.Get(name)
			if !ok || v == nil {
				return nil, nil
			}
			arr, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("field %q: expected array, got %T", name, v)
			}
			out := make([]tuple.Element, 0, len(arr))
			for _, item := range arr {
				el, err := coerce(typ, item)
				if err != nil {
					return nil, fmt.Errorf("field %q: %w", name, err)
				}
				out = append(out, el)
			}
			return out, nil
		},
	}
}

func coerce(typ FieldType, v any) (tuple.Element, error) {
	switch typ {
	case TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case uuid.UUID:
			return s.String(), nil
		}
	case TypeInt:
		switch n := v.(type) {
		case float64:
			return int64(n), nil
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		}
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeBytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
	case TypeUUID:
		switch u := v.(type) {
		case uuid.UUID:
			return u, nil
		case string:
			parsed, err := uuid.Parse(u)
			if err != nil {
				return nil, err
			}
			return parsed, nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to field type %d", v, typ)
}
