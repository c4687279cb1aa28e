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

package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"github.com/kvrecord/recordlayer/schema"
)

// schemaFile is the JSON form of a schema an operator points recordctl at.
// It covers the descriptor contract; application binaries with custom
// accessors embed their schema in code instead.
type schemaFile struct {
	Version int              `json:"version"`
	Types   []typeDescJSON   `json:"types"`
	Indexes []indexDescJSON  `json:"indexes"`
	Former  []formerDescJSON `json:"formerIndexes"`
}

type typeDescJSON struct {
	Name       string          `json:"name"`
	Fields     []fieldDescJSON `json:"fields"`
	PrimaryKey []string        `json:"primaryKey"`
}

type fieldDescJSON struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Optional bool   `json:"optional"`
	Repeated bool   `json:"repeated"`
}

type indexDescJSON struct {
	Name       string           `json:"name"`
	Kind       string           `json:"kind"`
	Expression []string         `json:"expression"`
	AppliesTo  []string         `json:"appliesTo"`
	Covering   []string         `json:"covering"`
	Options    *json.RawMessage `json:"options"`
}

type formerDescJSON struct {
	Name        string   `json:"name"`
	SubspaceKey string   `json:"subspaceKey"`
	Expression  []string `json:"expression"`
}

func parseFieldType(s string) (schema.FieldType, error) {
	switch s {
	case "int":
		return schema.TypeInt, nil
	case "float", "double":
		return schema.TypeFloat, nil
	case "string":
		return schema.TypeString, nil
	case "bool":
		return schema.TypeBool, nil
	case "bytes":
		return schema.TypeBytes, nil
	case "uuid":
		return schema.TypeUUID, nil
	default:
		return 0, fmt.Errorf("unknown field type %q", s)
	}
}

func parseIndexKind(s string) (schema.IndexKind, error) {
	for k := schema.KindValue; k <= schema.KindSpatial; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown index kind %q", s)
}

func parseIndexOptions(kind schema.IndexKind, raw *json.RawMessage) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch kind {
	case schema.KindPermuted:
		var o schema.PermutedOptions
		if err := json.Unmarshal(*raw, &o); err != nil {
			return nil, err
		}
		return o, nil
	case schema.KindRank:
		var o schema.RankOptions
		if err := json.Unmarshal(*raw, &o); err != nil {
			return nil, err
		}
		return o, nil
	case schema.KindVersion:
		var o schema.VersionOptions
		if err := json.Unmarshal(*raw, &o); err != nil {
			return nil, err
		}
		return o, nil
	case schema.KindVector:
		var o schema.VectorOptions
		if err := json.Unmarshal(*raw, &o); err != nil {
			return nil, err
		}
		return o, nil
	case schema.KindSpatial:
		var o schema.SpatialOptions
		if err := json.Unmarshal(*raw, &o); err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, nil
	}
}

func schemaIndexDescriptor(id indexDescJSON, kind schema.IndexKind, opts any) schema.IndexDescriptor {
	return schema.IndexDescriptor{
		Name:           id.Name,
		Kind:           kind,
		RootExpression: id.Expression,
		AppliesToTypes: id.AppliesTo,
		CoveringFields: id.Covering,
		Options:        opts,
	}
}

// loadSchema reads a JSON schema descriptor file into a built
// schema.Schema, using the standard typed accessors for every field.
func loadSchema(path string) (*schema.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf schemaFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}

	types := make([]*schema.RecordType, 0, len(sf.Types))
	for _, td := range sf.Types {
		rt := &schema.RecordType{Name: td.Name, PrimaryKey: td.PrimaryKey}
		for _, fd := range td.Fields {
			typ, err := parseFieldType(fd.Type)
			if err != nil {
				return nil, fmt.Errorf("type %s field %s: %w", td.Name, fd.Name, err)
			}
			switch {
			case fd.Repeated:
				rt.Fields = append(rt.Fields, schema.RepeatedField(fd.Name, typ))
			case fd.Optional:
				rt.Fields = append(rt.Fields, schema.OptionalField(fd.Name, typ))
			default:
				rt.Fields = append(rt.Fields, schema.Field(fd.Name, typ))
			}
		}
		rt.Build()
		types = append(types, rt)
	}

	indexes := make([]schema.IndexDescriptor, 0, len(sf.Indexes))
	for _, id := range sf.Indexes {
		kind, err := parseIndexKind(id.Kind)
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", id.Name, err)
		}
		opts, err := parseIndexOptions(kind, id.Options)
		if err != nil {
			return nil, fmt.Errorf("index %s options: %w", id.Name, err)
		}
		indexes = append(indexes, schemaIndexDescriptor(id, kind, opts))
	}

	former := make([]schema.FormerIndex, 0, len(sf.Former))
	for _, fd := range sf.Former {
		former = append(former, schema.FormerIndex{
			Name:           fd.Name,
			SubspaceKey:    fd.SubspaceKey,
			RootExpression: fd.Expression,
		})
	}

	return schema.NewSchema(sf.Version, types, indexes, former), nil
}
