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

package record

import (
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// JSONSerializer is the default Serializer: a drop-in, faster encoding/json
// replacement (same struct tag semantics) so Fields round-trips through
// map[string]any without a schema-generated codec. Field extraction still
// goes through schema's typed accessors, not through this encoding.
type JSONSerializer struct{}

// NewJSONSerializer returns the default Serializer.
func NewJSONSerializer() *JSONSerializer { return &JSONSerializer{} }

func (JSONSerializer) Serialize(r Record) ([]byte, error) {
	data, err := json.Marshal(r.Fields)
	if err != nil {
		return nil, errors.Wrap(err, "record: serialize")
	}
	return data, nil
}

func (JSONSerializer) Deserialize(typeName string, data []byte) (Record, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Record{}, errors.WithStack(&MalformedRecord{Type: typeName, Reason: err.Error()})
	}
	return Record{Type: typeName, Fields: fields}, nil
}
