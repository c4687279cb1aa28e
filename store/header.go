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

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/schema"
)

// headerWire is the on-disk shape of schema.StoreHeader: IndexState is an
// int under the hood, so the wire form spells it out as a
// string for forward-compatible reading, the way the teacher's own
// version-reply types favor named over raw-numeric wire fields.
type headerWire struct {
	FormatVersion int                    `json:"formatVersion"`
	SchemaVersion int                    `json:"schemaVersion"`
	IndexStates   map[string]string      `json:"indexStates"`
	FormerIndexes []schema.FormerIndex   `json:"formerIndexes"`
	SchemaDigest  string                 `json:"schemaDigest"`
}

func toWire(h schema.StoreHeader) headerWire {
	states := make(map[string]string, len(h.IndexStates))
	for name, st := range h.IndexStates {
		states[name] = st.String()
	}
	return headerWire{
		FormatVersion: h.FormatVersion,
		SchemaVersion: h.SchemaVersion,
		IndexStates:   states,
		FormerIndexes: h.FormerIndexes,
		SchemaDigest:  h.SchemaDigest,
	}
}

func fromWire(w headerWire) schema.StoreHeader {
	states := make(map[string]schema.IndexState, len(w.IndexStates))
	for name, s := range w.IndexStates {
		states[name] = parseIndexState(s)
	}
	return schema.StoreHeader{
		FormatVersion: w.FormatVersion,
		SchemaVersion: w.SchemaVersion,
		IndexStates:   states,
		FormerIndexes: w.FormerIndexes,
		SchemaDigest:  w.SchemaDigest,
	}
}

func parseIndexState(s string) schema.IndexState {
	switch s {
	case "writeOnly":
		return schema.StateWriteOnly
	case "readable":
		return schema.StateReadable
	default:
		return schema.StateDisabled
	}
}

// LoadHeader reads the store header, returning ok=false if the store has
// never been initialized (i.e. no header has been written yet).
func LoadHeader(ctx context.Context, tx kv.Tx, layout Layout) (schema.StoreHeader, bool, error) {
	key, err := layout.HeaderKey()
	if err != nil {
		return schema.StoreHeader{}, false, err
	}
	raw, ok, err := tx.Get(ctx, key)
	if err != nil || !ok {
		return schema.StoreHeader{}, false, err
	}
	var w headerWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return schema.StoreHeader{}, false, errors.Wrap(err, "store: malformed header")
	}
	return fromWire(w), true, nil
}

// SaveHeader writes the store header within the same transaction that
// observed it (spec §5: header writes happen inside the same transaction
// as the read, concurrent writers resolve via KV conflict detection).
func SaveHeader(ctx context.Context, tx kv.RwTx, layout Layout, h schema.StoreHeader) error {
	key, err := layout.HeaderKey()
	if err != nil {
		return err
	}
	data, err := json.Marshal(toWire(h))
	if err != nil {
		return errors.Wrap(err, "store: encode header")
	}
	return tx.Set(ctx, key, data)
}
