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

// Package evolution compares two schema snapshots and classifies the
// difference as safe or breaking (spec §8 testable property 12).
package evolution

import (
	"fmt"

	"github.com/kvrecord/recordlayer/schema"
)

// SchemaEvolutionBlocked is returned when a proposed schema change is
// unsafe to apply without an explicit migration step.
type SchemaEvolutionBlocked struct {
	Reason string
}

func (e *SchemaEvolutionBlocked) Error() string {
	return fmt.Sprintf("schema evolution blocked: %s", e.Reason)
}

// Snapshot is the pair of inputs the validator compares: the record types
// and index descriptors in effect before and after a proposed change, plus
// the former-index tombstones already recorded.
type Snapshot struct {
	RecordTypes   map[string]*schema.RecordType
	Indexes       map[string]schema.IndexDescriptor
	FormerIndexes map[string]schema.FormerIndex // by name
}

// Validate compares old against next and returns SchemaEvolutionBlocked for
// the first unsafe change found, or nil if next is a safe evolution of old.
//
// Safe changes: adding a record type, adding a field, adding an index.
// Breaking changes (absent a migration / tombstone): removing a field still
// referenced by a surviving index's rootExpression or covering set;
// removing an index without a matching FormerIndex tombstone; reusing a
// FormerIndex's subspace key (by name) with a different rootExpression;
// changing an existing field's declared type.
func Validate(old, next Snapshot) error {
	for name, oldIdx := range old.Indexes {
		if _, stillPresent := next.Indexes[name]; stillPresent {
			continue
		}
		tomb, ok := next.FormerIndexes[name]
		if !ok {
			return &SchemaEvolutionBlocked{Reason: fmt.Sprintf("index %q removed without a FormerIndex tombstone", name)}
		}
		if !stringsEqual(tomb.RootExpression, oldIdx.RootExpression) {
			return &SchemaEvolutionBlocked{Reason: fmt.Sprintf("FormerIndex tombstone for %q has a different rootExpression than the removed index", name)}
		}
	}

	for name, newIdx := range next.Indexes {
		tomb, ok := old.FormerIndexes[name]
		if !ok {
			if _, ok2 := next.FormerIndexes[name]; !ok2 {
				continue
			}
			tomb = next.FormerIndexes[name]
		}
		if !stringsEqual(tomb.RootExpression, newIdx.RootExpression) {
			return &SchemaEvolutionBlocked{Reason: fmt.Sprintf("index %q reuses a FormerIndex's subspace key with a different rootExpression", name)}
		}
	}

	for typeName, oldRT := range old.RecordTypes {
		newRT, ok := next.RecordTypes[typeName]
		if !ok {
			return &SchemaEvolutionBlocked{Reason: fmt.Sprintf("record type %q removed", typeName)}
		}
		for _, oldField := range oldRT.Fields {
			newField, ok := newRT.FieldByName(oldField.Name)
			if !ok {
				if fieldStillReferenced(oldField.Name, next.Indexes) {
					return &SchemaEvolutionBlocked{Reason: fmt.Sprintf("field %q.%q removed while still referenced by an index", typeName, oldField.Name)}
				}
				continue
			}
			if newField.Type != oldField.Type {
				return &SchemaEvolutionBlocked{Reason: fmt.Sprintf("field %q.%q changed type", typeName, oldField.Name)}
			}
		}
	}

	return nil
}

func fieldStillReferenced(field string, indexes map[string]schema.IndexDescriptor) bool {
	for _, idx := range indexes {
		for _, f := range idx.RootExpression {
			if f == field {
				return true
			}
		}
		for _, f := range idx.CoveringFields {
			if f == field {
				return true
			}
		}
	}
	return false
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
