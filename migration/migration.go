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

// Package migration executes ordered schema migrations against a store
// (spec §6 migration plan): multi-step paths are composed automatically,
// each step runs idempotently via persisted completion markers, and
// concurrent migrations on the same store are rejected through a lock
// record.
package migration

import (
	"fmt"

	"github.com/kvrecord/recordlayer/schema"
)

// Op is one migration operation. The concrete forms are AddIndex,
// RemoveIndex, RebuildIndex, and RenameField.
type Op interface {
	Describe() string
}

// AddIndex introduces a new index: its state entry is created disabled and
// an online build promotes it to readable.
type AddIndex struct {
	Index schema.IndexDescriptor
}

func (op AddIndex) Describe() string { return fmt.Sprintf("AddIndex(%s)", op.Index.Name) }

// RemoveIndex drops an index: its entries and build progress are cleared
// and a FormerIndex tombstone is recorded so a later schema cannot
// silently reuse its subspace key (spec §3).
type RemoveIndex struct {
	Name string
}

func (op RemoveIndex) Describe() string { return fmt.Sprintf("RemoveIndex(%s)", op.Name) }

// RebuildIndex clears an index's entries and rebuilds it from records.
type RebuildIndex struct {
	Name string
}

func (op RebuildIndex) Describe() string { return fmt.Sprintf("RebuildIndex(%s)", op.Name) }

// RenameField rewrites every stored record of Type, moving the value under
// Old to New.
type RenameField struct {
	Type string
	Old  string
	New  string
}

func (op RenameField) Describe() string {
	return fmt.Sprintf("RenameField(%s.%s -> %s)", op.Type, op.Old, op.New)
}

// Migration is one schema version step.
type Migration struct {
	FromVersion int
	ToVersion   int
	Ops         []Op
}

// Plan is the ordered list of declared migrations.
type Plan struct {
	Migrations []Migration
}

// Path composes the migration sequence from one schema version to another
// (spec §6: multi-step paths are composed automatically). Migrations are
// matched greedily by FromVersion; a gap yields an error.
func (p Plan) Path(from, to int) ([]Migration, error) {
	if from == to {
		return nil, nil
	}
	byFrom := map[int]Migration{}
	for _, m := range p.Migrations {
		if prev, dup := byFrom[m.FromVersion]; dup {
			return nil, fmt.Errorf("migration: two migrations start at version %d (%d->%d and %d->%d)",
				m.FromVersion, prev.FromVersion, prev.ToVersion, m.FromVersion, m.ToVersion)
		}
		byFrom[m.FromVersion] = m
	}
	var path []Migration
	cur := from
	for cur != to {
		m, ok := byFrom[cur]
		if !ok || m.ToVersion > to {
			return nil, fmt.Errorf("migration: no path from version %d to %d (stuck at %d)", from, to, cur)
		}
		path = append(path, m)
		cur = m.ToVersion
		if len(path) > len(p.Migrations) {
			return nil, fmt.Errorf("migration: version cycle detected starting at %d", from)
		}
	}
	return path, nil
}

// Failed reports which step of a migration run failed and why.
type Failed struct {
	Step string
	Err  error
}

func (e *Failed) Error() string {
	return fmt.Sprintf("migration: step %s failed: %v", e.Step, e.Err)
}

func (e *Failed) Unwrap() error { return e.Err }

// Locked is returned when another migration holds the store's lock record.
type Locked struct {
	Holder string
}

func (e *Locked) Error() string {
	return fmt.Sprintf("migration: store is locked by another migration (holder %s)", e.Holder)
}
