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

	"github.com/kvrecord/recordlayer/migration"
)

type migrationFile struct {
	Migrations []migrationJSON `json:"migrations"`
}

type migrationJSON struct {
	From int      `json:"from"`
	To   int      `json:"to"`
	Ops  []opJSON `json:"ops"`
}

type opJSON struct {
	Op    string         `json:"op"`
	Index *indexDescJSON `json:"index,omitempty"` // addIndex
	Name  string         `json:"name,omitempty"`  // removeIndex, rebuildIndex
	Type  string         `json:"type,omitempty"`  // renameField
	Old   string         `json:"old,omitempty"`
	New   string         `json:"new,omitempty"`
}

// loadMigrationPlan reads a JSON migration plan for the migrate command.
func loadMigrationPlan(path string) (migration.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return migration.Plan{}, err
	}
	var mf migrationFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return migration.Plan{}, fmt.Errorf("migration plan %s: %w", path, err)
	}

	var out migration.Plan
	for _, mj := range mf.Migrations {
		m := migration.Migration{FromVersion: mj.From, ToVersion: mj.To}
		for _, oj := range mj.Ops {
			switch oj.Op {
			case "addIndex":
				if oj.Index == nil {
					return migration.Plan{}, fmt.Errorf("migration %d->%d: addIndex needs an index descriptor", mj.From, mj.To)
				}
				kind, err := parseIndexKind(oj.Index.Kind)
				if err != nil {
					return migration.Plan{}, err
				}
				opts, err := parseIndexOptions(kind, oj.Index.Options)
				if err != nil {
					return migration.Plan{}, err
				}
				m.Ops = append(m.Ops, migration.AddIndex{Index: schemaIndexDescriptor(*oj.Index, kind, opts)})
			case "removeIndex":
				m.Ops = append(m.Ops, migration.RemoveIndex{Name: oj.Name})
			case "rebuildIndex":
				m.Ops = append(m.Ops, migration.RebuildIndex{Name: oj.Name})
			case "renameField":
				m.Ops = append(m.Ops, migration.RenameField{Type: oj.Type, Old: oj.Old, New: oj.New})
			default:
				return migration.Plan{}, fmt.Errorf("migration %d->%d: unknown op %q", mj.From, mj.To, oj.Op)
			}
		}
		out.Migrations = append(out.Migrations, m)
	}
	return out, nil
}
