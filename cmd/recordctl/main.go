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

// recordctl is the operator CLI for out-of-band store maintenance: online
// index builds, consistency scrubs, statistics collection, and migrations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/kv/mdbxkv"
	"github.com/kvrecord/recordlayer/migration"
	"github.com/kvrecord/recordlayer/online"
	"github.com/kvrecord/recordlayer/query/plan"
	"github.com/kvrecord/recordlayer/store"
	"github.com/kvrecord/recordlayer/tuple"
)

type rootFlags struct {
	datadir     string
	schemaPath  string
	storePrefix string
	maxSizeMB   int64

	batchSize  int
	byteBudget int
}

// env bundles everything a subcommand needs against one opened store.
type env struct {
	kvStore kv.Store
	rs      *store.RecordStore
	logger  *zap.Logger
}

func (f *rootFlags) open(logger *zap.Logger) (*env, error) {
	sch, err := loadSchema(f.schemaPath)
	if err != nil {
		return nil, err
	}
	kvStore, err := mdbxkv.Open(f.datadir, f.maxSizeMB<<20)
	if err != nil {
		return nil, err
	}
	rs, err := store.New(sch, tuple.NewSubspace([]byte(f.storePrefix)), store.WithLogger(logger))
	if err != nil {
		kvStore.Close()
		return nil, err
	}
	return &env{kvStore: kvStore, rs: rs, logger: logger}, nil
}

func (f *rootFlags) onlineOptions() online.Options {
	opts := online.DefaultOptions()
	if f.batchSize > 0 {
		opts.RecordsPerBatch = f.batchSize
	}
	if f.byteBudget > 0 {
		opts.ByteBudget = f.byteBudget
	}
	return opts
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "recordctl:", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "recordctl",
		Short:        "operate a record store: build and scrub indexes, collect statistics, run migrations",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.datadir, "datadir", "recordlayer.mdbx", "path to the mdbx data file")
	root.PersistentFlags().StringVar(&flags.schemaPath, "schema", "schema.json", "path to the JSON schema descriptor file")
	root.PersistentFlags().StringVar(&flags.storePrefix, "store-prefix", "app/", "byte prefix of the store's root subspace")
	root.PersistentFlags().Int64Var(&flags.maxSizeMB, "max-size-mb", 4096, "mdbx map size in MiB")
	root.PersistentFlags().IntVar(&flags.batchSize, "batch-size", 0, "records per build/scrub batch (0 uses the default)")
	root.PersistentFlags().IntVar(&flags.byteBudget, "byte-budget", 0, "bytes per build/scrub batch (0 uses the default)")

	root.AddCommand(buildCmd(ctx, flags, logger))
	root.AddCommand(scrubCmd(ctx, flags, logger))
	root.AddCommand(statsCmd(ctx, flags, logger))
	root.AddCommand(migrateCmd(ctx, flags, logger))
	root.AddCommand(unlockCmd(ctx, flags, logger))

	return root.Execute()
}

func buildCmd(ctx context.Context, flags *rootFlags, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "build <index>",
		Short: "run the online indexer to completion for one index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open(logger)
			if err != nil {
				return err
			}
			defer e.kvStore.Close()
			return online.NewIndexer(e.kvStore, e.rs, args[0], flags.onlineOptions(), logger).Build(ctx)
		},
	}
}

func scrubCmd(ctx context.Context, flags *rootFlags, logger *zap.Logger) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "scrub <index>",
		Short: "check one index's consistency against stored records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open(logger)
			if err != nil {
				return err
			}
			defer e.kvStore.Close()
			policy := online.DetectOnly
			if repair {
				policy = online.Repair
			}
			report, err := online.NewScrubber(e.kvStore, e.rs, args[0], flags.onlineOptions(), logger).Scrub(ctx, policy)
			if err != nil {
				return err
			}
			fmt.Printf("dangling entries: %d\nmissing entries:  %d\n", report.DanglingEntries, report.MissingEntries)
			for _, s := range report.Skipped {
				fmt.Printf("skipped: %s\n", s)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "repair issues in the same batches that detect them")
	return cmd
}

func statsCmd(ctx context.Context, flags *rootFlags, logger *zap.Logger) *cobra.Command {
	var buckets int
	cmd := &cobra.Command{
		Use:   "stats <index>",
		Short: "collect and persist planner statistics for one index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open(logger)
			if err != nil {
				return err
			}
			defer e.kvStore.Close()
			_, err = e.kvStore.Update(ctx, kv.Options{}, func(ctx context.Context, tx kv.RwTx) error {
				st, err := plan.Collect(ctx, tx, e.rs, args[0], buckets)
				if err != nil {
					return err
				}
				if err := plan.Save(ctx, tx, e.rs, args[0], st); err != nil {
					return err
				}
				fmt.Printf("entries: %d\ndistinct: %d\nbuckets: %d\n", st.Entries, st.Distinct, len(st.Frequencies))
				return nil
			})
			return err
		},
	}
	cmd.Flags().IntVar(&buckets, "buckets", 64, "maximum frequency buckets to keep")
	return cmd
}

func migrateCmd(ctx context.Context, flags *rootFlags, logger *zap.Logger) *cobra.Command {
	var planPath string
	var target int
	var noBuild bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "migrate the store's persisted schema to the target version",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open(logger)
			if err != nil {
				return err
			}
			defer e.kvStore.Close()
			mplan, err := loadMigrationPlan(planPath)
			if err != nil {
				return err
			}
			opts := []migration.ExecOption{
				migration.WithLogger(logger),
				migration.WithOnlineOptions(flags.onlineOptions()),
			}
			if noBuild {
				opts = append(opts, migration.WithoutIndexBuild())
			}
			return migration.NewExecutor(e.kvStore, e.rs, mplan, opts...).Run(ctx, target)
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "migrations.json", "path to the JSON migration plan")
	cmd.Flags().IntVar(&target, "to", 0, "target schema version")
	cmd.Flags().BoolVar(&noBuild, "no-build", false, "leave added/rebuilt indexes disabled for a later build run")
	cmd.MarkFlagRequired("to")
	return cmd
}

func unlockCmd(ctx context.Context, flags *rootFlags, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "force-clear the migration lock record after a crashed migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open(logger)
			if err != nil {
				return err
			}
			defer e.kvStore.Close()
			return migration.ForceUnlock(ctx, e.kvStore, e.rs)
		},
	}
}
