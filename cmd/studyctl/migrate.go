package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openstudybuilder/study-mdr/pkg/audit"
	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/ha"
	"github.com/openstudybuilder/study-mdr/pkg/terminology"
)

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				locker, err := ha.NewMigrationLocker(e.db, ha.HAConfigFromEnv())
				if err != nil {
					return err
				}
				requestLog := audit.NewStore(e.db)
				if err := ha.Migrate(cmd.Context(), locker, e.store.AutoMigrate, requestLog.AutoMigrate); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			})
		},
	}
}

func newSeedCmd(opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed -f refdata.yaml",
		Short: "Load CT terms, dictionary terms, projects and library items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := terminology.LoadSeedFile(file)
			if err != nil {
				return err
			}
			return opts.withEnv(cmd, func(e *env) error {
				ctx := cmd.Context()
				var res terminology.SeedResult
				err := graph.RunInTx(ctx, e.store, func(tx graph.Tx) error {
					var err error
					res, err = e.terms.Seed(ctx, tx, data)
					return err
				})
				if err != nil {
					return err
				}
				if opts.outputFmt != "table" {
					return printOutput(cmd.OutOrStdout(), opts.outputFmt, res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %d, existing %d\n", res.Created, res.Existing)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Reference data YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
