package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/openstudybuilder/study-mdr/pkg/config"
	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/studyrepo"
	"github.com/openstudybuilder/study-mdr/pkg/terminology"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	user       string
	outputFmt  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "studyctl",
		Short: "Administer the study metadata repository",
		Long: `studyctl works directly on the study-mdr database: it migrates the
schema, loads reference data and creates, inspects, locks and releases
studies without going through the HTTP API.

Database settings come from --config, STUDY_MDR_* environment variables
or the --db-type and --db-dsn flags.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	pf.StringVarP(&opts.user, "user", "u", defaultUser(), "Initials of the acting user")
	pf.StringVarP(&opts.outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	config.BindDatabaseFlags(pf)

	cmd.AddCommand(
		newMigrateCmd(opts),
		newSeedCmd(opts),
		newCreateCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newAuditCmd(opts),
		newHistoryCmd(opts),
		newActionCmd(opts, "lock", "Lock the current version of a study"),
		newActionCmd(opts, "release", "Release the current version of a study"),
		newActionCmd(opts, "unrelease", "Withdraw the released version of a study"),
		newActionCmd(opts, "new-draft", "Reopen a locked study for editing"),
	)
	return cmd
}

func defaultUser() string {
	if v := os.Getenv("STUDY_MDR_USER"); v != "" {
		return v
	}
	return os.Getenv("USER")
}

// env is an open database with the repository on top.
type env struct {
	cfg   *config.AppConfig
	db    *gorm.DB
	store *graph.GormStore
	terms *terminology.Resolver
	repo  *studyrepo.Repository
}

func (o *options) open(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(o.configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	db, err := graph.OpenDB(cfg.Database.Type, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	store := graph.NewGormStore(db)
	terms := terminology.NewResolver(
		terminology.WithCache(cfg.Terminology.CacheSize, cfg.Terminology.CacheTTL),
		terminology.WithLogger(logger),
	)
	repo := studyrepo.New(store, terms, terms,
		studyrepo.WithLogger(logger),
		studyrepo.WithBooleanTerms(cfg.Terminology.BooleanYesUID, cfg.Terminology.BooleanNoUID),
		studyrepo.WithNullFlavorField(cfg.Terminology.NullFlavorField),
	).ForUser(o.user)
	return &env{cfg: cfg, db: db, store: store, terms: terms, repo: repo}, nil
}

func (e *env) close() {
	if sqlDB, err := e.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// withEnv opens the database for the duration of fn.
func (o *options) withEnv(cmd *cobra.Command, fn func(e *env) error) error {
	e, err := o.open(cmd)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer e.close()
	return fn(e)
}
