// Package main is the study-mdr HTTP server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/pflag"

	"github.com/openstudybuilder/study-mdr/pkg/api"
	"github.com/openstudybuilder/study-mdr/pkg/audit"
	"github.com/openstudybuilder/study-mdr/pkg/authz"
	"github.com/openstudybuilder/study-mdr/pkg/config"
	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/ha"
	"github.com/openstudybuilder/study-mdr/pkg/metrics"
	"github.com/openstudybuilder/study-mdr/pkg/studyrepo"
	"github.com/openstudybuilder/study-mdr/pkg/terminology"
)

func main() {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "Path to a YAML config file")
	config.BindFlags(pflag.CommandLine)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	// Initialize glog for backwards compatibility
	_ = flag.Set("logtostderr", "true")

	cfg, err := config.Load(configPath, pflag.CommandLine)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		glog.Fatalf("Invalid log level: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting study server",
		"listen", cfg.Server.ListenAddr,
		"dbType", cfg.Database.Type,
		"authMode", cfg.Auth.Mode,
		"authzMode", cfg.Auth.AuthzMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	db, err := graph.OpenDB(cfg.Database.Type, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}
	store := graph.NewGormStore(db)
	requestLog := audit.NewStore(db)

	locker, err := ha.NewMigrationLocker(db, ha.HAConfigFromEnv())
	if err != nil {
		glog.Fatalf("Failed to create migration locker: %v", err)
	}
	if err := ha.Migrate(ctx, locker, store.AutoMigrate, requestLog.AutoMigrate); err != nil {
		glog.Fatalf("Failed to migrate schema: %v", err)
	}
	logger.Info("schema migrated")

	terms := terminology.NewResolver(
		terminology.WithCache(cfg.Terminology.CacheSize, cfg.Terminology.CacheTTL),
		terminology.WithLogger(logger),
	)
	if path := cfg.Terminology.SeedFile; path != "" {
		data, err := terminology.LoadSeedFile(path)
		if err != nil {
			glog.Fatalf("Failed to read reference data: %v", err)
		}
		var res terminology.SeedResult
		err = graph.RunInTx(ctx, store, func(tx graph.Tx) error {
			res, err = terms.Seed(ctx, tx, data)
			return err
		})
		if err != nil {
			glog.Fatalf("Failed to seed reference data: %v", err)
		}
		logger.Info("reference data seeded", "path", path, "created", res.Created, "existing", res.Existing)
	}

	m := metrics.New(true)
	repo := studyrepo.New(store, terms, terms,
		studyrepo.WithLogger(logger),
		studyrepo.WithRecorder(m),
		studyrepo.WithBooleanTerms(cfg.Terminology.BooleanYesUID, cfg.Terminology.BooleanNoUID),
		studyrepo.WithNullFlavorField(cfg.Terminology.NullFlavorField),
	)

	auditSettings := audit.Settings{Enabled: cfg.Audit.Enabled, LogDenied: cfg.Audit.LogDenied}

	opts := []api.Option{
		api.WithDB(db),
		api.WithLogger(logger),
		api.WithMetrics(m),
		api.WithRequestLog(requestLog, auditSettings),
		api.WithCORSOrigins(cfg.Server.CORSAllowedOrigins),
	}

	switch authz.AuthMode(cfg.Auth.Mode) {
	case authz.AuthModeJWT:
		mw, err := authz.JWTIdentityMiddleware(authz.JWTConfig{
			PublicKeyPath: cfg.Auth.JWTPublicKeyPath,
			Issuer:        cfg.Auth.JWTIssuer,
			Audience:      cfg.Auth.JWTAudience,
			UserClaim:     cfg.Auth.UserClaim,
			GroupsClaim:   cfg.Auth.GroupsClaim,
			Logger:        logger,
		})
		if err != nil {
			glog.Fatalf("Failed to configure JWT identity: %v", err)
		}
		opts = append(opts, api.WithIdentity(mw))
		logger.Info("using JWT identity", "userClaim", cfg.Auth.UserClaim, "hasPublicKey", cfg.Auth.JWTPublicKeyPath != "")
	default:
		logger.Info("using header identity (X-Remote-User)")
	}

	if authz.AuthzMode(cfg.Auth.AuthzMode) == authz.AuthzModeGroups {
		groups := authz.NewGroupAuthorizer(cfg.Auth.WriterGroups, cfg.Auth.AdminGroups)
		opts = append(opts, api.WithAuthorizer(authz.NewCachedAuthorizer(groups, authz.DefaultCacheTTL)))
		logger.Info("using group authorization",
			"writerGroups", cfg.Auth.WriterGroups,
			"adminGroups", cfg.Auth.AdminGroups)
	}

	if cfg.Audit.Enabled {
		go audit.NewRetentionWorker(requestLog, cfg.Audit.RetentionDays, logger).Run(ctx)
	}

	server := api.NewServer(repo, terms, opts...)
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.Routes(),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()
	logger.Info("study server ready", "listen", cfg.Server.ListenAddr)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info("study server stopped")
}
