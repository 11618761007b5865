package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"metagraph/api/internal/app"
	"metagraph/api/internal/config"
	"metagraph/api/internal/files"
	"metagraph/api/internal/graph"
	"metagraph/api/internal/logging"
	"metagraph/api/internal/permission"
	"metagraph/api/internal/search"
	"metagraph/api/internal/store"
	"metagraph/api/internal/util"
)

func setup(ctx context.Context) (config.Config, zerolog.Logger, *sql.DB, error) {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return cfg, logger, nil, fmt.Errorf("database connection failed: %w", err)
	}
	return cfg, logger, db, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, logger, db, err := setup(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	grants, err := permission.NewRedisGrants(cfg.RedisURL, cfg.PermissionPrefix)
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	defer grants.Close()
	checks := map[string]app.Pinger{"permissions": grants}

	var blobs files.Blobs
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioBlobs, err := files.NewMinioBlobs(ctx, files.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			URLTTL:    cfg.UploadURLTTL,
		})
		if err != nil {
			return fmt.Errorf("object store setup failed: %w", err)
		}
		blobs = minioBlobs
		checks["files"] = minioBlobs
	} else {
		logger.Warn().Msg("MINIO_ENDPOINT not set, keeping file blobs in memory")
		blobs = files.NewMemoryBlobs()
	}

	dataStore := store.NewPostgresStore(db)
	searchService, closeSearch := newSearch(cfg, dataStore, logger)
	defer closeSearch()

	fileService := files.NewService(blobs, logger.With().Str("component", "files").Logger())
	engine := graph.New(grants, fileService, logger)
	service := app.New(cfg, dataStore, engine, grants, fileService, searchService, checks, logger)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("metagraph API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	searchService.Flush()
	return nil
}

// newSearch builds the search facade. Meilisearch is used when MEILI_URL is
// set; the store's full-text search is always available as fallback.
func newSearch(cfg config.Config, dataStore *store.PostgresStore, logger zerolog.Logger) (*search.Service, func()) {
	fallback := search.NewFullText(dataStore)
	if strings.TrimSpace(cfg.MeiliURL) == "" {
		return search.NewService(nil, fallback, logger), func() {}
	}
	meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	return search.NewService(meili, fallback, logger), meili.Close
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, logger, db, err := setup(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if migrateDown {
		rolledBack, err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		logger.Info().Strs("rolled_back", rolledBack).Msg("rollback complete")
		return nil
	}

	pending, err := store.PendingMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	logger.Info().Strs("applied", pending).Msg("migrations complete")
	return nil
}

func runGrant(cmd *cobra.Command, _ []string) error {
	if !grantSuper {
		if !permission.Valid(grantLevel) {
			return fmt.Errorf("level must be one of view, edit, admin")
		}
		if !util.ValidUUID(grantUUID) {
			return fmt.Errorf("%q is not a valid uuid", grantUUID)
		}
	}
	cfg := config.Load()
	grants, err := permission.NewRedisGrants(cfg.RedisURL, cfg.PermissionPrefix)
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	defer grants.Close()

	if grantSuper {
		if err := grants.SetSuperuser(cmd.Context(), grantUser, true); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now a superuser\n", grantUser)
		return nil
	}
	if err := grants.Grant(cmd.Context(), grantUser, grantUUID, permission.Level(grantLevel)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "granted %s on %s to %s\n", grantLevel, grantUUID, grantUser)
	return nil
}

func runLegacyMap(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, _, db, err := setup(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	oldUUID, newUUID := args[0], args[1]
	if !util.ValidUUID(newUUID) {
		return fmt.Errorf("%q is not a valid uuid", newUUID)
	}
	if err := store.NewPostgresStore(db).RegisterLegacy(ctx, oldUUID, newUUID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", oldUUID, newUUID)
	return nil
}

func runReindex(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, logger, db, err := setup(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if strings.TrimSpace(cfg.MeiliURL) == "" {
		return fmt.Errorf("MEILI_URL is not set")
	}
	searchService, closeSearch := newSearch(cfg, store.NewPostgresStore(db), logger)
	defer closeSearch()

	count, err := searchService.Reindex(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d snapshots\n", count)
	return nil
}
