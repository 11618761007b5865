package main

import (
	"github.com/spf13/cobra"
)

var (
	grantUser  string
	grantUUID  string
	grantLevel string
	grantSuper bool

	migrateDown bool

	rootCmd = &cobra.Command{
		Use:           "api",
		Short:         "Versioned document graph service for templates, datasets and records",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Apply migrations and serve the HTTP API",
		RunE:  runServe,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations, or roll them all back with --down",
		RunE:  runMigrate,
	}

	grantCmd = &cobra.Command{
		Use:   "grant",
		Short: "Grant a user view, edit or admin on a document uuid, or superuser",
		RunE:  runGrant,
	}

	legacyCmd = &cobra.Command{
		Use:   "legacy",
		Short: "Manage identifiers carried over from the previous system",
	}
	legacyMapCmd = &cobra.Command{
		Use:   "map [old-uuid] [new-uuid]",
		Short: "Register the current uuid of a legacy identifier",
		Args:  cobra.ExactArgs(2),
		RunE:  runLegacyMap,
	}

	reindexCmd = &cobra.Command{
		Use:   "reindex",
		Short: "Push the latest persisted snapshot of every document to Meilisearch",
		RunE:  runReindex,
	}
)

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back every applied migration, newest first")

	grantCmd.Flags().StringVar(&grantUser, "user", "", "user id")
	grantCmd.Flags().StringVar(&grantUUID, "uuid", "", "document uuid")
	grantCmd.Flags().StringVar(&grantLevel, "level", "view", "permission level (view, edit, admin)")
	grantCmd.Flags().BoolVar(&grantSuper, "superuser", false, "make the user a superuser instead of granting on a uuid")
	_ = grantCmd.MarkFlagRequired("user")

	legacyCmd.AddCommand(legacyMapCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, grantCmd, legacyCmd, reindexCmd)
}
