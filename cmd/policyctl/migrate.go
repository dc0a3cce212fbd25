package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/db"
	"github.com/migadu/policyd/logger"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion()
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Rule database schema migrations

policyd applies pending migrations at startup unless database.auto_migrate
is false. Use these commands to manage the schema by hand.

Usage:
  policyctl migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  policyctl migrate up
  policyctl migrate down --limit 2
  policyctl migrate down --all
  policyctl migrate force 1
`)
}

func migrateFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to TOML configuration file")
	return fs, configPath
}

func handleMigrateUp(ctx context.Context) {
	fs, configPath := migrateFlags("migrate up")
	fs.Parse(os.Args[3:])

	cfg := loadConfig(*configPath)
	if err := db.MigrateUp(ctx, &cfg.Database); err != nil {
		logger.Fatalf("Failed to apply UP migrations: %v", err)
	}
	fmt.Println("Migrations applied successfully.")
	showVersion(&cfg.Database)
}

func handleMigrateDown(ctx context.Context) {
	fs, configPath := migrateFlags("migrate down")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Parse(os.Args[3:])

	steps := *limit
	if *all {
		steps = 0
	} else if steps <= 0 {
		logger.Fatalf("--limit must be positive, use --all to revert everything")
	}

	cfg := loadConfig(*configPath)
	if err := db.MigrateDown(ctx, &cfg.Database, steps); err != nil {
		logger.Fatalf("Failed to revert migrations: %v", err)
	}
	fmt.Println("Migrations reverted successfully.")
	showVersion(&cfg.Database)
}

func handleMigrateVersion() {
	fs, configPath := migrateFlags("migrate version")
	fs.Parse(os.Args[3:])

	cfg := loadConfig(*configPath)
	showVersion(&cfg.Database)
}

func handleMigrateForce(ctx context.Context) {
	fs, configPath := migrateFlags("migrate force")
	fs.Usage = func() {
		fmt.Println("Usage: policyctl migrate force [--config path] <version>")
		fmt.Println("Forcibly sets the database migration version. USE WITH CAUTION.")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatalf("Invalid version number: %v", err)
	}

	cfg := loadConfig(*configPath)
	if err := db.MigrateForce(ctx, &cfg.Database, version); err != nil {
		logger.Fatalf("Failed to force version: %v", err)
	}
	fmt.Printf("Forced database to version %d.\n", version)
	showVersion(&cfg.Database)
}

func showVersion(cfg *config.DatabaseConfig) {
	version, dirty, err := db.MigrationVersion(cfg)
	if err != nil {
		logger.Fatalf("Failed to read migration version: %v", err)
	}
	fmt.Printf("Driver: %s\nVersion: %d\nDirty: %t\n", cfg.Driver, version, dirty)
}
