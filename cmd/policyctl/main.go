package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := os.Args[1]
	switch command {
	case "migrate":
		handleMigrateCommand(ctx)
	case "rules":
		handleRulesCommand(ctx)
	case "check":
		handleCheck(ctx)
	case "query":
		handleQuery(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`policyd administration tool

Usage:
  policyctl <command> [options]

Commands:
  migrate   Manage the rule database schema (up, down, version, force)
  rules     List, add or delete access rules
  check     Evaluate a request against the rule database without a server
  query     Send a request to a running policy server
  help      Show this help message

Examples:
  policyctl migrate up --config /etc/policyd/policyd.toml
  policyctl rules add --kind sender --key spammer.example --action REJECT --argument "5.7.1 go away"
  policyctl rules list --kind client
  policyctl check client_address=192.0.2.10 sender=user@example.com recipient=postmaster@example.org
  policyctl query --addr unix:/var/spool/postfix/private/policy sender=user@example.com

Use 'policyctl <command> --help' for more information about a command.
`)
}

// loadConfig reads the daemon configuration. A missing default file falls
// back to built-in defaults.
func loadConfig(path string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || path != defaultConfigPath {
			logger.Fatalf("Failed to load configuration %s: %v", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	// Command-line tools log warnings and errors only.
	cfg.Logging.Output = "stderr"
	cfg.Logging.Level = "warn"
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return cfg
}

const defaultConfigPath = "/etc/policyd/policyd.toml"
