package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/db"
	"github.com/migadu/policyd/logger"
)

func handleRulesCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printRulesUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "list":
		handleRulesList(ctx)
	case "add":
		handleRulesAdd(ctx)
	case "delete":
		handleRulesDelete(ctx)
	case "help", "--help", "-h":
		printRulesUsage()
	default:
		fmt.Printf("Unknown rules subcommand: %s\n\n", os.Args[2])
		printRulesUsage()
		os.Exit(1)
	}
}

func printRulesUsage() {
	fmt.Printf(`Access rule management

Usage:
  policyctl rules <subcommand> [options]

Subcommands:
  list      List rules, optionally of one kind
  add       Add a rule
  delete    Delete a rule by id

Kinds: client, client_name, reverse_client_name, helo, sasl, sender, recipient

Running daemons cache lookups; changes made here are seen once the cached
entries expire, or immediately after POST /api/v1/cache/purge.

Examples:
  policyctl rules add --kind client --key 192.0.2 --action REJECT --argument "5.7.1 network blocked"
  policyctl rules add --kind sender --key "<>" --action DUNNO --comment "bounces go through"
  policyctl rules list --kind sender
  policyctl rules delete 42
`)
}

func openStore(ctx context.Context, cfg *config.DatabaseConfig) db.Store {
	store, err := db.Open(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to open rule store: %v", err)
	}
	return store
}

func handleRulesList(ctx context.Context) {
	fs := flag.NewFlagSet("rules list", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to TOML configuration file")
	kind := fs.String("kind", "", "Only list rules of this kind")
	fs.Parse(os.Args[3:])

	cfg := loadConfig(*configPath)
	store := openStore(ctx, &cfg.Database)
	defer store.Close()

	rules, err := store.ListRules(ctx, *kind)
	if err != nil {
		logger.Fatalf("Failed to list rules: %v", err)
	}
	if len(rules) == 0 {
		fmt.Println("No rules found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tKEY\tACTION\tCREATED\tCOMMENT")
	for _, r := range rules {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Kind, r.Key, r.PolicyAction().String(), humanize.Time(r.CreatedAt), r.Comment)
	}
	w.Flush()
	fmt.Printf("\n%s rule(s)\n", humanize.Comma(int64(len(rules))))
}

func handleRulesAdd(ctx context.Context) {
	fs := flag.NewFlagSet("rules add", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to TOML configuration file")
	kind := fs.String("kind", "", "Check kind the rule belongs to (required)")
	key := fs.String("key", "", "Lookup key, e.g. 192.0.2, example.com, user@ (required)")
	action := fs.String("action", "", "Action verb, e.g. OK, REJECT, DEFER_IF_PERMIT (required)")
	argument := fs.String("argument", "", "Optional text after the verb")
	comment := fs.String("comment", "", "Free-form note")
	fs.Parse(os.Args[3:])

	if *kind == "" || *key == "" || *action == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	store := openStore(ctx, &cfg.Database)
	defer store.Close()

	rule := &db.Rule{Kind: *kind, Key: *key, Action: *action, Argument: *argument, Comment: *comment}
	if err := store.AddRule(ctx, rule); err != nil {
		if errors.Is(err, consts.ErrRuleExists) {
			logger.Fatalf("A %s rule for %q already exists", rule.Kind, rule.Key)
		}
		logger.Fatalf("Failed to add rule: %v", err)
	}
	fmt.Printf("Added rule %d: %s %s %s\n", rule.ID, rule.Kind, rule.Key, rule.PolicyAction().String())
}

func handleRulesDelete(ctx context.Context) {
	fs := flag.NewFlagSet("rules delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: policyctl rules delete [--config path] <id>")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		logger.Fatalf("Invalid rule id: %v", err)
	}

	cfg := loadConfig(*configPath)
	store := openStore(ctx, &cfg.Database)
	defer store.Close()

	if err := store.DeleteRule(ctx, id); err != nil {
		if errors.Is(err, consts.ErrRuleNotFound) {
			logger.Fatalf("Rule %d not found", id)
		}
		logger.Fatalf("Failed to delete rule: %v", err)
	}
	fmt.Printf("Deleted rule %d\n", id)
}
