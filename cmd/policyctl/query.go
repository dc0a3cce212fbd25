package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/migadu/policyd/access"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/server/policy"
)

// parseAttributes turns name=value arguments into a request. The request
// type defaults to smtpd_access_policy.
func parseAttributes(args []string) (*policy.Request, error) {
	req := policy.NewRequest()
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid attribute %q: want name=value", arg)
		}
		req.Set(name, value)
	}
	if _, ok := req.Lookup(policy.AttrRequest); !ok {
		req.Set(policy.AttrRequest, policy.RequestTypeAccessPolicy)
	}
	return req, nil
}

func handleQuery(ctx context.Context) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	addr := fs.String("addr", "inet:127.0.0.1:10040", "Policy service address (unix:/path, inet:host:port)")
	timeout := fs.Duration("timeout", 10*time.Second, "Timeout per request")
	stdin := fs.Bool("stdin", false, "Read request blocks in wire format from stdin instead of arguments")
	fs.Usage = func() {
		fmt.Println("Usage: policyctl query [--addr addr] [--timeout 10s] name=value ...")
		fmt.Println("       policyctl query [--addr addr] --stdin < requests.txt")
		fmt.Println("Sends requests over one connection and prints each action.")
	}
	fs.Parse(os.Args[2:])

	var requests []*policy.Request
	if *stdin {
		r := policy.NewReader(os.Stdin, policy.DefaultLimits(), false)
		for {
			req, err := r.ReadRequest()
			if errors.Is(err, policy.ErrConnectionClosed) {
				break
			}
			if err != nil {
				logger.Fatalf("Failed to read request from stdin: %v", err)
			}
			requests = append(requests, req)
		}
	} else {
		req, err := parseAttributes(fs.Args())
		if err != nil {
			logger.Fatalf("%v", err)
		}
		requests = append(requests, req)
	}

	client, err := policy.Dial(ctx, *addr)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	defer client.Close()

	for _, req := range requests {
		qctx, cancel := context.WithTimeout(ctx, *timeout)
		start := time.Now()
		action, err := client.Query(qctx, req)
		cancel()
		if err != nil {
			logger.Fatalf("Query failed: %v", err)
		}
		fmt.Printf("action=%s\t(%s)\n", action.String(), time.Since(start).Round(time.Microsecond))
	}
}

func handleCheck(ctx context.Context) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: policyctl check [--config path] name=value ...")
		fmt.Println("Evaluates one request against the rule database with the configured checks.")
	}
	fs.Parse(os.Args[2:])

	req, err := parseAttributes(fs.Args())
	if err != nil {
		logger.Fatalf("%v", err)
	}

	cfg := loadConfig(*configPath)
	cfg.Access.Cache.Enabled = false

	store := openStore(ctx, &cfg.Database)
	defer store.Close()

	engine, err := access.NewEngineFromConfig(store, &cfg.Access)
	if err != nil {
		logger.Fatalf("Failed to build access engine: %v", err)
	}
	defer engine.Close(context.Background())

	d, err := engine.Evaluate(ctx, req)
	if err != nil {
		logger.Fatalf("Evaluation failed: %v", err)
	}

	fmt.Printf("action=%s\n", d.Verdict)
	if d.Kind == "" {
		fmt.Println("matched: no rule, default action")
		return
	}
	fmt.Printf("matched: rule %d (%s %s) for %s\n", d.RuleID, d.Kind, d.MatchedKey, d.Key)
}
