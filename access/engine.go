// Package access answers policy requests from access(5)-style rule tables.
//
// Each configured check derives lookup keys from one request attribute and
// asks the store for the most specific matching rule. The first check with
// a match decides; a DUNNO rule ends its own check and moves on to the next
// one, like DUNNO in a Postfix access table. When nothing matches the
// default action is returned.
package access

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/db"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/circuitbreaker"
	"github.com/migadu/policyd/pkg/decisioncache"
	"github.com/migadu/policyd/pkg/metrics"
	"github.com/migadu/policyd/server/policy"
)

// RuleFinder is the part of db.Store the engine needs.
type RuleFinder interface {
	FindRule(ctx context.Context, kind string, keys []string) (*db.Rule, error)
}

// Decision explains an answer.
type Decision struct {
	Action     policy.Action `json:"-"`
	Verdict    string        `json:"action"`
	Kind       string        `json:"kind,omitempty"`        // empty for the default action
	Key        string        `json:"key,omitempty"`         // request value the rule matched for
	MatchedKey string        `json:"matched_key,omitempty"` // table key of the rule
	RuleID     int64         `json:"rule_id,omitempty"`
	Cached     bool          `json:"cached"`
}

type Options struct {
	Checks        []string
	DefaultAction policy.Action
	Cache         *decisioncache.Cache           // nil disables caching
	Breaker       *circuitbreaker.CircuitBreaker // nil disables the breaker
}

// Engine implements policy.Handler.
type Engine struct {
	finder        RuleFinder
	checks        []string
	defaultAction policy.Action
	cache         *decisioncache.Cache
	breaker       *circuitbreaker.CircuitBreaker
}

func NewEngine(finder RuleFinder, opts Options) (*Engine, error) {
	if finder == nil {
		return nil, errors.New("access: rule finder is required")
	}
	if len(opts.Checks) == 0 {
		opts.Checks = config.CheckKinds
	}
	for _, c := range opts.Checks {
		if !slices.Contains(config.CheckKinds, c) {
			return nil, fmt.Errorf("access: unknown check %q", c)
		}
	}
	if opts.DefaultAction.Verb == "" {
		opts.DefaultAction = policy.Dunno()
	}
	if err := opts.DefaultAction.Validate(); err != nil {
		return nil, fmt.Errorf("access: default action: %w", err)
	}

	return &Engine{
		finder:        finder,
		checks:        append([]string(nil), opts.Checks...),
		defaultAction: opts.DefaultAction,
		cache:         opts.Cache,
		breaker:       opts.Breaker,
	}, nil
}

// NewEngineFromConfig builds the engine with the cache and circuit breaker
// described by cfg.
func NewEngineFromConfig(finder RuleFinder, cfg *config.AccessConfig) (*Engine, error) {
	opts := Options{
		Checks:        cfg.GetChecks(),
		DefaultAction: policy.Action{Verb: cfg.GetDefaultAction(), Argument: cfg.DefaultArgument},
	}

	cb := cfg.CircuitBreaker
	settings := circuitbreaker.DefaultSettings("rule_store")
	settings.MaxRequests = cb.GetMaxRequests()
	settings.ReadyToTrip = circuitbreaker.RatioTrip(cb.GetMinRequests(), cb.GetFailureRatio())
	var err error
	if settings.Interval, err = cb.GetInterval(); err != nil {
		return nil, fmt.Errorf("invalid circuit_breaker.interval: %w", err)
	}
	if settings.Timeout, err = cb.GetTimeout(); err != nil {
		return nil, fmt.Errorf("invalid circuit_breaker.timeout: %w", err)
	}
	opts.Breaker = circuitbreaker.NewCircuitBreaker(settings)

	if cfg.Cache.Enabled {
		positiveTTL, err := cfg.Cache.GetPositiveTTL()
		if err != nil {
			return nil, fmt.Errorf("invalid cache.positive_ttl: %w", err)
		}
		negativeTTL, err := cfg.Cache.GetNegativeTTL()
		if err != nil {
			return nil, fmt.Errorf("invalid cache.negative_ttl: %w", err)
		}
		cleanupInterval, err := cfg.Cache.GetCleanupInterval()
		if err != nil {
			return nil, fmt.Errorf("invalid cache.cleanup_interval: %w", err)
		}
		opts.Cache = decisioncache.New(positiveTTL, negativeTTL, cfg.Cache.GetMaxSize(), cleanupInterval)
	}

	e, err := NewEngine(finder, opts)
	if err != nil && opts.Cache != nil {
		opts.Cache.Stop(context.Background())
	}
	return e, err
}

// HandlePolicy answers a policy request.
func (e *Engine) HandlePolicy(ctx context.Context, req *policy.Request) (policy.Action, error) {
	d, err := e.Evaluate(ctx, req)
	if err != nil {
		return policy.Action{}, err
	}
	return d.Action, nil
}

// Evaluate runs the checks against req and reports which rule decided.
func (e *Engine) Evaluate(ctx context.Context, req *policy.Request) (Decision, error) {
	log := logger.Get()
	if id, ok := ctx.Value(consts.SessionIDKey).(string); ok {
		log = log.With("session", id)
	}

	if t := req.Type(); t != "" && t != policy.RequestTypeAccessPolicy {
		log.Debug("Access: ignoring request type", "request", t)
		return e.decide(policy.Dunno(), "", "", nil, false), nil
	}

	for _, kind := range e.checks {
		keys := LookupKeys(kind, req)
		if len(keys) == 0 {
			continue
		}

		entry, cached, err := e.lookup(ctx, kind, keys)
		if err != nil {
			metrics.AccessLookupsTotal.WithLabelValues(kind, "error").Inc()
			return Decision{}, fmt.Errorf("%s lookup: %w", kind, err)
		}
		if !entry.Found {
			metrics.AccessLookupsTotal.WithLabelValues(kind, "miss").Inc()
			continue
		}
		metrics.AccessLookupsTotal.WithLabelValues(kind, "match").Inc()

		if strings.EqualFold(entry.Action, policy.VerbDunno) {
			log.Debug("Access: DUNNO rule, trying next check", "kind", kind, "key", keys[0], "rule", entry.RuleID)
			continue
		}

		act := policy.Action{Verb: entry.Action, Argument: entry.Argument}
		log.Debug("Access: rule matched", "kind", kind, "key", keys[0], "matched", entry.Key, "rule", entry.RuleID, "action", act.String(), "cached", cached)
		return e.decide(act, kind, keys[0], entry, cached), nil
	}

	return e.decide(e.defaultAction, "", "", nil, false), nil
}

func (e *Engine) decide(act policy.Action, kind, key string, entry *decisioncache.Entry, cached bool) Decision {
	label := kind
	if label == "" {
		label = "default"
	}
	metrics.AccessDecisionsTotal.WithLabelValues(verbLabel(act.Verb), label).Inc()
	d := Decision{Action: act, Verdict: act.String(), Kind: kind, Key: key, Cached: cached}
	if entry != nil {
		d.MatchedKey = entry.Key
		d.RuleID = entry.RuleID
	}
	return d
}

// lookup consults the cache, then the store. keys[0] is the request value
// itself and determines the rest of the key list, so it is the cache key.
func (e *Engine) lookup(ctx context.Context, kind string, keys []string) (*decisioncache.Entry, bool, error) {
	if e.cache == nil {
		entry, err := e.fetch(ctx, kind, keys)
		if err != nil {
			return nil, false, err
		}
		return &entry, false, nil
	}
	return e.cache.GetOrFetch(ctx, kind, keys[0], func(ctx context.Context) (decisioncache.Entry, error) {
		return e.fetch(ctx, kind, keys)
	})
}

func (e *Engine) fetch(ctx context.Context, kind string, keys []string) (decisioncache.Entry, error) {
	find := func(ctx context.Context) (*db.Rule, error) {
		r, err := e.finder.FindRule(ctx, kind, keys)
		if errors.Is(err, consts.ErrRuleNotFound) {
			return nil, nil
		}
		return r, err
	}

	var (
		r   *db.Rule
		err error
	)
	if e.breaker != nil {
		r, err = circuitbreaker.Execute(ctx, e.breaker, find)
	} else {
		r, err = find(ctx)
	}
	if err != nil {
		if circuitbreaker.IsRejection(err) {
			return decisioncache.Entry{}, fmt.Errorf("%w: %w", consts.ErrStoreUnavailable, err)
		}
		return decisioncache.Entry{}, err
	}
	if r == nil {
		return decisioncache.Entry{Found: false}, nil
	}
	return decisioncache.Entry{Found: true, RuleID: r.ID, Key: r.Key, Action: r.Action, Argument: r.Argument}, nil
}

// PurgeCache drops every cached lookup. Called after the rule table
// changes, since one rule may affect many cached request values.
func (e *Engine) PurgeCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// Cache returns the decision cache, or nil when caching is disabled.
func (e *Engine) Cache() *decisioncache.Cache {
	return e.cache
}

// Breaker returns the store circuit breaker, or nil.
func (e *Engine) Breaker() *circuitbreaker.CircuitBreaker {
	return e.breaker
}

// Close stops the cache's cleanup goroutine.
func (e *Engine) Close(ctx context.Context) error {
	if e.cache != nil {
		return e.cache.Stop(ctx)
	}
	return nil
}

func verbLabel(verb string) string {
	if policy.IsKnownVerb(verb) {
		return strings.ToUpper(verb)
	}
	return "other"
}
