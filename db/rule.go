package db

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/server/policy"
)

// Rule is one access table entry: when a lookup key derived from the
// request attribute named by Kind equals Key, Action is returned.
type Rule struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Key       string    `json:"key"`
	Action    string    `json:"action"`
	Argument  string    `json:"argument,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PolicyAction returns the rule's action in wire form.
func (r *Rule) PolicyAction() policy.Action {
	return policy.Action{Verb: r.Action, Argument: r.Argument}
}

// Normalize lowercases the kind and key and uppercases the verb. Keys are
// compared case-insensitively, as Postfix does for access tables.
func (r *Rule) Normalize() {
	r.Kind = strings.ToLower(strings.TrimSpace(r.Kind))
	r.Key = strings.ToLower(strings.TrimSpace(r.Key))
	r.Action = strings.ToUpper(strings.TrimSpace(r.Action))
	r.Argument = strings.TrimSpace(r.Argument)
}

// Validate checks that the rule can be stored and later written to Postfix.
func (r *Rule) Validate() error {
	if !slices.Contains(config.CheckKinds, r.Kind) {
		return fmt.Errorf("%w: unknown kind %q", consts.ErrInvalidRule, r.Kind)
	}
	if r.Key == "" {
		return fmt.Errorf("%w: empty key", consts.ErrInvalidRule)
	}
	if strings.ContainsAny(r.Key, " \t\r\n") {
		return fmt.Errorf("%w: key %q contains whitespace", consts.ErrInvalidRule, r.Key)
	}
	if err := r.PolicyAction().Validate(); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrInvalidRule, err)
	}
	return nil
}

// mostSpecific picks, among rules matching any of keys, the one whose key
// comes first in keys. Lookup keys are ordered from most to least specific.
func mostSpecific(rules []Rule, keys []string) (*Rule, bool) {
	best := -1
	var found *Rule
	for i := range rules {
		idx := slices.Index(keys, rules[i].Key)
		if idx < 0 {
			continue
		}
		if best < 0 || idx < best {
			best = idx
			found = &rules[i]
		}
	}
	return found, found != nil
}
