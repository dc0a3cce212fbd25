package access

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/server/policy"
)

// FallbackAction builds the action written when the engine cannot answer,
// typically because the rule store is down. It returns nil when no fallback
// is configured, in which case the connection is dropped.
//
// The verb may be an access(5) verb or a three-digit reply code such as
// "451"; Postfix uses a numeric verb as the exact SMTP reply code. DEFER and
// REJECT style verbs get a default enhanced status code and text.
func FallbackAction(cfg *config.AccessConfig) (*policy.Action, error) {
	verb := strings.ToUpper(strings.TrimSpace(cfg.FallbackAction))
	if verb == "" {
		return nil, nil
	}

	reply := &smtp.SMTPError{Message: cfg.FallbackArgument}
	if cfg.FallbackEnhancedCode != "" {
		code, err := parseEnhancedCode(cfg.FallbackEnhancedCode)
		if err != nil {
			return nil, fmt.Errorf("invalid access.fallback_enhanced_code: %w", err)
		}
		reply.EnhancedCode = code
	}

	class := replyClass(verb)
	if class != 0 {
		if reply.EnhancedCode == (smtp.EnhancedCode{}) {
			reply.EnhancedCode = smtp.EnhancedCode{class, 3, 0}
		} else if reply.EnhancedCode[0] != class {
			return nil, fmt.Errorf("access.fallback_enhanced_code %s does not match %s", cfg.FallbackEnhancedCode, verb)
		}
		if reply.Message == "" {
			reply.Message = "Policy service unavailable"
			if class == 4 {
				reply.Message = "Policy service temporarily unavailable"
			}
		}
	}

	act := policy.FromSMTPError(verb, reply)
	if err := act.Validate(); err != nil {
		return nil, fmt.Errorf("access.fallback_action: %w", err)
	}
	return &act, nil
}

// replyClass is 4 for verbs that defer, 5 for verbs that reject and 0 for
// verbs that carry no SMTP reply.
func replyClass(verb string) int {
	switch verb {
	case policy.VerbDefer, policy.VerbDeferIfPermit, policy.VerbDeferIfReject:
		return 4
	case policy.VerbReject:
		return 5
	}
	if n, err := strconv.Atoi(verb); err == nil && len(verb) == 3 && (n/100 == 4 || n/100 == 5) {
		return n / 100
	}
	return 0
}

func parseEnhancedCode(s string) (smtp.EnhancedCode, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return smtp.EnhancedCode{}, fmt.Errorf("%q: want class.subject.detail", s)
	}
	var code smtp.EnhancedCode
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 999 {
			return smtp.EnhancedCode{}, fmt.Errorf("%q: want class.subject.detail", s)
		}
		code[i] = n
	}
	if code[0] != 2 && code[0] != 4 && code[0] != 5 {
		return smtp.EnhancedCode{}, fmt.Errorf("%q: class must be 2, 4 or 5", s)
	}
	return code, nil
}
