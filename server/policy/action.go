package policy

import (
	"fmt"
	"strings"

	"github.com/emersion/go-smtp"
)

// Action verbs understood by Postfix (access(5)). The set is open: any other
// verb is written to the wire unchanged.
const (
	VerbOK            = "OK"
	VerbDunno         = "DUNNO"
	VerbReject        = "REJECT"
	VerbDefer         = "DEFER"
	VerbDeferIfPermit = "DEFER_IF_PERMIT"
	VerbDeferIfReject = "DEFER_IF_REJECT"
	VerbHold          = "HOLD"
	VerbDiscard       = "DISCARD"
	VerbFilter        = "FILTER"
	VerbPrepend       = "PREPEND"
	VerbBCC           = "BCC"
	VerbRedirect      = "REDIRECT"
	VerbInfo          = "INFO"
	VerbWarn          = "WARN"
)

var knownVerbs = map[string]struct{}{
	VerbOK: {}, VerbDunno: {}, VerbReject: {}, VerbDefer: {}, VerbDeferIfPermit: {},
	VerbDeferIfReject: {}, VerbHold: {}, VerbDiscard: {}, VerbFilter: {}, VerbPrepend: {},
	VerbBCC: {}, VerbRedirect: {}, VerbInfo: {}, VerbWarn: {},
}

// IsKnownVerb reports whether verb is one of the documented Postfix actions.
// Unknown verbs are still valid on the wire.
func IsKnownVerb(verb string) bool {
	_, ok := knownVerbs[strings.ToUpper(verb)]
	return ok
}

// Action is the verdict returned to Postfix for one request.
type Action struct {
	Verb     string
	Argument string
}

func (a Action) String() string {
	if a.Argument == "" {
		return a.Verb
	}
	return a.Verb + " " + a.Argument
}

// Validate checks that the action can be framed on the wire.
func (a Action) Validate() error {
	if a.Verb == "" {
		return fmt.Errorf("%w: empty verb", ErrInvalidAction)
	}
	if strings.ContainsAny(a.Verb, " \t\r\n") {
		return fmt.Errorf("%w: verb %q contains whitespace", ErrInvalidAction, a.Verb)
	}
	if strings.ContainsAny(a.Argument, "\r\n") {
		return fmt.Errorf("%w: argument contains a line break", ErrInvalidAction)
	}
	return nil
}

func OK() Action                       { return Action{Verb: VerbOK} }
func Dunno() Action                    { return Action{Verb: VerbDunno} }
func Reject(text string) Action        { return Action{Verb: VerbReject, Argument: text} }
func Defer(text string) Action         { return Action{Verb: VerbDefer, Argument: text} }
func DeferIfPermit(text string) Action { return Action{Verb: VerbDeferIfPermit, Argument: text} }
func DeferIfReject(text string) Action { return Action{Verb: VerbDeferIfReject, Argument: text} }
func Hold(text string) Action          { return Action{Verb: VerbHold, Argument: text} }
func Discard(text string) Action       { return Action{Verb: VerbDiscard, Argument: text} }
func Info(text string) Action          { return Action{Verb: VerbInfo, Argument: text} }
func Warn(text string) Action          { return Action{Verb: VerbWarn, Argument: text} }

// Filter routes the message through the given content filter (transport:destination).
func Filter(transport string) Action { return Action{Verb: VerbFilter, Argument: transport} }

// Prepend adds a header line to the message.
func Prepend(name, value string) Action {
	return Action{Verb: VerbPrepend, Argument: name + ": " + value}
}

// BCC sends a blind copy of the message to addr.
func BCC(addr string) Action { return Action{Verb: VerbBCC, Argument: addr} }

// Redirect delivers the message to addr instead of its recipients.
func Redirect(addr string) Action { return Action{Verb: VerbRedirect, Argument: addr} }

// FromSMTPError turns an SMTP reply into an action with the given verb. The
// argument carries the numeric code, the enhanced status code (when set) and
// the message, which Postfix relays to the client verbatim.
func FromSMTPError(verb string, err *smtp.SMTPError) Action {
	if err == nil {
		return Action{Verb: verb}
	}
	var b strings.Builder
	if err.Code > 0 {
		fmt.Fprintf(&b, "%d", err.Code)
	}
	if err.EnhancedCode != (smtp.EnhancedCode{}) && err.EnhancedCode != smtp.NoEnhancedCode {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d.%d.%d", err.EnhancedCode[0], err.EnhancedCode[1], err.EnhancedCode[2])
	}
	if msg := sanitizeText(err.Message); msg != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(msg)
	}
	return Action{Verb: verb, Argument: b.String()}
}

// sanitizeText folds line breaks into spaces so free text can be used as an
// action argument.
func sanitizeText(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.Join(strings.Fields(strings.NewReplacer("\r", " ", "\n", " ").Replace(s)), " ")
}
