// Package policy implements the server side of the Postfix SMTP access
// policy delegation protocol (SMTPD_POLICY_README).
//
// The package provides:
//   - An attribute codec (name=value lines, %XX value escaping)
//   - A bounded request reader that assembles attribute blocks
//   - A per-connection loop that alternates requests and responses
//   - A listener server and a small client for testing policies
//
// # Wire Format
//
// Postfix sends one request per attribute block and waits for exactly one
// response before sending the next:
//
//	request=smtpd_access_policy
//	protocol_state=RCPT
//	client_address=192.0.2.10
//	sender=alice@example.com
//	recipient=bob@example.net
//	<empty line>
//
// The server answers with a single action line followed by an empty line:
//
//	action=DEFER_IF_PERMIT 4.7.1 Service temporarily unavailable
//	<empty line>
//
// # Writing a Handler
//
//	h := policy.HandlerFunc(func(ctx context.Context, req *policy.Request) (policy.Action, error) {
//		if strings.HasSuffix(req.Sender(), "@spam.example") {
//			return policy.Reject("5.7.1 sender blocked"), nil
//		}
//		return policy.Dunno(), nil
//	})
//
//	err := policy.ServeConn(ctx, conn, h, policy.ConnOptions{
//		HandlerTimeout: 10 * time.Second,
//	})
//
// A handler error ends the connection without a response unless
// ConnOptions.FallbackAction is set. Postfix treats a dropped policy
// connection as a temporary failure and retries the query.
//
// # Termination
//
// Serve returns nil when Postfix closes the connection between requests and
// a *SessionError otherwise. ReasonOf classifies the result.
package policy
