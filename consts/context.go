package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// SessionIDKey carries the policy session ID so that lookups deep in the
	// access engine can be correlated with the connection in the logs.
	SessionIDKey = ContextKey("session_id")

	// ServerNameKey carries the name of the [[server]] that accepted the
	// connection.
	ServerNameKey = ContextKey("server_name")
)
