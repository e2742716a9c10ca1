package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UseMasterDBKey is the context key for the "use_master" boolean value.
	// When set on a read-intent request the router skips the replica and
	// serves the read from the write pool, for callers that must observe
	// their own writes without waiting for the transaction counter protocol.
	UseMasterDBKey = ContextKey("use_master")

	// TenantIDKey carries the tenant id of the current request for log
	// correlation.
	TenantIDKey = ContextKey("tenant_id")
)
