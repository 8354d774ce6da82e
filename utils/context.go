package utils

type contextKey string

// Request-scoped context keys populated by HTTP handlers
const (
	RequestIDKey contextKey = "request_id"
	UserAgentKey contextKey = "user_agent"
	IPAddressKey contextKey = "ip_address"
	EndpointKey  contextKey = "endpoint"
	TimeoutKey   contextKey = "timeout"
	TenantIDKey  contextKey = "tenant_id"
)
