package utils

import (
	"time"
)

// Scheduling defaults
const (
	// DefaultSchedulingTimezone is the deployment-wide zone used to decide "due"
	DefaultSchedulingTimezone = "Asia/Kolkata"

	// DefaultCreationGrace is how far in the past a new event may be scheduled
	DefaultCreationGrace = 5 * time.Minute

	// DefaultPollInterval is the pause between poll cycles
	DefaultPollInterval = 10 * time.Second

	// DefaultStaleTimeout is how long a processing lock may be held before recovery
	DefaultStaleTimeout = 5 * time.Minute

	// DefaultSendTimeout bounds one send-template call
	DefaultSendTimeout = 60 * time.Second
)

// Request header names
const (
	HeaderTenantID   = "X-Tenant-Id"
	HeaderServiceKey = "X-Service-Key"
	HeaderRequestID  = "X-Request-ID"
)
