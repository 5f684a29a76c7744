package domain

import "time"

// Audit actions recorded across the token lifecycle.
const (
	AuditOAuthInitiated = "oauth_initiated"
	AuditTokenExchanged = "token_exchanged"
	AuditTokenRefreshed = "token_refreshed"
	AuditDisconnected   = "disconnected"
	AuditConfigDeleted  = "config_deleted"
)

// Audit statuses.
const (
	AuditSuccess = "success"
	AuditFailed  = "failed"
)

// AuditLogEntry is append-only and outlives the config it references; the
// foreign key is nulled on config deletion, never cascaded.
type AuditLogEntry struct {
	ID        int64
	ConfigID  *int64
	UserID    string
	Action    string
	Status    string
	Details   map[string]any
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}
