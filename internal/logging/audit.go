package logging

import "context"

// AuditEvent represents a value-moving or privileged operation that should be
// logged for reconciliation.
type AuditEvent struct {
	Operation string // e.g. "beneficiary_withdraw", "swap_pools", "api_key_created"
	Actor     string // caller wallet address or API key prefix
	Target    string // service, record or recipient affected
	Result    string // "success" or "failure"
	Details   string // amounts and other context
}

// Audit logs a sensitive operation with structured fields.
// Audit events are logged at Info level with a special "audit" attribute
// to distinguish them from regular application logs.
func Audit(event AuditEvent) {
	AuditContext(context.Background(), event)
}

// AuditContext is Audit with a context for handlers that carry request values.
func AuditContext(ctx context.Context, event AuditEvent) {
	Logger().InfoContext(ctx, "audit",
		"audit", true,
		"operation", event.Operation,
		"actor", event.Actor,
		"target", event.Target,
		"result", event.Result,
		"details", event.Details,
	)
}
