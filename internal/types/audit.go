package types

import "time"

// AuditEventType names the audit events the core emits. Persistence of the
// audit log is an external collaborator; the core only emits.
type AuditEventType string

const (
	AuditAlgoModeSwitch    AuditEventType = "ALGO_MODE_SWITCH"
	AuditApprovalRequested AuditEventType = "APPROVAL_REQUESTED"
	AuditApprovalApproved  AuditEventType = "APPROVAL_APPROVED"
	AuditApprovalRejected  AuditEventType = "APPROVAL_REJECTED"
	AuditModuleActivated   AuditEventType = "MODULE_ACTIVATED"
	AuditModuleDeactivated AuditEventType = "MODULE_DEACTIVATED"
	AuditSessionSubmitted  AuditEventType = "SESSION_SUBMITTED"
)

// AuditEvent is the record handed to the sink.
type AuditEvent struct {
	Type      AuditEventType `json:"type"`
	Actor     string         `json:"actor"`
	Role      string         `json:"role"`
	Before    string         `json:"before,omitempty"`
	After     string         `json:"after,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	At        time.Time      `json:"at"`
}

// AuditSink receives audit events. Implementations must be safe for
// concurrent use; a failed emit must never fail the guarded operation.
type AuditSink interface {
	Emit(event AuditEvent)
}

// NopAuditSink discards events. Used in tests and when no sink is configured.
type NopAuditSink struct{}

func (NopAuditSink) Emit(AuditEvent) {}
