package audit

import (
	"context"
	"strings"
	"time"

	"clinicore.org/internal/auth"
)

// Action values recorded by the engine. The field is free-form; these are the
// values the engine itself emits.
const (
	ActionCreate           = "create"
	ActionRead             = "read"
	ActionUpdate           = "update"
	ActionDelete           = "delete"
	ActionLogin            = "login"
	ActionLogout           = "logout"
	ActionGrant            = "grant"
	ActionRevoke           = "revoke"
	ActionDeactivate       = "deactivate"
	ActionActivate         = "activate"
	ActionChangeCredential = "change_credential"
	ActionExport           = "export"
)

// Resource types recorded by the engine.
const (
	ResourceAccount      = "account"
	ResourceSession      = "session"
	ResourceGrant        = "patient_access_grant"
	ResourcePatient      = "patient"
	ResourceAppointment  = "appointment"
	ResourcePrescription = "prescription"
	ResourceDocument     = "document"
	ResourceAuditLog     = "audit_log"
)

// Entry is one immutable audit fact.
type Entry struct {
	ID             string    `json:"id"`
	ActorAccountID *string   `json:"actor_account_id"`
	ActorName      string    `json:"actor_name"`
	ActorRole      auth.Role `json:"actor_role,omitempty"`
	Action         string    `json:"action"`
	ResourceType   string    `json:"resource_type"`
	ResourceID     string    `json:"resource_id,omitempty"`
	ResourceName   string    `json:"resource_name,omitempty"`
	Details        string    `json:"details,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	IsSuccess      bool      `json:"is_success"`
	ErrorMessage   *string   `json:"error_message"`
	PrevHash       string    `json:"prev_hash,omitempty"`
	Hash           string    `json:"hash,omitempty"`
}

// ByActor starts a successful entry attributed to actor.
func ByActor(actor auth.Actor, action, resourceType, resourceID string) Entry {
	e := Entry{
		ActorName:    actor.Name,
		ActorRole:    actor.Role,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IsSuccess:    true,
	}
	if actor.ID != "" {
		id := actor.ID
		e.ActorAccountID = &id
	}
	return e
}

// Anonymous starts an entry for a caller whose identity could not be resolved.
func Anonymous(name, action, resourceType string) Entry {
	return Entry{ActorName: name, Action: action, ResourceType: resourceType, IsSuccess: true}
}

// Named sets the human-readable resource name.
func (e Entry) Named(name string) Entry {
	e.ResourceName = name
	return e
}

// Detail sets the free-text details.
func (e Entry) Detail(details string) Entry {
	e.Details = details
	return e
}

// Outcome marks the entry failed when err is non-nil.
func (e Entry) Outcome(err error) Entry {
	if err == nil {
		e.IsSuccess = true
		e.ErrorMessage = nil
		return e
	}
	msg := err.Error()
	e.IsSuccess = false
	e.ErrorMessage = &msg
	return e
}

// Recorder accepts audit entries. Implementations never fail the caller.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
