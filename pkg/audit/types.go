package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Access decisions made by the decision engine
	EventTypeAccessDecision EventType = "access.decision"

	// Rule administration
	EventTypeConditionCreate EventType = "admin.condition_create"
	EventTypeConditionDelete EventType = "admin.condition_delete"
	EventTypeBindingUpsert   EventType = "admin.binding_upsert"
	EventTypeBindingDelete   EventType = "admin.binding_delete"

	// Explicit grant lifecycle
	EventTypeGrantRequest EventType = "grant.request"
	EventTypeGrantApprove EventType = "grant.approve"
	EventTypeGrantDeny    EventType = "grant.deny"
	EventTypeGrantRevoke  EventType = "grant.revoke"

	// Presigned object URL issuance
	EventTypeObjectURLIssue EventType = "access.object_url"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusAllowed EventStatus = "allowed"
	EventStatusDenied  EventStatus = "denied"
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor and scope
	UserID    *int64 `json:"user_id,omitempty"`
	ProjectID *int64 `json:"project_id,omitempty"`

	// Resource
	ResourceLevel string `json:"resource_level,omitempty"`
	ResourceUID   string `json:"resource_uid,omitempty"`

	// Request context
	RequestID string `json:"request_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`

	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*AuditEvent, error) {
	var event AuditEvent
	err := json.Unmarshal(data, &event)
	return &event, err
}

// Decision is one verdict of the decision engine.
type Decision struct {
	UserID        int64
	ProjectID     int64
	ResourceUID   string
	ResourceLevel string
	Verdict       string // ALLOW or DENY
	Reason        string
	Source        string
	RequestID     string
	Timestamp     time.Time
}

// Event converts the decision into its audit log entry.
func (d Decision) Event() *AuditEvent {
	userID, projectID := d.UserID, d.ProjectID
	status := EventStatusDenied
	if d.Verdict == "ALLOW" {
		status = EventStatusAllowed
	}
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	event := &AuditEvent{
		Timestamp:     ts,
		EventType:     EventTypeAccessDecision,
		Status:        status,
		UserID:        &userID,
		ProjectID:     &projectID,
		ResourceLevel: d.ResourceLevel,
		ResourceUID:   d.ResourceUID,
		RequestID:     d.RequestID,
		Message:       d.Reason,
		Metadata:      map[string]interface{}{},
	}
	if d.Source != "" {
		event.Metadata["source"] = d.Source
	}
	return event
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	// Time range
	StartTime *time.Time
	EndTime   *time.Time

	UserID    *int64
	ProjectID *int64

	EventTypes  []EventType
	Status      *EventStatus
	ResourceUID string

	// Pagination
	Limit  int
	Offset int

	// "asc" or "desc" on timestamp
	SortOrder string
}

// ExportFormat represents the format for exporting audit logs
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

// AuditStats represents statistics about audit logs
type AuditStats struct {
	TotalEvents    int64                 `json:"total_events"`
	EventsByType   map[EventType]int64   `json:"events_by_type"`
	EventsByStatus map[EventStatus]int64 `json:"events_by_status"`
	UniqueUsers    int64                 `json:"unique_users"`
	UniqueProjects int64                 `json:"unique_projects"`
	AccessDenials  int64                 `json:"access_denials"`
	TimeRange      *TimeRange            `json:"time_range,omitempty"`
}

// TimeRange bounds a statistics query
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RetentionPolicy defines how long audit logs should be kept
type RetentionPolicy struct {
	// RetentionDays is the number of days to keep audit logs
	RetentionDays int

	// ArchiveEnabled exports expiring logs to object storage before deletion
	ArchiveEnabled bool

	// ArchivePrefix is the object key prefix for archives
	ArchivePrefix string
}

// DefaultRetentionPolicy keeps six years of logs and archives the rest.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		RetentionDays:  6 * 365,
		ArchiveEnabled: true,
		ArchivePrefix:  "audit-archive",
	}
}
