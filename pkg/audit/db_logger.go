package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DBLogger implements audit logging to PostgreSQL database
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{
		db: db,
	}

	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_logs table: %w", err)
	}

	return logger, nil
}

// ensureTable creates the audit_logs table if it doesn't exist
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		user_id BIGINT,
		project_id BIGINT,
		resource_level VARCHAR(16),
		resource_uid VARCHAR(128),
		request_id VARCHAR(100),
		ip_address VARCHAR(45),
		message TEXT,
		metadata JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_user_project ON audit_logs(user_id, project_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_resource_uid ON audit_logs(resource_uid);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_status ON audit_logs(status);
	`

	_, err := l.db.Exec(query)
	return err
}

// Log logs an audit event to the database
func (l *DBLogger) Log(ctx context.Context, event *AuditEvent) error {
	var metadataJSON []byte
	if len(event.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (
			timestamp, event_type, status,
			user_id, project_id,
			resource_level, resource_uid,
			request_id, ip_address,
			message, metadata
		) VALUES (
			$1, $2, $3,
			$4, $5,
			$6, $7,
			$8, $9,
			$10, $11
		) RETURNING id
	`

	err := l.db.QueryRowContext(ctx, query,
		event.Timestamp, event.EventType, event.Status,
		event.UserID, event.ProjectID,
		event.ResourceLevel, event.ResourceUID,
		event.RequestID, event.IPAddress,
		event.Message, metadataJSON,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// LogDecision logs one access decision
func (l *DBLogger) LogDecision(ctx context.Context, decision Decision) error {
	return l.Log(ctx, decision.Event())
}

// LogAdminAction logs a change to rules or grants
func (l *DBLogger) LogAdminAction(ctx context.Context, eventType EventType, actorID *int64, projectID *int64, resourceUID string, message string) error {
	return l.Log(ctx, adminEvent(ctx, eventType, actorID, projectID, resourceUID, message))
}

// buildWhere renders the filter as a WHERE clause with positional args.
func buildWhere(filter SearchFilter) (string, []interface{}) {
	clauses := []string{"1=1"}
	args := []interface{}{}

	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.StartTime != nil {
		add("timestamp >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		add("timestamp <= $%d", *filter.EndTime)
	}
	if filter.UserID != nil {
		add("user_id = $%d", *filter.UserID)
	}
	if filter.ProjectID != nil {
		add("project_id = $%d", *filter.ProjectID)
	}
	if len(filter.EventTypes) > 0 {
		placeholders := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			args = append(args, string(et))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.ResourceUID != "" {
		add("resource_uid = $%d", filter.ResourceUID)
	}

	return "WHERE " + strings.Join(clauses, " AND "), args
}

// Search searches audit logs based on filters
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	where, args := buildWhere(filter)

	order := "DESC"
	if strings.EqualFold(filter.SortOrder, "asc") {
		order = "ASC"
	}

	query := `
		SELECT
			id, timestamp, event_type, status,
			user_id, project_id,
			resource_level, resource_uid,
			request_id, ip_address,
			message, metadata
		FROM audit_logs
		` + where + " ORDER BY timestamp " + order + ", id " + order

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	events := make([]*AuditEvent, 0)
	for rows.Next() {
		event := &AuditEvent{
			Metadata: make(map[string]interface{}),
		}

		var userID, projectID sql.NullInt64
		var level, uid, requestID, ip, message sql.NullString
		var metadataJSON []byte

		err := rows.Scan(
			&event.ID, &event.Timestamp, &event.EventType, &event.Status,
			&userID, &projectID,
			&level, &uid,
			&requestID, &ip,
			&message, &metadataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		if userID.Valid {
			event.UserID = &userID.Int64
		}
		if projectID.Valid {
			event.ProjectID = &projectID.Int64
		}
		event.ResourceLevel = level.String
		event.ResourceUID = uid.String
		event.RequestID = requestID.String
		event.IPAddress = ip.String
		event.Message = message.String

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return events, nil
}

// Get retrieves one audit event by ID
func (l *DBLogger) Get(ctx context.Context, id int64) (*AuditEvent, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT
			id, timestamp, event_type, status,
			user_id, project_id,
			resource_level, resource_uid,
			request_id, ip_address,
			message, metadata
		FROM audit_logs
		WHERE id = $1
	`, id)

	event := &AuditEvent{Metadata: make(map[string]interface{})}
	var userID, projectID sql.NullInt64
	var level, uid, requestID, ip, message sql.NullString
	var metadataJSON []byte

	err := row.Scan(
		&event.ID, &event.Timestamp, &event.EventType, &event.Status,
		&userID, &projectID,
		&level, &uid,
		&requestID, &ip,
		&message, &metadataJSON,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}

	if userID.Valid {
		event.UserID = &userID.Int64
	}
	if projectID.Valid {
		event.ProjectID = &projectID.Int64
	}
	event.ResourceLevel = level.String
	event.ResourceUID = uid.String
	event.RequestID = requestID.String
	event.IPAddress = ip.String
	event.Message = message.String
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return event, nil
}

// GetStats retrieves audit log statistics
func (l *DBLogger) GetStats(ctx context.Context, startTime, endTime *time.Time) (*AuditStats, error) {
	stats := &AuditStats{
		EventsByType:   make(map[EventType]int64),
		EventsByStatus: make(map[EventStatus]int64),
	}

	where, args := buildWhere(SearchFilter{StartTime: startTime, EndTime: endTime})
	if startTime != nil || endTime != nil {
		stats.TimeRange = &TimeRange{}
		if startTime != nil {
			stats.TimeRange.Start = *startTime
		}
		if endTime != nil {
			stats.TimeRange.End = *endTime
		}
	}

	err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs "+where, args...).Scan(&stats.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to get total events: %w", err)
	}

	if err := l.countBy(ctx, "event_type", where, args, func(key string, n int64) {
		stats.EventsByType[EventType(key)] = n
	}); err != nil {
		return nil, fmt.Errorf("failed to get events by type: %w", err)
	}

	if err := l.countBy(ctx, "status", where, args, func(key string, n int64) {
		stats.EventsByStatus[EventStatus(key)] = n
	}); err != nil {
		return nil, fmt.Errorf("failed to get events by status: %w", err)
	}

	err = l.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT user_id) FROM audit_logs "+where+" AND user_id IS NOT NULL", args...).Scan(&stats.UniqueUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to get unique users: %w", err)
	}

	err = l.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT project_id) FROM audit_logs "+where+" AND project_id IS NOT NULL", args...).Scan(&stats.UniqueProjects)
	if err != nil {
		return nil, fmt.Errorf("failed to get unique projects: %w", err)
	}

	stats.AccessDenials = stats.EventsByStatus[EventStatusDenied]

	return stats, nil
}

func (l *DBLogger) countBy(ctx context.Context, column, where string, args []interface{}, fn func(string, int64)) error {
	rows, err := l.db.QueryContext(ctx, fmt.Sprintf("SELECT %s, COUNT(*) FROM audit_logs %s GROUP BY %s", column, where, column), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		fn(key, count)
	}
	return rows.Err()
}

// DeleteBefore removes logs older than cutoff and returns how many went.
func (l *DBLogger) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit logs: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database logger
func (l *DBLogger) Close() error {
	// The connection is shared and owned by the caller
	return nil
}
