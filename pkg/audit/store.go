package audit

import (
	"context"
	"fmt"
	"time"
)

// Store provides methods for querying and managing audit logs
type Store interface {
	// Search searches audit logs based on filters
	Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error)

	// Get retrieves a specific audit event by ID
	Get(ctx context.Context, id int64) (*AuditEvent, error)

	// GetStats retrieves audit log statistics
	GetStats(ctx context.Context, startTime, endTime *time.Time) (*AuditStats, error)

	// Export exports audit logs in the specified format
	Export(ctx context.Context, filter SearchFilter, format ExportFormat) ([]byte, error)

	// Cleanup removes audit logs older than the retention period
	Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error)
}

// Archiver stores an exported batch of events before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// DBStore implements Store interface using PostgreSQL
type DBStore struct {
	logger   *DBLogger
	archiver Archiver
	now      func() time.Time
}

// NewDBStore creates a new database-backed audit store. archiver may be nil,
// in which case Cleanup deletes without archiving.
func NewDBStore(logger *DBLogger, archiver Archiver) *DBStore {
	return &DBStore{
		logger:   logger,
		archiver: archiver,
		now:      time.Now,
	}
}

// Search searches audit logs based on filters
func (s *DBStore) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	return s.logger.Search(ctx, filter)
}

// Get retrieves a specific audit event by ID
func (s *DBStore) Get(ctx context.Context, id int64) (*AuditEvent, error) {
	return s.logger.Get(ctx, id)
}

// GetStats retrieves audit log statistics
func (s *DBStore) GetStats(ctx context.Context, startTime, endTime *time.Time) (*AuditStats, error) {
	return s.logger.GetStats(ctx, startTime, endTime)
}

// Export exports audit logs in the specified format
func (s *DBStore) Export(ctx context.Context, filter SearchFilter, format ExportFormat) ([]byte, error) {
	events, err := s.logger.Search(ctx, filter)
	if err != nil {
		return nil, err
	}

	return encodeEvents(events, format)
}

// Cleanup removes audit logs older than the retention period. When archiving
// is enabled the expiring events are written as NDJSON first, and nothing is
// deleted if that write fails.
func (s *DBStore) Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error) {
	if policy.RetentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", policy.RetentionDays)
	}

	cutoff := s.now().UTC().AddDate(0, 0, -policy.RetentionDays)

	if policy.ArchiveEnabled && s.archiver != nil {
		end := cutoff.Add(-time.Nanosecond)
		events, err := s.logger.Search(ctx, SearchFilter{EndTime: &end, SortOrder: "asc"})
		if err != nil {
			return 0, fmt.Errorf("failed to read expiring audit logs: %w", err)
		}

		if len(events) > 0 {
			body, err := encodeEvents(events, ExportFormatNDJSON)
			if err != nil {
				return 0, err
			}
			if err := s.archiver.Archive(ctx, ArchiveKey(policy.ArchivePrefix, cutoff), body); err != nil {
				return 0, fmt.Errorf("failed to archive audit logs: %w", err)
			}
		}
	}

	return s.logger.DeleteBefore(ctx, cutoff)
}

// ArchiveKey names the object holding events older than cutoff.
func ArchiveKey(prefix string, cutoff time.Time) string {
	if prefix == "" {
		prefix = "audit-archive"
	}
	return fmt.Sprintf("%s/%s/audit-before-%s.ndjson",
		prefix, cutoff.Format("2006/01/02"), cutoff.Format("20060102T150405Z"))
}
