// Package audit records access decisions and administrative changes.
//
// # Event Types
//
// Decisions: access.decision (status allowed or denied, with the reason as
// message and the decision source in metadata)
// Rules: admin.condition_create, admin.condition_delete,
// admin.binding_upsert, admin.binding_delete
// Grants: grant.request, grant.approve, grant.deny, grant.revoke
// Objects: access.object_url
//
// # Loggers
//
// DBLogger writes to the audit_logs table. FileLogger keeps a local journal
// per UTC day. MultiLogger fans out to several loggers through bounded
// queues, so a slow sink drops events instead of blocking evaluation:
//
//	dbLogger, _ := audit.NewDBLogger(db)
//	fileLogger, _ := audit.NewFileLogger(audit.DefaultFileLoggerConfig())
//	logger := audit.NewMultiLogger(dbLogger, fileLogger)
//
//	logger.LogDecision(ctx, audit.Decision{
//		UserID:        7,
//		ProjectID:     3,
//		ResourceUID:   "1.2.840.113619.2.55",
//		ResourceLevel: "STUDY",
//		Verdict:       "DENY",
//		Reason:        "not a project member",
//		Source:        "membership",
//	})
//
// # Retention Policy
//
// DBStore.Cleanup deletes entries older than RetentionPolicy.RetentionDays.
// With archiving enabled the expiring entries are first written as NDJSON
// through an Archiver (an S3 bucket in production), and nothing is deleted
// when that write fails.
//
// Export formats: JSON, CSV, NDJSON.
package audit
