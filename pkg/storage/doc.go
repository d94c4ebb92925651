// Package storage holds the configuration shared by the storage backends.
//
// The backends themselves live in storage/postgres: a ConnectionManager
// for the Postgres primary and its read replicas, a Redis client backing
// the shared tier of the condition cache, and an S3 client that issues
// presigned instance URLs and receives audit archives.
//
//	cfg := storage.DefaultConfig()
//	cfg.PostgresURL = "postgres://pacs@localhost/pacsgate?sslmode=disable"
//	cfg.PostgresReplicaURLs = "postgres://pacs@replica-1/pacsgate,postgres://pacs@replica-2/pacsgate"
//	cfg.RedisURL = "redis://localhost:6379/0"
//	cfg.S3Bucket = "pacs-objects"
package storage
