// Package contextkeys holds every context key shared across packages.
//
// Keys live here so that the identity middleware, the HTTP stack and the
// decision engine agree on names and value types:
//
//	ctx = contextkeys.WithUserID(ctx, 42)
//	userID, ok := contextkeys.GetUserID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, audit trail, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// UserIDKey contains the authenticated caller's user ID
	// Set by: middleware.Identity (pkg/middleware/identity.go)
	// Used by: access guard, admin handlers recording the actor
	// Type: int64
	UserIDKey Key = "user_id"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.LoggingMiddleware
	// Type: *observability.Logger
	LoggerKey Key = "logger"

	// EvaluationKey contains the *rbac.EvaluationResult that let a guarded
	// request through
	// Set by: rbac.Guard
	// Used by: handlers that apply the result's constraints
	EvaluationKey Key = "access_evaluation"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	return userID, ok
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithEvaluation stores the decision that admitted the request
func WithEvaluation(ctx context.Context, result interface{}) context.Context {
	return context.WithValue(ctx, EvaluationKey, result)
}
