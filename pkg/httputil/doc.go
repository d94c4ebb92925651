// Package httputil provides JSON response helpers, request parsing and the
// common HTTP middleware stack.
//
// Responses:
//
//	httputil.WriteJSON(w, http.StatusOK, result)
//	httputil.WriteForbidden(w, "not a project member")
//
// Requests:
//
//	var req EvaluateRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	ids, err := httputil.ParseQueryInt64List(r, "ids")
//
// Middleware, outermost first:
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.TimeoutMiddleware(10*time.Second),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
