package rbac

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pacsgate/pkg/contextkeys"
	"github.com/platinummonkey/pacsgate/pkg/httputil"
	"github.com/platinummonkey/pacsgate/pkg/middleware"
	"github.com/platinummonkey/pacsgate/pkg/observability"
)

// levelParams names the mux variable holding the UID at each level.
var levelParams = map[ResourceLevel]string{
	LevelStudy:    "study_uid",
	LevelSeries:   "series_uid",
	LevelInstance: "instance_uid",
}

// Guard admits a request only when the caller may access the resource
// addressed by its path.
type Guard struct {
	evaluator Evaluator
	logger    *observability.Logger
}

// NewGuard creates a guard backed by evaluator.
func NewGuard(evaluator Evaluator, logger *observability.Logger) *Guard {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return &Guard{evaluator: evaluator, logger: logger}
}

// Require evaluates the {project_id} and level UID path variables.
// Denials become 403; missing resources 404; store failures 503. Ancestor
// UIDs present in the path must match the resource's real ancestors.
func (g *Guard) Require(level ResourceLevel) func(http.Handler) http.Handler {
	param := levelParams[level]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := middleware.UserID(r)
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			projectID, ok := httputil.ParsePathInt64OrError(w, r, "project_id")
			if !ok {
				return
			}
			uid, ok := httputil.ParsePathUIDOrError(w, r, param)
			if !ok {
				return
			}

			result, err := g.evaluator.Evaluate(r.Context(), EvaluationRequest{
				UserID:        userID,
				ProjectID:     projectID,
				ResourceUID:   uid,
				ResourceLevel: level,
			})
			if err != nil {
				writeError(w, g.logger, err)
				return
			}
			if !result.Allowed {
				httputil.WriteErrorResponse(w, http.StatusForbidden, httputil.ErrorResponse{
					Error:   "access denied",
					Details: map[string]string{"reason": result.Reason},
				})
				return
			}
			if !pathMatchesLineage(r, result.Lineage()) {
				httputil.WriteNotFoundError(w, "resource not found")
				return
			}

			ctx := contextkeys.WithEvaluation(r.Context(), result)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func pathMatchesLineage(r *http.Request, lineage Lineage) bool {
	vars := mux.Vars(r)
	for _, node := range lineage {
		if uid, ok := vars[levelParams[node.Level]]; ok && uid != node.UID {
			return false
		}
	}
	return true
}

// EvaluationFromRequest returns the result stored by Guard.
func EvaluationFromRequest(r *http.Request) (*EvaluationResult, bool) {
	result, ok := r.Context().Value(contextkeys.EvaluationKey).(*EvaluationResult)
	return result, ok
}

// writeError maps err to its status. Server-side failures are logged and
// their details withheld from the client.
func writeError(w http.ResponseWriter, logger *observability.Logger, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.WithError(err).Error("request failed")
		httputil.WriteErrorMessage(w, status, http.StatusText(status))
		return
	}
	httputil.WriteError(w, status, err)
}
