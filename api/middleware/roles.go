package middleware

import (
	"net/http"
	"slices"

	"github.com/streamclub/allocator/api/responses"
	"github.com/streamclub/allocator/pkg/enums"
	pkgerrors "github.com/streamclub/allocator/pkg/errors"
	"github.com/streamclub/allocator/pkg/logger"
)

// RequireRole admits callers whose token role is one of allowed. It runs after
// Auth; an anonymous request carries no role and is rejected the same way.
func RequireRole(logg *logger.Logger, allowed ...enums.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if role := RoleFromContext(r.Context()); role == "" || !slices.Contains(allowed, role) {
				err := pkgerrors.New(pkgerrors.CodeForbidden, "insufficient role").
					WithDetails(map[string]any{"required": allowed})
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
