package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/httpx"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/observability"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/rbac"
)

// RequireRole aborts the request with 403 Forbidden when the authenticated user
// lacks any of the provided roles.
func RequireRole(required ...rbac.Role) func(http.Handler) http.Handler {
	roles := rbac.Roles(required)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				forbidden(w, r, "")
				return
			}
			if len(roles) > 0 && !rbac.HasAnyRole(user.Roles, roles) {
				forbidden(w, r, "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireCapability aborts the request when the authenticated user lacks the required capability.
func RequireCapability(capability rbac.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok || !rbac.HasCapability(user.Roles, capability) {
				forbidden(w, r, capability)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forbidden(w http.ResponseWriter, r *http.Request, capability rbac.Capability) {
	observability.FromContext(r.Context()).Info("access denied", zap.String("capability", string(capability)))
	httpx.WriteError(r.Context(), w, httpx.NewError("forbidden", "you do not have access to this action", http.StatusForbidden))
}
