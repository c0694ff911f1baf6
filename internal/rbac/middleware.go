package rbac

import (
	"net/http"

	"campaign-runner/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireOrganization rejects callers whose token has no organization.
// Handlers still check that the run they load belongs to it.
func RequireOrganization() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, ok := auth.IdentityFrom(c.Request.Context()); !ok || id.OrganizationID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows the listed roles. super_admin always passes; the
// hidden support role passes only where it is listed explicitly.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		id, ok := auth.IdentityFrom(c.Request.Context())
		if !ok || id.Role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsSuperAdmin(id.Role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[id.Role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "role": id.Role})
			return
		}
		c.Next()
	}
}

// CanOperate reports whether role may change run state.
func CanOperate(role string) bool {
	if IsSuperAdmin(role) {
		return true
	}
	for _, r := range Operators {
		if r == role {
			return true
		}
	}
	return false
}
