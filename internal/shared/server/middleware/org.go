package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"adreel-backend/internal/shared/server/respond"
)

const organizationIDKey = "organizationId"

var organizationIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// OrgScope reads the caller's organization from X-Organization-Id. The header is
// optional; when present it must be a well-formed identifier and scopes every run
// lookup to that organization.
func OrgScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		orgID := strings.TrimSpace(c.GetHeader("X-Organization-Id"))
		if orgID == "" {
			c.Next()
			return
		}
		if !organizationIDPattern.MatchString(orgID) {
			respond.Error(c, http.StatusBadRequest, "validation_error", "invalid X-Organization-Id header", nil)
			return
		}
		c.Set(organizationIDKey, orgID)
		c.Next()
	}
}

// OrganizationIDFromContext fetches the organization stored by OrgScope.
func OrganizationIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	val, _ := c.Get(organizationIDKey)
	if id, ok := val.(string); ok {
		return id
	}
	return ""
}
