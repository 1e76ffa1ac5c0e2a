package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/tunnelgate/internal/audit/domain"
	obscontext "github.com/smallbiznis/tunnelgate/internal/observability/context"
)

const (
	HeaderActorUserID = "X-Actor-User-Id"
	HeaderTenantID    = "X-Tenant-Id"

	contextActorKey = "actor"
)

// ActorContext reads the identity headers. Requests without a user header
// pass through anonymous; malformed headers are rejected.
func ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		rawUser := strings.TrimSpace(c.GetHeader(HeaderActorUserID))
		rawTenant := strings.TrimSpace(c.GetHeader(HeaderTenantID))

		var tenantID *uuid.UUID
		if rawTenant != "" {
			parsed, err := uuid.Parse(rawTenant)
			if err != nil || parsed == uuid.Nil {
				AbortWithError(c, newValidationError("tenant_id", "invalid_tenant_id", "invalid tenant id"))
				return
			}
			tenantID = &parsed
		}

		ctx := c.Request.Context()
		if tenantID != nil {
			ctx = obscontext.WithTenantID(ctx, tenantID.String())
		}

		if rawUser != "" {
			userID, err := uuid.Parse(rawUser)
			if err != nil || userID == uuid.Nil {
				AbortWithError(c, ErrUnauthorized)
				return
			}
			c.Set(contextActorKey, Actor{UserID: userID, TenantID: tenantID})
			ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeUser), userID.String())
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := actorFromContext(c); !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// RequireAdmin admits global operators only.
func (s *Server) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		isAdmin, err := s.authzSvc.IsAdmin(c.Request.Context(), actor.UserID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !isAdmin {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}
