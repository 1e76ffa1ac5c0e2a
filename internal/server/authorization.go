package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Actor is the caller identity forwarded by the upstream auth proxy.
type Actor struct {
	UserID   uuid.UUID
	TenantID *uuid.UUID
}

func (a Actor) subject() string {
	return "user:" + a.UserID.String()
}

func (a Actor) tenant() string {
	if a.TenantID == nil {
		return ""
	}
	return a.TenantID.String()
}

func actorFromContext(c *gin.Context) (Actor, bool) {
	if c == nil {
		return Actor{}, false
	}
	value, ok := c.Get(contextActorKey)
	if !ok {
		return Actor{}, false
	}
	actor, ok := value.(Actor)
	return actor, ok
}

// tenantFromRequest returns the tenant header, if any, for anonymous callers too.
func tenantFromRequest(c *gin.Context) *uuid.UUID {
	if actor, ok := actorFromContext(c); ok {
		return actor.TenantID
	}
	raw := strings.TrimSpace(c.GetHeader(HeaderTenantID))
	if raw == "" {
		return nil
	}
	parsed, err := uuid.Parse(raw)
	if err != nil || parsed == uuid.Nil {
		return nil
	}
	return &parsed
}

// authorizeTenantAction checks the actor's role in the tenant named by the
// request. Without a tenant header only global grants apply.
func (s *Server) authorizeTenantAction(object string, action string) gin.HandlerFunc {
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
		if err := s.authzSvc.Authorize(c.Request.Context(), actor.subject(), actor.tenant(), object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// tenantScoped reports whether a record owned by tenantID is visible to the actor.
func tenantScoped(c *gin.Context, tenantID uuid.UUID) bool {
	actor, ok := actorFromContext(c)
	if !ok {
		return false
	}
	if actor.TenantID == nil {
		return true
	}
	return *actor.TenantID == tenantID
}
