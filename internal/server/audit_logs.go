package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/tunnelgate/internal/audit/domain"
	"github.com/smallbiznis/tunnelgate/internal/observability/logger"
	"github.com/smallbiznis/tunnelgate/pkg/db/pagination"
	"go.uber.org/zap"
)

type listAuditLogsQuery struct {
	PageToken  string `form:"page_token"`
	PageSize   int    `form:"page_size"`
	Action     string `form:"action"`
	TargetType string `form:"target_type"`
	TargetID   string `form:"target_id"`
	ActorType  string `form:"actor_type"`
	StartAt    string `form:"start_at"`
	EndAt      string `form:"end_at"`
	From       string `form:"from"`
	To         string `form:"to"`
}

// ListAuditLogs is scoped to the tenant header; global admins may omit it.
func (s *Server) ListAuditLogs(c *gin.Context) {
	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	startAtValue := strings.TrimSpace(query.StartAt)
	if startAtValue == "" {
		startAtValue = strings.TrimSpace(query.From)
	}

	var startAt *time.Time
	if startAtValue != "" {
		parsed, err := time.Parse(time.RFC3339, startAtValue)
		if err != nil {
			AbortWithError(c, newValidationError("start_at", "invalid_start_at", "invalid start_at"))
			return
		}
		startAt = &parsed
	}

	endAtValue := strings.TrimSpace(query.EndAt)
	if endAtValue == "" {
		endAtValue = strings.TrimSpace(query.To)
	}

	var endAt *time.Time
	if endAtValue != "" {
		parsed, err := time.Parse(time.RFC3339, endAtValue)
		if err != nil {
			AbortWithError(c, newValidationError("end_at", "invalid_end_at", "invalid end_at"))
			return
		}
		endAt = &parsed
	}

	tenantID := ""
	if tenant := tenantFromRequest(c); tenant != nil {
		tenantID = tenant.String()
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		TenantID:   tenantID,
		Action:     strings.TrimSpace(query.Action),
		TargetType: strings.TrimSpace(query.TargetType),
		TargetID:   strings.TrimSpace(query.TargetID),
		ActorType:  strings.TrimSpace(query.ActorType),
		StartAt:    startAt,
		EndAt:      endAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.AuditLogs, "page_info": resp.PageInfo})
}

// recordAudit writes a best-effort audit row for an operator action.
func (s *Server) recordAudit(c *gin.Context, tenantID *uuid.UUID, action, targetType, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	ctx := c.Request.Context()
	entry := auditdomain.Entry{
		TenantID:   tenantID,
		Action:     action,
		TargetType: targetType,
		TargetID:   &targetID,
		Metadata:   metadata,
	}
	if actor, ok := actorFromContext(c); ok {
		userID := actor.UserID
		entry.ActorType = string(auditdomain.ActorTypeUser)
		entry.ActorUserID = &userID
	}
	if err := s.auditSvc.AuditLog(ctx, entry); err != nil {
		logger.FromContext(ctx).Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}
