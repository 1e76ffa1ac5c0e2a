package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/smallbiznis/tunnelgate/internal/scheduler"
)

// jobRunner is the part of the scheduler the admin routes trigger.
type jobRunner interface {
	RunJob(ctx context.Context, name string) (any, error)
}

type partitionView struct {
	ID         string    `json:"id"`
	Table      string    `json:"table"`
	Partition  string    `json:"partition"`
	Day        string    `json:"day"`
	RangeStart time.Time `json:"range_start"`
	RangeEnd   time.Time `json:"range_end"`
	State      string    `json:"state"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type roleRequest struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

func (s *Server) RunRollup(c *gin.Context) {
	s.runJob(c, scheduler.JobRollup)
}

func (s *Server) EnsurePartitions(c *gin.Context) {
	s.runJob(c, scheduler.JobEnsurePartitions)
}

func (s *Server) RunSchedulerJob(c *gin.Context) {
	s.runJob(c, strings.TrimSpace(c.Param("name")))
}

// runJob joins an in-flight run of the same job rather than starting a second one.
func (s *Server) runJob(c *gin.Context, name string) {
	if s.jobs == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	ctx := c.Request.Context()
	result, err := s.jobs.RunJob(ctx, name)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, tenantFromRequest(c), "scheduler.job.run", "scheduler_job", name, map[string]any{"job": name})
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"job": name, "result": result}})
}

func (s *Server) ListPartitions(c *gin.Context) {
	items, err := s.partitionSvc.List(c.Request.Context(), c.Query("table"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]partitionView, 0, len(items))
	for _, item := range items {
		views = append(views, partitionView{
			ID:         item.ID.String(),
			Table:      item.ParentTable,
			Partition:  item.PartitionName(),
			Day:        item.Day.UTC().Format(dateOnlyLayout),
			RangeStart: item.RangeStart.UTC(),
			RangeEnd:   item.RangeEnd.UTC(),
			State:      string(item.State),
			UpdatedAt:  item.UpdatedAt.UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}

func (s *Server) GetWatermark(c *gin.Context) {
	status, err := s.rollupSvc.Watermark(c.Request.Context(), s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) GetSubscriptionQuota(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if _, err := parseSnowflakeID(id); err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	status, err := s.subscriptionSvc.QuotaStatus(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) ListUserRoles(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	roles, err := s.authzSvc.TenantRoles(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": roles})
}

func (s *Server) GrantUserRole(c *gin.Context) {
	s.changeUserRole(c, true)
}

func (s *Server) RevokeUserRole(c *gin.Context) {
	s.changeUserRole(c, false)
}

func (s *Server) changeUserRole(c *gin.Context, grant bool) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	action := "authorization.role.revoke"
	var err error
	if grant {
		action = "authorization.role.grant"
		err = s.authzSvc.GrantRole(ctx, userID, req.TenantID, req.Role)
	} else {
		err = s.authzSvc.RevokeRole(ctx, userID, req.TenantID, req.Role)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, tenantFromRequest(c), action, "user", userID.String(), map[string]any{
		"role":      strings.ToLower(strings.TrimSpace(req.Role)),
		"tenant_id": strings.TrimSpace(req.TenantID),
	})
	c.Status(http.StatusNoContent)
}

func userIDParam(c *gin.Context) (uuid.UUID, bool) {
	userID, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil || userID == uuid.Nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return uuid.Nil, false
	}
	return userID, true
}
