package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/tunnelgate/internal/subscription/domain"
)

func (s *Server) CreatePlan(c *gin.Context) {
	var req subscriptiondomain.CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if tenantID := tenantFromRequest(c); tenantID != nil {
		req.TenantID = tenantID.String()
	}

	plan, err := s.subscriptionSvc.CreatePlan(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, &plan.TenantID, "plan.create", "plan", plan.ID.String(), map[string]any{
		"name":          plan.Name,
		"quota_bytes":   plan.QuotaBytes,
		"duration_days": plan.DurationDays,
	})
	c.JSON(http.StatusCreated, gin.H{"data": plan})
}

func (s *Server) CreateSubscription(c *gin.Context) {
	var req subscriptiondomain.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if tenantID := tenantFromRequest(c); tenantID != nil {
		req.TenantID = tenantID.String()
	}

	sub, err := s.subscriptionSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, &sub.TenantID, "subscription.create", "subscription", sub.ID.String(), map[string]any{
		"user_id": sub.UserID.String(),
		"plan_id": req.PlanID,
	})
	c.JSON(http.StatusCreated, gin.H{"data": sub})
}

func (s *Server) GetSubscriptionByID(c *gin.Context) {
	sub, ok := s.loadScopedSubscription(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) GetTenantSubscriptionQuota(c *gin.Context) {
	sub, ok := s.loadScopedSubscription(c)
	if !ok {
		return
	}
	status, err := s.subscriptionSvc.QuotaStatus(c.Request.Context(), sub.ID.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) GetActiveSubscriptionByUser(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	sub, err := s.subscriptionSvc.GetActiveByUserID(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !tenantScoped(c, sub.TenantID) {
		AbortWithError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) UpdateSubscriptionTerms(c *gin.Context) {
	current, ok := s.loadScopedSubscription(c)
	if !ok {
		return
	}
	var req subscriptiondomain.UpdateTermsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.SubscriptionID = current.ID.String()

	sub, err := s.subscriptionSvc.UpdateTerms(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, &sub.TenantID, "subscription.update_terms", "subscription", sub.ID.String(), map[string]any{
		"plan_id":        req.PlanID,
		"clear_override": req.ClearOverride,
		"clear_expiry":   req.ClearExpiry,
		"version":        sub.Version,
	})
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) ReactivateSubscription(c *gin.Context) {
	s.versionedSubscriptionAction(c, "subscription.reactivate", s.subscriptionSvc.Reactivate)
}

func (s *Server) ResetSubscriptionConsumption(c *gin.Context) {
	s.versionedSubscriptionAction(c, "subscription.reset_consumption", s.subscriptionSvc.ResetConsumption)
}

func (s *Server) DeleteSubscription(c *gin.Context) {
	current, ok := s.loadScopedSubscription(c)
	if !ok {
		return
	}
	req, ok := bindVersionedRequest(c, current)
	if !ok {
		return
	}
	if err := s.subscriptionSvc.Delete(c.Request.Context(), req); err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, &current.TenantID, "subscription.delete", "subscription", current.ID.String(), map[string]any{
		"user_id": current.UserID.String(),
	})
	c.Status(http.StatusNoContent)
}

func (s *Server) versionedSubscriptionAction(
	c *gin.Context,
	auditAction string,
	apply func(context.Context, subscriptiondomain.VersionedRequest) (subscriptiondomain.Subscription, error),
) {
	current, ok := s.loadScopedSubscription(c)
	if !ok {
		return
	}
	req, ok := bindVersionedRequest(c, current)
	if !ok {
		return
	}

	sub, err := apply(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, &sub.TenantID, auditAction, "subscription", sub.ID.String(), map[string]any{
		"consumed_bytes": sub.ConsumedBytes,
		"active":         sub.Active,
		"version":        sub.Version,
	})
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

// bindVersionedRequest reads an optional {"version": n} body.
func bindVersionedRequest(c *gin.Context, current subscriptiondomain.Subscription) (subscriptiondomain.VersionedRequest, bool) {
	req := subscriptiondomain.VersionedRequest{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return req, false
		}
	}
	req.SubscriptionID = current.ID.String()
	return req, true
}

// loadScopedSubscription hides subscriptions of other tenants behind a 404.
func (s *Server) loadScopedSubscription(c *gin.Context) (subscriptiondomain.Subscription, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if _, err := parseSnowflakeID(id); err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return subscriptiondomain.Subscription{}, false
	}

	sub, err := s.subscriptionSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return subscriptiondomain.Subscription{}, false
	}
	if !tenantScoped(c, sub.TenantID) {
		AbortWithError(c, ErrNotFound)
		return subscriptiondomain.Subscription{}, false
	}
	return sub, true
}
