package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/smallbiznis/tunnelgate/internal/authorization"
	trafficdomain "github.com/smallbiznis/tunnelgate/internal/traffic/domain"
)

type trafficSummaryQuery struct {
	UserID string `form:"user_id"`
	From   string `form:"from"`
	To     string `form:"to"`
}

// IngestTrafficEvents accepts a collector batch. Valid events are stored
// even when others in the same batch are rejected.
func (s *Server) IngestTrafficEvents(c *gin.Context) {
	var events []trafficdomain.EventInput
	if err := c.ShouldBindJSON(&events); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	req := trafficdomain.IngestRequest{
		TenantID:    tenantFromRequest(c),
		IngestToken: strings.TrimSpace(c.GetHeader(HeaderIngestToken)),
		Events:      events,
	}
	if actor, ok := actorFromContext(c); ok {
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		if err := s.authzSvc.Authorize(ctx, actor.subject(), actor.tenant(), authorization.ObjectTraffic, authorization.ActionTrafficIngest); err != nil {
			AbortWithError(c, err)
			return
		}
		userID := actor.UserID
		req.ActorUserID = &userID
	}

	res, err := s.trafficSvc.Ingest(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("ingested_count", res.Ingested)
	if res.Rejected == nil {
		res.Rejected = []trafficdomain.Rejection{}
	}
	c.JSON(http.StatusAccepted, res)
}

// TrafficSummary returns per-user totals over [from, to).
func (s *Server) TrafficSummary(c *gin.Context) {
	var query trafficSummaryQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := trafficdomain.SummaryRequest{}
	if raw := strings.TrimSpace(query.UserID); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			AbortWithError(c, newValidationError("user_id", "invalid_user_id", "invalid user_id"))
			return
		}
		req.UserID = &userID
	}

	from, err := parseOptionalTime(query.From, false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseOptionalTime(query.To, true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}
	if from != nil {
		req.Range.From = *from
	}
	if to != nil {
		req.Range.To = *to
	}

	totals, err := s.rollupSvc.Summary(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if totals == nil {
		totals = []trafficdomain.UserTotals{}
	}
	c.JSON(http.StatusOK, totals)
}
