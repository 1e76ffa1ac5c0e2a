package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/tunnelgate/internal/audit/domain"
	"github.com/smallbiznis/tunnelgate/internal/audit/masking"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	obscontext "github.com/smallbiznis/tunnelgate/internal/observability/context"
	"github.com/smallbiznis/tunnelgate/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) AuditLog(ctx context.Context, entry auditdomain.Entry) error {
	return s.AuditLogTx(ctx, s.db, entry)
}

func (s *Service) AuditLogTx(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry) error {
	if tx == nil {
		tx = s.db
	}
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	targetType := strings.TrimSpace(entry.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}

	actorType, actorUserID := s.resolveActor(ctx, strings.TrimSpace(entry.ActorType), entry.ActorUserID)
	ipAddress := obscontext.IPAddressFromContext(ctx)
	userAgent := obscontext.UserAgentFromContext(ctx)

	payload := map[string]any{}
	for key, value := range masking.RedactMetadata(entry.Metadata) {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}

	record := auditdomain.AuditLog{
		ID:          s.genID.Generate(),
		TenantID:    s.resolveTenantID(ctx, entry.TenantID),
		ActorType:   actorType,
		ActorUserID: actorUserID,
		Action:      action,
		TargetType:  targetType,
		TargetID:    normalizePointer(entry.TargetID),
		Metadata:    datatypes.JSONMap(payload),
		CreatedAt:   s.clock.Now(),
	}
	if ipAddress != "" {
		record.IPAddress = &ipAddress
	}
	if userAgent != "" {
		record.UserAgent = &userAgent
	}

	if err := s.repo.Insert(ctx, tx, &record); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var tenantID *uuid.UUID
	if raw := strings.TrimSpace(req.TenantID); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTenant
		}
		tenantID = &parsed
	}

	var cursor *auditdomain.AuditCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursor = &auditdomain.AuditCursor{ID: id, CreatedAt: decoded.CreatedAt}
	}

	pageSize := req.Size()
	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		TenantID:   tenantID,
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		ActorType:  req.ActorType,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		Cursor:     cursor,
		Limit:      pageSize,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	items, pageInfo, err := pagination.Page(items, pageSize, func(item *auditdomain.AuditLog) pagination.Cursor {
		return pagination.Cursor{ID: item.ID.String(), CreatedAt: item.CreatedAt}
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	logs := make([]auditdomain.AuditLog, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}

	return auditdomain.ListAuditLogResponse{PageInfo: pageInfo, AuditLogs: logs}, nil
}

func (s *Service) resolveTenantID(ctx context.Context, tenantID *uuid.UUID) *uuid.UUID {
	if tenantID != nil && *tenantID != uuid.Nil {
		return tenantID
	}
	resolved, err := uuid.Parse(obscontext.TenantIDFromContext(ctx))
	if err != nil || resolved == uuid.Nil {
		return nil
	}
	return &resolved
}

func (s *Service) resolveActor(ctx context.Context, actorType string, actorUserID *uuid.UUID) (string, *uuid.UUID) {
	if actorType == "" {
		ctxType, ctxID := obscontext.ActorFromContext(ctx)
		actorType = ctxType
		if actorUserID == nil && ctxType == string(auditdomain.ActorTypeUser) {
			if parsed, err := uuid.Parse(ctxID); err == nil {
				actorUserID = &parsed
			}
		}
	}
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeSystem)
	}
	return actorType, actorUserID
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
