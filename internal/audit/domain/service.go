package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/tunnelgate/pkg/db/pagination"
	"gorm.io/gorm"
)

// Entry describes one audited action. Actor, IP and user agent fall back to
// the request context when left empty.
type Entry struct {
	TenantID    *uuid.UUID
	ActorType   string
	ActorUserID *uuid.UUID
	Action      string
	TargetType  string
	TargetID    *string
	Metadata    map[string]any
}

type ListAuditLogRequest struct {
	pagination.Pagination
	TenantID   string
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	// AuditLogTx writes the entry through tx so it commits or rolls back with the caller's work.
	AuditLogTx(ctx context.Context, tx *gorm.DB, entry Entry) error
	AuditLog(ctx context.Context, entry Entry) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidAction    = errors.New("invalid_action")
)
