package authorization

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Service answers the role questions the accounting gateway asks before
// exposing admin controls or tenant data.
type Service interface {
	Authorize(ctx context.Context, actor string, tenantID string, object string, action string) error
	IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error)
	TenantRoles(ctx context.Context, userID uuid.UUID) ([]string, error)
	GrantRole(ctx context.Context, userID uuid.UUID, tenantID string, role string) error
	RevokeRole(ctx context.Context, userID uuid.UUID, tenantID string, role string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrInvalidRole   = errors.New("invalid_role")
	ErrForbidden     = errors.New("forbidden")
)
