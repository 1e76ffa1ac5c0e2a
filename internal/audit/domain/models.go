package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

const (
	ActionTrafficIngest = "traffic.ingest"
	TargetTrafficBatch  = "traffic_batch"
)

type AuditLog struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID    *uuid.UUID        `gorm:"size:36;index" json:"tenant_id,omitempty"`
	ActorType   string            `gorm:"type:text;not null" json:"actor_type"`
	ActorUserID *uuid.UUID        `gorm:"size:36" json:"actor_user_id,omitempty"`
	Action      string            `gorm:"size:128;not null;index" json:"action"`
	TargetType  string            `gorm:"size:64;not null" json:"target_type"`
	TargetID    *string           `gorm:"size:64" json:"target_id,omitempty"`
	IPAddress   *string           `gorm:"size:64" json:"ip_address,omitempty"`
	UserAgent   *string           `gorm:"type:text" json:"user_agent,omitempty"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt   time.Time         `gorm:"not null;index" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	TenantID   *uuid.UUID
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}
