package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Repository interface {
	InsertPlan(ctx context.Context, db *gorm.DB, plan *Plan) error
	FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)

	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindQuotaView(ctx context.Context, db *gorm.DB, id snowflake.ID) (*QuotaView, error)
	FindActiveByUserID(ctx context.Context, db *gorm.DB, userID uuid.UUID) (*Subscription, error)
	ListActiveByUserIDs(ctx context.Context, db *gorm.DB, userIDs []uuid.UUID) ([]Subscription, error)
	ListByUserID(ctx context.Context, db *gorm.DB, userID uuid.UUID) ([]Subscription, error)

	// UpdateIfVersion applies values when the row still has the expected version
	// and bumps the version. It returns the number of rows affected.
	UpdateIfVersion(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, values map[string]any) (int64, error)
	ListExpiredActive(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
}
