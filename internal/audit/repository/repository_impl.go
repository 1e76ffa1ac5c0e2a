package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/tunnelgate/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert runs on the caller's handle so an ingest batch and its audit row
// commit together.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	var logs []*domain.AuditLog
	stmt := db.WithContext(ctx).
		Model(&domain.AuditLog{}).
		Scopes(matchFilter(filter), afterCursor(filter.Cursor)).
		Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func matchFilter(filter domain.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(stmt *gorm.DB) *gorm.DB {
		if filter.TenantID != nil {
			stmt = stmt.Where("tenant_id = ?", *filter.TenantID)
		}
		for column, value := range map[string]string{
			"action":      filter.Action,
			"target_type": filter.TargetType,
			"target_id":   filter.TargetID,
			"actor_type":  filter.ActorType,
		} {
			if value = strings.TrimSpace(value); value != "" {
				stmt = stmt.Where(column+" = ?", value)
			}
		}
		if filter.StartAt != nil {
			stmt = stmt.Where("created_at >= ?", filter.StartAt.UTC())
		}
		if filter.EndAt != nil {
			stmt = stmt.Where("created_at <= ?", filter.EndAt.UTC())
		}
		return stmt
	}
}

// afterCursor continues a (created_at DESC, id DESC) scan past the cursor row.
func afterCursor(cursor *domain.AuditCursor) func(*gorm.DB) *gorm.DB {
	return func(stmt *gorm.DB) *gorm.DB {
		if cursor == nil {
			return stmt
		}
		at := cursor.CreatedAt.UTC()
		return stmt.Where("((created_at < ?) OR (created_at = ? AND id < ?))", at, at, cursor.ID)
	}
}
