package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tunnelgate/internal/partition/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListRange(ctx context.Context, db *gorm.DB, table string, from, to time.Time) ([]domain.Descriptor, error) {
	var rows []domain.Descriptor
	err := db.WithContext(ctx).
		Where("parent_table = ? AND range_start >= ? AND range_start < ?", table, from.UTC(), to.UTC()).
		Order("range_start ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListByTable(ctx context.Context, db *gorm.DB, table string) ([]domain.Descriptor, error) {
	var rows []domain.Descriptor
	err := db.WithContext(ctx).
		Where("parent_table = ?", table).
		Order("range_start ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListRetirable(ctx context.Context, db *gorm.DB, table string, cutoff time.Time) ([]domain.Descriptor, error) {
	var rows []domain.Descriptor
	err := db.WithContext(ctx).
		Where("parent_table = ? AND state = ? AND range_end <= ?", table, domain.StateActive, cutoff.UTC()).
		Order("range_start ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) InsertPlanned(ctx context.Context, db *gorm.DB, d *domain.Descriptor) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "parent_table"}, {Name: "day"}},
			DoNothing: true,
		}).
		Create(d).Error
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.State, at time.Time) (int64, error) {
	updates := map[string]any{
		"state":      to,
		"updated_at": at,
	}
	switch to {
	case domain.StateActive:
		updates["activated_at"] = at
	case domain.StateRetired:
		updates["retired_at"] = at
	}
	result := db.WithContext(ctx).
		Model(&domain.Descriptor{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	return result.RowsAffected, result.Error
}
