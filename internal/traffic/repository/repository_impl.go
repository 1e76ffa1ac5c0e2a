package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	partitiondomain "github.com/smallbiznis/tunnelgate/internal/partition/domain"
	"github.com/smallbiznis/tunnelgate/internal/traffic/domain"
	"github.com/smallbiznis/tunnelgate/pkg/db"
	"gorm.io/gorm"
)

const insertBatchSize = 500

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	err := conn.WithContext(ctx).CreateInBatches(events, insertBatchSize).Error
	if err != nil && db.IsPartitionMissingErr(err) {
		return fmt.Errorf("%w: %v", partitiondomain.ErrPartitionMissing, err)
	}
	return err
}

func (r *repo) Scan(ctx context.Context, conn *gorm.DB, rng domain.TimeRange, filter domain.ScanFilter, fn func(domain.Event) error) error {
	stmt := conn.WithContext(ctx).
		Model(&domain.Event{}).
		Where("event_time >= ? AND event_time < ?", rng.From.UTC(), rng.To.UTC())
	if filter.SubscriptionID != nil {
		stmt = stmt.Where("subscription_id = ?", *filter.SubscriptionID)
	}
	if filter.UserID != nil {
		stmt = stmt.Where("user_id = ?", *filter.UserID)
	}

	rows, err := stmt.Order("event_time ASC, id ASC").Rows()
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var event domain.Event
		if err := conn.ScanRows(rows, &event); err != nil {
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *repo) SumByUser(ctx context.Context, conn *gorm.DB, rng domain.TimeRange, userID *uuid.UUID) ([]domain.UserTotals, error) {
	stmt := conn.WithContext(ctx).
		Model(&domain.Event{}).
		Select("user_id, COALESCE(SUM(bytes_up), 0) AS total_up, COALESCE(SUM(bytes_down), 0) AS total_down").
		Where("event_time >= ? AND event_time < ?", rng.From.UTC(), rng.To.UTC()).
		Where("user_id IS NOT NULL")
	if userID != nil {
		stmt = stmt.Where("user_id = ?", *userID)
	}

	var totals []domain.UserTotals
	if err := stmt.Group("user_id").Order("user_id").Scan(&totals).Error; err != nil {
		return nil, err
	}
	return totals, nil
}

func (r *repo) Oldest(ctx context.Context, conn *gorm.DB) (*domain.Event, error) {
	var events []domain.Event
	err := conn.WithContext(ctx).
		Order("event_time ASC, id ASC").
		Limit(1).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

func (r *repo) IngestedHours(ctx context.Context, conn *gorm.DB, ingestedAfter time.Time, rng domain.TimeRange) ([]time.Time, error) {
	rows, err := conn.WithContext(ctx).
		Model(&domain.Event{}).
		Select("event_time").
		Where("event_time >= ? AND event_time < ?", rng.From.UTC(), rng.To.UTC()).
		Where("created_at > ?", ingestedAfter.UTC()).
		Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[time.Time]struct{})
	for rows.Next() {
		var row struct{ EventTime time.Time }
		if err := conn.ScanRows(rows, &row); err != nil {
			return nil, err
		}
		seen[row.EventTime.UTC().Truncate(time.Hour)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hours := make([]time.Time, 0, len(seen))
	for hour := range seen {
		hours = append(hours, hour)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })
	return hours, nil
}
