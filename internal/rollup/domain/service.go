package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	trafficdomain "github.com/smallbiznis/tunnelgate/internal/traffic/domain"
	"gorm.io/gorm"
)

type RunResult struct {
	WindowStart time.Time  `json:"window_start"`
	WindowEnd   time.Time  `json:"window_end"`
	Refolded    int        `json:"refolded"`
	Events      int        `json:"events"`
	Buckets     int        `json:"buckets"`
	Changed     int        `json:"changed"`
	Overflowed  int        `json:"overflowed"`
	Watermark   *time.Time `json:"watermark,omitempty"`
	Deltas      int        `json:"deltas"`
}

type WatermarkStatus struct {
	Watermark  *time.Time `json:"watermark,omitempty"`
	LagSeconds *int64     `json:"lag_seconds,omitempty"`
}

type PendingResult struct {
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
	Dropped    int `json:"dropped"`
}

// PendingProcessor drains bucket deltas into the quota ledger.
type PendingProcessor interface {
	ProcessPending(ctx context.Context, limit int) (PendingResult, error)
}

type Service interface {
	// Run folds closed hours past the watermark in one transaction.
	Run(ctx context.Context, now time.Time) (RunResult, error)
	Watermark(ctx context.Context, now time.Time) (WatermarkStatus, error)
	Summary(ctx context.Context, req trafficdomain.SummaryRequest) ([]trafficdomain.UserTotals, error)
}

type Repository interface {
	EnsureWatermark(ctx context.Context, db *gorm.DB, name string, now time.Time) error
	LockWatermark(ctx context.Context, db *gorm.DB, name string) (*Watermark, error)
	GetWatermark(ctx context.Context, db *gorm.DB, name string) (*Watermark, error)
	AdvanceWatermark(ctx context.Context, db *gorm.DB, name string, to time.Time, now time.Time) error
	SaveProgress(ctx context.Context, db *gorm.DB, name string, lastChangeID int64, refoldCursor time.Time, now time.Time) error

	LockBuckets(ctx context.Context, db *gorm.DB, from, to time.Time) ([]Bucket, error)
	LockBucket(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Bucket, error)
	InsertBucket(ctx context.Context, db *gorm.DB, bucket *Bucket) error
	UpdateBucket(ctx context.Context, db *gorm.DB, bucket *Bucket, addUp, addDown uint64) error
	SumByUser(ctx context.Context, db *gorm.DB, from, to time.Time, userID string) ([]UserSum, error)

	ListPending(ctx context.Context, db *gorm.DB, limit int) ([]Bucket, error)
	// SubtractPending removes an acknowledged delta from the bucket's pending amounts.
	SubtractPending(ctx context.Context, db *gorm.DB, id snowflake.ID, up, down uint64) error
}

type UserSum struct {
	UserID    string
	TotalUp   uint64
	TotalDown uint64
}
