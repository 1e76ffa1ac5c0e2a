package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventInput is one element of an ingest request body.
type EventInput struct {
	UserID    string     `json:"user_id,omitempty"`
	NodeID    string     `json:"node_id,omitempty"`
	BytesUp   int64      `json:"bytes_up"`
	BytesDown int64      `json:"bytes_down"`
	EventTime *time.Time `json:"event_time,omitempty"`
	Source    string     `json:"source,omitempty"`
}

type IngestRequest struct {
	TenantID    *uuid.UUID
	ActorUserID *uuid.UUID
	IngestToken string
	Events      []EventInput
}

type IngestResult struct {
	BatchID  string      `json:"batch_id"`
	Ingested int         `json:"ingested"`
	Rejected []Rejection `json:"rejected"`
}

type SummaryRequest struct {
	UserID *uuid.UUID
	Range  TimeRange
}

type Service interface {
	// Append validates and writes a batch in one transaction.
	Append(ctx context.Context, batch []NewEvent) (AppendResult, error)
	AppendTx(ctx context.Context, tx *gorm.DB, batch []NewEvent) (AppendResult, error)

	// Ingest resolves users, nodes and subscriptions for a gateway batch,
	// appends it and records one audit row.
	Ingest(ctx context.Context, req IngestRequest) (IngestResult, error)

	// Scan streams events ordered by (event_time, id).
	Scan(ctx context.Context, rng TimeRange, filter ScanFilter, fn func(Event) error) error
	ScanTx(ctx context.Context, tx *gorm.DB, rng TimeRange, filter ScanFilter, fn func(Event) error) error

	SumByUser(ctx context.Context, rng TimeRange, userID *uuid.UUID) ([]UserTotals, error)
	OldestEventTime(ctx context.Context, tx *gorm.DB) (*time.Time, error)

	// IngestedHoursTx lists, in ascending order, the hours within rng that
	// received events stored after ingestedAfter.
	IngestedHoursTx(ctx context.Context, tx *gorm.DB, ingestedAfter time.Time, rng TimeRange) ([]time.Time, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, events []Event) error
	Scan(ctx context.Context, db *gorm.DB, rng TimeRange, filter ScanFilter, fn func(Event) error) error
	SumByUser(ctx context.Context, db *gorm.DB, rng TimeRange, userID *uuid.UUID) ([]UserTotals, error)
	Oldest(ctx context.Context, db *gorm.DB) (*Event, error)
	IngestedHours(ctx context.Context, db *gorm.DB, ingestedAfter time.Time, rng TimeRange) ([]time.Time, error)
}

var (
	ErrBatchTooLarge = errors.New("batch_too_large")
	ErrInvalidRange  = errors.New("invalid_time_range")
)
