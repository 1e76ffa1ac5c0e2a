package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type EnsureResult struct {
	Planned   int `json:"planned"`
	Activated int `json:"activated"`
}

type RetireResult struct {
	Retired int `json:"retired"`
}

type Service interface {
	EnsureRange(ctx context.Context, now time.Time) (EnsureResult, error)
	RetireExpired(ctx context.Context, now time.Time) (RetireResult, error)
	Require(ctx context.Context, table string, days []time.Time) error
	List(ctx context.Context, table string) ([]Descriptor, error)
}

type Repository interface {
	ListRange(ctx context.Context, db *gorm.DB, table string, from, to time.Time) ([]Descriptor, error)
	ListByTable(ctx context.Context, db *gorm.DB, table string) ([]Descriptor, error)
	ListRetirable(ctx context.Context, db *gorm.DB, table string, cutoff time.Time) ([]Descriptor, error)
	InsertPlanned(ctx context.Context, db *gorm.DB, d *Descriptor) error
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to State, at time.Time) (int64, error)
}

// Storage creates and drops the physical partition behind a descriptor.
type Storage interface {
	Create(ctx context.Context, db *gorm.DB, d Descriptor) error
	Drop(ctx context.Context, db *gorm.DB, d Descriptor) error
}

var (
	ErrPartitionMissing  = errors.New("partition_missing")
	ErrInvalidTransition = errors.New("invalid_partition_transition")
	ErrUnknownTable      = errors.New("unknown_partitioned_table")
)
