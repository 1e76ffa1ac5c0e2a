// Package domain contains the partition registry model.
package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

type State string

const (
	StatePlanned State = "PLANNED"
	StateActive  State = "ACTIVE"
	StateRetired State = "RETIRED"
)

const (
	TableTrafficEvents  = "traffic_events"
	TableTrafficRollups = "traffic_rollups_hourly"
)

// Descriptor maps one calendar day of a partitioned table to its storage.
type Descriptor struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	ParentTable string       `gorm:"size:64;not null;uniqueIndex:ux_traffic_partitions_table_day,priority:1"`
	Day         time.Time    `gorm:"type:date;not null;uniqueIndex:ux_traffic_partitions_table_day,priority:2"`
	RangeStart  time.Time    `gorm:"not null"`
	RangeEnd    time.Time    `gorm:"not null"`
	State       State        `gorm:"size:16;not null;index"`
	CreatedAt   time.Time    `gorm:"not null"`
	ActivatedAt *time.Time
	RetiredAt   *time.Time
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Descriptor) TableName() string { return "traffic_partitions" }

// PartitionName is the physical table holding the day's rows.
func (d Descriptor) PartitionName() string {
	return PartitionName(d.ParentTable, d.Day)
}

func PartitionName(table string, day time.Time) string {
	return fmt.Sprintf("%s_%s", table, day.UTC().Format("20060102"))
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CanTransition reports whether the registry may move from one state to another.
func CanTransition(from, to State) error {
	switch {
	case from == StatePlanned && to == StateActive:
		return nil
	case from == StateActive && to == StateRetired:
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
}
