package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

type Source string

const (
	SourceCollector Source = "collector"
	SourceNodePush  Source = "node_push"
	SourceReconcile Source = "reconcile"
)

func (s Source) Valid() bool {
	switch s {
	case SourceCollector, SourceNodePush, SourceReconcile:
		return true
	}
	return false
}

// Event is an immutable traffic sample. Rows are removed only by partition retirement.
type Event struct {
	ID             snowflake.ID  `gorm:"primaryKey" json:"id"`
	EventTime      time.Time     `gorm:"not null;index:ix_traffic_events_user_time,priority:2;index:ix_traffic_events_node_time,priority:2;index:ix_traffic_events_subscription_time,priority:2" json:"event_time"`
	TenantID       *uuid.UUID    `gorm:"size:36" json:"tenant_id,omitempty"`
	UserID         *uuid.UUID    `gorm:"size:36;index:ix_traffic_events_user_time,priority:1" json:"user_id,omitempty"`
	SubscriptionID *snowflake.ID `gorm:"index:ix_traffic_events_subscription_time,priority:1" json:"subscription_id,omitempty"`
	NodeID         *uuid.UUID    `gorm:"size:36;index:ix_traffic_events_node_time,priority:1" json:"node_id,omitempty"`
	BytesUp        uint64        `gorm:"not null" json:"bytes_up"`
	BytesDown      uint64        `gorm:"not null" json:"bytes_down"`
	Source         Source        `gorm:"size:32;not null" json:"source"`
	CreatedAt      time.Time     `gorm:"not null;index:ix_traffic_events_created_at" json:"created_at"`
}

func (Event) TableName() string { return "traffic_events" }

// NewEvent is an event before validation. Byte counts are signed so negative
// samples can be reported instead of wrapping.
type NewEvent struct {
	EventTime      time.Time
	TenantID       *uuid.UUID
	UserID         *uuid.UUID
	SubscriptionID *snowflake.ID
	NodeID         *uuid.UUID
	BytesUp        int64
	BytesDown      int64
	Source         Source
}

type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type AppendResult struct {
	Accepted int
	EventIDs []snowflake.ID
	Rejected []Rejection
}

// TimeRange is half-open: [From, To).
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Empty() bool {
	return !r.From.Before(r.To)
}

type ScanFilter struct {
	SubscriptionID *snowflake.ID
	UserID         *uuid.UUID
}

type UserTotals struct {
	UserID    uuid.UUID `json:"user_id"`
	TotalUp   uint64    `json:"total_up"`
	TotalDown uint64    `json:"total_down"`
}
