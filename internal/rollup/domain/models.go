package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// HourlyWatermark names the watermark row of the hourly fold.
const HourlyWatermark = "hourly"

// Bucket is one hour of traffic for a (subscription, user) pair.
// SubscriptionID 0 marks unattributed traffic and UserID "" traffic without a user.
type Bucket struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	Day            time.Time    `gorm:"type:date;not null;uniqueIndex:ux_traffic_rollups_bucket,priority:1" json:"day"`
	BucketStart    time.Time    `gorm:"not null;uniqueIndex:ux_traffic_rollups_bucket,priority:2;index" json:"bucket_start"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:ux_traffic_rollups_bucket,priority:3" json:"subscription_id"`
	UserID         string       `gorm:"size:36;not null;uniqueIndex:ux_traffic_rollups_bucket,priority:4" json:"user_id"`
	TenantID       *uuid.UUID   `gorm:"size:36" json:"tenant_id,omitempty"`
	NodeID         *uuid.UUID   `gorm:"size:36" json:"node_id,omitempty"`
	BytesUp        uint64       `gorm:"not null" json:"bytes_up"`
	BytesDown      uint64       `gorm:"not null" json:"bytes_down"`
	EventCount     uint64       `gorm:"not null" json:"event_count"`
	ChangeID       int64        `gorm:"not null;index" json:"change_id"`
	PendingUp      uint64       `gorm:"not null" json:"pending_up"`
	PendingDown    uint64       `gorm:"not null" json:"pending_down"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

func (Bucket) TableName() string { return "traffic_rollups_hourly" }

func (b Bucket) Key() BucketKey {
	return BucketKey{Start: b.BucketStart.UTC(), SubscriptionID: b.SubscriptionID, UserID: b.UserID}
}

func (b Bucket) HasPending() bool {
	return b.PendingUp > 0 || b.PendingDown > 0
}

type BucketKey struct {
	Start          time.Time
	SubscriptionID snowflake.ID
	UserID         string
}

func (k BucketKey) Less(o BucketKey) bool {
	if !k.Start.Equal(o.Start) {
		return k.Start.Before(o.Start)
	}
	if k.SubscriptionID != o.SubscriptionID {
		return k.SubscriptionID < o.SubscriptionID
	}
	return k.UserID < o.UserID
}

// Watermark is the bucket_start of the last fully folded hour. The row also
// carries the change id sequence and the ingest time up to which late events
// were looked for; both only move while the row is locked by a run.
type Watermark struct {
	Name          string     `gorm:"primaryKey;size:64" json:"name"`
	WatermarkTime *time.Time `json:"watermark_time,omitempty"`
	LastChangeID  int64      `gorm:"not null;default:0" json:"last_change_id"`
	RefoldCursor  *time.Time `json:"refold_cursor,omitempty"`
	UpdatedAt     time.Time  `gorm:"not null" json:"updated_at"`
}

func (Watermark) TableName() string { return "traffic_rollup_watermarks" }

// Delta is an unacknowledged change of one bucket, handed to the quota ledger.
type Delta struct {
	BucketID       snowflake.ID
	SubscriptionID snowflake.ID
	BucketStart    time.Time
	ChangeID       int64
	BytesUp        uint64
	BytesDown      uint64
}

func (b Bucket) PendingDelta() Delta {
	return Delta{
		BucketID:       b.ID,
		SubscriptionID: b.SubscriptionID,
		BucketStart:    b.BucketStart.UTC(),
		ChangeID:       b.ChangeID,
		BytesUp:        b.PendingUp,
		BytesDown:      b.PendingDown,
	}
}
