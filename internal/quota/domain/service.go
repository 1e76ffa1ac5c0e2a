package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	rollupdomain "github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	subscriptiondomain "github.com/smallbiznis/tunnelgate/internal/subscription/domain"
	"github.com/smallbiznis/tunnelgate/pkg/counter"
	"gorm.io/gorm"
)

const (
	ReasonQuotaExhausted = subscriptiondomain.DeactivationQuotaExhausted
	ReasonExpired        = subscriptiondomain.DeactivationExpired
)

// Delta is the change of one rollup bucket for a subscription. ChangeID comes
// from the rollup watermark sequence and grows with every staged change.
type Delta struct {
	SubscriptionID snowflake.ID
	BucketStart    time.Time
	ChangeID       int64
	BytesUp        uint64
	BytesDown      uint64
}

type Result struct {
	ConsumedBytes uint64 `json:"consumed_bytes"`
	Active        bool   `json:"active"`
	Applied       bool   `json:"applied"`
}

type ExpireResult struct {
	Expired int `json:"expired"`
}

type Service interface {
	ApplyDelta(ctx context.Context, delta Delta) (Result, error)
	// ApplyDeltaTx applies through tx so callers can acknowledge the delta atomically.
	ApplyDeltaTx(ctx context.Context, tx *gorm.DB, delta Delta) (Result, error)
	ProcessPending(ctx context.Context, limit int) (rollupdomain.PendingResult, error)
	ExpireDue(ctx context.Context, now time.Time, limit int) (ExpireResult, error)
}

var (
	ErrInvalidDelta        = errors.New("invalid_delta")
	ErrConcurrencyConflict = subscriptiondomain.ErrConcurrencyConflict
	ErrOverflow            = counter.ErrOverflow
)
