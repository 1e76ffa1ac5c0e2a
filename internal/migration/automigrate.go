package migration

import (
	"fmt"

	auditdomain "github.com/smallbiznis/tunnelgate/internal/audit/domain"
	partitiondomain "github.com/smallbiznis/tunnelgate/internal/partition/domain"
	rollupdomain "github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	subscriptiondomain "github.com/smallbiznis/tunnelgate/internal/subscription/domain"
	trafficdomain "github.com/smallbiznis/tunnelgate/internal/traffic/domain"
	"github.com/smallbiznis/tunnelgate/pkg/db"
	"gorm.io/gorm"
)

// Models lists every table the engine owns, in dependency order.
func Models() []any {
	return []any{
		&partitiondomain.Descriptor{},
		&trafficdomain.Event{},
		&rollupdomain.Bucket{},
		&rollupdomain.Watermark{},
		&subscriptiondomain.Plan{},
		&subscriptiondomain.Subscription{},
		&auditdomain.AuditLog{},
	}
}

// AutoMigrate builds the schema from the gorm models on sqlite and mysql.
// Traffic tables are plain tables there and partition retirement deletes by
// range instead of dropping children.
func AutoMigrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("migration database handle is required")
	}
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return ensureActiveSubscriptionIndex(conn)
}

// ensureActiveSubscriptionIndex enforces at most one live, active
// subscription per user.
func ensureActiveSubscriptionIndex(conn *gorm.DB) error {
	switch conn.Dialector.Name() {
	case db.TypeMySQL:
		// MySQL has no partial indexes; a generated column that is NULL for
		// inactive rows lets a plain unique index ignore them.
		if !conn.Migrator().HasColumn(&subscriptiondomain.Subscription{}, "active_user_key") {
			if err := conn.Exec(
				"ALTER TABLE subscriptions ADD COLUMN active_user_key VARCHAR(36) " +
					"GENERATED ALWAYS AS (CASE WHEN active = 1 AND deleted_at IS NULL THEN user_id ELSE NULL END) VIRTUAL",
			).Error; err != nil {
				return fmt.Errorf("add active user key: %w", err)
			}
		}
		if conn.Migrator().HasIndex(&subscriptiondomain.Subscription{}, "ux_subscriptions_user_active") {
			return nil
		}
		return conn.Exec("CREATE UNIQUE INDEX ux_subscriptions_user_active ON subscriptions (active_user_key)").Error
	default:
		return conn.Exec(
			"CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_user_active ON subscriptions (user_id) WHERE active AND deleted_at IS NULL",
		).Error
	}
}
