package migration

import (
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestAutoMigrateIsRepeatable(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, AutoMigrate(conn))
	require.NoError(t, AutoMigrate(conn))

	for _, table := range []string{
		"traffic_partitions",
		"traffic_events",
		"traffic_rollups_hourly",
		"traffic_rollup_watermarks",
		"plans",
		"subscriptions",
		"audit_logs",
	} {
		require.True(t, conn.Migrator().HasTable(table), table)
	}
	require.True(t, conn.Migrator().HasIndex("subscriptions", "ux_subscriptions_user_active"))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := embeddedMigrations.ReadDir(migrationsDir)
	require.NoError(t, err)

	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	require.Positive(t, ups)
	require.Equal(t, ups, downs)
}
