package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/tunnelgate/internal/partition/domain"
	"github.com/smallbiznis/tunnelgate/pkg/db"
	"gorm.io/gorm"
)

// keyColumns maps each managed table to the column it is range partitioned on.
var keyColumns = map[string]string{
	domain.TableTrafficEvents:  "event_time",
	domain.TableTrafficRollups: "day",
}

// KeyColumn returns the partition key of a managed table.
func KeyColumn(table string) (string, error) {
	column, ok := keyColumns[table]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownTable, table)
	}
	return column, nil
}

// NewStorage picks native partitions on postgres and registry-only storage elsewhere.
func NewStorage(conn *gorm.DB) domain.Storage {
	if db.IsPostgres(conn) {
		return postgresStorage{}
	}
	return registryStorage{}
}

type postgresStorage struct{}

func (postgresStorage) Create(ctx context.Context, conn *gorm.DB, d domain.Descriptor) error {
	column, err := KeyColumn(d.ParentTable)
	if err != nil {
		return err
	}
	from, to := boundLiteral(column, d)
	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')",
		quoteIdent(d.PartitionName()),
		quoteIdent(d.ParentTable),
		from,
		to,
	)
	return conn.WithContext(ctx).Exec(stmt).Error
}

func (postgresStorage) Drop(ctx context.Context, conn *gorm.DB, d domain.Descriptor) error {
	if _, err := KeyColumn(d.ParentTable); err != nil {
		return err
	}
	return conn.WithContext(ctx).Exec("DROP TABLE IF EXISTS " + quoteIdent(d.PartitionName())).Error
}

// registryStorage keeps all rows in the base table; retiring a day deletes its range.
type registryStorage struct{}

func (registryStorage) Create(context.Context, *gorm.DB, domain.Descriptor) error {
	return nil
}

func (registryStorage) Drop(ctx context.Context, conn *gorm.DB, d domain.Descriptor) error {
	column, err := KeyColumn(d.ParentTable)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s >= ? AND %s < ?", d.ParentTable, column, column)
	return conn.WithContext(ctx).Exec(stmt, d.RangeStart.UTC(), d.RangeEnd.UTC()).Error
}

func boundLiteral(column string, d domain.Descriptor) (string, string) {
	if column == "day" {
		return d.RangeStart.UTC().Format("2006-01-02"), d.RangeEnd.UTC().Format("2006-01-02")
	}
	const layout = "2006-01-02 15:04:05+00"
	return d.RangeStart.UTC().Format(layout), d.RangeEnd.UTC().Format(layout)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
