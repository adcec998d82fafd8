// Package schema keeps the database up to date with the migrations
// defined in this package. Both backends share table shapes; only the
// DDL dialect differs.
package schema

import (
	"context"
	_ "embed" // Calls init function.
	"fmt"

	"github.com/ardanlabs/darwin/v2"
	"github.com/jmoiron/sqlx"

	"github.com/meshstats/meshstats/store/database"
)

var (
	//go:embed schema_sqlite.sql
	schemaSqliteDoc string

	//go:embed schema_postgres.sql
	schemaPostgresDoc string
)

// Migrate attempts to bring the schema for db up to date with the
// migrations defined in this package. driver is the database.Config
// driver name.
func Migrate(ctx context.Context, db *sqlx.DB, driver string) error {
	if err := database.StatusCheck(ctx, db); err != nil {
		return fmt.Errorf("status check database: %w", err)
	}

	var dialect darwin.Dialect
	var doc string
	switch driver {
	case "sqlite":
		dialect = darwin.SqliteDialect{}
		doc = schemaSqliteDoc
	case "postgres":
		dialect = darwin.PostgresDialect{}
		doc = schemaPostgresDoc
	default:
		return fmt.Errorf("no schema for driver %q", driver)
	}

	d, err := darwin.NewGenericDriver(db.DB, dialect)
	if err != nil {
		return fmt.Errorf("construct darwin driver: %w", err)
	}

	return darwin.New(d, darwin.ParseMigrations(doc)).Migrate()
}
