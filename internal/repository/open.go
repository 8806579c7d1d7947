package store

import (
	"context"
	"fmt"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Open returns the Store for the configured driver.
func Open(ctx context.Context, driver, dsn string, compressThreshold int) (Store, error) {
	switch driver {
	case DriverSQLite, "sqlite", "":
		return NewSQLiteStore(dsn, WithCompressionThreshold(compressThreshold))
	case DriverPostgres, "postgresql", "pgx":
		return NewPostgresStore(ctx, dsn, compressThreshold)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
