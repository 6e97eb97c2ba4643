package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open builds the Store selected by driver.
func Open(ctx context.Context, driver, sqlitePath, postgresDSN string, logger *zap.Logger) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(ctx, sqlitePath, logger)
	case DriverPostgres:
		return OpenPostgres(ctx, postgresDSN, logger)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}
