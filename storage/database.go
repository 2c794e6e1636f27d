package storage

import (
	"context"
	"fmt"
)

// DatabaseType names a relational backend
type DatabaseType string

const (
	// MySQL
	MySQL DatabaseType = "mysql"
	// PostgreSQL
	PostgreSQL DatabaseType = "postgresql"
	// SQLite is the embedded single-node store
	SQLite DatabaseType = "sqlite"
)

// NewDatabaseStorage opens the backend named by dbType and creates its tables
func NewDatabaseStorage(ctx context.Context, dbType string, dsn string) (Database, error) {
	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(ctx, dsn)
	case PostgreSQL, "postgres":
		return NewPostgreSQLStorage(ctx, dsn)
	case SQLite:
		return NewSQLiteStorage(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}
