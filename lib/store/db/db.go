// Package db implements the opening of database connections.
package db

import (
	"fmt"

	"github.com/fanengagement/chainadp/lib/store"
	"github.com/fanengagement/chainadp/lib/store/mongo"
	"github.com/fanengagement/chainadp/lib/store/postgres"
	"github.com/fanengagement/chainadp/lib/store/sqlite"
)

// Database types.
const (
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
	SQLITE   string = "sqlite"
)

// New returns a system-of-record connection according to the options (database type).
func New(options, connection string) (store.DB, error) {
	switch options {
	case POSTGRES:
		return postgres.New(connection)
	case SQLITE:
		return sqlite.New(connection)
	}

	return nil, fmt.Errorf("unsupported database type %q", options)
}

// NewAudit returns an audit log connection according to the options (database type).
func NewAudit(options, connection string) (store.AuditLog, error) {
	switch options {
	case MONGODB:
		return mongo.New(connection)
	case POSTGRES:
		return postgres.New(connection)
	case SQLITE:
		return sqlite.New(connection)
	}

	return nil, fmt.Errorf("unsupported audit database type %q", options)
}
