package storage

import (
	"context"
	"fmt"

	"github.com/ironchef/poolkeeper/pkg/config"
)

// Conn is one physical connection to the backing store
type Conn interface {
	// ID is unique for the lifetime of the process
	ID() string
	// Ping is a cheap round-trip check
	Ping(ctx context.Context) error
	Close() error
}

// Connector opens physical connections
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
	Driver() string
}

// NewConnector selects the connector for cfg.Driver
func NewConnector(cfg config.DatabaseConfig) (Connector, error) {
	switch cfg.Driver {
	case "sqlite3", "":
		return NewSQLiteConnector(cfg), nil
	case "postgres":
		return NewPostgresConnector(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
