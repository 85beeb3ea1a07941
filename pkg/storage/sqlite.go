package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/ironchef/poolkeeper/pkg/config"
)

// SQLiteConnector opens dedicated single-connection handles to a SQLite file
type SQLiteConnector struct {
	cfg config.DatabaseConfig
	dsn string
}

// NewSQLiteConnector builds the DSN once from the pragma settings
func NewSQLiteConnector(cfg config.DatabaseConfig) *SQLiteConnector {
	return &SQLiteConnector{cfg: cfg, dsn: sqliteDSN(cfg)}
}

func sqliteDSN(cfg config.DatabaseConfig) string {
	params := url.Values{}
	if cfg.BusyTimeout > 0 {
		params.Set("_busy_timeout", fmt.Sprintf("%d", cfg.BusyTimeout.Milliseconds()))
	}
	if cfg.JournalMode != "" {
		params.Set("_journal_mode", strings.ToUpper(cfg.JournalMode))
	}
	if cfg.Synchronous != "" {
		params.Set("_synchronous", strings.ToUpper(cfg.Synchronous))
	}
	if cfg.CacheSize != 0 {
		params.Set("_cache_size", fmt.Sprintf("%d", cfg.CacheSize))
	}
	if cfg.ForeignKeys {
		params.Set("_foreign_keys", "on")
	} else {
		params.Set("_foreign_keys", "off")
	}
	return cfg.Path + "?" + params.Encode()
}

// DSN returns the data source name handed to the sqlite3 driver
func (c *SQLiteConnector) DSN() string {
	return c.dsn
}

func (c *SQLiteConnector) Driver() string {
	return "sqlite3"
}

// Connect opens and verifies a new physical connection
func (c *SQLiteConnector) Connect(ctx context.Context) (Conn, error) {
	db, err := sql.Open("sqlite3", c.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One physical connection per handle, so closing the handle closes it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", c.cfg.Path, err)
	}

	if c.cfg.TempStore != "" {
		pragma := fmt.Sprintf("PRAGMA temp_store = %s", strings.ToUpper(c.cfg.TempStore))
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply temp_store pragma: %w", err)
		}
	}

	conn := &SQLiteConn{id: uuid.NewString(), db: db}
	log.Debug().Str("conn_id", conn.id).Str("path", c.cfg.Path).Msg("Opened sqlite connection")
	return conn, nil
}

// SQLiteConn is a pooled SQLite connection
type SQLiteConn struct {
	id string
	db *sql.DB
}

func (c *SQLiteConn) ID() string {
	return c.id
}

// DB exposes the underlying handle to the borrower
func (c *SQLiteConn) DB() *sql.DB {
	return c.db
}

func (c *SQLiteConn) Ping(ctx context.Context) error {
	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return err
	}
	if one != 1 {
		return fmt.Errorf("unexpected ping result %d", one)
	}
	return nil
}

func (c *SQLiteConn) Close() error {
	return c.db.Close()
}
