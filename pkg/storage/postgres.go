package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

const postgresCloseTimeout = 5 * time.Second

// PostgresConnector opens pgx connections from a parsed DSN
type PostgresConnector struct {
	cfg *pgx.ConnConfig
}

func NewPostgresConnector(dsn string) (*PostgresConnector, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	return &PostgresConnector{cfg: cfg}, nil
}

func (c *PostgresConnector) Driver() string {
	return "postgres"
}

// Connect dials a new server session
func (c *PostgresConnector) Connect(ctx context.Context) (Conn, error) {
	pg, err := pgx.ConnectConfig(ctx, c.cfg.Copy())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s:%d: %w", c.cfg.Host, c.cfg.Port, err)
	}

	conn := &PostgresConn{id: uuid.NewString(), conn: pg}
	log.Debug().Str("conn_id", conn.id).Str("host", c.cfg.Host).Msg("Opened postgres connection")
	return conn, nil
}

// PostgresConn is a pooled postgres session
type PostgresConn struct {
	id   string
	conn *pgx.Conn
}

func (c *PostgresConn) ID() string {
	return c.id
}

// PgxConn exposes the session to the borrower
func (c *PostgresConn) PgxConn() *pgx.Conn {
	return c.conn
}

func (c *PostgresConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *PostgresConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresCloseTimeout)
	defer cancel()
	return c.conn.Close(ctx)
}
