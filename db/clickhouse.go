package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS keeper_events (
    id String,
    name LowCardinality(String),
    subject String,
    payload String,
    at DateTime64(3, 'UTC')
) ENGINE = MergeTree()
ORDER BY (name, at)
`

// EventRow is one journaled keeper event.
type EventRow struct {
	ID      string    `ch:"id"`
	Name    string    `ch:"name"`
	Subject string    `ch:"subject"`
	Payload string    `ch:"payload"`
	At      time.Time `ch:"at"`
}

type Options struct {
	Addr         string
	Database     string
	User         string
	Password     string
	QueryTimeout time.Duration
	Debug        bool
}

type ClickHouseDB struct {
	conn driver.Conn
}

func NewClickHouseDB(ctx context.Context, opts Options) (*ClickHouseDB, error) {
	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.User,
			Password: opts.Password,
		},
		Protocol:    clickhouse.Native,
		Debug:       opts.Debug,
		DialTimeout: 10 * time.Second,
		Settings: clickhouse.Settings{
			"max_execution_time": int(timeout.Seconds()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	db := &ClickHouseDB{conn: conn}
	if err := db.createTable(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *ClickHouseDB) createTable(ctx context.Context) error {
	if err := db.conn.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create keeper_events: %w", err)
	}
	return nil
}

// InsertEvents writes rows in one batch.
func (db *ClickHouseDB) InsertEvents(ctx context.Context, rows []EventRow) error {
	batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO keeper_events")
	if err != nil {
		return err
	}
	for i := range rows {
		if err := batch.AppendStruct(&rows[i]); err != nil {
			batch.Abort()
			return err
		}
	}
	return batch.Send()
}

func (db *ClickHouseDB) Close() error {
	return db.conn.Close()
}
