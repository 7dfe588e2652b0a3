package logstore

import (
	"context"
	"database/sql"
	"sync"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog/log"
)

// ClickHouseSink batches log entries into a ClickHouse table for long-term,
// queryable retention beyond the bounded in-memory ring.
type ClickHouseSink struct {
	db    *sql.DB
	table string

	mu    sync.Mutex
	batch []Entry

	batchSize int
	flushEvery time.Duration
}

// NewClickHouseSink opens a ClickHouse connection from dsn, ensures the
// target table exists, and attaches a periodic-flush listener to store.
func NewClickHouseSink(store *Store, dsn, table string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db := clickhouse.OpenDB(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+table+` (
	id Int64,
	timestamp DateTime64(3),
	server_name String,
	level String,
	message String,
	error String
) ENGINE = MergeTree() ORDER BY (timestamp, id)
`); err != nil {
		return nil, err
	}

	sink := &ClickHouseSink{db: db, table: table, batchSize: 100, flushEvery: 2 * time.Second}
	store.AddListener(sink.handle)
	go sink.flushLoop()
	return sink, nil
}

func (c *ClickHouseSink) handle(e Entry) {
	c.mu.Lock()
	c.batch = append(c.batch, e)
	full := len(c.batch) >= c.batchSize
	c.mu.Unlock()
	if full {
		c.flush()
	}
}

func (c *ClickHouseSink) flushLoop() {
	ticker := time.NewTicker(c.flushEvery)
	defer ticker.Stop()
	for range ticker.C {
		c.flush()
	}
}

func (c *ClickHouseSink) flush() {
	c.mu.Lock()
	batch := c.batch
	c.batch = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx := context.Background()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		log.Warn().Err(err).Msg("clickhouse log sink: begin failed")
		return
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO "+c.table+" (id, timestamp, server_name, level, message, error)")
	if err != nil {
		_ = tx.Rollback()
		log.Warn().Err(err).Msg("clickhouse log sink: prepare failed")
		return
	}
	defer stmt.Close()

	for _, e := range batch {
		errMsg := ""
		if e.Err != nil {
			errMsg = e.Err.Error()
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.Timestamp, e.ServerName, string(e.Level), e.Message, errMsg); err != nil {
			log.Warn().Err(err).Msg("clickhouse log sink: exec failed")
		}
	}
	if err := tx.Commit(); err != nil {
		log.Warn().Err(err).Msg("clickhouse log sink: commit failed")
	}
}

// Close flushes any pending batch and closes the connection.
func (c *ClickHouseSink) Close() error {
	c.flush()
	return c.db.Close()
}
