package ledger

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ClickHouse appends records to a MergeTree table, one insert per trade.
type ClickHouse struct {
	conn  clickhouse.Conn
	table string
}

func OpenClickHouse(ctx context.Context, dsn, table string) (*ClickHouse, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid ledger table name %q", table)
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, createTableSQL(table)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create ledger table: %w", err)
	}
	return &ClickHouse{conn: conn, table: table}, nil
}

func createTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	ts DateTime64(3, 'UTC'),
	trade_id String,
	symbol LowCardinality(String),
	side LowCardinality(String),
	entry Decimal(38, 10),
	stop Decimal(38, 10),
	take Decimal(38, 10),
	exit Decimal(38, 10),
	qty Decimal(38, 10),
	fees Decimal(38, 10),
	pnl Decimal(38, 10),
	pnl_r Decimal(38, 10),
	exit_reason LowCardinality(String)
) ENGINE = ReplacingMergeTree
ORDER BY (symbol, ts, trade_id)`, table)
}

func insertSQL(table string) string {
	return fmt.Sprintf("INSERT INTO %s SETTINGS insert_deduplicate=1", table)
}

func (c *ClickHouse) Append(ctx context.Context, rec Record) error {
	batch, err := c.conn.PrepareBatch(ctx, insertSQL(c.table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	if err := batch.Append(
		rec.Time.UTC(),
		rec.TradeID,
		rec.Symbol,
		rec.Side,
		rec.Entry,
		rec.Stop,
		rec.Take,
		rec.Exit,
		rec.Qty,
		rec.Fees,
		rec.PnL,
		rec.PnLR,
		rec.ExitReason,
	); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("batch append: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("batch send: %w", err)
	}
	return nil
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
