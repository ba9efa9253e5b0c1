package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record() Record {
	return Record{
		Time:       time.Date(2024, 3, 4, 15, 30, 0, 0, time.UTC),
		TradeID:    "t-1",
		Symbol:     "AAPL",
		Side:       "LONG",
		Entry:      decimal.RequireFromString("100"),
		Stop:       decimal.RequireFromString("98"),
		Take:       decimal.RequireFromString("104"),
		Exit:       decimal.RequireFromString("98"),
		Qty:        decimal.RequireFromString("25"),
		Fees:       decimal.Zero,
		PnL:        decimal.RequireFromString("-50"),
		PnLR:       decimal.RequireFromString("-1"),
		ExitReason: "stop_loss",
	}
}

func TestCSVWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trade_journal.csv")

	l, err := OpenCSV(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(context.Background(), record()))
	require.NoError(t, l.Close())

	l, err = OpenCSV(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(context.Background(), record()))
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"2024-03-04T15:30:00Z", "AAPL", "LONG", "100", "98", "104", "25", "0", "-50.00", "-1.0000", "stop_loss"}, rows[1])
}

func TestMemoryKeepsOrder(t *testing.T) {
	m := NewMemory()
	first, second := record(), record()
	second.TradeID = "t-2"
	require.NoError(t, m.Append(context.Background(), first))
	require.NoError(t, m.Append(context.Background(), second))

	got := m.Records()
	require.Len(t, got, 2)
	assert.Equal(t, "t-1", got[0].TradeID)
	assert.Equal(t, "t-2", got[1].TradeID)
}

type failingLedger struct{ err error }

func (f failingLedger) Append(context.Context, Record) error { return f.err }

func TestMultiAppendsEverywhere(t *testing.T) {
	m := NewMemory()
	boom := errors.New("boom")
	multi := Multi{failingLedger{err: boom}, m}

	err := multi.Append(context.Background(), record())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, m.Records(), 1)
}

func TestClickHouseSQL(t *testing.T) {
	ddl := createTableSQL("trading.trades")
	assert.True(t, strings.HasPrefix(ddl, "CREATE TABLE IF NOT EXISTS trading.trades ("))
	assert.Contains(t, ddl, "pnl_r Decimal(38, 10)")
	assert.Equal(t, "INSERT INTO trading.trades SETTINGS insert_deduplicate=1", insertSQL("trading.trades"))
}

func TestOpenClickHouseRejectsBadTableName(t *testing.T) {
	_, err := OpenClickHouse(context.Background(), "clickhouse://localhost:9000", "trades; DROP TABLE x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ledger table name")
}
