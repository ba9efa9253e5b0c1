package md

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var ErrMalformedRow = errors.New("malformed candle row")

var csvHeader = []string{"timestamp", "open", "high", "low", "close", "volume"}

// LoadCSV reads a historical candle file. The timestamp column holds the
// candle close time in epoch milliseconds. Any malformed row fails the
// whole load.
func LoadCSV(path, symbol string, interval time.Duration) ([]Candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open candles: %w", err)
	}
	defer file.Close()
	return ReadCSV(file, symbol, interval)
}

func ReadCSV(r io.Reader, symbol string, interval time.Duration) ([]Candle, error) {
	// Exports from spreadsheet tools often carry a UTF-8 or UTF-16 BOM.
	reader := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("candles: empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("candles header: %w", err)
	}
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	var candles []Candle
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("candles line %d: %w", line, err)
		}
		candle, err := parseRow(record, symbol, interval)
		if err != nil {
			return nil, fmt.Errorf("candles line %d: %w", line, err)
		}
		if n := len(candles); n > 0 && !candle.CloseTime.After(candles[n-1].CloseTime) {
			return nil, fmt.Errorf("candles line %d: %w: timestamp not ascending", line, ErrMalformedRow)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func checkHeader(header []string) error {
	if len(header) < len(csvHeader) {
		return fmt.Errorf("candles header: expected %s", strings.Join(csvHeader, ","))
	}
	for i, name := range csvHeader {
		if !strings.EqualFold(strings.TrimSpace(header[i]), name) {
			return fmt.Errorf("candles header: column %d is %q, expected %q", i+1, header[i], name)
		}
	}
	return nil
}

func parseRow(record []string, symbol string, interval time.Duration) (Candle, error) {
	if len(record) < len(csvHeader) {
		return Candle{}, fmt.Errorf("%w: expected %d columns, got %d", ErrMalformedRow, len(csvHeader), len(record))
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("%w: timestamp %q", ErrMalformedRow, record[0])
	}
	values := make([]decimal.Decimal, 5)
	for i := range values {
		v, err := decimal.NewFromString(strings.TrimSpace(record[i+1]))
		if err != nil {
			return Candle{}, fmt.Errorf("%w: %s %q", ErrMalformedRow, csvHeader[i+1], record[i+1])
		}
		values[i] = v
	}
	open, high, low, closePrice, volume := values[0], values[1], values[2], values[3], values[4]
	if high.LessThan(low) {
		return Candle{}, fmt.Errorf("%w: high below low", ErrMalformedRow)
	}
	if volume.IsNegative() {
		return Candle{}, fmt.Errorf("%w: negative volume", ErrMalformedRow)
	}

	closeTime := time.UnixMilli(ms).UTC()
	return Candle{
		Symbol:    symbol,
		OpenTime:  closeTime.Add(-interval),
		CloseTime: closeTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		Final:     true,
	}, nil
}
