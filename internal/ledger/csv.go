package ledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sync"
	"time"
)

var csvHeader = []string{"timestamp", "symbol", "side", "entry", "stop", "take", "qty", "fees", "pnl_usdt", "pnl_r", "exit_reason"}

// CSV appends records to a journal file, writing the header once when the
// file is new.
type CSV struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

func OpenCSV(path string) (*CSV, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trade journal %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat trade journal %s: %w", path, err)
	}
	l := &CSV{file: file, w: csv.NewWriter(file)}
	if info.Size() == 0 {
		if err := l.write(csvHeader); err != nil {
			file.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *CSV) Append(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write([]string{
		rec.Time.UTC().Format(time.RFC3339),
		rec.Symbol,
		rec.Side,
		rec.Entry.String(),
		rec.Stop.String(),
		rec.Take.String(),
		rec.Qty.String(),
		rec.Fees.String(),
		rec.PnL.StringFixed(2),
		rec.PnLR.StringFixed(4),
		rec.ExitReason,
	})
}

func (l *CSV) write(row []string) error {
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("write trade journal: %w", err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("flush trade journal: %w", err)
	}
	return l.file.Sync()
}

func (l *CSV) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}
