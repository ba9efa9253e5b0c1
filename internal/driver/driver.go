package driver

import (
	"context"

	"breakoutbot/internal/engine"
	"breakoutbot/internal/md"
)

// Engine is the slice of *engine.Engine the drivers need.
type Engine interface {
	OnCandle(ctx context.Context, c md.Candle) error
	Reconcile(ctx context.Context) error
	Stats() engine.Stats
}
