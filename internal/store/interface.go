// Package store provides typed persistence for orders, positions, trades and
// daily P&L over the remote row store, with a local JSON file fallback.
package store

import (
	"context"
	"time"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
)

// saveRetryDelays is the fixed ladder applied to writes that fail with a
// transient error. Validation and schema rejections are never retried.
var saveRetryDelays = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Interface defines the contract for trading-state persistence.
//
// Implementations must be safe for concurrent use - the orchestrator tick
// loop, the recovery routine, and the HTTP API all issue calls concurrently.
// Writes are at-least-once: every record is keyed by the server-assigned id,
// so a duplicate save after a lost response is detectable by callers.
type Interface interface {
	// Orders
	SaveOrder(ctx context.Context, order *models.Order) (int64, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrdersBySymbol(ctx context.Context, symbol string, mode models.TradingMode) ([]models.Order, error)

	// Positions
	SavePosition(ctx context.Context, pos *models.Position) (int64, error)
	UpdatePosition(ctx context.Context, id int64, patch map[string]any) error
	GetOpenPositions(ctx context.Context, mode models.TradingMode) ([]models.Position, error)
	GetPositionsBySymbol(ctx context.Context, symbol string, mode models.TradingMode) ([]models.Position, error)
	GetPositionByID(ctx context.Context, id int64) (*models.Position, error)

	// Trades and reporting
	SaveTrade(ctx context.Context, trade *models.Trade) (int64, error)
	UpsertDailyPnL(ctx context.Context, day *models.DailyPnL) error
	SaveSignal(ctx context.Context, sig *models.SignalRecord) error

	// Health
	Ping(ctx context.Context) error
}

// Ensure implementations satisfy Interface at compile time.
var (
	_ Interface = (*RestStore)(nil)
	_ Interface = (*FileStore)(nil)
	_ Interface = (*MockStore)(nil)
)
