// Package strategy defines the pluggable signal-generator contract and the
// Supertrend scalping reference implementation. Strategies consume closed
// candles, emit entry signals on their own schedule and judge exits for the
// positions the executor shows them; they never hold references into executor
// state.
package strategy

import (
	"time"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
)

// Strategy is the contract every signal generator must satisfy. All methods
// must be safe for concurrent use: the engine updates market data and
// generates signals on its tick goroutine while the API server reads names.
type Strategy interface {
	// Name identifies the strategy in signals, positions and store rows.
	Name() string

	// Interval is the candle interval the strategy consumes.
	Interval() time.Duration

	// UpdateMarketData ingests closed candles, appending only candles newer
	// than what the strategy has already seen.
	UpdateMarketData(candles []models.Candle)

	// GenerateSignals produces entry signals. Entries are emitted at most
	// once per new candle. The open-position snapshot is read-only; prices
	// map option trading symbols to their latest LTP and may be nil.
	GenerateSignals(now time.Time, prices map[string]float64, spot float64, open []models.OpenPositionSummary) []models.Signal

	// ShouldExit judges one open position against its current price. The
	// returned reason and category are persisted with the close.
	ShouldExit(pos *models.Position, price float64, now time.Time) (bool, string, models.ExitCategory)
}

// InstrumentResolver supplies contract lookup for signal construction. The
// market service satisfies it.
type InstrumentResolver interface {
	NearestWeeklyExpiry(now time.Time) time.Time
	ResolveOption(typ models.OptionType, strike float64, expiry time.Time) (models.Instrument, error)
	LotSize(typ models.OptionType, strike float64, expiry time.Time) int
}
