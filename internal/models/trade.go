package models

import "time"

// Trade is the append-only summary row written when a position closes. It
// exists for reporting; open-position tracking never depends on it.
type Trade struct {
	ID          int64          `json:"id,omitempty"`
	Strategy    string         `json:"strategy_name"`
	Mode        TradingMode    `json:"trading_mode"`
	Symbol      string         `json:"symbol"`
	EntryPrice  float64        `json:"entry_price"`
	ExitPrice   float64        `json:"exit_price"`
	Quantity    int            `json:"quantity"`
	PnL         float64        `json:"pnl"`
	PnLPercent  float64        `json:"pnl_percentage"` // decimal fraction
	EntryTime   time.Time      `json:"entry_time"`
	ExitTime    time.Time      `json:"exit_time"`
	HoldMinutes float64        `json:"hold_duration_minutes"`
	ExitReason  string         `json:"exit_reason"`
	EntrySignal map[string]any `json:"entry_signal_data,omitempty"`
	Fees        float64        `json:"fees"`
	Slippage    float64        `json:"slippage"`
}

// NewTradeFromPosition derives the trade row for a just-closed position.
func NewTradeFromPosition(p *Position, fees, slippage float64) *Trade {
	exitAt := time.Now().UTC()
	if p.ExitTime != nil {
		exitAt = *p.ExitTime
	}
	return &Trade{
		Strategy:    p.Strategy,
		Mode:        p.Mode,
		Symbol:      p.Symbol,
		EntryPrice:  p.AveragePrice,
		ExitPrice:   p.ExitPrice,
		Quantity:    p.OriginalQuantity,
		PnL:         p.RealizedPnL,
		PnLPercent:  p.PnLPercent,
		EntryTime:   p.EntryTime,
		ExitTime:    exitAt,
		HoldMinutes: exitAt.Sub(p.EntryTime).Minutes(),
		ExitReason:  p.ExitReason,
		Fees:        fees,
		Slippage:    slippage,
	}
}

// DailyPnL is the per-day, per-mode, per-strategy aggregate. (date,
// strategy_name, trading_mode) is unique; rows are upserted periodically.
type DailyPnL struct {
	Date           string      `json:"date"` // YYYY-MM-DD in IST
	Strategy       string      `json:"strategy_name"`
	Mode           TradingMode `json:"trading_mode"`
	RealizedPnL    float64     `json:"realized_pnl"`
	UnrealizedPnL  float64     `json:"unrealized_pnl"`
	TotalPnL       float64     `json:"total_pnl"`
	TradesCount    int         `json:"trades_count"`
	WinningTrades  int         `json:"winning_trades"`
	LosingTrades   int         `json:"losing_trades"`
	FeesPaid       float64     `json:"fees_paid"`
	PortfolioValue float64     `json:"portfolio_value"`
}

// SignalRecord journals every emitted signal, accepted or rejected, with the
// rejection reason when the executor refused it.
type SignalRecord struct {
	ID              int64       `json:"id,omitempty"`
	Strategy        string      `json:"strategy_name"`
	Mode            TradingMode `json:"trading_mode"`
	Type            SignalType  `json:"signal_type"`
	Symbol          string      `json:"symbol"`
	Quantity        int         `json:"quantity"`
	Price           float64     `json:"price"`
	Approved        bool        `json:"approved"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at,omitempty"`
}
