package models

import (
	"fmt"
	"time"
)

// PositionKey identifies one open position in the executor's in-memory map.
// Seq is a process-local sequence number: every BUY creates a fresh key even
// when the symbol already has an open position, so fills are never aggregated.
type PositionKey struct {
	Symbol string
	Seq    int64
}

// String renders the key for logs.
func (k PositionKey) String() string {
	return fmt.Sprintf("%s#%d", k.Symbol, k.Seq)
}

// Position is one open-to-closed long option lifecycle. The store holds the
// durable truth; the executor mirrors open positions only. Exactly one BUY
// order opens a position and exactly one SELL order closes it.
type Position struct {
	Key              PositionKey  `json:"-"`
	ID               int64        `json:"id,omitempty"`
	Strategy         string       `json:"strategy_name"`
	Mode             TradingMode  `json:"trading_mode"`
	Symbol           string       `json:"symbol"`
	OptionType       OptionType   `json:"option_type"`
	Quantity         int          `json:"quantity"`
	OriginalQuantity int          `json:"original_quantity"`
	AveragePrice     float64      `json:"average_price"`
	CurrentPrice     float64      `json:"current_price"`
	UnrealizedPnL    float64      `json:"unrealized_pnl"`
	RealizedPnL      float64      `json:"realized_pnl"`
	PnLPercent       float64      `json:"pnl_percent"` // decimal fraction: 0.12 = 12%
	IsOpen           bool         `json:"is_open"`
	EntryTime        time.Time    `json:"entry_time"`
	ExitTime         *time.Time   `json:"exit_time,omitempty"`
	ExitPrice        float64      `json:"exit_price,omitempty"`
	ExitReason       string       `json:"exit_reason,omitempty"`
	ExitCategory     ExitCategory `json:"exit_reason_category,omitempty"`
	BuyOrderID       int64        `json:"buy_order_id,omitempty"`
	SellOrderID      *int64       `json:"sell_order_id,omitempty"`
	EntryFees        float64      `json:"entry_fees,omitempty"`
	CreatedAt        time.Time    `json:"created_at,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at,omitempty"`

	// PeakPrice anchors the trailing stop. Session-local: re-initialized to
	// the entry price after recovery, never persisted.
	PeakPrice float64 `json:"-"`
}

// NewOpenPosition constructs the in-memory position for a just-filled BUY.
// Entry time is the BUY order's fill timestamp so memory, store and analytics
// agree on when the position began.
func NewOpenPosition(key PositionKey, strategy string, mode TradingMode, symbol string, optType OptionType, qty int, price float64, entryTime time.Time, buyOrderID int64, fees float64) *Position {
	return &Position{
		Key:              key,
		Strategy:         strategy,
		Mode:             mode,
		Symbol:           symbol,
		OptionType:       optType,
		Quantity:         qty,
		OriginalQuantity: qty,
		AveragePrice:     price,
		CurrentPrice:     price,
		IsOpen:           true,
		EntryTime:        entryTime.UTC(),
		BuyOrderID:       buyOrderID,
		EntryFees:        fees,
		PeakPrice:        price,
		CreatedAt:        entryTime.UTC(),
	}
}

// UpdateMarketPrice refreshes the mark and the unrealized P&L from a new LTP.
// No-op for non-positive prices and for closed positions.
func (p *Position) UpdateMarketPrice(price float64) {
	if price <= 0 || !p.IsOpen {
		return
	}
	p.CurrentPrice = price
	p.UnrealizedPnL = (price - p.AveragePrice) * float64(p.Quantity)
	if p.AveragePrice > 0 {
		p.PnLPercent = (price - p.AveragePrice) / p.AveragePrice
	}
}

// TrackPeak raises the trailing-stop anchor when a new high prints.
func (p *Position) TrackPeak(price float64) {
	if price > p.PeakPrice {
		p.PeakPrice = price
	}
}

// Close transitions the position to its closed terminal state. Realized P&L
// is computed against the original BUY quantity, never the post-close zero.
func (p *Position) Close(price float64, at time.Time, reason string, category ExitCategory) {
	exitAt := at.UTC()
	p.IsOpen = false
	p.Quantity = 0
	p.CurrentPrice = price
	p.UnrealizedPnL = 0
	p.RealizedPnL = (price - p.AveragePrice) * float64(p.OriginalQuantity)
	if p.AveragePrice > 0 {
		p.PnLPercent = (price - p.AveragePrice) / p.AveragePrice
	}
	p.ExitTime = &exitAt
	p.ExitPrice = price
	p.ExitReason = reason
	p.ExitCategory = category
	p.UpdatedAt = exitAt
}

// HoldDuration returns the time the position has been (or was) held.
func (p *Position) HoldDuration(now time.Time) time.Duration {
	if p.ExitTime != nil {
		return p.ExitTime.Sub(p.EntryTime)
	}
	return now.Sub(p.EntryTime)
}

// Summary returns the read-only view strategies receive for anti-hedging.
func (p *Position) Summary() OpenPositionSummary {
	return OpenPositionSummary{
		Symbol:     p.Symbol,
		OptionType: p.OptionType,
		Quantity:   p.Quantity,
		Strategy:   p.Strategy,
	}
}

// Validate checks the open/closed lifecycle invariants.
func (p *Position) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("position %s: missing symbol", p.Key)
	}
	if !p.Mode.Valid() {
		return fmt.Errorf("position %s %s: invalid trading mode %q", p.Key, p.Symbol, p.Mode)
	}
	if p.Strategy == "" {
		return fmt.Errorf("position %s %s: missing strategy name", p.Key, p.Symbol)
	}
	if p.IsOpen {
		if p.EntryTime.IsZero() {
			return fmt.Errorf("position %s %s: open position must have an entry time", p.Key, p.Symbol)
		}
		if p.Quantity <= 0 {
			return fmt.Errorf("position %s %s: open position quantity must be positive (got %d)", p.Key, p.Symbol, p.Quantity)
		}
		if p.Quantity != p.OriginalQuantity {
			return fmt.Errorf("position %s %s: open position quantity %d must equal original quantity %d",
				p.Key, p.Symbol, p.Quantity, p.OriginalQuantity)
		}
		if p.AveragePrice <= 0 {
			return fmt.Errorf("position %s %s: open position price must be positive (got %.2f)", p.Key, p.Symbol, p.AveragePrice)
		}
		if p.ExitTime != nil {
			return fmt.Errorf("position %s %s: open position must not have an exit time", p.Key, p.Symbol)
		}
		return nil
	}
	if p.Quantity != 0 {
		return fmt.Errorf("position %s %s: closed position quantity must be zero (got %d)", p.Key, p.Symbol, p.Quantity)
	}
	if p.ExitTime == nil {
		return fmt.Errorf("position %s %s: closed position must have an exit time", p.Key, p.Symbol)
	}
	if p.ExitTime.Before(p.EntryTime) {
		return fmt.Errorf("position %s %s: exit time %v precedes entry time %v",
			p.Key, p.Symbol, p.ExitTime, p.EntryTime)
	}
	if p.ExitPrice <= 0 {
		return fmt.Errorf("position %s %s: closed position must have an exit price", p.Key, p.Symbol)
	}
	return nil
}
