// Package models defines the core trading entities shared across the engine:
// candles, instruments, signals, orders, positions, trades and their enums.
package models

import (
	"fmt"
	"strings"
	"time"
)

// TradingMode selects between simulated fills (paper) and real broker fills (live).
type TradingMode string

const (
	// ModePaper simulates execution against a virtual capital ledger.
	ModePaper TradingMode = "paper"
	// ModeLive forwards orders to the broker.
	ModeLive TradingMode = "live"
)

// Valid returns true if the TradingMode is one of the defined constants.
func (m TradingMode) Valid() bool {
	switch m {
	case ModePaper, ModeLive:
		return true
	default:
		return false
	}
}

// ParseTradingMode normalizes a config/env value ("PAPER", "paper", ...) to a TradingMode.
func ParseTradingMode(s string) (TradingMode, error) {
	m := TradingMode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("invalid trading mode %q (want PAPER or LIVE)", s)
	}
	return m, nil
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Valid returns true if the OrderSide is BUY or SELL.
func (s OrderSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OptionType follows the Indian market convention: CE for calls, PE for puts.
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Valid returns true if the OptionType is CE or PE.
func (t OptionType) Valid() bool {
	return t == OptionCall || t == OptionPut
}

// OptionTypeFromSymbol extracts the option type from an NFO trading symbol suffix.
// Returns false when the symbol does not end in CE or PE.
func OptionTypeFromSymbol(symbol string) (OptionType, bool) {
	switch {
	case strings.HasSuffix(symbol, string(OptionCall)):
		return OptionCall, true
	case strings.HasSuffix(symbol, string(OptionPut)):
		return OptionPut, true
	default:
		return "", false
	}
}

// OrderStatus is the lifecycle state of an order row. Orders are append-only:
// only status, filled quantity and filled price may transition after write.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Valid returns true if the OrderStatus is one of the defined constants.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderFilled, OrderRejected, OrderCancelled:
		return true
	default:
		return false
	}
}

// SignalType is the class of signal a strategy emits.
type SignalType string

const (
	SignalBuyCall  SignalType = "BUY_CALL"
	SignalBuyPut   SignalType = "BUY_PUT"
	SignalSellCall SignalType = "SELL_CALL"
	SignalSellPut  SignalType = "SELL_PUT"
)

// Valid returns true if the SignalType is one of the defined constants.
func (t SignalType) Valid() bool {
	switch t {
	case SignalBuyCall, SignalBuyPut, SignalSellCall, SignalSellPut:
		return true
	default:
		return false
	}
}

// IsEntry reports whether the signal opens a new position.
func (t SignalType) IsEntry() bool {
	return t == SignalBuyCall || t == SignalBuyPut
}

// Side maps the signal class to the order side it produces.
func (t SignalType) Side() OrderSide {
	if t.IsEntry() {
		return SideBuy
	}
	return SideSell
}

// OptionType maps the signal class to the option leg it refers to.
func (t SignalType) OptionType() OptionType {
	if t == SignalBuyCall || t == SignalSellCall {
		return OptionCall
	}
	return OptionPut
}

// ExitCategory is the closed set of exit classifications used for reporting.
type ExitCategory string

const (
	ExitProfitTarget  ExitCategory = "PROFIT_TARGET"
	ExitStopLoss      ExitCategory = "STOP_LOSS"
	ExitTimeStop      ExitCategory = "TIME_STOP"
	ExitTrendReversal ExitCategory = "TREND_REVERSAL"
	ExitForced        ExitCategory = "FORCE_EXIT"
	ExitManual        ExitCategory = "MANUAL"
	ExitMinHold       ExitCategory = "MIN_HOLD_TIME"
	ExitError         ExitCategory = "ERROR"
	ExitOther         ExitCategory = "OTHER"
)

// Valid returns true if the ExitCategory is one of the defined constants.
func (c ExitCategory) Valid() bool {
	switch c {
	case ExitProfitTarget, ExitStopLoss, ExitTimeStop, ExitTrendReversal,
		ExitForced, ExitManual, ExitMinHold, ExitError, ExitOther:
		return true
	default:
		return false
	}
}

// Candle is one OHLCV bar for a fixed interval. Timestamp marks the bar open.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// ClosedBy reports whether the candle has fully completed: its end time
// (open timestamp + interval) is at or before now. The most recent candle a
// broker returns is in-progress and must not reach strategies.
func (c Candle) ClosedBy(now time.Time, interval time.Duration) bool {
	return !c.Timestamp.Add(interval).After(now)
}

// Instrument is one tradable contract from the broker's instrument master.
// The trading symbol is consumed as-is; the engine never synthesizes symbols.
type Instrument struct {
	Token          uint32     `json:"instrument_token"`
	Symbol         string     `json:"tradingsymbol"`
	Name           string     `json:"name"`
	Exchange       string     `json:"exchange"`
	Segment        string     `json:"segment"`
	InstrumentType OptionType `json:"instrument_type"`
	Expiry         time.Time  `json:"expiry"`
	Strike         float64    `json:"strike"`
	LotSize        int        `json:"lot_size"`
	TickSize       float64    `json:"tick_size"`
}

// Validate checks the option-contract invariants against the strike step.
func (i Instrument) Validate(strikeStep int) error {
	if i.Symbol == "" {
		return fmt.Errorf("instrument %d: empty trading symbol", i.Token)
	}
	if i.Strike <= 0 {
		return fmt.Errorf("instrument %s: strike must be positive (got %.2f)", i.Symbol, i.Strike)
	}
	if strikeStep > 0 && int(i.Strike)%strikeStep != 0 {
		return fmt.Errorf("instrument %s: strike %.0f is not a multiple of %d", i.Symbol, i.Strike, strikeStep)
	}
	if i.LotSize <= 0 {
		return fmt.Errorf("instrument %s: lot size must be positive (got %d)", i.Symbol, i.LotSize)
	}
	return nil
}

// Signal is one actionable instruction produced by a strategy. Entry signals
// open positions; exit signals carry the reason and category for the close.
type Signal struct {
	Type     SignalType   `json:"type"`
	Symbol   string       `json:"symbol"`
	Token    uint32       `json:"token,omitempty"`
	Quantity int          `json:"quantity"`
	Price    float64      `json:"price"`
	Strategy string       `json:"strategy"`
	At       time.Time    `json:"at"`
	Reason   string       `json:"reason,omitempty"`
	Category ExitCategory `json:"category,omitempty"`
}

// Validate checks the fields every signal must carry before execution.
func (s Signal) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("signal: invalid type %q", s.Type)
	}
	if s.Symbol == "" {
		return fmt.Errorf("signal %s: empty symbol", s.Type)
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("signal %s %s: quantity must be positive (got %d)", s.Type, s.Symbol, s.Quantity)
	}
	if s.Strategy == "" {
		return fmt.Errorf("signal %s %s: empty strategy name", s.Type, s.Symbol)
	}
	return nil
}

// OpenPositionSummary is the read-only view of one open position that the
// engine hands to strategies for anti-hedging checks. Strategies never hold a
// reference back into the executor.
type OpenPositionSummary struct {
	Symbol     string     `json:"symbol"`
	OptionType OptionType `json:"option_type"`
	Quantity   int        `json:"quantity"`
	Strategy   string     `json:"strategy"`
}
