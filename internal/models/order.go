package models

import (
	"fmt"
	"time"
)

// Order is one append-only execution record. The executor assigns ID (a UUID)
// before persisting; the store assigns DatabaseID on insert. Side, symbol and
// quantity never change after the row is written.
type Order struct {
	ID             string         `json:"-"`
	DatabaseID     int64          `json:"id,omitempty"`
	Strategy       string         `json:"strategy_name"`
	Mode           TradingMode    `json:"trading_mode"`
	Symbol         string         `json:"symbol"`
	Side           OrderSide      `json:"order_type"`
	Quantity       int            `json:"quantity"`
	Price          float64        `json:"price"`
	Status         OrderStatus    `json:"status"`
	FilledQuantity int            `json:"filled_quantity"`
	FilledPrice    float64        `json:"filled_price"`
	FilledAt       *time.Time     `json:"filled_at,omitempty"`
	SignalData     map[string]any `json:"signal_data,omitempty"`
	CreatedAt      time.Time      `json:"created_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at,omitempty"`
}

// Validate checks the fields the store requires before accepting an order row.
func (o *Order) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("order %s: missing symbol", o.ID)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("order %s: invalid side %q", o.ID, o.Side)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("order %s %s: quantity must be positive (got %d)", o.ID, o.Symbol, o.Quantity)
	}
	if o.Price <= 0 {
		return fmt.Errorf("order %s %s: price must be positive (got %.2f)", o.ID, o.Symbol, o.Price)
	}
	if !o.Mode.Valid() {
		return fmt.Errorf("order %s %s: invalid trading mode %q", o.ID, o.Symbol, o.Mode)
	}
	if o.Strategy == "" {
		return fmt.Errorf("order %s %s: missing strategy name", o.ID, o.Symbol)
	}
	if !o.Status.Valid() {
		return fmt.Errorf("order %s %s: invalid status %q", o.ID, o.Symbol, o.Status)
	}
	return nil
}

// Fill marks the order filled at the given price and time.
func (o *Order) Fill(price float64, at time.Time) {
	o.Status = OrderFilled
	o.FilledQuantity = o.Quantity
	o.FilledPrice = price
	t := at.UTC()
	o.FilledAt = &t
	o.UpdatedAt = t
}
