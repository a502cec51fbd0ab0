package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
)

// Broker defines the interface for interacting with the brokerage.
type Broker interface {
	// Session lifecycle
	LoginURL() string
	CompleteSession(ctx context.Context, requestToken string) (string, error)
	IsAuthenticated(ctx context.Context) bool

	// Reference data
	LoadInstruments(ctx context.Context, underlying string) ([]models.Instrument, error)

	// Market data. Symbols are exchange-qualified ("NSE:NIFTY 50",
	// "NFO:NIFTY26312 25050CE" without the space).
	LTP(ctx context.Context, symbols []string) (map[string]float64, error)
	Quote(ctx context.Context, symbols []string) (map[string]Quote, error)
	Historical(ctx context.Context, token uint32, from, to time.Time, interval string) ([]models.Candle, error)

	// Account and orders
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	Positions(ctx context.Context) ([]PositionItem, error)
	Holdings(ctx context.Context) ([]HoldingItem, error)
	Margins(ctx context.Context) (float64, error)
	Profile(ctx context.Context) (*Profile, error)
}

// OrderRequest describes an order to submit to the exchange.
type OrderRequest struct {
	Exchange  string // defaults to NFO
	Symbol    string // tradingsymbol without the exchange prefix
	Side      models.OrderSide
	Quantity  int
	OrderType string  // MARKET | LIMIT; defaults to MARKET
	Product   string  // MIS | NRML; defaults to MIS
	Price     float64 // limit price, required for LIMIT orders
	Validity  string  // defaults to DAY
}

func (r OrderRequest) withDefaults() OrderRequest {
	if r.Exchange == "" {
		r.Exchange = "NFO"
	}
	if r.OrderType == "" {
		r.OrderType = "MARKET"
	}
	if r.Product == "" {
		r.Product = "MIS"
	}
	if r.Validity == "" {
		r.Validity = "DAY"
	}
	return r
}

// Quote is a full market quote for one instrument.
type Quote struct {
	InstrumentToken uint32     `json:"instrument_token"`
	LastPrice       float64    `json:"last_price"`
	Volume          int64      `json:"volume"`
	OI              int64      `json:"oi"`
	BuyQuantity     int64      `json:"buy_quantity"`
	SellQuantity    int64      `json:"sell_quantity"`
	NetChange       float64    `json:"net_change"`
	LastTradeTime   MarketTime `json:"last_trade_time"`
	OHLC            OHLC       `json:"ohlc"`
	Depth           Depth      `json:"depth"`
}

// Bid returns the best bid price, or 0 when the buy book is empty.
func (q Quote) Bid() float64 {
	if len(q.Depth.Buy) == 0 {
		return 0
	}
	return q.Depth.Buy[0].Price
}

// Ask returns the best ask price, or 0 when the sell book is empty.
func (q Quote) Ask() float64 {
	if len(q.Depth.Sell) == 0 {
		return 0
	}
	return q.Depth.Sell[0].Price
}

// OHLC holds the day's open/high/low/close for a quote.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Depth is the five-level order book attached to a quote.
type Depth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// DepthLevel is one price level of market depth.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int64   `json:"orders"`
}

// PositionItem is a broker-side net position.
type PositionItem struct {
	Symbol       string  `json:"tradingsymbol"`
	Exchange     string  `json:"exchange"`
	Product      string  `json:"product"`
	Quantity     int     `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	LastPrice    float64 `json:"last_price"`
	PnL          float64 `json:"pnl"`
}

// HoldingItem is a demat holding.
type HoldingItem struct {
	Symbol       string  `json:"tradingsymbol"`
	Exchange     string  `json:"exchange"`
	Quantity     int     `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	LastPrice    float64 `json:"last_price"`
	PnL          float64 `json:"pnl"`
}

// Profile identifies the authenticated account.
type Profile struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Email    string `json:"email"`
	Broker   string `json:"broker"`
}

// isPermanentAPIError checks if an error is a permanent API error that should
// not be retried and counts against the circuit breaker.
func isPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// Consider 4xx errors as permanent (except 429 Too Many Requests which is retryable)
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// IsAuthError reports whether the error is an authentication or permission
// failure that requires operator action rather than a retry.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorType {
	case "TokenException", "PermissionException", "UserException":
		return true
	}
	return apiErr.Status == 401 || apiErr.Status == 403
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure the decorator implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// LoginURL is local state; it bypasses the breaker.
func (c *CircuitBreakerBroker) LoginURL() string {
	return c.broker.LoginURL()
}

// IsAuthenticated bypasses the breaker so a tripped circuit does not read as
// a lost session.
func (c *CircuitBreakerBroker) IsAuthenticated(ctx context.Context) bool {
	return c.broker.IsAuthenticated(ctx)
}

// CompleteSession wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CompleteSession(ctx context.Context, requestToken string) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.CompleteSession(ctx, requestToken)
	})
}

// LoadInstruments wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) LoadInstruments(ctx context.Context, underlying string) ([]models.Instrument, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Instrument, error) {
		return b.LoadInstruments(ctx, underlying)
	})
}

// LTP wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) LTP(ctx context.Context, symbols []string) (map[string]float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (map[string]float64, error) {
		return b.LTP(ctx, symbols)
	})
}

// Quote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Quote(ctx context.Context, symbols []string) (map[string]Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (map[string]Quote, error) {
		return b.Quote(ctx, symbols)
	})
}

// Historical wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Historical(ctx context.Context, token uint32, from, to time.Time, interval string) ([]models.Candle, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Candle, error) {
		return b.Historical(ctx, token, from, to, interval)
	})
}

// PlaceOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceOrder(ctx, req)
	})
}

// Positions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Positions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) {
		return b.Positions(ctx)
	})
}

// Holdings wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Holdings(ctx context.Context) ([]HoldingItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]HoldingItem, error) {
		return b.Holdings(ctx)
	})
}

// Margins wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Margins(ctx context.Context) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.Margins(ctx)
	})
}

// Profile wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Profile(ctx context.Context) (*Profile, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Profile, error) {
		return b.Profile(ctx)
	})
}
