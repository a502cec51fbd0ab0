package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
)

// flakyBroker fails every call with err until it is cleared.
type flakyBroker struct {
	err   error
	calls int
}

func (f *flakyBroker) LoginURL() string { return "http://login" }
func (f *flakyBroker) CompleteSession(ctx context.Context, requestToken string) (string, error) {
	f.calls++
	return "tok", f.err
}
func (f *flakyBroker) IsAuthenticated(ctx context.Context) bool { return f.err == nil }
func (f *flakyBroker) LoadInstruments(ctx context.Context, underlying string) ([]models.Instrument, error) {
	f.calls++
	return nil, f.err
}
func (f *flakyBroker) LTP(ctx context.Context, symbols []string) (map[string]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		out[s] = 100
	}
	return out, nil
}
func (f *flakyBroker) Quote(ctx context.Context, symbols []string) (map[string]Quote, error) {
	f.calls++
	return map[string]Quote{}, f.err
}
func (f *flakyBroker) Historical(ctx context.Context, token uint32, from, to time.Time, interval string) ([]models.Candle, error) {
	f.calls++
	return nil, f.err
}
func (f *flakyBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	f.calls++
	return "order-1", f.err
}
func (f *flakyBroker) Positions(ctx context.Context) ([]PositionItem, error) {
	f.calls++
	return nil, f.err
}
func (f *flakyBroker) Holdings(ctx context.Context) ([]HoldingItem, error) {
	f.calls++
	return nil, f.err
}
func (f *flakyBroker) Margins(ctx context.Context) (float64, error) {
	f.calls++
	return 200000, f.err
}
func (f *flakyBroker) Profile(ctx context.Context) (*Profile, error) {
	f.calls++
	return &Profile{UserID: "AB1234"}, f.err
}

var _ Broker = (*flakyBroker)(nil)

func TestCircuitBreaker_PassesThroughOnSuccess(t *testing.T) {
	inner := &flakyBroker{}
	cb := NewCircuitBreakerBroker(inner)

	prices, err := cb.LTP(context.Background(), []string{"NSE:NIFTY 50"})
	if err != nil {
		t.Fatalf("LTP failed: %v", err)
	}
	if prices["NSE:NIFTY 50"] != 100 {
		t.Fatalf("prices = %v", prices)
	}

	cash, err := cb.Margins(context.Background())
	if err != nil || cash != 200000 {
		t.Fatalf("Margins = %v, %v", cash, err)
	}
}

func TestCircuitBreaker_OpensAfterRepeatedFailures(t *testing.T) {
	inner := &flakyBroker{err: errors.New("connection refused")}
	cb := NewCircuitBreakerBrokerWithSettings(inner, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 1.0,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := cb.Quote(ctx, []string{"X"}); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}
	callsBefore := inner.calls

	// The circuit is now open: calls fail fast without reaching the broker.
	_, err := cb.Quote(ctx, []string{"X"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want gobreaker.ErrOpenState", err)
	}
	if inner.calls != callsBefore {
		t.Fatalf("inner broker was called while circuit open (calls=%d)", inner.calls)
	}
}

func TestCircuitBreaker_LocalMethodsBypassBreaker(t *testing.T) {
	inner := &flakyBroker{err: errors.New("down")}
	cb := NewCircuitBreakerBrokerWithSettings(inner, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  1,
		FailureRatio: 0.1,
	})

	ctx := context.Background()
	_, _ = cb.Positions(ctx) // trip the breaker
	_, err := cb.Positions(ctx)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}

	if got := cb.LoginURL(); got != "http://login" {
		t.Fatalf("LoginURL = %q, want pass-through", got)
	}
}

func TestIsPermanentAPIError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"bad request", &APIError{Status: 400}, true},
		{"forbidden", &APIError{Status: 403}, true},
		{"throttled is retryable", &APIError{Status: 429}, false},
		{"server error", &APIError{Status: 502}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPermanentAPIError(tt.err); got != tt.want {
				t.Fatalf("isPermanentAPIError = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOrderRequest_Defaults(t *testing.T) {
	req := OrderRequest{Symbol: "NIFTY26MAR25050CE", Side: models.SideBuy, Quantity: 75}.withDefaults()
	if req.Exchange != "NFO" || req.OrderType != "MARKET" || req.Product != "MIS" || req.Validity != "DAY" {
		t.Fatalf("defaults = %+v", req)
	}

	// Explicit values survive.
	req = OrderRequest{Exchange: "NSE", OrderType: "LIMIT", Product: "NRML", Validity: "IOC"}.withDefaults()
	if req.Exchange != "NSE" || req.OrderType != "LIMIT" || req.Product != "NRML" || req.Validity != "IOC" {
		t.Fatalf("explicit values overwritten: %+v", req)
	}
}

func TestQuote_BidAskEmptyDepth(t *testing.T) {
	var q Quote
	if q.Bid() != 0 || q.Ask() != 0 {
		t.Fatalf("empty depth bid/ask = %v/%v, want 0/0", q.Bid(), q.Ask())
	}
}
