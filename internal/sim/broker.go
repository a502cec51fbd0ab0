// Package sim implements the broker interface against a seeded random walk
// instead of a live exchange. It serves a synthetic NIFTY weekly option
// master, walks the spot a few points per quote, prices contracts as
// intrinsic value plus a distance-decayed time value, and accepts every
// order. The same seed always produces the same price path, which makes it
// usable both for offline development and inside engine tests.
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/broker"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/util"
)

const (
	underlying        = "NIFTY"
	spotSymbol        = "NSE:NIFTY 50"
	spotToken  uint32 = 256265

	defaultSpot = 24500.0
	strikeStep  = 50
	strikeSpan  = 1000 // strikes generated on each side of the spot
	lotSize     = 75

	// walkStep bounds how far the spot moves per quote call, in index points.
	walkStep = 6.0

	// timeValueATM and timeValueDecay shape the synthetic premium curve:
	// an at-the-money weekly option quotes near timeValueATM, decaying
	// exponentially with distance from the spot.
	timeValueATM   = 120.0
	timeValueDecay = 350.0

	maxHistoricalBars = 2000
)

// Broker is a simulated brokerage session. All methods are safe for
// concurrent use.
type Broker struct {
	mu       sync.Mutex
	rng      *rand.Rand
	seed     int64
	now      func() time.Time
	spot     float64
	master   []models.Instrument
	bySymbol map[string]models.Instrument
	orderSeq int
	placed   []broker.OrderRequest
}

var _ broker.Broker = (*Broker)(nil)

// New returns an authenticated simulated broker whose price path is fully
// determined by seed. The option master covers two weekly expiries around
// the starting spot.
func New(seed int64) *Broker {
	b := &Broker{
		rng:      rand.New(rand.NewSource(seed)),
		seed:     seed,
		now:      time.Now,
		spot:     defaultSpot,
		bySymbol: make(map[string]models.Instrument),
	}
	b.buildMaster()
	return b
}

// LoginURL returns a placeholder; the simulator needs no OAuth round trip.
func (b *Broker) LoginURL() string {
	return "https://simulator.invalid/login"
}

// CompleteSession accepts any request token.
func (b *Broker) CompleteSession(ctx context.Context, requestToken string) (string, error) {
	return "sim-access-token", nil
}

// IsAuthenticated is always true: the simulator has no session to lose.
func (b *Broker) IsAuthenticated(ctx context.Context) bool {
	return true
}

// LoadInstruments returns the synthetic option master.
func (b *Broker) LoadInstruments(ctx context.Context, name string) ([]models.Instrument, error) {
	if !strings.EqualFold(name, underlying) {
		return nil, fmt.Errorf("simulator only serves %s, got %q", underlying, name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Instrument, len(b.master))
	copy(out, b.master)
	return out, nil
}

// LTP advances the walk one step and prices every requested symbol. Unknown
// symbols are omitted from the result, matching live broker behavior.
func (b *Broker) LTP(ctx context.Context, symbols []string) (map[string]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stepLocked()

	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if price, ok := b.priceLocked(sym); ok {
			out[sym] = price
		}
	}
	return out, nil
}

// Quote behaves like LTP but returns full quotes with a one-tick book around
// the last price. Last-trade time is the simulator clock, so the market
// always reads as open.
func (b *Broker) Quote(ctx context.Context, symbols []string) (map[string]broker.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stepLocked()

	now := b.now()
	out := make(map[string]broker.Quote, len(symbols))
	for _, sym := range symbols {
		price, ok := b.priceLocked(sym)
		if !ok {
			continue
		}
		token := spotToken
		if inst, ok := b.bySymbol[stripExchange(sym)]; ok {
			token = inst.Token
		}
		out[sym] = broker.Quote{
			InstrumentToken: token,
			LastPrice:       price,
			Volume:          b.rng.Int63n(5_000_000),
			OI:              b.rng.Int63n(10_000_000),
			LastTradeTime:   broker.MarketTime{Time: now},
			OHLC: broker.OHLC{
				Open:  util.RoundToTick(price*0.995, 0.05),
				High:  util.RoundToTick(price*1.01, 0.05),
				Low:   util.RoundToTick(price*0.99, 0.05),
				Close: util.RoundToTick(price*0.998, 0.05),
			},
			Depth: broker.Depth{
				Buy:  []broker.DepthLevel{{Price: util.RoundToTick(price-0.05, 0.05), Quantity: 750, Orders: 3}},
				Sell: []broker.DepthLevel{{Price: util.RoundToTick(price+0.05, 0.05), Quantity: 750, Orders: 3}},
			},
		}
	}
	return out, nil
}

// Historical generates index candles for the window, anchored so the walk
// ends at the current spot. The same seed and window produce the same bars.
func (b *Broker) Historical(ctx context.Context, token uint32, from, to time.Time, interval string) ([]models.Candle, error) {
	if token != spotToken {
		return nil, fmt.Errorf("simulator has no history for token %d", token)
	}
	step, err := parseInterval(interval)
	if err != nil {
		return nil, err
	}
	if !to.After(from) {
		return nil, fmt.Errorf("empty candle window %s..%s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	b.mu.Lock()
	endSpot := b.spot
	seed := b.seed
	b.mu.Unlock()

	// Last closed bar starts one interval before the aligned window end.
	end := to.Truncate(step)
	n := int(end.Sub(from.Truncate(step)) / step)
	if n <= 0 {
		return nil, nil
	}
	if n > maxHistoricalBars {
		n = maxHistoricalBars
	}

	// Deterministic per-window stream: candles never change under refetch.
	hrng := rand.New(rand.NewSource(seed ^ end.Unix()))
	deltas := make([]float64, n)
	for i := range deltas {
		deltas[i] = (hrng.Float64()*2 - 1) * walkStep
	}

	closes := make([]float64, n)
	closes[n-1] = endSpot
	for i := n - 1; i > 0; i-- {
		closes[i-1] = closes[i] - deltas[i]
	}

	candles := make([]models.Candle, n)
	for i := 0; i < n; i++ {
		open := closes[i] - deltas[i]
		high := math.Max(open, closes[i]) + hrng.Float64()*2
		low := math.Min(open, closes[i]) - hrng.Float64()*2
		candles[i] = models.Candle{
			Timestamp: end.Add(-time.Duration(n-i) * step),
			Open:      round2(open),
			High:      round2(high),
			Low:       round2(low),
			Close:     round2(closes[i]),
			Volume:    hrng.Int63n(1_000_000),
		}
	}
	return candles, nil
}

// PlaceOrder accepts every order and returns a sequential simulator id.
func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	if req.Symbol == "" {
		return "", fmt.Errorf("order needs a symbol")
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("order quantity must be positive, got %d", req.Quantity)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orderSeq++
	b.placed = append(b.placed, req)
	return fmt.Sprintf("SIM%06d", b.orderSeq), nil
}

// Positions is always empty: the engine owns paper positions, not the
// simulator.
func (b *Broker) Positions(ctx context.Context) ([]broker.PositionItem, error) {
	return nil, nil
}

// Holdings is always empty.
func (b *Broker) Holdings(ctx context.Context) ([]broker.HoldingItem, error) {
	return nil, nil
}

// Margins reports a fixed ten-lakh cash balance.
func (b *Broker) Margins(ctx context.Context) (float64, error) {
	return 1_000_000, nil
}

// Profile identifies the simulated account.
func (b *Broker) Profile(ctx context.Context) (*broker.Profile, error) {
	return &broker.Profile{
		UserID:   "SIM001",
		UserName: "Simulated Trader",
		Email:    "sim@localhost",
		Broker:   "simulator",
	}, nil
}

// PlacedOrders returns a copy of every accepted order, oldest first.
func (b *Broker) PlacedOrders() []broker.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.OrderRequest, len(b.placed))
	copy(out, b.placed)
	return out
}

// Spot returns the current simulated index level.
func (b *Broker) Spot() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spot
}

func (b *Broker) stepLocked() {
	b.spot += (b.rng.Float64()*2 - 1) * walkStep
}

// priceLocked resolves one requested symbol to a price: the spot for the
// index key, intrinsic plus time value for known contracts.
func (b *Broker) priceLocked(symbol string) (float64, bool) {
	if symbol == spotSymbol {
		return round2(b.spot), true
	}
	inst, ok := b.bySymbol[stripExchange(symbol)]
	if !ok {
		return 0, false
	}
	return b.optionPriceLocked(inst), true
}

func (b *Broker) optionPriceLocked(inst models.Instrument) float64 {
	var intrinsic float64
	switch inst.InstrumentType {
	case models.OptionCall:
		intrinsic = math.Max(0, b.spot-inst.Strike)
	case models.OptionPut:
		intrinsic = math.Max(0, inst.Strike-b.spot)
	}
	distance := math.Abs(b.spot - inst.Strike)
	timeValue := timeValueATM * math.Exp(-distance/timeValueDecay)
	price := util.RoundToTick(intrinsic+timeValue, inst.TickSize)
	if price < 0.05 {
		price = 0.05
	}
	return price
}

// buildMaster generates CE/PE contracts on the strike grid around the
// starting spot for the next two weekly expiries.
func (b *Broker) buildMaster() {
	atm := util.ATMStrike(b.spot, strikeStep)
	expiry := nextWeeklyExpiry(b.now())
	token := spotToken + 1

	for week := 0; week < 2; week++ {
		day := expiry.AddDate(0, 0, 7*week)
		for strike := atm - strikeSpan; strike <= atm+strikeSpan; strike += strikeStep {
			for _, typ := range []models.OptionType{models.OptionCall, models.OptionPut} {
				inst := models.Instrument{
					Token:          token,
					Symbol:         contractSymbol(day, strike, typ),
					Name:           underlying,
					Exchange:       "NFO",
					Segment:        "NFO-OPT",
					InstrumentType: typ,
					Expiry:         day,
					Strike:         strike,
					LotSize:        lotSize,
					TickSize:       0.05,
				}
				token++
				b.master = append(b.master, inst)
				b.bySymbol[inst.Symbol] = inst
			}
		}
	}
}

// contractSymbol renders the broker-style weekly trading symbol,
// e.g. NIFTY2631024500CE for the 2026-03-10 24500 call.
func contractSymbol(expiry time.Time, strike float64, typ models.OptionType) string {
	ist := expiry.In(util.IST)
	return fmt.Sprintf("%s%02d%d%02d%d%s",
		underlying, ist.Year()%100, int(ist.Month()), ist.Day(), int(strike), typ)
}

// nextWeeklyExpiry is the coming Thursday in IST, today included.
func nextWeeklyExpiry(now time.Time) time.Time {
	ist := now.In(util.IST)
	daysAhead := (int(time.Thursday) - int(ist.Weekday()) + 7) % 7
	return time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, util.IST).
		AddDate(0, 0, daysAhead)
}

func parseInterval(name string) (time.Duration, error) {
	switch {
	case name == "minute":
		return time.Minute, nil
	case name == "day":
		return 24 * time.Hour, nil
	case strings.HasSuffix(name, "minute"):
		var minutes int
		if _, err := fmt.Sscanf(name, "%dminute", &minutes); err != nil || minutes <= 0 {
			return 0, fmt.Errorf("unsupported candle interval %q", name)
		}
		return time.Duration(minutes) * time.Minute, nil
	default:
		return 0, fmt.Errorf("unsupported candle interval %q", name)
	}
}

func stripExchange(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		return symbol[i+1:]
	}
	return symbol
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
