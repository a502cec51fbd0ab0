// Package market produces the inputs strategies consume: closed candles for
// the underlying index, option quotes and chains, the weekly expiry calendar
// and the market-open check. It owns the cached instrument master and is the
// only place trading symbols are resolved from strike and expiry.
package market

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/broker"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/config"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/util"
)

const (
	// underlying names the index whose option contracts the engine trades.
	underlying = "NIFTY"
	// spotToken is the NSE instrument token for the NIFTY 50 index.
	spotToken uint32 = 256265
	// spotSymbol keys index quotes on the broker wire.
	spotSymbol = "NSE:NIFTY 50"
	// quoteFreshness bounds how old the spot's last trade may be for the
	// market to count as open.
	quoteFreshness = 5 * time.Minute
)

// optionKey addresses one contract in the cached instrument master.
type optionKey struct {
	Type   models.OptionType
	Strike int
	Expiry string // YYYY-MM-DD in IST
}

// Service wraps the broker's market-data surface. Instruments are loaded once
// per session and cached; everything else is fetched on demand so strategies
// never see stale prices.
type Service struct {
	broker broker.Broker
	cfg    *config.Config
	logger *log.Logger

	mu      sync.RWMutex
	options map[optionKey]models.Instrument
}

// NewService creates a market data service on top of an authenticated broker.
func NewService(b broker.Broker, cfg *config.Config, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Service{
		broker:  b,
		cfg:     cfg,
		logger:  logger,
		options: make(map[optionKey]models.Instrument),
	}
}

// LoadInstruments refreshes the cached option master for the underlying.
func (s *Service) LoadInstruments(ctx context.Context) error {
	instruments, err := s.broker.LoadInstruments(ctx, underlying)
	if err != nil {
		return fmt.Errorf("loading %s instrument master: %w", underlying, err)
	}

	options := make(map[optionKey]models.Instrument, len(instruments))
	for _, inst := range instruments {
		options[keyFor(inst.InstrumentType, inst.Strike, inst.Expiry)] = inst
	}

	s.mu.Lock()
	s.options = options
	s.mu.Unlock()

	s.logger.Printf("[market] loaded %d %s option contracts", len(options), underlying)
	return nil
}

// InstrumentCount reports the cached contract count.
func (s *Service) InstrumentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.options)
}

// Candles fetches index candles for the interval and drops the trailing
// in-progress bar: only closed candles reach strategies. Returns an empty
// slice, never stale data, when the broker call fails.
func (s *Service) Candles(ctx context.Context, interval time.Duration, lookbackDays int) ([]models.Candle, error) {
	if lookbackDays <= 0 {
		lookbackDays = 1
	}
	now := time.Now()
	from := now.AddDate(0, 0, -lookbackDays)

	raw, err := s.broker.Historical(ctx, spotToken, from, now, intervalName(interval))
	if err != nil {
		return nil, fmt.Errorf("fetching %s candles: %w", intervalName(interval), err)
	}

	closed := make([]models.Candle, 0, len(raw))
	for _, c := range raw {
		if c.ClosedBy(now, interval) {
			closed = append(closed, c)
		}
	}
	return closed, nil
}

// CurrentPrice returns the last traded price for one symbol. Symbols without
// an exchange prefix are assumed to be NFO option contracts.
func (s *Service) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	key := qualify(symbol)
	prices, err := s.broker.LTP(ctx, []string{key})
	if err != nil {
		return 0, fmt.Errorf("fetching LTP for %s: %w", symbol, err)
	}
	price, ok := prices[key]
	if !ok {
		return 0, fmt.Errorf("no quote returned for %s", symbol)
	}
	return price, nil
}

// SpotPrice returns the index last traded price.
func (s *Service) SpotPrice(ctx context.Context) (float64, error) {
	return s.CurrentPrice(ctx, spotSymbol)
}

// Prices batch-fetches LTPs for option symbols, keyed by the plain trading
// symbol. Symbols the broker omits are absent from the result.
func (s *Service) Prices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}
	qualified := make([]string, len(symbols))
	for i, sym := range symbols {
		qualified[i] = qualify(sym)
	}
	raw, err := s.broker.LTP(ctx, qualified)
	if err != nil {
		return nil, fmt.Errorf("fetching LTPs: %w", err)
	}
	out := make(map[string]float64, len(raw))
	for i, sym := range symbols {
		if price, ok := raw[qualified[i]]; ok {
			out[sym] = price
		}
	}
	return out, nil
}

// ChainEntry is one leg of an option chain row.
type ChainEntry struct {
	Symbol  string  `json:"symbol"`
	Token   uint32  `json:"token"`
	LotSize int     `json:"lot_size"`
	Price   float64 `json:"price"`
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
	Change  float64 `json:"change"`
	Volume  int64   `json:"volume"`
	OI      int64   `json:"oi"`
}

// ChainRow pairs the CE and PE legs at one strike. A leg is nil when the
// contract does not exist or the broker returned no quote for it.
type ChainRow struct {
	Strike float64     `json:"strike"`
	Call   *ChainEntry `json:"call,omitempty"`
	Put    *ChainEntry `json:"put,omitempty"`
}

// OptionChain quotes the CE/PE pair at each requested strike. A zero expiry
// selects the nearest weekly expiry.
func (s *Service) OptionChain(ctx context.Context, expiry time.Time, strikes []float64) ([]ChainRow, error) {
	if len(strikes) == 0 {
		return nil, fmt.Errorf("option chain needs at least one strike")
	}
	if expiry.IsZero() {
		expiry = s.NearestWeeklyExpiry(time.Now())
	}

	type leg struct {
		strike float64
		typ    models.OptionType
		inst   models.Instrument
	}
	var legs []leg
	var symbols []string
	for _, strike := range strikes {
		for _, typ := range []models.OptionType{models.OptionCall, models.OptionPut} {
			inst, err := s.ResolveOption(typ, strike, expiry)
			if err != nil {
				s.logger.Printf("[market] chain: %v", err)
				continue
			}
			legs = append(legs, leg{strike: strike, typ: typ, inst: inst})
			symbols = append(symbols, qualify(inst.Symbol))
		}
	}
	if len(legs) == 0 {
		return nil, fmt.Errorf("no contracts found for expiry %s", expiry.Format("2006-01-02"))
	}

	quotes, err := s.broker.Quote(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("quoting option chain: %w", err)
	}

	rows := make(map[float64]*ChainRow, len(strikes))
	for _, l := range legs {
		q, ok := quotes[qualify(l.inst.Symbol)]
		if !ok {
			continue
		}
		entry := &ChainEntry{
			Symbol:  l.inst.Symbol,
			Token:   l.inst.Token,
			LotSize: l.inst.LotSize,
			Price:   q.LastPrice,
			Bid:     q.Bid(),
			Ask:     q.Ask(),
			Change:  q.NetChange,
			Volume:  q.Volume,
			OI:      q.OI,
		}
		row := rows[l.strike]
		if row == nil {
			row = &ChainRow{Strike: l.strike}
			rows[l.strike] = row
		}
		if l.typ == models.OptionCall {
			row.Call = entry
		} else {
			row.Put = entry
		}
	}

	out := make([]ChainRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strike < out[j].Strike })
	return out, nil
}

// NearestWeeklyExpiry returns the next weekly expiry date: the coming
// Thursday in IST (today, when today is Thursday), pushed a week forward
// while it lands on an exchange holiday.
func (s *Service) NearestWeeklyExpiry(now time.Time) time.Time {
	ist := now.In(util.IST)
	daysAhead := (int(time.Thursday) - int(ist.Weekday()) + 7) % 7
	candidate := time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, util.IST).
		AddDate(0, 0, daysAhead)
	for s.isExpiryHoliday(candidate) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

// isExpiryHoliday covers the fixed exchange closures plus the configured
// holiday list.
func (s *Service) isExpiryHoliday(day time.Time) bool {
	if day.Month() == time.December && day.Day() == 25 {
		return true
	}
	if day.Month() == time.January && day.Day() == 1 {
		return true
	}
	return s.cfg.IsHoliday(day)
}

// ResolveOption finds the contract for (type, strike, expiry) in the cached
// instrument master.
func (s *Service) ResolveOption(typ models.OptionType, strike float64, expiry time.Time) (models.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.options[keyFor(typ, strike, expiry)]
	if !ok {
		return models.Instrument{}, fmt.Errorf("no %s %.0f %s contract for expiry %s in instrument master",
			underlying, strike, typ, expiry.In(util.IST).Format("2006-01-02"))
	}
	return inst, nil
}

// LotSize returns the contract lot for (type, strike, expiry), falling back
// to the configured default when the master has no entry.
func (s *Service) LotSize(typ models.OptionType, strike float64, expiry time.Time) int {
	if inst, err := s.ResolveOption(typ, strike, expiry); err == nil && inst.LotSize > 0 {
		return inst.LotSize
	}
	return s.cfg.Trading.DefaultLotSize
}

// IsMarketOpen runs the two-layer session check: first the spot quote's
// last-trade freshness, then the local IST clock when the broker cannot
// answer.
func (s *Service) IsMarketOpen(ctx context.Context) bool {
	quotes, err := s.broker.Quote(ctx, []string{spotSymbol})
	if err == nil {
		if q, ok := quotes[spotSymbol]; ok && !q.LastTradeTime.Time.IsZero() {
			return time.Since(q.LastTradeTime.Time) <= quoteFreshness
		}
	}
	if err != nil {
		s.logger.Printf("[market] spot quote unavailable (%v), falling back to clock check", err)
	}
	return s.cfg.IsWithinTradingHours(time.Now())
}

// ATMStrike rounds the spot onto the strike grid.
func ATMStrike(spot float64, step int) float64 {
	if step <= 0 {
		return spot
	}
	return math.Round(spot/float64(step)) * float64(step)
}

func keyFor(typ models.OptionType, strike float64, expiry time.Time) optionKey {
	return optionKey{
		Type:   typ,
		Strike: int(math.Round(strike)),
		Expiry: expiry.In(util.IST).Format("2006-01-02"),
	}
}

// qualify prefixes bare trading symbols with the NFO exchange.
func qualify(symbol string) string {
	if strings.Contains(symbol, ":") {
		return symbol
	}
	return "NFO:" + symbol
}

// intervalName maps a duration onto the broker's candle interval names.
func intervalName(interval time.Duration) string {
	switch interval {
	case time.Minute:
		return "minute"
	case 24 * time.Hour:
		return "day"
	default:
		minutes := int(interval / time.Minute)
		if minutes <= 1 {
			return "minute"
		}
		return fmt.Sprintf("%dminute", minutes)
	}
}
