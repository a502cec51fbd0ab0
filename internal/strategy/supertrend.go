package strategy

import (
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/config"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/market"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
)

const (
	// supertrendName is the strategy_name persisted with orders, positions
	// and signals.
	supertrendName = "supertrend"
	// maxCandleBuffer bounds the candle history the indicator recomputes
	// over.
	maxCandleBuffer = 50
	// minHistoryPad is how many candles beyond the ATR period must exist
	// before the trend is trusted.
	minHistoryPad = 3
	// minHoldTime guards against exits racing the entry fill.
	minHoldTime = 5 * time.Second
)

// trend direction per closed candle.
const (
	trendUnknown = 0
	trendBullish = 1
	trendBearish = -1
)

// Supertrend is the reference scalping strategy: ATR-banded trend over
// 1-minute index candles, buying the OTM weekly option on each trend flip.
// One directional position at a time; exits are trailing stop, profit target
// and time stop.
type Supertrend struct {
	cfg      config.ScalpingConfig
	resolver InstrumentResolver
	step     int
	logger   *log.Logger

	mu           sync.Mutex
	candles      []models.Candle
	newCandle    bool
	lastTrend    int
	lastSignalAt time.Time
}

var _ Strategy = (*Supertrend)(nil)

// NewSupertrend builds the strategy from its config block. strikeStep is the
// underlying's strike spacing used for ATM and OTM selection.
func NewSupertrend(cfg config.ScalpingConfig, resolver InstrumentResolver, strikeStep int, logger *log.Logger) *Supertrend {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 3
	}
	if cfg.ATRMultiplier <= 0 {
		cfg.ATRMultiplier = 1.0
	}
	if strikeStep <= 0 {
		strikeStep = 50
	}
	return &Supertrend{
		cfg:      cfg,
		resolver: resolver,
		step:     strikeStep,
		logger:   logger,
	}
}

// Name implements Strategy.
func (s *Supertrend) Name() string { return supertrendName }

// Interval implements Strategy.
func (s *Supertrend) Interval() time.Duration {
	if s.cfg.IntervalMinutes <= 0 {
		return time.Minute
	}
	return time.Duration(s.cfg.IntervalMinutes) * time.Minute
}

// UpdateMarketData appends genuinely new candles to the bounded buffer and
// raises the new-candle flag. Candles at or before the newest buffered
// timestamp are dropped, so replaying an overlapping fetch never doubles
// history.
func (s *Supertrend) UpdateMarketData(candles []models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appended := false
	for _, c := range candles {
		if n := len(s.candles); n > 0 && !c.Timestamp.After(s.candles[n-1].Timestamp) {
			continue
		}
		s.candles = append(s.candles, c)
		appended = true
	}
	if over := len(s.candles) - maxCandleBuffer; over > 0 {
		s.candles = append(s.candles[:0], s.candles[over:]...)
	}
	if appended {
		s.newCandle = true
	}
}

// CandleCount reports the buffered history length.
func (s *Supertrend) CandleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candles)
}

// GenerateSignals emits at most one entry signal, and only on a fresh candle
// whose trend flipped against the last emitted direction. The cooldown and
// the one-position rule both defer rather than discard a pending flip.
func (s *Supertrend) GenerateSignals(now time.Time, prices map[string]float64, spot float64, open []models.OpenPositionSummary) []models.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.newCandle {
		return nil
	}
	s.newCandle = false

	if len(s.candles) < s.cfg.ATRPeriod+minHistoryPad {
		return nil
	}

	trend := s.computeTrend()
	if trend == trendUnknown {
		return nil
	}
	if s.lastTrend == trendUnknown {
		// First reliable reading anchors the direction without trading it.
		s.lastTrend = trend
		return nil
	}
	if trend == s.lastTrend {
		return nil
	}

	if cd := time.Duration(s.cfg.SignalCooldownSeconds) * time.Second; cd > 0 &&
		!s.lastSignalAt.IsZero() && now.Sub(s.lastSignalAt) < cd {
		s.logger.Printf("[%s] trend flip within cooldown (%s since last signal), deferring",
			supertrendName, now.Sub(s.lastSignalAt).Round(time.Second))
		return nil
	}

	for _, p := range open {
		if p.Strategy == supertrendName {
			s.logger.Printf("[%s] trend flip with %s still open, deferring entry",
				supertrendName, p.Symbol)
			return nil
		}
	}

	if spot <= 0 {
		s.logger.Printf("[%s] trend flip but no spot price, deferring entry", supertrendName)
		return nil
	}

	atm := market.ATMStrike(spot, s.step)
	var (
		sigType models.SignalType
		strike  float64
		reason  string
	)
	if trend == trendBullish {
		sigType = models.SignalBuyCall
		strike = atm + float64(s.step)
		reason = fmt.Sprintf("supertrend flipped bullish at spot %.2f", spot)
	} else {
		sigType = models.SignalBuyPut
		strike = atm - float64(s.step)
		reason = fmt.Sprintf("supertrend flipped bearish at spot %.2f", spot)
	}

	expiry := s.resolver.NearestWeeklyExpiry(now)
	inst, err := s.resolver.ResolveOption(sigType.OptionType(), strike, expiry)
	if err != nil {
		s.logger.Printf("[%s] cannot resolve %s %.0f: %v", supertrendName, sigType.OptionType(), strike, err)
		return nil
	}
	lot := s.resolver.LotSize(sigType.OptionType(), strike, expiry)
	if lot <= 0 {
		s.logger.Printf("[%s] no lot size for %s, skipping entry", supertrendName, inst.Symbol)
		return nil
	}

	signal := models.Signal{
		Type:     sigType,
		Symbol:   inst.Symbol,
		Token:    inst.Token,
		Quantity: lot,
		Price:    prices[inst.Symbol],
		Strategy: supertrendName,
		At:       now,
		Reason:   reason,
	}

	s.lastTrend = trend
	s.lastSignalAt = now
	s.logger.Printf("[%s] %s %s x%d (%s)", supertrendName, signal.Type, signal.Symbol, lot, reason)
	return []models.Signal{signal}
}

// ShouldExit applies the exit ladder: minimum hold, trailing stop from the
// per-position peak, profit target, then time stop. Any panic during the
// computation holds the position; a bug must never liquidate.
func (s *Supertrend) ShouldExit(pos *models.Position, price float64, now time.Time) (exit bool, reason string, category models.ExitCategory) {
	defer func() {
		if r := recover(); r != nil {
			symbol := "?"
			if pos != nil {
				symbol = pos.Symbol
			}
			s.logger.Printf("[%s] exit check panic for %s: %v", supertrendName, symbol, r)
			exit, reason, category = false, "continue holding: calculation error", models.ExitError
		}
	}()

	if pos == nil || price <= 0 {
		return false, "", ""
	}

	held := now.Sub(pos.EntryTime)
	if held < minHoldTime {
		return false, "", ""
	}

	if pos.PeakPrice < pos.AveragePrice {
		pos.PeakPrice = pos.AveragePrice
	}
	if price > pos.PeakPrice {
		pos.PeakPrice = price
	}

	if stop := s.cfg.StopLossPercent / 100; stop > 0 && pos.PeakPrice > 0 {
		drop := (pos.PeakPrice - price) / pos.PeakPrice
		if drop >= stop {
			return true,
				fmt.Sprintf("trailing stop: %.2f is %.1f%% below peak %.2f", price, drop*100, pos.PeakPrice),
				models.ExitStopLoss
		}
	}

	if target := s.cfg.TargetProfitPercent / 100; target > 0 && pos.AveragePrice > 0 {
		gain := (price - pos.AveragePrice) / pos.AveragePrice
		if gain >= target {
			return true,
				fmt.Sprintf("profit target: +%.1f%% (target %.1f%%)", gain*100, s.cfg.TargetProfitPercent),
				models.ExitProfitTarget
		}
	}

	if s.cfg.TimeStopMinutes > 0 && held >= time.Duration(s.cfg.TimeStopMinutes)*time.Minute {
		return true,
			fmt.Sprintf("time stop: held %s (limit %dm)", held.Round(time.Second), s.cfg.TimeStopMinutes),
			models.ExitTimeStop
	}

	return false, "", ""
}

// computeTrend runs the Supertrend recursion over the buffered candles and
// returns the direction at the newest closed candle. Caller holds s.mu.
func (s *Supertrend) computeTrend() int {
	period := s.cfg.ATRPeriod
	n := len(s.candles)
	if n < period+1 {
		return trendUnknown
	}

	// True range needs the previous close, so tr[i] pairs with candle i
	// for i >= 1.
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		c := s.candles[i]
		prevClose := s.candles[i-1].Close
		tr[i] = math.Max(c.High-c.Low,
			math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
	}

	trend := trendBullish
	var finalUpper, finalLower float64
	for i := period; i < n; i++ {
		atr := 0.0
		for j := i - period + 1; j <= i; j++ {
			atr += tr[j]
		}
		atr /= float64(period)

		c := s.candles[i]
		hl2 := (c.High + c.Low) / 2
		basicUpper := hl2 + s.cfg.ATRMultiplier*atr
		basicLower := hl2 - s.cfg.ATRMultiplier*atr

		if i == period {
			finalUpper, finalLower = basicUpper, basicLower
		} else {
			prevClose := s.candles[i-1].Close
			if basicUpper < finalUpper || prevClose > finalUpper {
				finalUpper = basicUpper
			}
			if basicLower > finalLower || prevClose < finalLower {
				finalLower = basicLower
			}
		}

		switch {
		case trend == trendBullish && c.Close < finalLower:
			trend = trendBearish
		case trend == trendBearish && c.Close > finalUpper:
			trend = trendBullish
		}
	}
	return trend
}
