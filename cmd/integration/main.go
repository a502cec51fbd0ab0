// End-to-end smoke run of the trading stack against the built-in simulator:
// broker, market data, strategy, executor, engine and file store are wired
// exactly as in production, with no network and no credentials. Run it after
// larger refactors before trusting a paper session.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/config"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/engine"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/executor"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/market"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/sim"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/store"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/strategy"
)

const checkTimeout = 10 * time.Second

type harness struct {
	cfg    *config.Config
	broker *sim.Broker
	market *market.Service
	store  store.Interface
	exec   *executor.VirtualExecutor
	strat  strategy.Strategy
	logger *log.Logger
}

func main() {
	var (
		storePath = flag.String("store", "data/engine_e2e.json", "Throwaway store file for the run")
		seed      = flag.Int64("seed", 42, "Simulator seed")
	)
	flag.Parse()

	fmt.Println("=== Nifty Options Engine - End-to-End Check ===")
	fmt.Println()

	logger := log.New(os.Stdout, "[E2E] ", log.LstdFlags)

	cfg := harnessConfig(*storePath)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Harness config invalid: %v", err)
	}

	st, err := store.NewFileStore(*storePath)
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}
	defer func() {
		if err := os.Remove(*storePath); err != nil && !os.IsNotExist(err) {
			logger.Printf("Warning: failed to clean up store file: %v", err)
		}
	}()

	b := sim.New(*seed)
	mkt := market.NewService(b, cfg, logger)
	exec := executor.NewVirtualExecutor(st, mkt, cfg, logger)
	strat := strategy.NewSupertrend(cfg.Strategy.Scalping, mkt, cfg.Trading.ATMStrikeStep, logger)

	h := &harness{cfg: cfg, broker: b, market: mkt, store: st, exec: exec, strat: strat, logger: logger}

	fmt.Println("All components initialized")
	fmt.Println()

	if !runChecks(h) {
		os.Exit(1)
	}
}

func runChecks(h *harness) bool {
	checks := []struct {
		name string
		fn   func(*harness) bool
	}{
		{"Simulator Session", checkSimulatorSession},
		{"Market Data", checkMarketData},
		{"Strategy Signals", checkStrategySignals},
		{"Executor Lifecycle", checkExecutorLifecycle},
		{"Store Round-Trip", checkStoreRoundTrip},
		{"Engine Loop", checkEngineLoop},
	}

	passed := 0
	for i, check := range checks {
		fmt.Printf("Check %d: %s\n", i+1, check.name)
		if check.fn(h) {
			passed++
			fmt.Println("PASSED")
		} else {
			fmt.Println("FAILED")
		}
		fmt.Println()
	}

	fmt.Println("=== Results ===")
	fmt.Printf("Checks passed: %d/%d\n", passed, len(checks))
	if passed != len(checks) {
		fmt.Printf("%d check(s) failed - review before trusting a paper session\n", len(checks)-passed)
		return false
	}
	fmt.Println("All checks passed")
	return true
}

func checkSimulatorSession(h *harness) bool {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	if !h.broker.IsAuthenticated(ctx) {
		h.logger.Printf("simulator rejected the session")
		return false
	}
	margin, err := h.broker.Margins(ctx)
	if err != nil || margin <= 0 {
		h.logger.Printf("margins: %.2f, %v", margin, err)
		return false
	}
	if err := h.market.LoadInstruments(ctx); err != nil {
		h.logger.Printf("loading instruments: %v", err)
		return false
	}
	h.logger.Printf("margin %.2f, %d option contracts", margin, h.market.InstrumentCount())
	return h.market.InstrumentCount() > 0
}

func checkMarketData(h *harness) bool {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	spot, err := h.market.SpotPrice(ctx)
	if err != nil || spot <= 0 {
		h.logger.Printf("spot: %.2f, %v", spot, err)
		return false
	}

	expiry := h.market.NearestWeeklyExpiry(time.Now())
	atm := market.ATMStrike(spot, h.cfg.Trading.ATMStrikeStep)
	chain, err := h.market.OptionChain(ctx, expiry, []float64{atm})
	if err != nil || len(chain) == 0 {
		h.logger.Printf("option chain at %.0f: %d rows, %v", atm, len(chain), err)
		return false
	}

	candles, err := h.market.Candles(ctx, h.cfg.CandleInterval(), 1)
	if err != nil || len(candles) == 0 {
		h.logger.Printf("candles: %d, %v", len(candles), err)
		return false
	}

	h.logger.Printf("spot %.2f, %d chain rows at strike %.0f, %d closed candles",
		spot, len(chain), atm, len(candles))
	return true
}

func checkStrategySignals(h *harness) bool {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	candles, err := h.market.Candles(ctx, h.cfg.CandleInterval(), 1)
	if err != nil || len(candles) == 0 {
		h.logger.Printf("candles: %d, %v", len(candles), err)
		return false
	}
	spot, err := h.market.SpotPrice(ctx)
	if err != nil {
		h.logger.Printf("spot: %v", err)
		return false
	}

	h.strat.UpdateMarketData(candles)
	signals := h.strat.GenerateSignals(time.Now(), nil, spot, nil)
	for _, sig := range signals {
		if err := sig.Validate(); err != nil {
			h.logger.Printf("strategy emitted an invalid signal: %v", err)
			return false
		}
	}

	h.logger.Printf("%d signal(s) from %d candles", len(signals), len(candles))
	return true
}

func checkExecutorLifecycle(h *harness) bool {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	spot, err := h.market.SpotPrice(ctx)
	if err != nil {
		h.logger.Printf("spot: %v", err)
		return false
	}
	expiry := h.market.NearestWeeklyExpiry(time.Now())
	inst, err := h.market.ResolveOption(models.OptionCall, market.ATMStrike(spot, h.cfg.Trading.ATMStrikeStep), expiry)
	if err != nil {
		h.logger.Printf("resolving ATM call: %v", err)
		return false
	}
	price, err := h.market.CurrentPrice(ctx, inst.Symbol)
	if err != nil || price <= 0 {
		h.logger.Printf("price for %s: %.2f, %v", inst.Symbol, price, err)
		return false
	}

	initial := h.exec.Snapshot().InitialCapital

	sig := models.Signal{
		Type:     models.SignalBuyCall,
		Symbol:   inst.Symbol,
		Token:    inst.Token,
		Quantity: inst.LotSize,
		Price:    price,
		Strategy: "e2e-check",
		At:       time.Now(),
		Reason:   "end-to-end entry",
	}
	orderID, err := h.exec.PlaceOrder(ctx, sig, price)
	if err != nil || orderID == "" {
		h.logger.Printf("entry rejected or failed: id=%q err=%v", orderID, err)
		return false
	}
	if _, err := h.exec.ClosePosition(ctx, inst.Symbol, "end-to-end close", models.ExitForced, time.Now()); err != nil {
		h.logger.Printf("close: %v", err)
		return false
	}

	snap := h.exec.Snapshot()
	drift := snap.AvailableCapital + snap.UsedMargin - snap.RealizedPnL - initial
	if math.Abs(drift) > 0.01 {
		h.logger.Printf("capital not conserved: drift %.4f", drift)
		return false
	}
	if h.exec.OpenCount() != 0 {
		h.logger.Printf("open positions after close: %d", h.exec.OpenCount())
		return false
	}

	h.logger.Printf("bought and closed %s x%d, realized %.2f, capital conserved",
		inst.Symbol, inst.LotSize, snap.RealizedPnL)
	return true
}

func checkStoreRoundTrip(h *harness) bool {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	const symbol = "NIFTY2631099900CE"

	row := models.NewOpenPosition(models.PositionKey{Symbol: symbol, Seq: 1},
		"e2e-check", models.ModePaper, symbol, models.OptionCall, 75, 100, time.Now(), 0, 0)
	id, err := h.store.SavePosition(ctx, row)
	if err != nil {
		h.logger.Printf("save: %v", err)
		return false
	}

	open, err := h.store.GetOpenPositions(ctx, models.ModePaper)
	if err != nil || !containsSymbol(open, symbol) {
		h.logger.Printf("open rows after save: %d, %v", len(open), err)
		return false
	}

	row.Close(110, time.Now(), "round trip", models.ExitManual)
	patch := map[string]any{
		"is_open": false, "quantity": 0, "exit_price": row.ExitPrice,
		"exit_reason": row.ExitReason, "exit_reason_category": row.ExitCategory,
		"exit_time": *row.ExitTime, "realized_pnl": row.RealizedPnL,
	}
	if err := h.store.UpdatePosition(ctx, id, patch); err != nil {
		h.logger.Printf("update: %v", err)
		return false
	}

	rows, err := h.store.GetPositionsBySymbol(ctx, symbol, models.ModePaper)
	if err != nil || len(rows) != 1 || rows[0].IsOpen {
		h.logger.Printf("rows after close: %d, %v", len(rows), err)
		return false
	}

	h.logger.Printf("position row %d survived save, update and re-read", id)
	return true
}

func checkEngineLoop(h *harness) bool {
	eng := engine.New(h.cfg, h.broker, h.market, h.exec, h.store, h.logger)

	if err := eng.Start(context.Background(), h.strat); err != nil {
		h.logger.Printf("engine start: %v", err)
		return false
	}
	if eng.State() != engine.StateRunning {
		h.logger.Printf("engine state after start: %s", eng.State())
		return false
	}

	// Give the 1s tick loop a couple of passes.
	time.Sleep(2500 * time.Millisecond)

	if err := eng.Stop(); err != nil {
		h.logger.Printf("engine stop: %v", err)
		return false
	}
	if eng.State() != engine.StateIdle {
		h.logger.Printf("engine state after stop: %s", eng.State())
		return false
	}

	h.logger.Printf("engine ran and stopped cleanly")
	return true
}

func containsSymbol(rows []models.Position, symbol string) bool {
	for i := range rows {
		if rows[i].Symbol == symbol {
			return true
		}
	}
	return false
}

func harnessConfig(storePath string) *config.Config {
	cfg := &config.Config{}
	cfg.Environment.Mode = "paper"
	cfg.Environment.LogLevel = "info"
	cfg.Broker.Simulated = true
	cfg.Store.Path = storePath
	cfg.Trading.PaperCapital = 200000
	cfg.Trading.MaxDailyLoss = 10000
	cfg.Trading.MaxPositions = 4
	cfg.Trading.CapitalPerTrade = 50000
	cfg.Trading.MaxDailyTrades = 50
	cfg.Trading.ATMStrikeStep = 50
	cfg.Trading.DefaultLotSize = 75
	cfg.Schedule.TickIntervalSeconds = 1
	cfg.Strategy.Scalping.Enabled = true
	cfg.Strategy.Scalping.IntervalMinutes = 1
	cfg.Strategy.Scalping.TargetProfitPercent = 30
	cfg.Strategy.Scalping.StopLossPercent = 10
	cfg.Strategy.Scalping.TimeStopMinutes = 30
	cfg.Strategy.Scalping.ATRPeriod = 7
	cfg.Strategy.Scalping.ATRMultiplier = 2.5
	return cfg
}
