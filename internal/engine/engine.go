// Package engine runs the trading orchestrator: a single worker loop that
// ticks once per second during market hours, feeds closed candles to the
// active strategies, pipes their signals to the executor, monitors open
// positions, and forces everything flat at the end-of-day cutoff.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/config"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/executor"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/metrics"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/store"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/strategy"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/util"
)

const (
	// stopTimeout bounds the wait for the worker to finish its current tick.
	stopTimeout = 5 * time.Second

	// persistEveryTicks spaces out mark syncs and daily P&L upserts; at the
	// default 1s tick this is roughly once a minute.
	persistEveryTicks = 60

	candleLookbackDays = 1

	forceCloseReason = "Force close at 15:05"
)

var (
	// ErrNotRunning is returned by Stop when the engine is idle.
	ErrNotRunning = errors.New("engine is not running")
	// ErrNotAuthenticated is returned by Start when the broker session is missing.
	ErrNotAuthenticated = errors.New("broker session not authenticated")
	// ErrMarketClosed is returned by Start outside market hours.
	ErrMarketClosed = errors.New("market is closed")
	// ErrNoStrategies is returned by Start when no strategies are given.
	ErrNoStrategies = errors.New("no strategies provided")
)

// State is the orchestrator lifecycle state. There is no paused state;
// pausing is stopping and starting again.
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
)

// Authenticator is the broker surface the engine needs at start.
type Authenticator interface {
	IsAuthenticated(ctx context.Context) bool
}

// MarketData is the market-service surface the engine consumes each tick.
type MarketData interface {
	IsMarketOpen(ctx context.Context) bool
	Candles(ctx context.Context, interval time.Duration, lookbackDays int) ([]models.Candle, error)
	SpotPrice(ctx context.Context) (float64, error)
	Prices(ctx context.Context, symbols []string) (map[string]float64, error)
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// Engine owns the tick worker and the active strategy set. One worker loop
// mutates trading state; HTTP handlers only read snapshots or call
// Start/Stop/ManualClose.
type Engine struct {
	cfg    *config.Config
	auth   Authenticator
	market MarketData
	exec   *executor.VirtualExecutor
	store  store.Interface
	logger *log.Logger
	mode   models.TradingMode
	now    func() time.Time

	mu          sync.Mutex
	state       State
	stopping    bool
	active      map[string]strategy.Strategy
	stop        chan struct{}
	done        chan struct{}
	lastRefresh map[string]time.Time
	resetDate   string
	marketOpen  bool
	tickCount   uint64
}

// New wires the orchestrator. Call Start to launch the worker.
func New(cfg *config.Config, auth Authenticator, market MarketData, exec *executor.VirtualExecutor, st store.Interface, logger *log.Logger) *Engine {
	if cfg == nil {
		panic("engine.New: config must not be nil")
	}
	if auth == nil {
		panic("engine.New: broker must not be nil")
	}
	if market == nil {
		panic("engine.New: market data must not be nil")
	}
	if exec == nil {
		panic("engine.New: executor must not be nil")
	}
	if st == nil {
		panic("engine.New: store must not be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "engine: ", log.LstdFlags)
	}
	mode := models.ModeLive
	if cfg.IsPaperTrading() {
		mode = models.ModePaper
	}
	return &Engine{
		cfg:         cfg,
		auth:        auth,
		market:      market,
		exec:        exec,
		store:       st,
		logger:      logger,
		mode:        mode,
		now:         time.Now,
		state:       StateIdle,
		active:      make(map[string]strategy.Strategy),
		lastRefresh: make(map[string]time.Time),
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ActiveStrategies returns the sorted names of the active strategy set.
func (e *Engine) ActiveStrategies() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeNamesLocked()
}

// Start merges the given strategies into the active set and launches the
// worker if it is not already running. Requires an authenticated broker
// session and an open market. Starting while running is an idempotent merge.
func (e *Engine) Start(ctx context.Context, strategies ...strategy.Strategy) error {
	if len(strategies) == 0 {
		return ErrNoStrategies
	}
	for _, st := range strategies {
		if st == nil || st.Name() == "" {
			return errors.New("engine: nil or unnamed strategy")
		}
	}
	if !e.auth.IsAuthenticated(ctx) {
		return ErrNotAuthenticated
	}
	if !e.market.IsMarketOpen(ctx) {
		return ErrMarketClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range strategies {
		e.active[st.Name()] = st
		e.exec.RegisterJudge(st.Name(), st)
	}
	names := strings.Join(e.activeNamesLocked(), ", ")
	if e.state == StateRunning {
		e.logger.Printf("Engine already running, active strategies now: %s", names)
		return nil
	}

	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.state = StateRunning
	e.logger.Printf("Engine starting in %s mode with strategies: %s", e.mode, names)
	go e.run(e.stop, e.done)
	return nil
}

// Stop removes the named strategies from the active set, or all of them when
// called with no names. When the set empties, the worker is asked to stop
// after its current tick and joined with a deadline. Stopped strategies keep
// their exit judges registered so their open positions still get managed.
func (e *Engine) Stop(names ...string) error {
	e.mu.Lock()
	if e.state != StateRunning || e.stopping {
		e.mu.Unlock()
		return ErrNotRunning
	}
	if len(names) == 0 {
		e.active = make(map[string]strategy.Strategy)
	} else {
		for _, n := range names {
			delete(e.active, n)
		}
	}
	if len(e.active) > 0 {
		remaining := strings.Join(e.activeNamesLocked(), ", ")
		e.mu.Unlock()
		e.logger.Printf("Strategies removed, engine still running: %s", remaining)
		return nil
	}
	e.stopping = true
	stop, done := e.stop, e.done
	e.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(stopTimeout):
		e.logger.Printf("WARNING: worker did not exit within %s", stopTimeout)
	}

	e.mu.Lock()
	e.state = StateIdle
	e.stopping = false
	e.mu.Unlock()
	e.logger.Println("Engine stopped")
	return nil
}

// ManualClose closes the oldest open position for a symbol on operator
// request. It works regardless of engine state so stuck positions can be
// cleared after hours.
func (e *Engine) ManualClose(ctx context.Context, symbol string) (string, error) {
	return e.exec.ClosePosition(ctx, symbol, "manual close requested", models.ExitManual, e.now())
}

func (e *Engine) run(stop, done chan struct{}) {
	defer close(done)
	interval := e.cfg.TickInterval()
	e.logger.Printf("Engine worker started, tick interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.tick(context.Background())
	for {
		select {
		case <-stop:
			e.logger.Println("Engine worker exiting")
			return
		case <-ticker.C:
			e.tick(context.Background())
		}
	}
}

// tick is one pass of the orchestrator loop. A panic anywhere inside is
// logged with a stack trace and swallowed; one bad tick never kills the
// worker.
func (e *Engine) tick(ctx context.Context) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("ERROR: tick recovered from panic: %v\n%s", r, debug.Stack())
		}
		metrics.ObserveTick(time.Since(started))
	}()

	now := e.now()
	open := e.market.IsMarketOpen(ctx)
	e.noteMarketState(open)
	if !open {
		return
	}

	today := now.In(util.IST).Format("2006-01-02")
	e.mu.Lock()
	newDay := e.resetDate != today
	e.resetDate = today
	e.mu.Unlock()
	if newDay {
		e.exec.ResetDailyCounters()
		e.logger.Printf("Trading day %s, daily counters reset", today)
	}

	if now.Before(e.cfg.ForceExitAt(now)) {
		e.generateEntries(ctx, now)
	} else {
		e.forceExitSweep(ctx, now)
	}

	if err := e.exec.MonitorPositions(ctx, now); err != nil {
		e.logger.Printf("WARNING: monitoring pass failed: %v", err)
	}

	e.mu.Lock()
	e.tickCount++
	persist := e.tickCount%persistEveryTicks == 0
	e.mu.Unlock()
	if persist {
		e.persistState(ctx, now)
	}

	snap := e.exec.Snapshot()
	metrics.SetOpenPositions(len(snap.OpenPositions))
	metrics.SetEquity(snap.AvailableCapital + snap.UsedMargin + snap.UnrealizedPnL)
}

func (e *Engine) noteMarketState(open bool) {
	e.mu.Lock()
	changed := open != e.marketOpen
	e.marketOpen = open
	e.mu.Unlock()
	if !changed {
		return
	}
	if open {
		e.logger.Println("Market open, trading enabled")
	} else {
		e.logger.Println("Market closed, ticks idle until next session")
	}
}

// generateEntries refreshes candles on each strategy's cadence, then asks
// every active strategy for signals and pipes them to the executor in order.
func (e *Engine) generateEntries(ctx context.Context, now time.Time) {
	strategies := e.activeStrategies()
	if len(strategies) == 0 {
		return
	}

	for _, st := range strategies {
		e.refreshCandles(ctx, st, now)
	}

	spot, err := e.market.SpotPrice(ctx)
	if err != nil {
		e.logger.Printf("WARNING: spot price unavailable: %v", err)
		spot = 0
	}
	prices := e.openPrices(ctx)
	summaries := e.exec.OpenPositionSummaries()

	for _, st := range strategies {
		for _, sig := range st.GenerateSignals(now, prices, spot, summaries) {
			price := sig.Price
			if price <= 0 {
				p, perr := e.market.CurrentPrice(ctx, sig.Symbol)
				if perr != nil {
					e.logger.Printf("WARNING: no price for signal %s %s: %v", sig.Type, sig.Symbol, perr)
				} else {
					price = p
				}
			}
			if _, err := e.exec.PlaceOrder(ctx, sig, price); err != nil {
				e.logger.Printf("ERROR: placing %s %s: %v", sig.Type, sig.Symbol, err)
			}
		}
	}
}

// refreshCandles fetches a fresh closed-candle window for the strategy when
// its interval has elapsed since the last refresh.
func (e *Engine) refreshCandles(ctx context.Context, st strategy.Strategy, now time.Time) {
	interval := st.Interval()
	if interval <= 0 {
		interval = e.cfg.CandleInterval()
	}
	e.mu.Lock()
	last, ok := e.lastRefresh[st.Name()]
	e.mu.Unlock()
	if ok && now.Sub(last) < interval {
		return
	}

	candles, err := e.market.Candles(ctx, interval, candleLookbackDays)
	if err != nil {
		e.logger.Printf("WARNING: candle refresh for %s failed: %v", st.Name(), err)
		return
	}
	st.UpdateMarketData(candles)
	e.mu.Lock()
	e.lastRefresh[st.Name()] = now
	e.mu.Unlock()
}

// openPrices fetches last traded prices for every symbol with an open
// position; strategies receive it for signal pricing.
func (e *Engine) openPrices(ctx context.Context) map[string]float64 {
	symbols := e.exec.OpenSymbols()
	if len(symbols) == 0 {
		return map[string]float64{}
	}
	prices, err := e.market.Prices(ctx, symbols)
	if err != nil {
		e.logger.Printf("WARNING: open-position price fetch failed: %v", err)
		return map[string]float64{}
	}
	return prices
}

// forceExitSweep closes every open position across memory and store at
// current prices. Failures are collected per symbol and logged; the sweep
// never aborts early. It runs on every tick past the cutoff until nothing
// is left open.
func (e *Engine) forceExitSweep(ctx context.Context, now time.Time) {
	counts := make(map[string]int)
	for _, s := range e.exec.OpenPositionSummaries() {
		counts[s.Symbol]++
	}

	symbols := make([]string, 0, len(counts))
	for sym := range counts {
		symbols = append(symbols, sym)
	}
	rows, err := e.store.GetOpenPositions(ctx, e.mode)
	if err != nil {
		e.logger.Printf("WARNING: store read failed during force-exit sweep, closing memory positions only: %v", err)
	}
	for _, row := range rows {
		if counts[row.Symbol] == 0 {
			// Open in the store but unknown to the ledger: one close
			// attempt will fail and land in the failure report.
			counts[row.Symbol] = 1
			symbols = append(symbols, row.Symbol)
		}
	}
	if len(symbols) == 0 {
		return
	}
	sort.Strings(symbols)

	e.logger.Printf("Force-exit sweep: closing %d symbols", len(symbols))
	var failures []string
	for _, sym := range symbols {
		for i := 0; i < counts[sym]; i++ {
			if _, cerr := e.exec.ClosePosition(ctx, sym, forceCloseReason, models.ExitForced, now); cerr != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", sym, cerr))
				break
			}
		}
	}
	if len(failures) > 0 {
		e.logger.Printf("WARNING: force-exit sweep recorded %d failures: %s",
			len(failures), strings.Join(failures, "; "))
	}
}

// persistState flushes marks and daily P&L rows to the store.
func (e *Engine) persistState(ctx context.Context, now time.Time) {
	if err := e.exec.SyncMarks(ctx); err != nil {
		metrics.StoreWriteFailure("sync_marks")
		e.logger.Printf("WARNING: mark sync failed: %v", err)
	}
	for _, row := range e.exec.DailyPnL(now) {
		day := row
		if err := e.store.UpsertDailyPnL(ctx, &day); err != nil {
			metrics.StoreWriteFailure("upsert_daily_pnl")
			e.logger.Printf("WARNING: daily P&L upsert for %s failed: %v", day.Strategy, err)
		}
	}
}

func (e *Engine) activeNamesLocked() []string {
	names := make([]string, 0, len(e.active))
	for n := range e.active {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// activeStrategies returns the active set sorted by name so signal order is
// deterministic within a tick.
func (e *Engine) activeStrategies() []strategy.Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := e.activeNamesLocked()
	out := make([]strategy.Strategy, 0, len(names))
	for _, n := range names {
		out = append(out, e.active[n])
	}
	return out
}
