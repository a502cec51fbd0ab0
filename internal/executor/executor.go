// Package executor owns the paper-trading ledger. It turns validated signals
// into filled orders, tracks open positions and the capital they reserve, and
// reconciles in-memory state against the store on startup. All fills are
// simulated: slippage is applied against the trader and orders fill
// immediately at the adjusted price.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/config"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/metrics"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/store"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/util"
)

const (
	// tickSize is the NFO option tick. Execution prices are rounded to it
	// after slippage adjustment.
	tickSize = 0.05

	// minHoldTime is the shortest a position may be held before any close
	// other than a forced end-of-day exit.
	minHoldTime = 5 * time.Second
)

// PriceSource is the slice of the market service the executor needs: last
// traded prices for the option symbols it holds.
type PriceSource interface {
	Prices(ctx context.Context, symbols []string) (map[string]float64, error)
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// ExitJudge decides whether an open position should be closed at the current
// price. Strategies implement it; the executor calls it once per position per
// monitoring pass.
type ExitJudge interface {
	ShouldExit(pos *models.Position, price float64, now time.Time) (bool, string, models.ExitCategory)
}

// Snapshot is the read-only capital and position view served to the API and
// the engine. Positions are copies; mutating them does not touch the ledger.
type Snapshot struct {
	Mode             models.TradingMode `json:"trading_mode"`
	InitialCapital   float64            `json:"initial_capital"`
	AvailableCapital float64            `json:"available_capital"`
	UsedMargin       float64            `json:"used_margin"`
	RealizedPnL      float64            `json:"realized_pnl"`
	UnrealizedPnL    float64            `json:"unrealized_pnl"`
	OpenPositions    []models.Position  `json:"open_positions"`
	SessionTrades    int                `json:"session_trades"`
	EntriesToday     int                `json:"entries_today"`
}

// VirtualExecutor simulates fills against a virtual capital ledger. A single
// engine worker calls the mutating methods; snapshot methods may be called
// concurrently from API handlers.
type VirtualExecutor struct {
	store  store.Interface
	prices PriceSource
	cfg    *config.Config
	logger *log.Logger
	mode   models.TradingMode

	mu            sync.Mutex
	initial       float64
	available     float64
	usedMargin    float64
	realized      float64
	positions     map[models.PositionKey]*models.Position
	judges        map[string]ExitJudge
	trades        []models.Trade
	entriesToday  int
	realizedToday float64
	seq           int64
}

// NewVirtualExecutor creates the executor with the full paper capital
// available and no open positions. Call Recover before trading to rebuild
// state from the store.
func NewVirtualExecutor(st store.Interface, prices PriceSource, cfg *config.Config, logger *log.Logger) *VirtualExecutor {
	if st == nil {
		panic("executor.NewVirtualExecutor: store must not be nil")
	}
	if prices == nil {
		panic("executor.NewVirtualExecutor: price source must not be nil")
	}
	if cfg == nil {
		panic("executor.NewVirtualExecutor: config must not be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "executor: ", log.LstdFlags)
	}
	mode := models.ModeLive
	if cfg.IsPaperTrading() {
		mode = models.ModePaper
	}
	return &VirtualExecutor{
		store:     st,
		prices:    prices,
		cfg:       cfg,
		logger:    logger,
		mode:      mode,
		initial:   cfg.Trading.PaperCapital,
		available: cfg.Trading.PaperCapital,
		positions: make(map[models.PositionKey]*models.Position),
		judges:    make(map[string]ExitJudge),
	}
}

// RegisterJudge installs the exit judge for a strategy name. Positions whose
// strategy has no judge are price-tracked but never auto-exited.
func (e *VirtualExecutor) RegisterJudge(name string, judge ExitJudge) {
	if name == "" || judge == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.judges[name] = judge
}

// Recover rebuilds the in-memory position map and capital ledger from the
// store. Positions with a SELL order on record are orphans from a previous
// run that crashed mid-close: they are closed against the first SELL order's
// price and timestamp instead of being adopted. Recover is idempotent;
// calling it again converges to the same state.
func (e *VirtualExecutor) Recover(ctx context.Context) error {
	rows, err := e.store.GetOpenPositions(ctx, e.mode)
	if err != nil {
		return fmt.Errorf("recovering open positions: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.positions = make(map[models.PositionKey]*models.Position)
	e.available = e.initial
	e.usedMargin = 0
	e.seq = 0

	adopted, orphans := 0, 0
	for i := range rows {
		row := rows[i]
		sell := e.findOrphanSell(ctx, &row)
		if sell != nil {
			e.closeOrphan(ctx, &row, sell)
			orphans++
			continue
		}

		e.seq++
		p := row
		p.Key = models.PositionKey{Symbol: p.Symbol, Seq: e.seq}
		if p.OriginalQuantity == 0 {
			p.OriginalQuantity = p.Quantity
		}
		p.PeakPrice = p.AveragePrice
		e.positions[p.Key] = &p

		cost := p.AveragePrice*float64(p.OriginalQuantity) + p.EntryFees
		e.available -= cost
		e.usedMargin += cost
		adopted++
	}

	e.logger.Printf("Recovered %d open positions (%d orphans closed), available %.2f, used margin %.2f",
		adopted, orphans, e.available, e.usedMargin)
	return nil
}

// findOrphanSell returns the earliest SELL order for the position's symbol
// and strategy created at or after entry, or nil when the position is clean.
func (e *VirtualExecutor) findOrphanSell(ctx context.Context, row *models.Position) *models.Order {
	orders, err := e.store.GetOrdersBySymbol(ctx, row.Symbol, e.mode)
	if err != nil {
		e.logger.Printf("WARNING: order lookup for %s failed during recovery, adopting position as-is: %v", row.Symbol, err)
		return nil
	}
	for i := range orders {
		o := orders[i]
		if o.Side == models.SideSell && o.Strategy == row.Strategy && !o.CreatedAt.Before(row.EntryTime) {
			return &o
		}
	}
	return nil
}

// closeOrphan finalizes a position whose SELL order was persisted but whose
// position row was never updated. The close is backdated to the SELL order.
func (e *VirtualExecutor) closeOrphan(ctx context.Context, row *models.Position, sell *models.Order) {
	price := sell.FilledPrice
	if price <= 0 {
		price = sell.Price
	}
	at := sell.CreatedAt
	if sell.FilledAt != nil {
		at = *sell.FilledAt
	}

	if row.OriginalQuantity == 0 {
		row.OriginalQuantity = row.Quantity
	}
	row.Close(price, at, "reconciled on startup: SELL order found for open position", models.ExitOther)
	if sell.DatabaseID > 0 {
		sid := sell.DatabaseID
		row.SellOrderID = &sid
	}

	if err := e.store.UpdatePosition(ctx, row.ID, closePatch(row)); err != nil {
		metrics.StoreWriteFailure("update_position")
		e.logger.Printf("ERROR: failed to persist orphan close for position %d (%s): %v", row.ID, row.Symbol, err)
		return
	}
	trade := models.NewTradeFromPosition(row, row.EntryFees+e.cfg.Trading.FeePerOrder, 0)
	if _, err := e.store.SaveTrade(ctx, trade); err != nil {
		metrics.StoreWriteFailure("save_trade")
		e.logger.Printf("WARNING: trade row for orphan close of %s not saved: %v", row.Symbol, err)
	}
	e.trades = append(e.trades, *trade)
	e.realized += row.RealizedPnL
	e.realizedToday += row.RealizedPnL
	e.logger.Printf("Closed orphan position %d (%s) against SELL order %d @ %.2f, realized %.2f",
		row.ID, row.Symbol, sell.DatabaseID, price, row.RealizedPnL)
}

// PlaceOrder validates a signal, persists the order row, and applies it to
// the ledger. It returns the client order ID, or an empty string when the
// signal was rejected; rejections are journaled, not returned as errors.
// Errors mean execution was aborted after validation passed.
//
// The order row is always written before any position or capital mutation.
// A BUY aborts on persistence failure so no position exists without its
// order. A SELL proceeds even if the order row could not be written: closing
// the position matters more than the audit row, and the gap is logged.
func (e *VirtualExecutor) PlaceOrder(ctx context.Context, sig models.Signal, marketPrice float64) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	execPrice := e.executionPrice(marketPrice, sig.Type.Side())
	if reason := e.rejectionLocked(ctx, sig, marketPrice, execPrice); reason != "" {
		e.logger.Printf("Signal rejected: %s %s x%d: %s", sig.Type, sig.Symbol, sig.Quantity, reason)
		e.journalLocked(ctx, sig, false, reason)
		return "", nil
	}

	at := sig.At
	if at.IsZero() {
		at = time.Now()
	}

	order := &models.Order{
		ID:         uuid.NewString(),
		Strategy:   sig.Strategy,
		Mode:       e.mode,
		Symbol:     sig.Symbol,
		Side:       sig.Type.Side(),
		Quantity:   sig.Quantity,
		Price:      marketPrice,
		Status:     models.OrderPending,
		SignalData: signalData(sig),
		CreatedAt:  at.UTC(),
	}
	order.Fill(execPrice, at)

	isBuy := sig.Type.IsEntry()
	if _, err := e.store.SaveOrder(ctx, order); err != nil {
		metrics.StoreWriteFailure("save_order")
		if isBuy {
			e.logger.Printf("ERROR: aborting entry for %s, order persist failed: %v", sig.Symbol, err)
			e.journalLocked(ctx, sig, false, fmt.Sprintf("order persist failed: %v", err))
			return "", fmt.Errorf("persisting BUY order for %s: %w", sig.Symbol, err)
		}
		e.logger.Printf("ERROR: SELL order row for %s lost, closing position anyway: %v", sig.Symbol, err)
	} else if _, err := e.store.GetOrderByID(ctx, order.DatabaseID); err != nil {
		if isBuy {
			e.logger.Printf("ERROR: aborting entry for %s, order %d not readable after write (row may lack a position): %v",
				sig.Symbol, order.DatabaseID, err)
			e.journalLocked(ctx, sig, false, fmt.Sprintf("order verification failed: %v", err))
			return "", fmt.Errorf("verifying order %d: %w", order.DatabaseID, err)
		}
		e.logger.Printf("WARNING: SELL order %d not readable after write: %v", order.DatabaseID, err)
	}

	if isBuy {
		return e.openLocked(ctx, sig, order, execPrice, at)
	}
	return e.closeLocked(ctx, sig, order, execPrice, marketPrice, at)
}

// rejectionLocked returns the reason a signal must be refused, or "" when it
// may execute. Entry checks run against the post-slippage execution price so
// a signal cannot pass validation and then overdraw the ledger.
func (e *VirtualExecutor) rejectionLocked(ctx context.Context, sig models.Signal, marketPrice, execPrice float64) string {
	if err := sig.Validate(); err != nil {
		return err.Error()
	}
	if marketPrice <= 0 {
		return "market price unavailable"
	}

	if sig.Type.IsEntry() {
		if limit := e.cfg.Trading.MaxDailyLoss; limit > 0 && e.realizedToday <= -limit {
			return fmt.Sprintf("daily loss limit reached (%.2f)", limit)
		}
		if limit := e.cfg.Trading.MaxDailyTrades; limit > 0 && e.entriesToday >= limit {
			return fmt.Sprintf("daily trade cap reached (%d)", limit)
		}
		if limit := e.cfg.Trading.MaxPositions; limit > 0 && len(e.positions) >= limit {
			return fmt.Sprintf("max open positions reached (%d)", limit)
		}
		required := execPrice*float64(sig.Quantity) + e.cfg.Trading.FeePerOrder
		if limit := e.cfg.Trading.CapitalPerTrade; limit > 0 && required > limit {
			return fmt.Sprintf("capital per trade exceeded: need %.2f, cap %.2f", required, limit)
		}
		if limit := e.cfg.Trading.MaxPositionSize; limit > 0 && required > limit {
			return fmt.Sprintf("max position size exceeded: need %.2f, cap %.2f", required, limit)
		}
		if required > e.available {
			return fmt.Sprintf("insufficient capital: need %.2f, available %.2f", required, e.available)
		}
		return ""
	}

	// A SELL must match an open position in both the in-memory map and a
	// fresh store read; either side missing means the ledger and store have
	// diverged and the close would be unsafe.
	if e.matchLocked(sig.Symbol, sig.Type.OptionType(), sig.Quantity) == nil {
		return "no matching open position in memory"
	}
	rows, err := e.store.GetOpenPositions(ctx, e.mode)
	if err != nil {
		return fmt.Sprintf("store verification failed: %v", err)
	}
	for i := range rows {
		if rows[i].Symbol == sig.Symbol && rows[i].OptionType == sig.Type.OptionType() && rows[i].Quantity >= sig.Quantity {
			return ""
		}
	}
	return "no matching open position in store"
}

// matchLocked returns the oldest open position matching symbol, option type
// and at least the given quantity, preferring an exact quantity match.
func (e *VirtualExecutor) matchLocked(symbol string, optType models.OptionType, qty int) *models.Position {
	var exact, cover *models.Position
	for _, p := range e.positions {
		if p.Symbol != symbol || p.OptionType != optType || p.Quantity < qty {
			continue
		}
		if p.Quantity == qty && (exact == nil || p.EntryTime.Before(exact.EntryTime)) {
			exact = p
		}
		if cover == nil || p.EntryTime.Before(cover.EntryTime) {
			cover = p
		}
	}
	if exact != nil {
		return exact
	}
	return cover
}

// openLocked creates the position for a filled BUY order and reserves its
// capital. A position persistence failure aborts with no ledger change; the
// already-written order row is flagged for operator attention.
func (e *VirtualExecutor) openLocked(ctx context.Context, sig models.Signal, order *models.Order, execPrice float64, at time.Time) (string, error) {
	e.seq++
	key := models.PositionKey{Symbol: sig.Symbol, Seq: e.seq}
	pos := models.NewOpenPosition(key, sig.Strategy, e.mode, sig.Symbol, sig.Type.OptionType(),
		sig.Quantity, execPrice, at, order.DatabaseID, e.cfg.Trading.FeePerOrder)

	if _, err := e.store.SavePosition(ctx, pos); err != nil {
		metrics.StoreWriteFailure("save_position")
		e.seq--
		e.logger.Printf("ERROR: aborting entry for %s, position persist failed (order %d has no position): %v",
			sig.Symbol, order.DatabaseID, err)
		e.journalLocked(ctx, sig, false, fmt.Sprintf("position persist failed: %v", err))
		return "", fmt.Errorf("persisting position for %s: %w", sig.Symbol, err)
	}

	cost := execPrice*float64(sig.Quantity) + e.cfg.Trading.FeePerOrder
	e.available -= cost
	e.usedMargin += cost
	e.entriesToday++
	e.positions[key] = pos

	e.journalLocked(ctx, sig, true, "")
	metrics.OrderPlaced(string(e.mode), string(models.SideBuy))
	e.logger.Printf("Opened %s x%d @ %.2f (position %s, order %s), available %.2f",
		sig.Symbol, sig.Quantity, execPrice, key, util.ShortID(order.ID), e.available)
	return order.ID, nil
}

// closeLocked closes the oldest matching position, releases its capital and
// writes the trade row. The position leaves the in-memory map even if the
// store update fails; a restart then reconciles the row via the SELL order.
func (e *VirtualExecutor) closeLocked(ctx context.Context, sig models.Signal, order *models.Order, execPrice, marketPrice float64, at time.Time) (string, error) {
	pos := e.matchLocked(sig.Symbol, sig.Type.OptionType(), sig.Quantity)
	if pos == nil {
		// Validation saw it; only a concurrent mutation could remove it.
		e.journalLocked(ctx, sig, false, "position vanished before close")
		return "", fmt.Errorf("closing %s: position vanished before close", sig.Symbol)
	}

	category := sig.Category
	if !category.Valid() {
		category = models.ExitOther
	}
	entryCost := pos.AveragePrice*float64(pos.OriginalQuantity) + pos.EntryFees

	pos.Close(execPrice, at, sig.Reason, category)
	if order.DatabaseID > 0 {
		sid := order.DatabaseID
		pos.SellOrderID = &sid
	}

	if pos.ID > 0 {
		if err := e.store.UpdatePosition(ctx, pos.ID, closePatch(pos)); err != nil {
			metrics.StoreWriteFailure("update_position")
			e.logger.Printf("ERROR: close of position %d (%s) not persisted, store row still open: %v",
				pos.ID, pos.Symbol, err)
		}
	}

	e.available += entryCost + pos.RealizedPnL
	e.usedMargin -= entryCost
	if e.usedMargin < 0 {
		e.usedMargin = 0
	}
	e.realized += pos.RealizedPnL
	e.realizedToday += pos.RealizedPnL
	delete(e.positions, pos.Key)

	slippage := math.Abs(execPrice-marketPrice) * float64(pos.OriginalQuantity)
	trade := models.NewTradeFromPosition(pos, pos.EntryFees+e.cfg.Trading.FeePerOrder, slippage)
	if _, err := e.store.SaveTrade(ctx, trade); err != nil {
		metrics.StoreWriteFailure("save_trade")
		e.logger.Printf("WARNING: trade row for %s not saved: %v", pos.Symbol, err)
	}
	e.trades = append(e.trades, *trade)

	e.journalLocked(ctx, sig, true, "")
	metrics.OrderPlaced(string(e.mode), string(models.SideSell))
	metrics.ExitRecorded(string(category))
	e.logger.Printf("Closed %s x%d @ %.2f, realized %.2f (%s), available %.2f",
		pos.Symbol, pos.OriginalQuantity, execPrice, pos.RealizedPnL, category, e.available)
	return order.ID, nil
}

// MonitorPositions refreshes marks for every open position and routes exit
// decisions from the registered judges back through PlaceOrder.
func (e *VirtualExecutor) MonitorPositions(ctx context.Context, now time.Time) error {
	symbols := e.OpenSymbols()
	if len(symbols) == 0 {
		return nil
	}
	quotes, err := e.prices.Prices(ctx, symbols)
	if err != nil {
		e.logger.Printf("WARNING: price refresh failed, skipping monitoring pass: %v", err)
		return fmt.Errorf("refreshing prices: %w", err)
	}

	var exits []models.Signal
	e.mu.Lock()
	for _, pos := range e.sortedLocked() {
		price, ok := quotes[pos.Symbol]
		if !ok || price <= 0 {
			continue
		}
		pos.UpdateMarketPrice(price)

		judge, ok := e.judges[pos.Strategy]
		if !ok {
			continue
		}
		exit, reason, category := judge.ShouldExit(pos, price, now)
		if !exit {
			continue
		}
		exits = append(exits, models.Signal{
			Type:     sellSignalType(pos.OptionType),
			Symbol:   pos.Symbol,
			Quantity: pos.Quantity,
			Price:    price,
			Strategy: pos.Strategy,
			At:       now,
			Reason:   reason,
			Category: category,
		})
	}
	e.mu.Unlock()

	var errs []error
	for _, sig := range exits {
		if _, err := e.PlaceOrder(ctx, sig, sig.Price); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClosePosition closes the oldest open position for a symbol outside the
// normal strategy exit path (manual close, end-of-day force exit). Closes
// other than forced exits respect the minimum hold time.
func (e *VirtualExecutor) ClosePosition(ctx context.Context, symbol, reason string, category models.ExitCategory, now time.Time) (string, error) {
	e.mu.Lock()
	var target *models.Position
	for _, p := range e.positions {
		if p.Symbol != symbol {
			continue
		}
		if target == nil || p.EntryTime.Before(target.EntryTime) {
			target = p
		}
	}
	if target == nil {
		e.mu.Unlock()
		return "", fmt.Errorf("no open position for %s", symbol)
	}
	if category != models.ExitForced && now.Sub(target.EntryTime) < minHoldTime {
		e.mu.Unlock()
		return "", fmt.Errorf("position %s held %.1fs, below minimum hold time", symbol, now.Sub(target.EntryTime).Seconds())
	}
	sig := models.Signal{
		Type:     sellSignalType(target.OptionType),
		Symbol:   symbol,
		Quantity: target.Quantity,
		Strategy: target.Strategy,
		At:       now,
		Reason:   reason,
		Category: category,
	}
	e.mu.Unlock()

	price, err := e.prices.CurrentPrice(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("fetching close price for %s: %w", symbol, err)
	}
	sig.Price = price

	id, err := e.PlaceOrder(ctx, sig, price)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("close of %s rejected", symbol)
	}
	return id, nil
}

// SyncMarks persists the current price and unrealized P&L of every open
// position. Called periodically so a crash does not lose more than one
// sync interval of mark data.
func (e *VirtualExecutor) SyncMarks(ctx context.Context) error {
	type mark struct {
		id    int64
		patch map[string]any
	}
	var marks []mark
	e.mu.Lock()
	for _, p := range e.positions {
		if p.ID <= 0 || p.CurrentPrice <= 0 {
			continue
		}
		marks = append(marks, mark{p.ID, map[string]any{
			"current_price":  p.CurrentPrice,
			"unrealized_pnl": p.UnrealizedPnL,
			"pnl_percent":    p.PnLPercent,
			"updated_at":     time.Now().UTC(),
		}})
	}
	e.mu.Unlock()

	var errs []error
	for _, m := range marks {
		if err := e.store.UpdatePosition(ctx, m.id, m.patch); err != nil {
			errs = append(errs, fmt.Errorf("syncing marks for position %d: %w", m.id, err))
		}
	}
	return errors.Join(errs...)
}

// DailyPnL aggregates today's trades and open positions into one row per
// strategy, keyed by the IST trading date.
func (e *VirtualExecutor) DailyPnL(now time.Time) []models.DailyPnL {
	date := now.In(util.IST).Format("2006-01-02")

	e.mu.Lock()
	defer e.mu.Unlock()

	rows := make(map[string]*models.DailyPnL)
	rowFor := func(strategy string) *models.DailyPnL {
		if r, ok := rows[strategy]; ok {
			return r
		}
		r := &models.DailyPnL{Date: date, Strategy: strategy, Mode: e.mode}
		rows[strategy] = r
		return r
	}

	for i := range e.trades {
		t := &e.trades[i]
		if t.ExitTime.In(util.IST).Format("2006-01-02") != date {
			continue
		}
		r := rowFor(t.Strategy)
		r.RealizedPnL += t.PnL
		r.TradesCount++
		r.FeesPaid += t.Fees
		switch {
		case t.PnL > 0:
			r.WinningTrades++
		case t.PnL < 0:
			r.LosingTrades++
		}
	}

	var unrealizedTotal float64
	for _, p := range e.positions {
		rowFor(p.Strategy).UnrealizedPnL += p.UnrealizedPnL
		unrealizedTotal += p.UnrealizedPnL
	}

	portfolio := e.available + e.usedMargin + unrealizedTotal
	out := make([]models.DailyPnL, 0, len(rows))
	for _, r := range rows {
		r.TotalPnL = r.RealizedPnL + r.UnrealizedPnL
		r.PortfolioValue = portfolio
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out
}

// Snapshot returns a copy of the ledger for API consumers.
func (e *VirtualExecutor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	var unrealized float64
	open := make([]models.Position, 0, len(e.positions))
	for _, p := range e.sortedLocked() {
		unrealized += p.UnrealizedPnL
		open = append(open, copyPosition(p))
	}
	return Snapshot{
		Mode:             e.mode,
		InitialCapital:   e.initial,
		AvailableCapital: e.available,
		UsedMargin:       e.usedMargin,
		RealizedPnL:      e.realized,
		UnrealizedPnL:    unrealized,
		OpenPositions:    open,
		SessionTrades:    len(e.trades),
		EntriesToday:     e.entriesToday,
	}
}

// Trades returns a copy of the session trade log, oldest first.
func (e *VirtualExecutor) Trades() []models.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Trade, len(e.trades))
	copy(out, e.trades)
	return out
}

// OpenPositionSummaries returns the anti-hedging view handed to strategies.
func (e *VirtualExecutor) OpenPositionSummaries() []models.OpenPositionSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.OpenPositionSummary, 0, len(e.positions))
	for _, p := range e.sortedLocked() {
		out = append(out, p.Summary())
	}
	return out
}

// OpenSymbols returns the distinct symbols with an open position, oldest first.
func (e *VirtualExecutor) OpenSymbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[string]bool, len(e.positions))
	var out []string
	for _, p := range e.sortedLocked() {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	return out
}

// OpenCount returns the number of open positions.
func (e *VirtualExecutor) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions)
}

// EntriesToday returns the number of entries accepted since the last reset.
func (e *VirtualExecutor) EntriesToday() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entriesToday
}

// ResetDailyCounters zeroes the daily entry counter and the day's realized
// P&L that feeds the loss halt. The engine calls it once when the market
// opens.
func (e *VirtualExecutor) ResetDailyCounters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entriesToday = 0
	e.realizedToday = 0
}

// executionPrice applies slippage against the trader and rounds to the tick:
// buys fill above the market price, sells below.
func (e *VirtualExecutor) executionPrice(marketPrice float64, side models.OrderSide) float64 {
	slip := marketPrice * e.cfg.Trading.SlippageBps / 10000
	price := marketPrice + slip
	if side == models.SideSell {
		price = marketPrice - slip
	}
	return util.RoundToTick(price, tickSize)
}

// journalLocked writes the signal audit row. Journaling failures are logged
// and never block execution.
func (e *VirtualExecutor) journalLocked(ctx context.Context, sig models.Signal, approved bool, reason string) {
	rec := &models.SignalRecord{
		Strategy:        sig.Strategy,
		Mode:            e.mode,
		Type:            sig.Type,
		Symbol:          sig.Symbol,
		Quantity:        sig.Quantity,
		Price:           sig.Price,
		Approved:        approved,
		RejectionReason: reason,
		CreatedAt:       time.Now().UTC(),
	}
	result := "approved"
	if !approved {
		result = "rejected"
	}
	metrics.SignalEmitted(sig.Strategy, result)
	if err := e.store.SaveSignal(ctx, rec); err != nil {
		metrics.StoreWriteFailure("save_signal")
		e.logger.Printf("WARNING: signal journal write failed for %s %s: %v", sig.Type, sig.Symbol, err)
	}
}

// sortedLocked returns open positions ordered by entry time then key.
func (e *VirtualExecutor) sortedLocked() []*models.Position {
	out := make([]*models.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].EntryTime.Before(out[j].EntryTime)
		}
		return out[i].Key.Seq < out[j].Key.Seq
	})
	return out
}

// sellSignalType maps an option leg to the signal that closes it.
func sellSignalType(t models.OptionType) models.SignalType {
	if t == models.OptionCall {
		return models.SignalSellCall
	}
	return models.SignalSellPut
}

// closePatch builds the store column patch for a closed position.
func closePatch(p *models.Position) map[string]any {
	patch := map[string]any{
		"is_open":              false,
		"quantity":             0,
		"current_price":        p.ExitPrice,
		"unrealized_pnl":       0.0,
		"realized_pnl":         p.RealizedPnL,
		"pnl_percent":          p.PnLPercent,
		"exit_price":           p.ExitPrice,
		"exit_reason":          p.ExitReason,
		"exit_reason_category": p.ExitCategory,
		"updated_at":           p.UpdatedAt,
	}
	if p.ExitTime != nil {
		patch["exit_time"] = *p.ExitTime
	}
	if p.SellOrderID != nil {
		patch["sell_order_id"] = *p.SellOrderID
	}
	return patch
}

// signalData renders the originating signal as the free-form map stored on
// the order row, using the Signal's own JSON field names.
func signalData(sig models.Signal) map[string]any {
	raw, err := json.Marshal(sig)
	if err != nil {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	return data
}

// copyPosition returns a value copy safe to hand outside the ledger.
func copyPosition(p *models.Position) models.Position {
	cp := *p
	if p.ExitTime != nil {
		t := *p.ExitTime
		cp.ExitTime = &t
	}
	if p.SellOrderID != nil {
		id := *p.SellOrderID
		cp.SellOrderID = &id
	}
	return cp
}
