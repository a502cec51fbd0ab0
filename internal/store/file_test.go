package store

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
)

func newTempFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trading.json")
	st, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return st, path
}

func testPosition(symbol string, entry time.Time) *models.Position {
	return &models.Position{
		Strategy:         "supertrend",
		Mode:             models.ModePaper,
		Symbol:           symbol,
		OptionType:       models.OptionCall,
		Quantity:         75,
		OriginalQuantity: 75,
		AveragePrice:     104.5,
		CurrentPrice:     104.5,
		IsOpen:           true,
		EntryTime:        entry,
		BuyOrderID:       1,
	}
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	st, path := newTempFileStore(t)
	ctx := context.Background()

	orderID, err := st.SaveOrder(ctx, testOrder(models.SideBuy))
	if err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	entry := time.Date(2026, 3, 10, 4, 45, 0, 0, time.UTC)
	posID, err := st.SavePosition(ctx, testPosition("NIFTY2631024500CE", entry))
	if err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	if orderID == posID {
		t.Errorf("ids must be unique across tables: order=%d position=%d", orderID, posID)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	order, err := reopened.GetOrderByID(ctx, orderID)
	if err != nil {
		t.Fatalf("GetOrderByID after reopen: %v", err)
	}
	if order.Symbol != "NIFTY2631024500CE" || order.Side != models.SideBuy {
		t.Errorf("order fields lost across reopen: %+v", order)
	}
	open, err := reopened.GetOpenPositions(ctx, models.ModePaper)
	if err != nil {
		t.Fatalf("GetOpenPositions after reopen: %v", err)
	}
	if len(open) != 1 || open[0].ID != posID || !open[0].EntryTime.Equal(entry) {
		t.Errorf("position lost across reopen: %+v", open)
	}

	// The id counter must continue where it left off.
	nextID, err := reopened.SaveOrder(ctx, testOrder(models.SideBuy))
	if err != nil {
		t.Fatalf("SaveOrder after reopen: %v", err)
	}
	if nextID <= posID {
		t.Errorf("reopened store reissued id %d (last was %d)", nextID, posID)
	}
}

func TestFileStore_SellGate(t *testing.T) {
	st, _ := newTempFileStore(t)
	ctx := context.Background()

	if _, err := st.SaveOrder(ctx, testOrder(models.SideSell)); !errors.Is(err, ErrValidation) {
		t.Fatalf("SELL without open position: expected ErrValidation, got %v", err)
	}

	entry := time.Date(2026, 3, 10, 4, 45, 0, 0, time.UTC)
	if _, err := st.SavePosition(ctx, testPosition("NIFTY2631024500CE", entry)); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	over := testOrder(models.SideSell)
	over.Quantity = 150
	over.FilledQuantity = 150
	if _, err := st.SaveOrder(ctx, over); !errors.Is(err, ErrValidation) {
		t.Fatalf("oversized SELL: expected ErrValidation, got %v", err)
	}

	if _, err := st.SaveOrder(ctx, testOrder(models.SideSell)); err != nil {
		t.Fatalf("covered SELL rejected: %v", err)
	}
}

func TestFileStore_UpdatePosition_ClosePatch(t *testing.T) {
	st, _ := newTempFileStore(t)
	ctx := context.Background()

	entry := time.Date(2026, 3, 10, 4, 45, 0, 0, time.UTC)
	id, err := st.SavePosition(ctx, testPosition("NIFTY2631024500CE", entry))
	if err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	exitAt := entry.Add(25 * time.Minute)
	patch := map[string]any{
		"is_open":              false,
		"quantity":             0,
		"exit_time":            exitAt,
		"exit_price":           130.0,
		"exit_reason":          "profit target 25.0% hit (got 24.4%)",
		"exit_reason_category": models.ExitProfitTarget,
		"realized_pnl":         1912.5,
		"pnl_percent":          0.244,
		"sell_order_id":        int64(77),
		"updated_at":           exitAt,
	}
	if err := st.UpdatePosition(ctx, id, patch); err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}

	got, err := st.GetPositionByID(ctx, id)
	if err != nil {
		t.Fatalf("GetPositionByID: %v", err)
	}
	if got.IsOpen || got.Quantity != 0 {
		t.Errorf("position not closed: open=%v qty=%d", got.IsOpen, got.Quantity)
	}
	if got.ExitPrice != 130.0 || got.ExitCategory != models.ExitProfitTarget {
		t.Errorf("exit fields wrong: price=%v category=%v", got.ExitPrice, got.ExitCategory)
	}
	if got.ExitTime == nil || !got.ExitTime.Equal(exitAt) {
		t.Errorf("exit time wrong: %v", got.ExitTime)
	}
	if got.SellOrderID == nil || *got.SellOrderID != 77 {
		t.Errorf("sell order id wrong: %v", got.SellOrderID)
	}
	if got.RealizedPnL != 1912.5 {
		t.Errorf("realized pnl wrong: %v", got.RealizedPnL)
	}

	open, err := st.GetOpenPositions(ctx, models.ModePaper)
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("closed position still reported open: %+v", open)
	}
}

func TestFileStore_UpdatePosition_UnknownColumn(t *testing.T) {
	st, _ := newTempFileStore(t)
	ctx := context.Background()

	entry := time.Date(2026, 3, 10, 4, 45, 0, 0, time.UTC)
	id, err := st.SavePosition(ctx, testPosition("NIFTY2631024500CE", entry))
	if err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	err = st.UpdatePosition(ctx, id, map[string]any{"bogus_column": 1})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown column, got %v", err)
	}

	got, err := st.GetPositionByID(ctx, id)
	if err != nil {
		t.Fatalf("GetPositionByID: %v", err)
	}
	if !got.IsOpen || got.Quantity != 75 {
		t.Errorf("rejected patch must leave the row untouched: %+v", got)
	}
}

func TestFileStore_GetOpenPositions_OrderedByEntryTime(t *testing.T) {
	st, _ := newTempFileStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 4, 45, 0, 0, time.UTC)
	for _, d := range []time.Duration{20 * time.Minute, 0, 10 * time.Minute} {
		p := testPosition("NIFTY2631024500CE", base.Add(d))
		if _, err := st.SavePosition(ctx, p); err != nil {
			t.Fatalf("SavePosition: %v", err)
		}
	}

	open, err := st.GetOpenPositions(ctx, models.ModePaper)
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("expected 3 open positions, got %d", len(open))
	}
	for i := 1; i < len(open); i++ {
		if open[i].EntryTime.Before(open[i-1].EntryTime) {
			t.Errorf("positions out of entry order: %v before %v",
				open[i].EntryTime, open[i-1].EntryTime)
		}
	}
}

func TestFileStore_UpsertDailyPnL_MergesOnKey(t *testing.T) {
	st, _ := newTempFileStore(t)
	ctx := context.Background()

	day := &models.DailyPnL{Date: "2026-03-10", Strategy: "supertrend", Mode: models.ModePaper, RealizedPnL: 1000, TradesCount: 1}
	if err := st.UpsertDailyPnL(ctx, day); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	day.RealizedPnL = 2250
	day.TradesCount = 2
	if err := st.UpsertDailyPnL(ctx, day); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	other := &models.DailyPnL{Date: "2026-03-11", Strategy: "supertrend", Mode: models.ModePaper, RealizedPnL: -500}
	if err := st.UpsertDailyPnL(ctx, other); err != nil {
		t.Fatalf("third upsert: %v", err)
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	if len(st.data.DailyPnL) != 2 {
		t.Fatalf("expected 2 daily rows, got %d", len(st.data.DailyPnL))
	}
	if st.data.DailyPnL[0].RealizedPnL != 2250 || st.data.DailyPnL[0].TradesCount != 2 {
		t.Errorf("merge did not replace the row: %+v", st.data.DailyPnL[0])
	}
}

func TestFileStore_NonFiniteClampedToZero(t *testing.T) {
	st, path := newTempFileStore(t)
	ctx := context.Background()

	trade := &models.Trade{
		Symbol:     "NIFTY2631024500CE",
		Mode:       models.ModePaper,
		PnL:        math.NaN(),
		PnLPercent: math.Inf(-1),
		EntryPrice: 104.5,
	}
	id, err := st.SaveTrade(ctx, trade)
	if err != nil {
		t.Fatalf("SaveTrade with NaN: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopening store with clamped values: %v", err)
	}
	reopened.mu.RLock()
	defer reopened.mu.RUnlock()
	if len(reopened.data.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(reopened.data.Trades))
	}
	got := reopened.data.Trades[0]
	if got.ID != id || got.PnL != 0 || got.PnLPercent != 0 {
		t.Errorf("non-finite values not clamped: %+v", got)
	}
	if got.EntryPrice != 104.5 {
		t.Errorf("finite value must survive: %v", got.EntryPrice)
	}
}

func TestFileStore_ValidationFailureWritesNothing(t *testing.T) {
	st, path := newTempFileStore(t)

	bad := testOrder(models.SideBuy)
	bad.Quantity = 0
	if _, err := st.SaveOrder(context.Background(), bad); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		reopened, rerr := NewFileStore(path)
		if rerr != nil {
			t.Fatalf("reopening: %v", rerr)
		}
		if len(reopened.data.Orders) != 0 {
			t.Errorf("rejected order must not be persisted: %+v", reopened.data.Orders)
		}
	}
}

func TestFileStore_NotFound(t *testing.T) {
	st, _ := newTempFileStore(t)
	ctx := context.Background()

	if _, err := st.GetOrderByID(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrderByID: expected ErrNotFound, got %v", err)
	}
	if _, err := st.GetPositionByID(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPositionByID: expected ErrNotFound, got %v", err)
	}
	if err := st.UpdatePosition(ctx, 99, map[string]any{"is_open": false}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdatePosition: expected ErrNotFound, got %v", err)
	}
}

func TestFileStore_CanceledContext(t *testing.T) {
	st, _ := newTempFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := st.SaveOrder(ctx, testOrder(models.SideBuy)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, err := st.GetOpenPositions(ctx, models.ModePaper); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
