package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/engine"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/executor"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/store"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/strategy"
)

const testSymbol = "NIFTY2631024500CE"

type stubStrategy struct{ name string }

func (s *stubStrategy) Name() string                       { return s.name }
func (s *stubStrategy) Interval() time.Duration            { return time.Minute }
func (s *stubStrategy) UpdateMarketData(_ []models.Candle) {}
func (s *stubStrategy) GenerateSignals(_ time.Time, _ map[string]float64, _ float64, _ []models.OpenPositionSummary) []models.Signal {
	return nil
}
func (s *stubStrategy) ShouldExit(_ *models.Position, _ float64, _ time.Time) (bool, string, models.ExitCategory) {
	return false, "", ""
}

type fakeController struct {
	state    engine.State
	active   []string
	startErr error
	stopErr  error
	closeID  string
	closeErr error

	started     []string
	stopped     []string
	closedSym   string
	closeCalled bool
}

func (f *fakeController) State() engine.State        { return f.state }
func (f *fakeController) ActiveStrategies() []string { return f.active }

func (f *fakeController) Start(ctx context.Context, strategies ...strategy.Strategy) error {
	for _, st := range strategies {
		f.started = append(f.started, st.Name())
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.state = engine.StateRunning
	return nil
}

func (f *fakeController) Stop(names ...string) error {
	f.stopped = names
	return f.stopErr
}

func (f *fakeController) ManualClose(ctx context.Context, symbol string) (string, error) {
	f.closeCalled = true
	f.closedSym = symbol
	return f.closeID, f.closeErr
}

type fakeLedger struct {
	snap   executor.Snapshot
	trades []models.Trade
	daily  []models.DailyPnL
}

func (f *fakeLedger) Snapshot() executor.Snapshot            { return f.snap }
func (f *fakeLedger) Trades() []models.Trade                 { return f.trades }
func (f *fakeLedger) DailyPnL(_ time.Time) []models.DailyPnL { return f.daily }

type fakeMarket struct{ open bool }

func (f *fakeMarket) IsMarketOpen(_ context.Context) bool { return f.open }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(cfg Config, ctrl *fakeController, ledger *fakeLedger, mock *store.MockStore) *Server {
	available := []strategy.Strategy{
		&stubStrategy{name: "scalp"},
		&stubStrategy{name: "momentum"},
	}
	return NewServer(cfg, ctrl, ledger, &fakeMarket{open: true}, mock, available, quietLogger())
}

func doRequest(s *Server, method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	cfg := Config{Addr: ":8080", AuthToken: "sekrit"}
	s := newTestServer(cfg, &fakeController{state: engine.StateIdle}, &fakeLedger{}, store.NewMockStore())

	if rec := doRequest(s, http.MethodGet, "/api/status", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}
	if rec := doRequest(s, http.MethodGet, "/api/status", "wrong", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", rec.Code)
	}
	if rec := doRequest(s, http.MethodGet, "/api/status", "sekrit", nil); rec.Code != http.StatusOK {
		t.Fatalf("good token: status = %d, want 200", rec.Code)
	}
	if rec := doRequest(s, http.MethodGet, "/api/status?token=sekrit", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("query token: status = %d, want 200", rec.Code)
	}
	// Health stays reachable for load balancers without credentials.
	if rec := doRequest(s, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health without token: status = %d, want 200", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ledger := &fakeLedger{snap: executor.Snapshot{
		Mode:             models.ModePaper,
		InitialCapital:   200000,
		AvailableCapital: 192500,
		UsedMargin:       7500,
	}}
	ctrl := &fakeController{state: engine.StateRunning, active: []string{"scalp"}}
	s := newTestServer(Config{}, ctrl, ledger, store.NewMockStore())

	rec := doRequest(s, http.MethodGet, "/api/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view StatusView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if view.EngineState != "RUNNING" {
		t.Errorf("engine_state = %q, want RUNNING", view.EngineState)
	}
	if !view.MarketOpen {
		t.Errorf("market_open = false, want true")
	}
	if view.Snapshot.AvailableCapital != 192500 {
		t.Errorf("available_capital = %.2f, want 192500", view.Snapshot.AvailableCapital)
	}
	if len(view.ActiveStrategies) != 1 || view.ActiveStrategies[0] != "scalp" {
		t.Errorf("active_strategies = %v, want [scalp]", view.ActiveStrategies)
	}
}

func TestPositionsEndpoint(t *testing.T) {
	ledger := &fakeLedger{snap: executor.Snapshot{
		OpenPositions: []models.Position{{Symbol: testSymbol, Quantity: 75, AveragePrice: 100, IsOpen: true}},
	}}
	s := newTestServer(Config{}, &fakeController{}, ledger, store.NewMockStore())

	rec := doRequest(s, http.MethodGet, "/api/positions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []models.Position
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != testSymbol {
		t.Fatalf("positions = %+v, want one %s row", got, testSymbol)
	}
}

func TestOrdersEndpoint(t *testing.T) {
	mock := store.NewMockStore()
	for _, o := range []models.Order{
		{Strategy: "scalp", Mode: models.ModePaper, Symbol: testSymbol, Side: models.SideBuy, Quantity: 75, Price: 100, Status: models.OrderFilled},
		{Strategy: "scalp", Mode: models.ModePaper, Symbol: testSymbol, Side: models.SideSell, Quantity: 75, Price: 130, Status: models.OrderFilled},
		{Strategy: "scalp", Mode: models.ModePaper, Symbol: "NIFTY2631024400PE", Side: models.SideBuy, Quantity: 75, Price: 80, Status: models.OrderFilled},
	} {
		row := o
		if _, err := mock.SaveOrder(context.Background(), &row); err != nil {
			t.Fatalf("seeding order: %v", err)
		}
	}
	ledger := &fakeLedger{snap: executor.Snapshot{Mode: models.ModePaper}}
	s := newTestServer(Config{}, &fakeController{}, ledger, mock)

	rec := doRequest(s, http.MethodGet, "/api/orders/"+testSymbol, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []models.Order
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d orders, want 2 for %s", len(got), testSymbol)
	}

	mock.GetOrdersBySymbolErr = errors.New("store down")
	if rec := doRequest(s, http.MethodGet, "/api/orders/"+testSymbol, "", nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("store error: status = %d, want 500", rec.Code)
	}
}

func TestTradesAndDailyEndpoints(t *testing.T) {
	ledger := &fakeLedger{
		trades: []models.Trade{{Symbol: testSymbol, Quantity: 75, EntryPrice: 100, ExitPrice: 130, PnL: 2250}},
		daily:  []models.DailyPnL{{Date: "2026-03-10", Strategy: "scalp", RealizedPnL: 2250}},
	}
	s := newTestServer(Config{}, &fakeController{}, ledger, store.NewMockStore())

	rec := doRequest(s, http.MethodGet, "/api/trades", "", nil)
	var trades []models.Trade
	if err := json.NewDecoder(rec.Body).Decode(&trades); err != nil {
		t.Fatalf("decoding trades: %v", err)
	}
	if len(trades) != 1 || trades[0].PnL != 2250 {
		t.Fatalf("trades = %+v, want one row with pnl 2250", trades)
	}

	rec = doRequest(s, http.MethodGet, "/api/daily", "", nil)
	var daily []models.DailyPnL
	if err := json.NewDecoder(rec.Body).Decode(&daily); err != nil {
		t.Fatalf("decoding daily rows: %v", err)
	}
	if len(daily) != 1 || daily[0].Strategy != "scalp" {
		t.Fatalf("daily = %+v, want one scalp row", daily)
	}
}

func TestStartEngineEndpoint(t *testing.T) {
	t.Run("no body starts every configured strategy", func(t *testing.T) {
		ctrl := &fakeController{state: engine.StateIdle}
		s := newTestServer(Config{}, ctrl, &fakeLedger{}, store.NewMockStore())

		rec := doRequest(s, http.MethodPost, "/api/engine/start", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
		}
		if len(ctrl.started) != 2 || ctrl.started[0] != "momentum" || ctrl.started[1] != "scalp" {
			t.Fatalf("started = %v, want [momentum scalp]", ctrl.started)
		}
	})

	t.Run("selects strategies by name", func(t *testing.T) {
		ctrl := &fakeController{state: engine.StateIdle}
		s := newTestServer(Config{}, ctrl, &fakeLedger{}, store.NewMockStore())

		body := []byte(`{"strategies":["scalp"]}`)
		rec := doRequest(s, http.MethodPost, "/api/engine/start", "", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if len(ctrl.started) != 1 || ctrl.started[0] != "scalp" {
			t.Fatalf("started = %v, want [scalp]", ctrl.started)
		}
	})

	t.Run("unknown strategy name", func(t *testing.T) {
		ctrl := &fakeController{state: engine.StateIdle}
		s := newTestServer(Config{}, ctrl, &fakeLedger{}, store.NewMockStore())

		body := []byte(`{"strategies":["straddle"]}`)
		rec := doRequest(s, http.MethodPost, "/api/engine/start", "", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if len(ctrl.started) != 0 {
			t.Fatalf("engine started despite unknown strategy: %v", ctrl.started)
		}
	})

	t.Run("market closed maps to conflict", func(t *testing.T) {
		ctrl := &fakeController{state: engine.StateIdle, startErr: engine.ErrMarketClosed}
		s := newTestServer(Config{}, ctrl, &fakeLedger{}, store.NewMockStore())

		rec := doRequest(s, http.MethodPost, "/api/engine/start", "", nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "market is closed") {
			t.Fatalf("body = %s, want market-closed error", rec.Body.String())
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		ctrl := &fakeController{state: engine.StateIdle}
		s := newTestServer(Config{}, ctrl, &fakeLedger{}, store.NewMockStore())

		rec := doRequest(s, http.MethodPost, "/api/engine/start", "", []byte(`{"strategies": 7}`))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestStopEngineEndpoint(t *testing.T) {
	t.Run("stops named strategies", func(t *testing.T) {
		ctrl := &fakeController{state: engine.StateRunning, active: []string{"momentum"}}
		s := newTestServer(Config{}, ctrl, &fakeLedger{}, store.NewMockStore())

		body := []byte(`{"strategies":["scalp"]}`)
		rec := doRequest(s, http.MethodPost, "/api/engine/stop", "", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if len(ctrl.stopped) != 1 || ctrl.stopped[0] != "scalp" {
			t.Fatalf("stopped = %v, want [scalp]", ctrl.stopped)
		}
	})

	t.Run("idle engine maps to conflict", func(t *testing.T) {
		ctrl := &fakeController{state: engine.StateIdle, stopErr: engine.ErrNotRunning}
		s := newTestServer(Config{}, ctrl, &fakeLedger{}, store.NewMockStore())

		rec := doRequest(s, http.MethodPost, "/api/engine/stop", "", nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
	})
}

func TestManualCloseEndpoint(t *testing.T) {
	t.Run("closes and returns the order id", func(t *testing.T) {
		ctrl := &fakeController{closeID: "a1b2c3d4"}
		s := newTestServer(Config{}, ctrl, &fakeLedger{}, store.NewMockStore())

		rec := doRequest(s, http.MethodPost, "/api/positions/"+testSymbol+"/close", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if ctrl.closedSym != testSymbol {
			t.Fatalf("closed symbol = %q, want %q", ctrl.closedSym, testSymbol)
		}
		var resp map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if resp["order_id"] != "a1b2c3d4" {
			t.Fatalf("order_id = %q, want a1b2c3d4", resp["order_id"])
		}
	})

	t.Run("rejection maps to conflict", func(t *testing.T) {
		ctrl := &fakeController{closeErr: errors.New("no open position for " + testSymbol)}
		s := newTestServer(Config{}, ctrl, &fakeLedger{}, store.NewMockStore())

		rec := doRequest(s, http.MethodPost, "/api/positions/"+testSymbol+"/close", "", nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
		if !ctrl.closeCalled {
			t.Fatal("controller never consulted")
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	mock := store.NewMockStore()
	s := newTestServer(Config{}, &fakeController{}, &fakeLedger{}, mock)

	rec := doRequest(s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var health map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if health["status"] != "healthy" || health["store"] != "ok" {
		t.Fatalf("health = %v, want healthy/ok", health)
	}

	mock.PingErr = errors.New("connection refused")
	rec = doRequest(s, http.MethodGet, "/health", "", nil)
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decoding degraded body: %v", err)
	}
	if health["status"] != "degraded" {
		t.Fatalf("health status = %v, want degraded when store ping fails", health["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(Config{AuthToken: "sekrit"}, &fakeController{}, &fakeLedger{}, store.NewMockStore())

	if rec := doRequest(s, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("metrics without token: status = %d, want 401", rec.Code)
	}
	rec := doRequest(s, http.MethodGet, "/metrics", "sekrit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "trader_equity_rupees") {
		t.Fatalf("metrics body missing trader series")
	}
}
