package main

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/broker"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/config"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/engine"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/executor"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/market"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/sim"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/store"
)

// MockBroker implements broker.Broker for wiring tests.
type MockBroker struct {
	mock.Mock
}

var _ broker.Broker = (*MockBroker)(nil)

func (m *MockBroker) LoginURL() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockBroker) CompleteSession(ctx context.Context, requestToken string) (string, error) {
	args := m.Called(ctx, requestToken)
	return args.String(0), args.Error(1)
}

func (m *MockBroker) IsAuthenticated(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockBroker) LoadInstruments(ctx context.Context, underlying string) ([]models.Instrument, error) {
	args := m.Called(ctx, underlying)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Instrument), args.Error(1)
}

func (m *MockBroker) LTP(ctx context.Context, symbols []string) (map[string]float64, error) {
	args := m.Called(ctx, symbols)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]float64), args.Error(1)
}

func (m *MockBroker) Quote(ctx context.Context, symbols []string) (map[string]broker.Quote, error) {
	args := m.Called(ctx, symbols)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]broker.Quote), args.Error(1)
}

func (m *MockBroker) Historical(ctx context.Context, token uint32, from, to time.Time, interval string) ([]models.Candle, error) {
	args := m.Called(ctx, token, from, to, interval)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Candle), args.Error(1)
}

func (m *MockBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockBroker) Positions(ctx context.Context) ([]broker.PositionItem, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]broker.PositionItem), args.Error(1)
}

func (m *MockBroker) Holdings(ctx context.Context) ([]broker.HoldingItem, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]broker.HoldingItem), args.Error(1)
}

func (m *MockBroker) Margins(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockBroker) Profile(ctx context.Context) (*broker.Profile, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.Profile), args.Error(1)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Environment.Mode = "paper"
	cfg.Environment.LogLevel = "info"
	cfg.Broker.Simulated = true
	cfg.Store.Path = t.TempDir() + "/positions.json"
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
	require.NoError(t, cfg.Validate())
	return cfg
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// closedMarketBroker answers auth checks but serves a spot quote whose last
// trade is hours old, so the market service reports the session closed no
// matter when the test runs.
func closedMarketBroker() *MockBroker {
	mb := &MockBroker{}
	mb.On("IsAuthenticated", mock.Anything).Return(true)
	mb.On("Quote", mock.Anything, mock.Anything).Return(map[string]broker.Quote{
		"NSE:NIFTY 50": {
			LastPrice:     24750,
			LastTradeTime: broker.MarketTime{Time: time.Now().Add(-3 * time.Hour)},
		},
	}, nil)
	return mb
}

func TestBuildBroker_Simulated(t *testing.T) {
	cfg := testConfig(t)

	bk, err := buildBroker(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &sim.Broker{}, bk)
	assert.True(t, bk.IsAuthenticated(context.Background()))
}

func TestBuildStore_SelectsBackend(t *testing.T) {
	cfg := testConfig(t)

	st, err := buildStore(cfg, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &store.FileStore{}, st)

	cfg.Store.URL = "https://example.supabase.co"
	cfg.Store.APIKey = "key"
	st, err = buildStore(cfg, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &store.RestStore{}, st)
}

func TestBuildStrategies_ScalpingToggle(t *testing.T) {
	cfg := testConfig(t)
	mkt := market.NewService(closedMarketBroker(), cfg, quietLogger())

	strategies := buildStrategies(cfg, mkt, quietLogger())
	require.Len(t, strategies, 1)
	assert.Equal(t, "supertrend", strategies[0].Name())

	cfg.Strategy.Scalping.Enabled = false
	assert.Empty(t, buildStrategies(cfg, mkt, quietLogger()))
}

func TestNewAPILogger_Levels(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, newAPILogger("debug").GetLevel())
	assert.Equal(t, logrus.InfoLevel, newAPILogger("not-a-level").GetLevel())
}

func TestStartEngine_MarketClosedIdlesWhenAPIEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Enabled = true
	cfg.API.AuthToken = "sekrit"
	require.NoError(t, cfg.Validate())

	mb := closedMarketBroker()
	logger := quietLogger()
	mkt := market.NewService(mb, cfg, logger)
	exec := executor.NewVirtualExecutor(store.NewMockStore(), mkt, cfg, logger)
	eng := engine.New(cfg, mb, mkt, exec, store.NewMockStore(), logger)
	strategies := buildStrategies(cfg, mkt, logger)

	err := startEngine(context.Background(), eng, strategies, cfg, logger)
	require.NoError(t, err)
	assert.Equal(t, engine.StateIdle, eng.State())
	mb.AssertCalled(t, "Quote", mock.Anything, mock.Anything)
	mb.AssertNotCalled(t, "PlaceOrder")
}

func TestStartEngine_CanceledContextStopsRetry(t *testing.T) {
	cfg := testConfig(t)

	mb := closedMarketBroker()
	logger := quietLogger()
	mkt := market.NewService(mb, cfg, logger)
	exec := executor.NewVirtualExecutor(store.NewMockStore(), mkt, cfg, logger)
	eng := engine.New(cfg, mb, mkt, exec, store.NewMockStore(), logger)
	strategies := buildStrategies(cfg, mkt, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- startEngine(ctx, eng, strategies, cfg, logger)
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.Equal(t, engine.StateIdle, eng.State())
	case <-time.After(2 * time.Second):
		t.Fatal("startEngine did not return after context cancellation")
	}
}
