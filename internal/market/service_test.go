package market

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/broker"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/config"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/util"
)

// stubBroker satisfies broker.Broker with canned responses.
type stubBroker struct {
	instruments    []models.Instrument
	instrumentsErr error
	ltp            map[string]float64
	ltpErr         error
	quotes         map[string]broker.Quote
	quotesErr      error
	candles        []models.Candle
	candlesErr     error

	gotLTPSymbols   []string
	gotQuoteSymbols []string
	gotInterval     string
	gotFrom         time.Time
	gotTo           time.Time
}

func (s *stubBroker) LoginURL() string                     { return "" }
func (s *stubBroker) IsAuthenticated(context.Context) bool { return true }
func (s *stubBroker) CompleteSession(context.Context, string) (string, error) {
	return "", nil
}

func (s *stubBroker) LoadInstruments(ctx context.Context, underlying string) ([]models.Instrument, error) {
	return s.instruments, s.instrumentsErr
}

func (s *stubBroker) LTP(ctx context.Context, symbols []string) (map[string]float64, error) {
	s.gotLTPSymbols = symbols
	return s.ltp, s.ltpErr
}

func (s *stubBroker) Quote(ctx context.Context, symbols []string) (map[string]broker.Quote, error) {
	s.gotQuoteSymbols = symbols
	return s.quotes, s.quotesErr
}

func (s *stubBroker) Historical(ctx context.Context, token uint32, from, to time.Time, interval string) ([]models.Candle, error) {
	s.gotInterval = interval
	s.gotFrom = from
	s.gotTo = to
	return s.candles, s.candlesErr
}

func (s *stubBroker) PlaceOrder(context.Context, broker.OrderRequest) (string, error) {
	return "", nil
}
func (s *stubBroker) Positions(context.Context) ([]broker.PositionItem, error) { return nil, nil }
func (s *stubBroker) Holdings(context.Context) ([]broker.HoldingItem, error)   { return nil, nil }
func (s *stubBroker) Margins(context.Context) (float64, error)                 { return 0, nil }
func (s *stubBroker) Profile(context.Context) (*broker.Profile, error)         { return nil, nil }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Environment.Mode = "paper"
	cfg.Schedule.TradingStart = "09:15"
	cfg.Schedule.TradingEnd = "15:30"
	cfg.Trading.ATMStrikeStep = 50
	cfg.Trading.DefaultLotSize = 25
	return cfg
}

func newTestService(b *stubBroker, cfg *config.Config) *Service {
	return NewService(b, cfg, log.New(io.Discard, "", 0))
}

func istDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, util.IST)
}

func TestCandles_DropsInProgressBar(t *testing.T) {
	now := time.Now()
	stub := &stubBroker{candles: []models.Candle{
		{Timestamp: now.Add(-150 * time.Second), Close: 24500}, // closed 90s ago
		{Timestamp: now.Add(-90 * time.Second), Close: 24510},  // closed 30s ago
		{Timestamp: now.Add(-45 * time.Second), Close: 24520},  // still forming
	}}
	svc := newTestService(stub, testConfig())

	candles, err := svc.Candles(context.Background(), time.Minute, 2)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 closed candles, got %d", len(candles))
	}
	if candles[1].Close != 24510 {
		t.Errorf("wrong trailing closed candle: %+v", candles[1])
	}
	if stub.gotInterval != "minute" {
		t.Errorf("expected interval name minute, got %q", stub.gotInterval)
	}
	wantFrom := now.AddDate(0, 0, -2)
	if d := stub.gotFrom.Sub(wantFrom); d < -time.Minute || d > time.Minute {
		t.Errorf("lookback window wrong: from=%v want≈%v", stub.gotFrom, wantFrom)
	}
}

func TestCandles_BrokerFailureReturnsNothing(t *testing.T) {
	stub := &stubBroker{candlesErr: context.DeadlineExceeded}
	svc := newTestService(stub, testConfig())

	candles, err := svc.Candles(context.Background(), time.Minute, 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(candles) != 0 {
		t.Errorf("failed fetch must not return candles, got %d", len(candles))
	}
}

func TestCurrentPrice_QualifiesSymbols(t *testing.T) {
	stub := &stubBroker{ltp: map[string]float64{
		"NFO:NIFTY2631024500CE": 104.5,
		"NSE:NIFTY 50":          24512.35,
	}}
	svc := newTestService(stub, testConfig())

	price, err := svc.CurrentPrice(context.Background(), "NIFTY2631024500CE")
	if err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if price != 104.5 {
		t.Errorf("expected 104.5, got %v", price)
	}
	if len(stub.gotLTPSymbols) != 1 || stub.gotLTPSymbols[0] != "NFO:NIFTY2631024500CE" {
		t.Errorf("bare symbol not qualified: %v", stub.gotLTPSymbols)
	}

	spot, err := svc.SpotPrice(context.Background())
	if err != nil {
		t.Fatalf("SpotPrice: %v", err)
	}
	if spot != 24512.35 {
		t.Errorf("expected spot 24512.35, got %v", spot)
	}
}

func TestCurrentPrice_MissingQuote(t *testing.T) {
	stub := &stubBroker{ltp: map[string]float64{}}
	svc := newTestService(stub, testConfig())
	if _, err := svc.CurrentPrice(context.Background(), "NIFTY2631024500CE"); err == nil {
		t.Fatal("expected error for symbol absent from response")
	}
}

func TestPrices_KeysByPlainSymbol(t *testing.T) {
	stub := &stubBroker{ltp: map[string]float64{
		"NFO:AAA": 10,
		"NFO:BBB": 20,
	}}
	svc := newTestService(stub, testConfig())

	prices, err := svc.Prices(context.Background(), []string{"AAA", "BBB", "CCC"})
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if prices["AAA"] != 10 || prices["BBB"] != 20 {
		t.Errorf("prices not re-keyed: %v", prices)
	}
	if _, ok := prices["CCC"]; ok {
		t.Errorf("symbol without a quote must be absent, got %v", prices["CCC"])
	}
}

func TestNearestWeeklyExpiry(t *testing.T) {
	tests := []struct {
		name     string
		now      time.Time
		holidays []string
		want     time.Time
	}{
		{
			name: "tuesday selects this thursday",
			now:  time.Date(2026, 3, 10, 11, 0, 0, 0, util.IST),
			want: istDate(2026, 3, 12),
		},
		{
			name: "thursday selects same day",
			now:  time.Date(2026, 3, 12, 14, 0, 0, 0, util.IST),
			want: istDate(2026, 3, 12),
		},
		{
			name: "friday rolls to next week",
			now:  time.Date(2026, 3, 13, 10, 0, 0, 0, util.IST),
			want: istDate(2026, 3, 19),
		},
		{
			name:     "configured holiday advances a week",
			now:      time.Date(2026, 3, 10, 11, 0, 0, 0, util.IST),
			holidays: []string{"2026-03-12"},
			want:     istDate(2026, 3, 19),
		},
		{
			name: "christmas and new year cascade",
			now:  time.Date(2025, 12, 22, 11, 0, 0, 0, util.IST),
			want: istDate(2026, 1, 8),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Schedule.MarketHolidays = tt.holidays
			svc := newTestService(&stubBroker{}, cfg)

			got := svc.NearestWeeklyExpiry(tt.now)
			if !got.Equal(tt.want) {
				t.Errorf("NearestWeeklyExpiry(%v) = %v, want %v", tt.now, got, tt.want)
			}
			if got.Weekday() != time.Thursday {
				t.Errorf("expiry %v is not a Thursday", got)
			}
		})
	}
}

func testInstruments(expiry time.Time) []models.Instrument {
	return []models.Instrument{
		{Token: 111, Symbol: "NIFTY2631224500CE", Name: "NIFTY", InstrumentType: models.OptionCall,
			Strike: 24500, Expiry: expiry, LotSize: 75, Exchange: "NFO", Segment: "NFO-OPT"},
		{Token: 112, Symbol: "NIFTY2631224500PE", Name: "NIFTY", InstrumentType: models.OptionPut,
			Strike: 24500, Expiry: expiry, LotSize: 75, Exchange: "NFO", Segment: "NFO-OPT"},
		{Token: 113, Symbol: "NIFTY2631224550CE", Name: "NIFTY", InstrumentType: models.OptionCall,
			Strike: 24550, Expiry: expiry, LotSize: 75, Exchange: "NFO", Segment: "NFO-OPT"},
	}
}

func TestResolveOptionAndLotSize(t *testing.T) {
	expiry := istDate(2026, 3, 12)
	stub := &stubBroker{instruments: testInstruments(expiry)}
	svc := newTestService(stub, testConfig())
	if err := svc.LoadInstruments(context.Background()); err != nil {
		t.Fatalf("LoadInstruments: %v", err)
	}
	if svc.InstrumentCount() != 3 {
		t.Fatalf("expected 3 cached contracts, got %d", svc.InstrumentCount())
	}

	inst, err := svc.ResolveOption(models.OptionCall, 24500, expiry)
	if err != nil {
		t.Fatalf("ResolveOption: %v", err)
	}
	if inst.Symbol != "NIFTY2631224500CE" || inst.Token != 111 {
		t.Errorf("wrong contract resolved: %+v", inst)
	}

	if _, err := svc.ResolveOption(models.OptionPut, 24550, expiry); err == nil {
		t.Error("expected error for missing contract")
	}

	if lot := svc.LotSize(models.OptionCall, 24500, expiry); lot != 75 {
		t.Errorf("expected master lot 75, got %d", lot)
	}
	if lot := svc.LotSize(models.OptionPut, 24550, expiry); lot != 25 {
		t.Errorf("expected configured fallback lot 25, got %d", lot)
	}
}

func TestOptionChain_PairsLegs(t *testing.T) {
	expiry := istDate(2026, 3, 12)
	stub := &stubBroker{
		instruments: testInstruments(expiry),
		quotes: map[string]broker.Quote{
			"NFO:NIFTY2631224500CE": {
				LastPrice: 104.5, Volume: 120000, OI: 540000, NetChange: 3.2,
				Depth: broker.Depth{
					Buy:  []broker.DepthLevel{{Price: 104.3, Quantity: 150}},
					Sell: []broker.DepthLevel{{Price: 104.7, Quantity: 225}},
				},
			},
			"NFO:NIFTY2631224500PE": {LastPrice: 98.25, Volume: 90000, OI: 480000, NetChange: -2.1},
			"NFO:NIFTY2631224550CE": {LastPrice: 82.6, Volume: 65000, OI: 310000, NetChange: 1.4},
		},
	}
	svc := newTestService(stub, testConfig())
	if err := svc.LoadInstruments(context.Background()); err != nil {
		t.Fatalf("LoadInstruments: %v", err)
	}

	rows, err := svc.OptionChain(context.Background(), expiry, []float64{24550, 24500})
	if err != nil {
		t.Fatalf("OptionChain: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Strike != 24500 || rows[1].Strike != 24550 {
		t.Errorf("rows not sorted by strike: %v %v", rows[0].Strike, rows[1].Strike)
	}

	ce := rows[0].Call
	pe := rows[0].Put
	if ce == nil || pe == nil {
		t.Fatalf("24500 row must carry both legs: call=%v put=%v", ce, pe)
	}
	if ce.Price != 104.5 || ce.Bid != 104.3 || ce.Ask != 104.7 || ce.OI != 540000 {
		t.Errorf("call leg fields wrong: %+v", ce)
	}
	if pe.Price != 98.25 || pe.Bid != 0 || pe.Ask != 0 {
		t.Errorf("put leg fields wrong: %+v", pe)
	}
	if rows[1].Put != nil {
		t.Errorf("24550 has no PE contract, leg must be nil: %+v", rows[1].Put)
	}
	if rows[1].Call == nil || rows[1].Call.LotSize != 75 {
		t.Errorf("24550 call leg missing or lot wrong: %+v", rows[1].Call)
	}
}

func TestIsMarketOpen(t *testing.T) {
	t.Run("fresh quote wins", func(t *testing.T) {
		stub := &stubBroker{quotes: map[string]broker.Quote{
			spotSymbol: {LastPrice: 24500, LastTradeTime: broker.MarketTime{Time: time.Now().Add(-time.Minute)}},
		}}
		svc := newTestService(stub, testConfig())
		if !svc.IsMarketOpen(context.Background()) {
			t.Error("fresh last trade must report market open")
		}
	})

	t.Run("stale quote closes", func(t *testing.T) {
		stub := &stubBroker{quotes: map[string]broker.Quote{
			spotSymbol: {LastPrice: 24500, LastTradeTime: broker.MarketTime{Time: time.Now().Add(-10 * time.Minute)}},
		}}
		svc := newTestService(stub, testConfig())
		if svc.IsMarketOpen(context.Background()) {
			t.Error("stale last trade must report market closed")
		}
	})

	t.Run("broker failure falls back to clock", func(t *testing.T) {
		cfg := testConfig()
		stub := &stubBroker{quotesErr: context.DeadlineExceeded}
		svc := newTestService(stub, cfg)
		want := cfg.IsWithinTradingHours(time.Now())
		if got := svc.IsMarketOpen(context.Background()); got != want {
			t.Errorf("fallback mismatch: got %v, clock says %v", got, want)
		}
	})
}

func TestATMStrike(t *testing.T) {
	tests := []struct {
		spot float64
		step int
		want float64
	}{
		{24510, 50, 24500},
		{24525, 50, 24550},
		{24490, 50, 24500},
		{24500, 50, 24500},
		{24512.35, 0, 24512.35},
	}
	for _, tt := range tests {
		if got := ATMStrike(tt.spot, tt.step); got != tt.want {
			t.Errorf("ATMStrike(%v, %d) = %v, want %v", tt.spot, tt.step, got, tt.want)
		}
	}
}
